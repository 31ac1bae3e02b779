// Package errs defines the error taxonomy shared by the registry, the
// materialization coordinator, the feature cache and the stream processor.
//
// Every typed error matches its sentinel through errors.Is, so callers can
// branch on the class without caring about the concrete context:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSpec     = errors.New("invalid_feature_spec")
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not_found")
	ErrStore    = errors.New("store_failure")
	ErrBroker   = errors.New("broker_failure")
	ErrCompute  = errors.New("compute_failure")
)

// SpecError reports a malformed or incomplete feature definition.
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	if e.Field == "" {
		return "invalid feature spec: " + e.Reason
	}
	return fmt.Sprintf("invalid feature spec: %s: %s", e.Field, e.Reason)
}

func (e *SpecError) Is(target error) bool { return target == ErrSpec }

// ConflictError reports an operation that collides with existing state.
type ConflictError struct {
	Resource string
	Key      string
	Reason   string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s %s conflict", e.Resource, e.Key)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports an unknown feature set, version or job.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError wraps a relational store or cache tier failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// BrokerError wraps an event broker failure.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string { return fmt.Sprintf("broker %s: %v", e.Op, e.Err) }
func (e *BrokerError) Unwrap() error { return e.Err }
func (e *BrokerError) Is(target error) bool {
	return target == ErrBroker
}

// ComputeError wraps a per-message feature computation failure.
type ComputeError struct {
	FeatureSet string
	Feature    string
	Err        error
}

func (e *ComputeError) Error() string {
	parts := []string{"compute"}
	if e.FeatureSet != "" {
		parts = append(parts, e.FeatureSet)
	}
	if e.Feature != "" {
		parts = append(parts, e.Feature)
	}
	return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Err)
}
func (e *ComputeError) Unwrap() error { return e.Err }
func (e *ComputeError) Is(target error) bool {
	return target == ErrCompute
}

func Spec(field, reason string) error {
	return &SpecError{Field: field, Reason: reason}
}

func NotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

func Conflict(resource, key, reason string) error {
	return &ConflictError{Resource: resource, Key: key, Reason: reason}
}

// Store wraps err as a StoreError unless it is nil or already classified.
func Store(op string, err error) error {
	if err == nil || classified(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Broker wraps err as a BrokerError unless it is nil or already classified.
func Broker(op string, err error) error {
	if err == nil || classified(err) {
		return err
	}
	return &BrokerError{Op: op, Err: err}
}

func Compute(featureSet, feature string, err error) error {
	if err == nil {
		return nil
	}
	return &ComputeError{FeatureSet: featureSet, Feature: feature, Err: err}
}

func classified(err error) bool {
	return errors.Is(err, ErrSpec) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStore) ||
		errors.Is(err, ErrBroker) ||
		errors.Is(err, ErrCompute)
}
