package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// GetFeatureVector serves an entity's vector of an active feature set,
	// reading through the fast tier, the durable tier and finally the
	// offline view. Version 0 means the newest active version.
	GetFeatureVector(ctx context.Context, tenantID, name string, version int, entityID string) (*Vector, error)
	// Put writes a computed vector to the fast tier and mirrors it to the
	// durable tier. Only a fast tier failure is returned.
	Put(ctx context.Context, req WriteRequest) error
	Invalidate(ctx context.Context, key Key) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidEntity = errors.New("invalid_entity")
)
