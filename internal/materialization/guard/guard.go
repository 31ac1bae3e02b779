package guard

import (
	"errors"

	"github.com/smallbiznis/featurestore/internal/materialization/domain"
)

var (
	ErrNotOffline      = errors.New("materialization_not_offline")
	ErrNotOnline       = errors.New("materialization_not_online")
	ErrAlreadyRunning  = errors.New("materialization_already_running")
	ErrCancelled       = errors.New("materialization_cancelled")
	ErrInvalidMode     = errors.New("invalid_materialization_mode")
	ErrInvalidSchedule = errors.New("invalid_materialization_schedule")
	ErrTerminalStatus  = errors.New("materialization_terminal_status")
)

// EnsureCanRefresh checks that an offline materialization may start a refresh run.
func EnsureCanRefresh(m domain.Materialization) error {
	if !m.Mode.Offline() {
		return ErrNotOffline
	}
	switch m.Status {
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusPending:
		return nil
	case domain.StatusRunning:
		return ErrAlreadyRunning
	default:
		return ErrCancelled
	}
}

// EnsureCanCancel allows cancelling anything that is not already finished for good.
func EnsureCanCancel(m domain.Materialization) error {
	if m.Status == domain.StatusCancelled {
		return ErrTerminalStatus
	}
	return nil
}

// EnsureCanDisableOnline checks that an online feed may be switched off.
func EnsureCanDisableOnline(m domain.Materialization) error {
	if m.Mode != domain.ModeOnline {
		return ErrNotOnline
	}
	return EnsureCanCancel(m)
}

func EnsureSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if domain.ParseSchedule(schedule) <= 0 {
		return ErrInvalidSchedule
	}
	return nil
}

// BlocksOffline reports whether m occupies the single offline slot of its feature set.
func BlocksOffline(m domain.Materialization) bool {
	return m.Mode.Offline() && m.Status != domain.StatusFailed && m.Status != domain.StatusCancelled
}

// BlocksOnline reports whether m occupies the single online slot of its feature set.
func BlocksOnline(m domain.Materialization) bool {
	return m.Mode.Online() && m.Status != domain.StatusFailed && m.Status != domain.StatusCancelled
}
