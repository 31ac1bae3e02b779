package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/featurestore/internal/errs"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "not_found",
			err:  fmt.Errorf("refresh: %w", errs.NotFound("materialization", "42")),
			want: SchedulerJobReasonNotFound,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "featurestore",
		Environment: "test",
	})

	metrics.AddBatchProcessed("refresh_views", "materializations", 3)
	metrics.AddBatchProcessed("refresh_views", "materializations", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("refresh_views", "materializations"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errs.Store("update", errors.New("conn reset"))) {
		t.Fatal("store errors should be retryable")
	}
	if IsRetryable(errs.Spec("name", "is required")) {
		t.Fatal("spec errors should not be retryable")
	}
}
