package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "spec", err: Spec("name", "required"), want: ErrSpec},
		{name: "conflict", err: Conflict("materialization", "1", "exists"), want: ErrConflict},
		{name: "not_found", err: NotFound("feature_set", "a"), want: ErrNotFound},
		{name: "store", err: Store("insert", errors.New("boom")), want: ErrStore},
		{name: "broker", err: Broker("read", errors.New("boom")), want: ErrBroker},
		{name: "compute", err: Compute("fs", "f", errors.New("boom")), want: ErrCompute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.want)
			assert.ErrorIs(t, fmt.Errorf("wrapped: %w", tc.err), tc.want)
		})
	}
}

func TestStoreKeepsExistingClassification(t *testing.T) {
	notFound := NotFound("feature_set", "a")
	err := Store("lookup", notFound)

	assert.Same(t, notFound, err)
	assert.NotErrorIs(t, err, ErrStore)
	assert.NoError(t, Store("noop", nil))
}

func TestStoreErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Store("upsert", cause)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "upsert", storeErr.Op)
	assert.ErrorIs(t, err, cause)
}
