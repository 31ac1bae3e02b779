package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("constraint failed: UNIQUE constraint failed: feature_sets.tenant_id (2067)")))
	assert.False(t, IsDuplicateKeyErr(errors.New("connection refused")))
}

func TestDialect(t *testing.T) {
	d, err := Dialect(Config{Type: TypePostgres, Host: "localhost", Port: "5432"})
	assert.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = Dialect(Config{Type: TypeSQLite})
	assert.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	_, err = Dialect(Config{Type: "mysql"})
	assert.Error(t, err)
}
