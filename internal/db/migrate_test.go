package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIfEnabled(t *testing.T) {
	var calls []string
	orig := migrateFn
	migrateFn = func(dsn string) error {
		calls = append(calls, dsn)
		return nil
	}
	t.Cleanup(func() { migrateFn = orig })

	require.NoError(t, MigrateIfEnabled(false, "postgres://off"))
	assert.Empty(t, calls)

	require.NoError(t, MigrateIfEnabled(true, "postgres://on"))
	assert.Equal(t, []string{"postgres://on"}, calls)
}

func TestMigrateIfEnabledPropagatesError(t *testing.T) {
	orig := migrateFn
	boom := errors.New("dirty")
	migrateFn = func(string) error { return boom }
	t.Cleanup(func() { migrateFn = orig })

	assert.ErrorIs(t, MigrateIfEnabled(true, "postgres://x"), boom)
}
