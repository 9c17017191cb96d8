// Package storetest opens throwaway stores for tests.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"settlement-service/internal/store"

	"github.com/stretchr/testify/require"
)

var seq atomic.Int64

// New returns a store over a private in-memory SQLite database that is
// closed when the test ends.
func New(t testing.TB) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:settlement_test_%d?mode=memory&cache=shared", seq.Add(1))
	s, err := store.OpenSQLite(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
