// Package testutil provides shared test helpers.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
)

// NewStore opens a migrated SQLite store in a temporary directory and closes
// it when the test ends.
func NewStore(t *testing.T, opts ...datastore.GateOption) *datastore.Store {
	t.Helper()
	store, err := datastore.OpenSQLite(filepath.Join(t.TempDir(), "crowdwarn.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
