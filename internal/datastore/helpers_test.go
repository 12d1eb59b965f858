package datastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// noWait skips backoff sleeps so retry tests run instantly.
func noWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// setupTestStore opens a fresh SQLite store in a temporary directory.
func setupTestStore(t *testing.T, opts ...GateOption) *Store {
	t.Helper()

	base := []GateOption{
		WithWaitFunc(noWait),
		WithGateLogger(logger.NewDiscardLogger()),
	}
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "crowdwarn.db"), append(base, opts...)...)
	require.NoError(t, err, "failed to open test store")

	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seedRawItem(t *testing.T, s *Store, kind SourceKind, externalID, content string) RawItem {
	t.Helper()
	item := RawItem{Kind: kind, ExternalID: externalID, Content: content, CreatedAt: time.Now()}
	require.NoError(t, s.DB.Create(&item).Error)
	return item
}

func seedFinding(t *testing.T, s *Store, f Finding) Finding {
	t.Helper()
	if f.SourceKind == "" {
		f.SourceKind = KindTopic
	}
	require.NoError(t, s.DB.Create(&f).Error)
	return f
}
