package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a fresh database under t.TempDir and closes it when the
// test ends.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// createTestSession inserts a minimal session row and returns it re-read so
// tests see the database defaults.
func createTestSession(t *testing.T, store *Store, sessionID string) *Session {
	t.Helper()

	ctx := context.Background()
	err := store.CreateSession(ctx, &Session{
		SessionID:  sessionID,
		RecipeName: "release",
		RecipePath: "recipes/release.yaml",
	})
	require.NoError(t, err)

	session, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	return session
}

func TestOpenCreatesSchema(t *testing.T) {
	store := newTestStore(t)

	version, err := GetSchemaVersion(store.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestReopenPreservesData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.CreateSession(ctx, &Session{
		SessionID:  "sess-1",
		RecipeName: "release",
		RecipePath: "recipes/release.yaml",
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	session, err := reopened.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "release", session.RecipeName)

	version, err := GetSchemaVersion(reopened.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	store, err := Open(dbPath)
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion+5)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestForeignKeysEnforced(t *testing.T) {
	store := newTestStore(t)

	err := store.CreateApproval(context.Background(), &Approval{
		ApprovalID: "appr-1",
		SessionID:  "no-such-session",
		StageIndex: 0,
		StageName:  "plan",
	})
	require.Error(t, err)
}
