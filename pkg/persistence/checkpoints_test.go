package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumSeparatesFields(t *testing.T) {
	// The field separator keeps ("ab","") and ("a","b") from colliding.
	assert.NotEqual(t, Checksum("ab", ""), Checksum("a", "b"))
	assert.Equal(t, Checksum("ctx", "{}"), Checksum("ctx", "{}"))
}

func TestSaveCheckpointAdvancesStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")

	cp := &Checkpoint{
		SessionID:   "sess-1",
		StageIndex:  0,
		ContextJSON: `{"version":1}`,
		VarsJSON:    `{"branch":"main"}`,
	}
	require.NoError(t, store.SaveCheckpoint(ctx, cp))
	assert.NotEmpty(t, cp.Checksum)

	session, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, session.StageIndex, "committing stage 0 points the session at stage 1")

	loaded, err := store.LatestCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, loaded.ContextJSON)
	assert.Equal(t, `{"branch":"main"}`, loaded.VarsJSON)
	assert.Equal(t, cp.Checksum, loaded.Checksum)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestSaveCheckpointDefaultsVars(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")

	require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{
		SessionID:   "sess-1",
		StageIndex:  0,
		ContextJSON: `{}`,
	}))

	loaded, err := store.LatestCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "{}", loaded.VarsJSON)
}

func TestSaveCheckpointUpsertsSameStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")

	require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "sess-1", StageIndex: 0, ContextJSON: `{"try":1}`,
	}))
	require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "sess-1", StageIndex: 0, ContextJSON: `{"try":2}`,
	}))

	loaded, err := store.LatestCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, `{"try":2}`, loaded.ContextJSON)

	var count int
	err = store.db.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE session_id = 'sess-1'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveCheckpointMissingSessionRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "missing", StageIndex: 0, ContextJSON: `{}`,
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.LatestCheckpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoCheckpoint, "failed save must not leave a checkpoint row behind")
}

func TestLatestCheckpointPicksHighestStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")

	for i, payload := range []string{`{"stage":0}`, `{"stage":1}`, `{"stage":2}`} {
		require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{
			SessionID: "sess-1", StageIndex: i, ContextJSON: payload,
		}))
	}

	loaded, err := store.LatestCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.StageIndex)
	assert.Equal(t, `{"stage":2}`, loaded.ContextJSON)
}

func TestLatestCheckpointMissing(t *testing.T) {
	store := newTestStore(t)
	createTestSession(t, store, "sess-1")

	_, err := store.LatestCheckpoint(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestLatestCheckpointDetectsCorruption(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "sess-1")

	require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "sess-1", StageIndex: 0, ContextJSON: `{"version":1}`,
	}))
	_, err := store.db.Exec(`UPDATE checkpoints SET checksum = 'bogus' WHERE session_id = 'sess-1'`)
	require.NoError(t, err)

	_, err = store.LatestCheckpoint(ctx, "sess-1")
	var corrupt *CheckpointCorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "sess-1", corrupt.SessionID)
	assert.Equal(t, 0, corrupt.StageIndex)

	// The stored row is left untouched for inspection.
	var contextJSON, checksum string
	err = store.db.QueryRow(`SELECT context_json, checksum FROM checkpoints WHERE session_id = 'sess-1'`).
		Scan(&contextJSON, &checksum)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, contextJSON)
	assert.Equal(t, "bogus", checksum)
}
