package history

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmeditor/collabengine/internal/batch"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "history.db")

	store, err := OpenStore(context.Background(), path, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_RecordAndRecent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	b := batch.ChangeBatch{
		ID:        "batch-1",
		Timestamp: time.Now(),
		Commands: []batch.Command{
			{Type: batch.CommandCellAdd, UserID: "alice", DiagramID: "diag-1", CellID: "c1"},
			{Type: batch.CommandCellMove, UserID: "alice", DiagramID: "diag-1", CellID: "c1"},
		},
		Metadata: batch.Metadata{UserIDs: []string{"alice"}},
	}

	written, err := store.Record(ctx, &b)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	entries, err := store.Recent(ctx, "diag-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "batch-1", e.BatchID)
	assert.Equal(t, "diag-1", e.DiagramID)
	assert.Equal(t, []string{"alice"}, e.UserIDs)
	assert.Equal(t, []string{"cell_add", "cell_move"}, e.ChangeTypes)
	require.Len(t, e.Commands, 2)
	assert.Equal(t, batch.CommandCellAdd, e.Commands[0].Type)
	assert.Equal(t, "c1", e.Commands[0].CellID)
}

func TestStore_VisualOnlyBatchProducesNoEntry(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	b := batch.ChangeBatch{
		ID:        "batch-visual",
		Timestamp: time.Now(),
		Commands: []batch.Command{
			{Type: batch.CommandPropertyEdit, DiagramID: "diag-1", Payload: map[string]any{"key": "selectionGlow"}},
			{Type: batch.CommandPropertyEdit, DiagramID: "diag-1", Payload: map[string]any{"key": "hoverEffect"}},
		},
	}

	written, err := store.Record(ctx, &b)
	require.NoError(t, err)
	assert.Zero(t, written)

	entries, err := store.Recent(ctx, "diag-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_EventOnlyBatchProducesNoEntry(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	b := batch.ChangeBatch{
		ID:        "batch-events",
		Timestamp: time.Now(),
		Events: []batch.CollaborationEvent{
			{Type: batch.EventUserJoin, UserID: "bob", DiagramID: "diag-1"},
		},
	}

	written, err := store.Record(ctx, &b)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestStore_SplitsEntriesPerDiagram(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	b := batch.ChangeBatch{
		ID:        "batch-multi",
		Timestamp: time.Now(),
		Commands: []batch.Command{
			{Type: batch.CommandCellAdd, DiagramID: "diag-1", CellID: "c1"},
			{Type: batch.CommandCellAdd, DiagramID: "diag-2", CellID: "c2"},
		},
	}

	written, err := store.Record(ctx, &b)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	for _, diagramID := range []string{"diag-1", "diag-2"} {
		entries, err := store.Recent(ctx, diagramID, 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "diagram %s", diagramID)
	}
}

func TestStore_RecentNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now()

	for i := range 3 {
		b := batch.ChangeBatch{
			ID:        "batch-" + string(rune('a'+i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Commands: []batch.Command{
				{Type: batch.CommandCellAdd, DiagramID: "diag-1", CellID: "c1"},
			},
		}

		_, err := store.Record(ctx, &b)
		require.NoError(t, err)
	}

	entries, err := store.Recent(ctx, "diag-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "batch-c", entries[0].BatchID)
	assert.Equal(t, "batch-b", entries[1].BatchID)
}

func TestStore_Prune(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now()

	for i := range 5 {
		b := batch.ChangeBatch{
			ID:        "batch-" + string(rune('a'+i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Commands: []batch.Command{
				{Type: batch.CommandCellAdd, DiagramID: "diag-1", CellID: "c1"},
			},
		}

		_, err := store.Record(ctx, &b)
		require.NoError(t, err)
	}

	pruned, err := store.Prune(ctx, "diag-1", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pruned)

	entries, err := store.Recent(ctx, "diag-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "batch-e", entries[0].BatchID)
}
