package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmeditor/collabengine/internal/batch"
	"github.com/tmeditor/collabengine/internal/diagram"
	"github.com/tmeditor/collabengine/internal/resync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMemoryGraph_ApplyCommands(t *testing.T) {
	t.Parallel()

	g := NewMemoryGraph(testLogger(t))
	ctx := context.Background()

	b := batch.ChangeBatch{
		ID: "b1",
		Commands: []batch.Command{
			{Type: batch.CommandCellAdd, CellID: "c1", Payload: map[string]any{
				"shape": "process", "label": "Auth", "x": 10.0, "y": 20.0, "width": 80.0, "height": 40.0,
			}},
			{Type: batch.CommandCellAdd, CellID: "e1", Payload: map[string]any{"shape": "flow"}},
			{Type: batch.CommandCellMove, CellID: "c1", Payload: map[string]any{"x": 30.0, "y": 40.0}},
			{Type: batch.CommandEdgeConnect, CellID: "e1", Payload: map[string]any{"source": "c1", "target": "c2"}},
			{Type: batch.CommandPropertyEdit, CellID: "c1", Payload: map[string]any{"label": "Auth Service"}},
		},
	}

	require.NoError(t, g.ApplyBatch(ctx, &b))

	cell, ok := g.Cell("c1")
	require.True(t, ok)
	assert.Equal(t, "process", cell.Shape)
	assert.Equal(t, "Auth Service", cell.Label)
	require.NotNil(t, cell.Geometry)
	assert.Equal(t, 30.0, cell.Geometry.X)
	assert.Equal(t, 40.0, cell.Geometry.Y)
	assert.Equal(t, 80.0, cell.Geometry.Width)

	edge, ok := g.Cell("e1")
	require.True(t, ok)
	assert.Equal(t, "c1", edge.Source)
	assert.Equal(t, "c2", edge.Target)
}

func TestMemoryGraph_RemoveCell(t *testing.T) {
	t.Parallel()

	g := NewMemoryGraph(testLogger(t))
	ctx := context.Background()

	add := batch.ChangeBatch{Commands: []batch.Command{
		{Type: batch.CommandCellAdd, CellID: "c1"},
	}}
	require.NoError(t, g.ApplyBatch(ctx, &add))
	require.Equal(t, 1, g.CellCount())

	remove := batch.ChangeBatch{Commands: []batch.Command{
		{Type: batch.CommandCellRemove, CellID: "c1"},
	}}
	require.NoError(t, g.ApplyBatch(ctx, &remove))
	assert.Zero(t, g.CellCount())
}

func TestMemoryGraph_VisualOnlyCommandsSkipped(t *testing.T) {
	t.Parallel()

	g := NewMemoryGraph(testLogger(t))
	ctx := context.Background()

	// The cell does not exist, so a structural property edit would fail.
	// A visual-only edit is filtered before it reaches the graph.
	b := batch.ChangeBatch{Commands: []batch.Command{
		{Type: batch.CommandPropertyEdit, CellID: "ghost", Payload: map[string]any{"key": "selectionGlow"}},
	}}

	require.NoError(t, g.ApplyBatch(ctx, &b))
	assert.Zero(t, g.CellCount())
}

func TestMemoryGraph_MoveMissingCellFails(t *testing.T) {
	t.Parallel()

	g := NewMemoryGraph(testLogger(t))

	b := batch.ChangeBatch{Commands: []batch.Command{
		{Type: batch.CommandCellMove, CellID: "ghost", Payload: map[string]any{"x": 1.0}},
	}}

	require.Error(t, g.ApplyBatch(context.Background(), &b))
}

func TestMemoryGraph_LoadCellsClearsAndSanitizes(t *testing.T) {
	t.Parallel()

	g := NewMemoryGraph(testLogger(t))
	ctx := context.Background()

	stale := batch.ChangeBatch{Commands: []batch.Command{
		{Type: batch.CommandCellAdd, CellID: "old"},
	}}
	require.NoError(t, g.ApplyBatch(ctx, &stale))

	cells := []diagram.Cell{
		{ID: "c1", Shape: "store", Style: map[string]string{"fill": "#eee", "selectionGlow": "on"}},
		{ID: "c2", Shape: "actor"},
	}

	err := g.LoadCells(cells, nil, "diag-1", nil, resync.LoadOptions{
		ClearExisting:   true,
		UpdateEmbedding: true,
		Source:          "resync",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, g.CellCount())

	_, ok := g.Cell("old")
	assert.False(t, ok, "stale cell should be cleared")

	c1, ok := g.Cell("c1")
	require.True(t, ok)
	assert.Equal(t, "#eee", c1.Style["fill"])
	assert.NotContains(t, c1.Style, "selectionGlow")
}

func TestMemoryGraph_LoadCellsMergeWithoutClear(t *testing.T) {
	t.Parallel()

	g := NewMemoryGraph(testLogger(t))
	ctx := context.Background()

	existing := batch.ChangeBatch{Commands: []batch.Command{
		{Type: batch.CommandCellAdd, CellID: "keep"},
	}}
	require.NoError(t, g.ApplyBatch(ctx, &existing))

	err := g.LoadCells([]diagram.Cell{{ID: "new"}}, nil, "diag-1", nil, resync.LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, g.CellCount())
}

func TestMemoryGraph_SharedState(t *testing.T) {
	t.Parallel()

	g := NewMemoryGraph(testLogger(t))

	assert.False(t, g.ApplyingRemoteChange())

	g.SetApplyingRemoteChange(true)
	assert.True(t, g.ApplyingRemoteChange())

	g.SetApplyingRemoteChange(false)
	assert.False(t, g.ApplyingRemoteChange())

	g.UpdateState(42, "websocket")
	assert.EqualValues(t, 42, g.UpdateVector())
}
