package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmeditor/collabengine/internal/batch"
	"github.com/tmeditor/collabengine/internal/diagram"
	"github.com/tmeditor/collabengine/internal/history"
	"github.com/tmeditor/collabengine/internal/resync"
)

// MemoryGraph is an in-memory cell store implementing the graph side of
// the engine: the batch Applier, the resync CellLoader, and the
// SharedState collaborators. The daemon uses it as a headless session
// mirror; tests use it as a deterministic graph double.
type MemoryGraph struct {
	mu             sync.Mutex
	cells          map[string]diagram.Cell
	updateVector   int64
	applyingRemote bool
	resyncs        int
	logger         *slog.Logger
}

// NewMemoryGraph creates an empty in-memory graph.
func NewMemoryGraph(logger *slog.Logger) *MemoryGraph {
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryGraph{
		cells:  make(map[string]diagram.Cell),
		logger: logger,
	}
}

// ApplyBatch applies a batch's structural commands to the cell map.
// Visual-only commands are skipped: they must not change persisted
// state. Remote events describing cell payloads are applied the same
// way local commands are.
func (g *MemoryGraph) ApplyBatch(_ context.Context, b *batch.ChangeBatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	structural, _ := history.Admit(b)

	for i := range structural {
		if err := g.applyCommandLocked(&structural[i]); err != nil {
			return err
		}
	}

	return nil
}

// applyCommandLocked mutates the cell map for one command.
func (g *MemoryGraph) applyCommandLocked(cmd *batch.Command) error {
	switch cmd.Type {
	case batch.CommandCellAdd:
		cell := cellFromPayload(cmd)
		g.cells[cell.ID] = cell

	case batch.CommandCellRemove:
		delete(g.cells, cmd.CellID)

	case batch.CommandCellMove, batch.CommandCellResize:
		cell, ok := g.cells[cmd.CellID]
		if !ok {
			return fmt.Errorf("engine: cell %s not present for %s", cmd.CellID, cmd.Type)
		}

		geo := geometryFromPayload(cmd, cell.Geometry)
		cell.Geometry = &geo
		g.cells[cmd.CellID] = cell

	case batch.CommandEdgeConnect:
		cell, ok := g.cells[cmd.CellID]
		if !ok {
			return fmt.Errorf("engine: edge %s not present for connect", cmd.CellID)
		}

		if src, ok := cmd.Payload["source"].(string); ok {
			cell.Source = src
		}

		if tgt, ok := cmd.Payload["target"].(string); ok {
			cell.Target = tgt
		}

		g.cells[cmd.CellID] = cell

	case batch.CommandPropertyEdit:
		cell, ok := g.cells[cmd.CellID]
		if !ok {
			return fmt.Errorf("engine: cell %s not present for property edit", cmd.CellID)
		}

		if label, ok := cmd.Payload["label"].(string); ok {
			cell.Label = diagram.NormalizeLabel(label)
		}

		if style, ok := cmd.Payload["style"].(map[string]any); ok {
			if cell.Style == nil {
				cell.Style = make(map[string]string, len(style))
			}

			for k, v := range style {
				if s, ok := v.(string); ok {
					cell.Style[k] = s
				}
			}
		}

		g.cells[cmd.CellID] = cell
	}

	return nil
}

// LoadCells implements resync.CellLoader. With ClearExisting set the
// cell map is replaced wholesale; restored cells are sanitized so they
// carry no stale visual decoration into the refreshed state.
func (g *MemoryGraph) LoadCells(cells []diagram.Cell, _ resync.GraphHandle, diagramID string, _ resync.AdapterHandle, opts resync.LoadOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if opts.ClearExisting {
		g.cells = make(map[string]diagram.Cell, len(cells))
	}

	for _, cell := range history.SanitizeCells(cells) {
		g.cells[cell.ID] = cell
	}

	g.logger.Debug("cells loaded",
		slog.String("diagram_id", diagramID),
		slog.Int("count", len(cells)),
		slog.String("source", opts.Source),
		slog.Bool("clear_existing", opts.ClearExisting),
	)

	return nil
}

// UpdateState implements resync.SharedState.
func (g *MemoryGraph) UpdateState(updateVector int64, origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.updateVector = updateVector

	g.logger.Debug("update vector advanced",
		slog.Int64("update_vector", updateVector),
		slog.String("origin", origin),
	)
}

// SetApplyingRemoteChange implements resync.SharedState. While set,
// layers watching the graph suppress local-echo feedback.
func (g *MemoryGraph) SetApplyingRemoteChange(applying bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.applyingRemote = applying
}

// ResyncComplete implements resync.SharedState.
func (g *MemoryGraph) ResyncComplete() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resyncs++
}

// ApplyingRemoteChange reports the current suppression flag.
func (g *MemoryGraph) ApplyingRemoteChange() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.applyingRemote
}

// UpdateVector returns the last propagated update vector.
func (g *MemoryGraph) UpdateVector() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.updateVector
}

// CellCount returns the number of cells currently held.
func (g *MemoryGraph) CellCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.cells)
}

// Cell returns a copy of the cell with the given id.
func (g *MemoryGraph) Cell(id string) (diagram.Cell, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cell, ok := g.cells[id]
	if !ok {
		return diagram.Cell{}, false
	}

	return cell.Clone(), true
}

// cellFromPayload builds a cell from an add command's payload.
func cellFromPayload(cmd *batch.Command) diagram.Cell {
	cell := diagram.Cell{ID: cmd.CellID}

	if shape, ok := cmd.Payload["shape"].(string); ok {
		cell.Shape = shape
	}

	if label, ok := cmd.Payload["label"].(string); ok {
		cell.Label = diagram.NormalizeLabel(label)
	}

	if parent, ok := cmd.Payload["parent"].(string); ok {
		cell.Parent = parent
	}

	geo := geometryFromPayload(cmd, nil)
	if geo != (diagram.Geometry{}) {
		cell.Geometry = &geo
	}

	return cell
}

// geometryFromPayload merges x/y/width/height payload fields over an
// existing geometry, if any.
func geometryFromPayload(cmd *batch.Command, existing *diagram.Geometry) diagram.Geometry {
	var geo diagram.Geometry
	if existing != nil {
		geo = *existing
	}

	if x, ok := toFloat(cmd.Payload["x"]); ok {
		geo.X = x
	}

	if y, ok := toFloat(cmd.Payload["y"]); ok {
		geo.Y = y
	}

	if w, ok := toFloat(cmd.Payload["width"]); ok {
		geo.Width = w
	}

	if h, ok := toFloat(cmd.Payload["height"]); ok {
		geo.Height = h
	}

	return geo
}

// toFloat accepts the numeric types JSON decoding and Go literals
// produce for payload coordinates.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
