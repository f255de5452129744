// Package history enforces the history-admission contract between the
// batching engine and the graph surface: structural mutations are
// recorded for undo/redo, visual-only decoration never is, and cells
// re-created by undo/redo start from a visually clean state.
package history

import (
	"github.com/tmeditor/collabengine/internal/batch"
	"github.com/tmeditor/collabengine/internal/diagram"
)

// Visual-only style keys. Mutations touching nothing but these are
// transient decoration and must never reach the history log.
var visualStyleKeys = map[string]struct{}{
	"selectionGlow": {},
	"hoverEffect":   {},
	"creationFlash": {},
	"toolOverlay":   {},
}

// IsVisualStyleKey reports whether a style key is transient decoration.
func IsVisualStyleKey(key string) bool {
	_, ok := visualStyleKeys[key]
	return ok
}

// IsVisualOnly reports whether a command's sole effect is visual
// decoration. Only property edits can be visual-only; create, delete,
// move, resize, and connect are always structural.
func IsVisualOnly(cmd *batch.Command) bool {
	if cmd.Type != batch.CommandPropertyEdit {
		return false
	}

	keys := editedStyleKeys(cmd)
	if len(keys) == 0 {
		return false
	}

	for _, k := range keys {
		if !IsVisualStyleKey(k) {
			return false
		}
	}

	return true
}

// editedStyleKeys extracts the style keys a property edit touches. A
// single-key edit carries "key"; a multi-key edit carries "style" with a
// nested map.
func editedStyleKeys(cmd *batch.Command) []string {
	if key, ok := cmd.Payload["key"].(string); ok {
		return []string{key}
	}

	style, ok := cmd.Payload["style"].(map[string]any)
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(style))
	for k := range style {
		keys = append(keys, k)
	}

	return keys
}

// Admit partitions a batch's commands into structural commands, which
// must be recorded, and a count of visual-only commands, which are
// discarded. Collaboration events are remote notifications, not local
// mutations, and are never history entries.
func Admit(b *batch.ChangeBatch) (structural []batch.Command, discarded int) {
	for i := range b.Commands {
		if IsVisualOnly(&b.Commands[i]) {
			discarded++
			continue
		}

		structural = append(structural, b.Commands[i])
	}

	return structural, discarded
}

// SanitizeCell strips visual decoration from a cell so the captured
// undo/redo state is pre-decoration. Tool overlays are reapplied from
// current selection state after restore, never from history.
func SanitizeCell(c diagram.Cell) diagram.Cell {
	out := c.Clone()

	for key := range out.Style {
		if IsVisualStyleKey(key) {
			delete(out.Style, key)
		}
	}

	if len(out.Style) == 0 {
		out.Style = nil
	}

	return out
}

// SanitizeCells applies SanitizeCell to a slice, returning a new slice.
func SanitizeCells(cells []diagram.Cell) []diagram.Cell {
	if cells == nil {
		return nil
	}

	out := make([]diagram.Cell, len(cells))
	for i := range cells {
		out[i] = SanitizeCell(cells[i])
	}

	return out
}
