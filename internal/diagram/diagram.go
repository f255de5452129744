// Package diagram defines the shared diagram data model: cells, geometry,
// and the authoritative snapshot shape returned by the TMI API.
package diagram

import "golang.org/x/text/unicode/norm"

// Geometry is a cell's position and extent on the graph surface.
type Geometry struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Cell is one node or edge of a diagram. Edges carry Source/Target cell
// ids; nodes carry geometry. Style holds presentation attributes keyed by
// name. Structural ones (shape fill, stroke) and transient visual
// decoration (selection glow, hover filter) share this map, which is why
// history admission strips the visual keys before persisting.
type Cell struct {
	ID       string            `json:"id"`
	Shape    string            `json:"shape"`
	Geometry *Geometry         `json:"geometry,omitempty"`
	Source   string            `json:"source,omitempty"`
	Target   string            `json:"target,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	Label    string            `json:"label,omitempty"`
	Style    map[string]string `json:"style,omitempty"`
	Data     map[string]any    `json:"data,omitempty"`
}

// Clone returns a deep copy of the cell. Style and Data maps are copied;
// nested Data values are shared (they are treated as immutable payloads).
func (c *Cell) Clone() Cell {
	out := *c

	if c.Geometry != nil {
		g := *c.Geometry
		out.Geometry = &g
	}

	if c.Style != nil {
		out.Style = make(map[string]string, len(c.Style))
		for k, v := range c.Style {
			out.Style[k] = v
		}
	}

	if c.Data != nil {
		out.Data = make(map[string]any, len(c.Data))
		for k, v := range c.Data {
			out.Data[k] = v
		}
	}

	return out
}

// Snapshot is the authoritative diagram state returned by the server of
// record. UpdateVector is an opaque monotonic counter; nil means the
// server did not report one, which callers treat as a no-op rather than
// an error.
type Snapshot struct {
	Cells        []Cell `json:"cells"`
	UpdateVector *int64 `json:"update_vector"`
}

// NormalizeLabel returns the label in NFC form. Remote participants on
// macOS send decomposed (NFD) text; normalizing on ingestion keeps label
// comparisons and metadata stable across platforms.
func NormalizeLabel(label string) string {
	return norm.NFC.String(label)
}
