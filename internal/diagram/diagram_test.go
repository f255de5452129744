package diagram

import "testing"

func TestNormalizeLabel(t *testing.T) {
	t.Parallel()

	decomposed := "Entre\u0065\u0301" // e + combining acute
	composed := "Entr\u00e9e"

	if got := NormalizeLabel(decomposed); got != composed {
		t.Errorf("NormalizeLabel(%q) = %q, want %q", decomposed, got, composed)
	}

	if got := NormalizeLabel(composed); got != composed {
		t.Errorf("NFC input should be unchanged, got %q", got)
	}

	if got := NormalizeLabel(""); got != "" {
		t.Errorf("empty label should stay empty, got %q", got)
	}
}

func TestCellClone(t *testing.T) {
	t.Parallel()

	cell := Cell{
		ID:       "c1",
		Shape:    "process",
		Geometry: &Geometry{X: 1, Y: 2, Width: 3, Height: 4},
		Style:    map[string]string{"fill": "#fff"},
		Data:     map[string]any{"threat": "spoofing"},
	}

	clone := cell.Clone()

	clone.Geometry.X = 99
	clone.Style["fill"] = "#000"
	clone.Data["threat"] = "tampering"

	if cell.Geometry.X != 1 {
		t.Errorf("Geometry shared between clone and original: X = %v", cell.Geometry.X)
	}

	if cell.Style["fill"] != "#fff" {
		t.Errorf("Style shared between clone and original: %v", cell.Style)
	}

	if cell.Data["threat"] != "spoofing" {
		t.Errorf("Data map shared between clone and original: %v", cell.Data)
	}
}

func TestCellClone_NilMaps(t *testing.T) {
	t.Parallel()

	cell := Cell{ID: "c1"}
	clone := cell.Clone()

	if clone.Geometry != nil || clone.Style != nil || clone.Data != nil {
		t.Errorf("clone of bare cell grew fields: %+v", clone)
	}
}
