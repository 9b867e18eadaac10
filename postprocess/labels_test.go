package postprocess

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLabels(t *testing.T) {
	labels := ParseLabels("person\r\nbicycle\ncar\n\n\n")

	if len(labels) != 3 {
		t.Fatalf("got %d labels, want 3: %q", len(labels), labels)
	}

	testCases := []struct {
		id   int
		want string
	}{
		{0, "person"},
		{2, "car"},
		{3, "class_3"},
		{-1, "class_-1"},
	}
	for _, tc := range testCases {
		if got := labels.Name(tc.id); got != tc.want {
			t.Errorf("Name(%d) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coco.names")
	if err := os.WriteFile(path, []byte("person\nbicycle\n"), 0o644); err != nil {
		t.Fatalf("write names: %v", err)
	}

	labels, err := LoadLabels(path)
	if err != nil {
		t.Fatalf("LoadLabels() error: %v", err)
	}
	if labels.Name(1) != "bicycle" {
		t.Errorf("Name(1) = %q, want bicycle", labels.Name(1))
	}

	if _, err := LoadLabels(filepath.Join(t.TempDir(), "missing.names")); err == nil {
		t.Error("Expected error for missing file")
	}
}
