package postprocess

import (
	"fmt"
	"os"
	"strings"
)

// Labels maps class ids to human-readable names.
type Labels []string

// LoadLabels reads a names file with one class per line (coco.names
// format). Blank trailing lines are ignored.
func LoadLabels(path string) (Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("postprocess: could not read class names: %w", err)
	}
	return ParseLabels(string(data)), nil
}

// ParseLabels splits a names file body into labels.
func ParseLabels(body string) Labels {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return Labels(lines)
}

// Name returns the label for a class id, or "class_<id>" when unknown.
func (l Labels) Name(classID int) string {
	if classID >= 0 && classID < len(l) && l[classID] != "" {
		return l[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}
