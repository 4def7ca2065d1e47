package integrity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/wI2L/jsondiff"
	"gopkg.in/yaml.v3"
)

// maxStructuredSize bounds the content kept for change summaries.
const maxStructuredSize = 256 * 1024

func structured(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// readStructured returns the artifact content when it is a small
// JSON/YAML document, nil otherwise.
func readStructured(path string) []byte {
	if !structured(path) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxStructuredSize {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

// toJSON normalises a JSON or YAML document to JSON.
func toJSON(data []byte) ([]byte, bool) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	return out, true
}

// changeSummary lists the JSON pointer paths that differ between two
// documents as "<op> <path>". It returns nil when either side is not a
// parseable structured document.
func changeSummary(before, after []byte) []string {
	if before == nil || after == nil {
		return nil
	}
	src, ok := toJSON(before)
	if !ok {
		return nil
	}
	dst, ok := toJSON(after)
	if !ok {
		return nil
	}
	patch, err := jsondiff.CompareJSON(src, dst)
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, op := range patch {
		path := op.Path
		if path == "" {
			path = "/"
		}
		line := op.Type + " " + path
		if !seen[line] {
			seen[line] = true
			out = append(out, line)
		}
	}
	return out
}
