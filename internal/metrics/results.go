package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteResults saves all metric series to
// <dir>/<docName>_step_<tick>_results.json, probing _1, _2… suffixes so an
// existing file is never overwritten. Returns the path written.
func WriteResults(dir, docName string, tick int, series map[string][]Sample) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	base := fmt.Sprintf("%s_step_%d_results", docName, tick)
	path := filepath.Join(dir, base+".json")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.json", base, i))
	}

	data, err := json.MarshalIndent(series, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	return path, nil
}
