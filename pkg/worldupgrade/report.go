package worldupgrade

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/eunmann/worldup/pkg/fileutil"
)

// writeReport writes res as indented JSON, replacing path atomically.
func writeReport(path string, res Result) error {
	return fileutil.WriteTmpThenMove(path, func(tmpPath string) error {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		return os.WriteFile(tmpPath, append(data, '\n'), 0o644)
	})
}
