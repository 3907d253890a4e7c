package worldupgrade

import (
	"context"
	"path/filepath"

	"github.com/eunmann/worldup/internal/logctx"
	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/upgrade"
)

// ScanEntry counts the work of one category in one partition.
type ScanEntry struct {
	Category  string `json:"category"`
	Partition string `json:"partition"`
	Files     int    `json:"files"`
	Chunks    int64  `json:"chunks"`
}

// Scan counts region files and chunks without changing anything.
func (o *Orchestrator) Scan(ctx context.Context) ([]ScanEntry, error) {
	var out []ScanEntry
	for _, cat := range categories {
		for _, p := range o.opts.Partitions {
			pctx := logctx.WithStr(ctx, logctx.KeyCategory, cat.name)
			pctx = logctx.WithStr(pctx, logctx.KeyPartition, p.Name)

			dir := filepath.Join(o.opts.WorldDir, p.Dir, cat.folder)
			work, err := upgrade.FindWork(pctx, dir, chunkpos.DefaultExt, o.opts.Open)
			if err != nil {
				return out, err
			}
			e := ScanEntry{Category: cat.name, Partition: p.Name, Files: len(work)}
			for _, w := range work {
				e.Chunks += int64(len(w.Coords))
			}
			out = append(out, e)
		}
	}
	return out, nil
}
