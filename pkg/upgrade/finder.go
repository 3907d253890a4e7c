package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eunmann/worldup/internal/logctx"
	"github.com/eunmann/worldup/pkg/chunkpos"
)

// WorkUnit is one non-empty region file and the chunks it holds. The file
// is not held open; the unit reopens it when its turn comes.
type WorkUnit struct {
	Path   string
	Region chunkpos.RegionCoord
	Coords []chunkpos.ChunkCoord
}

// FindWork scans dir for region files named r.<X>.<Z>.<ext> and returns one
// WorkUnit per file holding at least one chunk, in file name order. Files
// that fail to open are logged and left out. A missing dir yields no work.
// Each file is closed again once its populated slots are known.
func FindWork(ctx context.Context, dir, ext string, open OpenFunc) ([]WorkUnit, error) {
	log := logctx.FromContext(ctx)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list region dir %s: %w", dir, err)
	}

	var work []WorkUnit
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() {
			continue
		}
		region, err := chunkpos.ParseFileName(e.Name(), ext)
		if err != nil {
			continue
		}

		path := filepath.Join(dir, e.Name())
		store, err := open(path, region, false)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable region file")
			continue
		}

		var coords []chunkpos.ChunkCoord
		for lx := range chunkpos.RegionSize {
			for lz := range chunkpos.RegionSize {
				c := region.Chunk(lx, lz)
				if store.Exists(c) {
					coords = append(coords, c)
				}
			}
		}
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("closing scanned region file")
		}
		if len(coords) == 0 {
			continue
		}

		work = append(work, WorkUnit{
			Path:   path,
			Region: region,
			Coords: coords,
		})
	}
	return work, nil
}
