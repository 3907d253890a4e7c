package worldupgrade

import (
	"context"

	"github.com/eunmann/worldup/internal/logctx"
	"github.com/eunmann/worldup/pkg/auxstore"
	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/tag"
	"github.com/eunmann/worldup/pkg/upgrade"
)

// Fields holding data the game derives from blocks on load.
var (
	cachedChunkFields   = []string{"Heightmaps", "isLightOn"}
	cachedSectionFields = []string{"BlockLight", "SkyLight"}
)

// positionCheck compares the stored chunk position with the one implied by
// the file and slot. With eraseCache it also strips cached derived data.
func positionCheck(eraseCache bool) upgrade.Hook {
	return func(ctx context.Context, coord chunkpos.ChunkCoord, rec tag.Compound) (bool, error) {
		x, okX := rec.Int("xPos")
		z, okZ := rec.Int("zPos")
		if okX && okZ && (x != int64(coord.X) || z != int64(coord.Z)) {
			log := logctx.FromContext(ctx)
			log.Warn().
				Str("chunk", coord.String()).
				Int64("stored_x", x).
				Int64("stored_z", z).
				Msg("chunk stored at the wrong position")
		}
		if !eraseCache {
			return false, nil
		}
		return eraseCachedData(rec), nil
	}
}

func eraseCachedData(rec tag.Compound) bool {
	changed := false
	for _, k := range cachedChunkFields {
		if rec.Has(k) {
			delete(rec, k)
			changed = true
		}
	}
	sections, _ := rec.List("sections")
	for _, v := range sections {
		sec, ok := tag.AsCompound(v)
		if !ok {
			continue
		}
		for _, k := range cachedSectionFields {
			if sec.Has(k) {
				delete(sec, k)
				changed = true
			}
		}
	}
	return changed
}

// legacyFixer binds the structure fixer to the shared store.
func legacyFixer(store *auxstore.Store) upgrade.LegacyFixerFactory {
	return func(partition string) upgrade.Hook {
		fixer := auxstore.NewStructureFixer(store, partition)
		return func(_ context.Context, coord chunkpos.ChunkCoord, rec tag.Compound) (bool, error) {
			return fixer.Fix(coord, rec)
		}
	}
}
