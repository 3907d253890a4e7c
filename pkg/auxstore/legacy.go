package auxstore

import (
	"fmt"

	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/tag"
)

// StructureFixer moves legacy per-chunk structure data into the auxiliary
// store. Chunks flagged with hasLegacyStructureData list their structure
// names under Level.LegacyStructures; the fixer indexes each chunk under
// "structures/<partition>/<name>" and rewrites the chunk to hold references.
type StructureFixer struct {
	store     *Store
	partition string
}

// NewStructureFixer returns a fixer writing into store for one partition.
func NewStructureFixer(store *Store, partition string) *StructureFixer {
	return &StructureFixer{store: store, partition: partition}
}

// IndexKey returns the auxiliary store key for a structure in a partition.
func IndexKey(partition, name string) string {
	return "structures/" + partition + "/" + name
}

// Fix converts the legacy data in rec and reports whether it changed rec.
func (f *StructureFixer) Fix(coord chunkpos.ChunkCoord, rec tag.Compound) (bool, error) {
	level, ok := rec.Compound("Level")
	if !ok || !level.Bool("hasLegacyStructureData") {
		return false, nil
	}

	names, _ := level.List("LegacyStructures")
	refs := make(map[string]any, len(names))
	for _, v := range names {
		name, ok := v.(string)
		if !ok {
			continue
		}
		if err := f.index(name, coord); err != nil {
			return false, err
		}
		refs[name] = []any{pack(coord)}
	}

	level["Structures"] = map[string]any{"References": refs}
	delete(level, "LegacyStructures")
	delete(level, "hasLegacyStructureData")
	return true, nil
}

func (f *StructureFixer) index(name string, coord chunkpos.ChunkCoord) error {
	key := IndexKey(f.partition, name)
	idx, ok, err := f.store.Get(key)
	if err != nil {
		return fmt.Errorf("load structure index %q: %w", key, err)
	}
	if !ok {
		idx = tag.Compound{"Chunks": []any{}}
	}
	chunks, _ := idx.List("Chunks")
	packed := pack(coord)
	for _, c := range chunks {
		if n, ok := tag.AsInt(c); ok && n == packed {
			return nil
		}
	}
	idx["Chunks"] = append(chunks, packed)
	if err := f.store.Set(key, idx); err != nil {
		return fmt.Errorf("store structure index %q: %w", key, err)
	}
	return nil
}

// pack encodes a chunk coordinate as a single int64.
func pack(c chunkpos.ChunkCoord) int64 {
	return int64(c.X)<<32 | int64(uint32(c.Z))
}

// Unpack decodes a coordinate produced by the fixer.
func Unpack(v int64) chunkpos.ChunkCoord {
	return chunkpos.ChunkCoord{X: int32(v >> 32), Z: int32(uint32(v))}
}
