package datafix

import (
	"strings"

	"github.com/eunmann/worldup/pkg/tag"
)

// Well-known data versions.
const (
	// CurrentVersion is the latest version of the built-in schema.
	CurrentVersion = 3955
	// LegacyStructureVersion is the version at which legacy structure data
	// must be moved out of chunk records.
	LegacyStructureVersion = 1493
	// FlatChunkVersion is the version at which chunk records lost their
	// "Level" wrapper.
	FlatChunkVersion = 2844
	// PoiDefaultVersion is assumed for poi records carrying no version.
	PoiDefaultVersion = 1945
)

// Builtin returns the built-in schema.
func Builtin() *Schema {
	s, err := NewSchema(CurrentVersion,
		Step{Version: 1466, Category: CategoryChunk, Name: "chunk_status", Apply: chunkStatus},
		Step{Version: LegacyStructureVersion, Category: CategoryChunk, Name: "legacy_structure_flag", Apply: legacyStructureFlag},
		Step{Version: 1961, Category: CategoryPoiChunk, Name: "poi_revalidate", Apply: poiRevalidate},
		Step{Version: 2700, Category: CategoryEntityChunk, Name: "entity_namespace_ids", Apply: entityNamespaceIDs},
		Step{Version: FlatChunkVersion, Category: CategoryChunk, Name: "flatten_level", Apply: flattenLevel},
	)
	if err != nil {
		panic(err)
	}
	return s
}

func chunkStatus(rec, _ tag.Compound) (tag.Compound, error) {
	level, ok := rec.Compound("Level")
	if !ok || !level.Has("TerrainPopulated") {
		return rec, nil
	}
	if level.Bool("TerrainPopulated") {
		level["Status"] = "full"
	} else {
		level["Status"] = "empty"
	}
	delete(level, "TerrainPopulated")
	return rec, nil
}

func legacyStructureFlag(rec, _ tag.Compound) (tag.Compound, error) {
	level, ok := rec.Compound("Level")
	if !ok {
		return rec, nil
	}
	if _, ok := level.List("LegacyStructures"); ok {
		level["hasLegacyStructureData"] = true
	}
	return rec, nil
}

func poiRevalidate(rec, _ tag.Compound) (tag.Compound, error) {
	sections, ok := rec.Compound("Sections")
	if !ok {
		return rec, nil
	}
	for _, v := range sections {
		if sec, ok := tag.AsCompound(v); ok {
			sec["Valid"] = false
		}
	}
	return rec, nil
}

func entityNamespaceIDs(rec, _ tag.Compound) (tag.Compound, error) {
	entities, ok := rec.List("Entities")
	if !ok {
		return rec, nil
	}
	for _, v := range entities {
		e, ok := tag.AsCompound(v)
		if !ok {
			continue
		}
		if id, ok := e.Str("id"); ok && !strings.Contains(id, ":") {
			e["id"] = "minecraft:" + strings.ToLower(id)
		}
	}
	return rec, nil
}

func flattenLevel(rec, _ tag.Compound) (tag.Compound, error) {
	level, ok := rec.Compound("Level")
	if !ok {
		return rec, nil
	}
	delete(rec, "Level")
	for k, v := range level {
		if k == "Sections" {
			k = "sections"
		}
		rec[k] = v
	}
	return rec, nil
}
