package upgrade

import (
	"context"
	"slices"

	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/datafix"
	"github.com/eunmann/worldup/pkg/tag"
)

// Hook is a migration step run at a fixed data version. The record has been
// migrated to that version when the hook runs; the hook may mutate it and
// reports whether it did.
type Hook func(ctx context.Context, coord chunkpos.ChunkCoord, rec tag.Compound) (changed bool, err error)

// LegacyFixerFactory builds the legacy-structure hook for one partition.
type LegacyFixerFactory func(partition string) Hook

type hookEntry struct {
	version int
	hook    Hook
}

// hookSet is an immutable version-ordered set of hooks. with returns a new
// set and never modifies the receiver, so sets can be shared freely.
type hookSet struct {
	entries []hookEntry
}

func (s hookSet) find(version int) (int, bool) {
	return slices.BinarySearchFunc(s.entries, version, func(e hookEntry, v int) int {
		return e.version - v
	})
}

func (s hookSet) has(version int) bool {
	_, found := s.find(version)
	return found
}

func (s hookSet) with(version int, h Hook) hookSet {
	i, found := s.find(version)
	next := make([]hookEntry, 0, len(s.entries)+1)
	next = append(next, s.entries[:i]...)
	next = append(next, hookEntry{version: version, hook: h})
	if found {
		i++
	}
	next = append(next, s.entries[i:]...)
	return hookSet{entries: next}
}

func (s hookSet) versions() []int {
	out := make([]int, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.version
	}
	return out
}

// Config describes how one storage category is upgraded.
type Config struct {
	name           string
	folder         string
	ext            string
	category       datafix.Category
	defaultVersion int
	recreate       bool
	context        tag.Compound
	legacyFixer    LegacyFixerFactory
	hooks          hookSet
}

// Name returns the category name used in logs and progress.
func (c Config) Name() string { return c.name }

// Folder returns the storage folder below a partition directory.
func (c Config) Folder() string { return c.folder }

// Ext returns the region file extension.
func (c Config) Ext() string { return c.ext }

// Category returns the data-fix category of the records.
func (c Config) Category() datafix.Category { return c.category }

// DefaultVersion is assumed for records without a data version.
func (c Config) DefaultVersion() int { return c.defaultVersion }

// Recreate reports whether every record is rewritten into fresh files.
func (c Config) Recreate() bool { return c.recreate }

// Context returns the context record handed to the migrator.
func (c Config) Context() tag.Compound { return c.context }

// HookVersions returns the versions of the registered hooks in ascending order.
func (c Config) HookVersions() []int { return c.hooks.versions() }

// Builder assembles a Config.
type Builder struct {
	cfg Config
}

// NewBuilder starts a config for a category stored in folder.
func NewBuilder(name, folder string, category datafix.Category) *Builder {
	return &Builder{cfg: Config{
		name:     name,
		folder:   folder,
		ext:      chunkpos.DefaultExt,
		category: category,
	}}
}

// Extension sets the region file extension.
func (b *Builder) Extension(ext string) *Builder {
	b.cfg.ext = ext
	return b
}

// DefaultVersion sets the version assumed for unversioned records.
func (b *Builder) DefaultVersion(v int) *Builder {
	b.cfg.defaultVersion = v
	return b
}

// Recreate forces every record to be rewritten into shadow files that
// replace the originals.
func (b *Builder) Recreate(recreate bool) *Builder {
	b.cfg.recreate = recreate
	return b
}

// Context sets the context record handed to the migrator.
func (b *Builder) Context(ctx tag.Compound) *Builder {
	b.cfg.context = ctx
	return b
}

// LegacyFixer installs a legacy-structure fixer factory. The fixer runs in
// the datafix.LegacyStructureVersion hook slot, so no other hook may be
// registered at that version.
func (b *Builder) LegacyFixer(f LegacyFixerFactory) *Builder {
	b.cfg.legacyFixer = f
	return b
}

// Hook registers h at version, replacing any hook already at that version.
func (b *Builder) Hook(version int, h Hook) *Builder {
	b.cfg.hooks = b.cfg.hooks.with(version, h)
	return b
}

// Copy returns an independent builder. Later changes to either builder,
// including new hooks, are not visible to the other.
func (b *Builder) Copy() *Builder {
	return &Builder{cfg: b.cfg}
}

// Build returns the assembled config.
func (b *Builder) Build() Config {
	return b.cfg
}
