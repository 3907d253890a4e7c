package upgrade

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/datafix"
	"github.com/eunmann/worldup/pkg/regionfile"
	"github.com/eunmann/worldup/pkg/tag"
)

// cloneMigrator returns a copy of the record; the unit stamps the version.
var cloneMigrator = datafix.MigratorFunc(func(_ datafix.Category, rec tag.Compound, _ int, _ tag.Compound, _ int) (tag.Compound, error) {
	return rec.Clone(), nil
})

// memStore is an in-memory ChunkStore with injectable faults.
type memStore struct {
	mu         sync.Mutex
	recs       map[chunkpos.ChunkCoord]tag.Compound
	readErr    map[chunkpos.ChunkCoord]error
	writeErr   map[chunkpos.ChunkCoord]error
	hangWrites bool
	writes     []chunkpos.ChunkCoord
	closed     bool
	onWrite    func(chunkpos.ChunkCoord)
}

func newMemStore(recs map[chunkpos.ChunkCoord]tag.Compound) *memStore {
	if recs == nil {
		recs = map[chunkpos.ChunkCoord]tag.Compound{}
	}
	return &memStore{
		recs:     recs,
		readErr:  map[chunkpos.ChunkCoord]error{},
		writeErr: map[chunkpos.ChunkCoord]error{},
	}
}

func (m *memStore) Exists(c chunkpos.ChunkCoord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recs[c]
	_, bad := m.readErr[c]
	return ok || bad
}

func (m *memStore) ReadAsync(c chunkpos.ChunkCoord) *regionfile.Future[tag.Compound] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.readErr[c]; ok {
		return regionfile.Completed[tag.Compound](nil, err)
	}
	rec, ok := m.recs[c]
	if !ok {
		return regionfile.Completed[tag.Compound](nil, nil)
	}
	return regionfile.Completed(rec.Clone(), nil)
}

func (m *memStore) WriteAsync(c chunkpos.ChunkCoord, rec tag.Compound) *regionfile.Future[struct{}] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hangWrites {
		f, _ := regionfile.Pending[struct{}]()
		return f
	}
	if err, ok := m.writeErr[c]; ok {
		return regionfile.Completed(struct{}{}, err)
	}
	m.writes = append(m.writes, c)
	m.recs[c] = rec.Clone()
	if m.onWrite != nil {
		m.onWrite(c)
	}
	return regionfile.Completed(struct{}{}, nil)
}

func (m *memStore) Sync() error { return nil }

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) get(c chunkpos.ChunkCoord) tag.Compound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[c]
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// memOpener serves memStores by file name. The named files must exist on
// disk so the finder lists them.
func memOpener(t *testing.T, dir string, stores map[string]*memStore) OpenFunc {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name := range stores {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return func(path string, _ chunkpos.RegionCoord, _ bool) (ChunkStore, error) {
		s, ok := stores[filepath.Base(path)]
		if !ok {
			return nil, os.ErrNotExist
		}
		return s, nil
	}
}

// writeRegion creates a real region file holding recs.
func writeRegion(t *testing.T, dir string, region chunkpos.RegionCoord, recs map[chunkpos.ChunkCoord]tag.Compound) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, region.FileName(chunkpos.DefaultExt))
	f, err := regionfile.Open(path, region, regionfile.Options{Create: true})
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	for c, rec := range recs {
		if _, err := f.WriteAsync(c, rec).Wait(context.Background()); err != nil {
			t.Fatalf("write %v: %v", c, err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close region: %v", err)
	}
	return path
}

// readRegion returns every record in the region file at path.
func readRegion(t *testing.T, path string, region chunkpos.RegionCoord) map[chunkpos.ChunkCoord]tag.Compound {
	t.Helper()
	f, err := regionfile.Open(path, region, regionfile.Options{})
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer f.Close()
	out := map[chunkpos.ChunkCoord]tag.Compound{}
	for _, c := range f.Populated() {
		rec, err := f.ReadAsync(c).Wait(context.Background())
		if err != nil {
			t.Fatalf("read %v: %v", c, err)
		}
		out[c] = rec
	}
	return out
}

func versioned(version int) tag.Compound {
	c := tag.Compound{}
	tag.SetDataVersion(c, version)
	return c
}

func mustUnit(t *testing.T, cfg Config, opts Options) *Unit {
	t.Helper()
	u, err := NewUnit(cfg, opts)
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	if err := u.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return u
}

// openCounter tracks how many stores opened through wrap are open at once.
type openCounter struct {
	mu    sync.Mutex
	open  int
	peak  int
	total int
}

func (c *openCounter) wrap(open OpenFunc) OpenFunc {
	return func(path string, region chunkpos.RegionCoord, create bool) (ChunkStore, error) {
		s, err := open(path, region, create)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.open++
		c.total++
		c.peak = max(c.peak, c.open)
		c.mu.Unlock()
		return &countedStore{ChunkStore: s, c: c}, nil
	}
}

func (c *openCounter) counts() (open, peak, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, c.peak, c.total
}

type countedStore struct {
	ChunkStore
	c    *openCounter
	once sync.Once
}

func (s *countedStore) Close() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		s.c.open--
		s.c.mu.Unlock()
	})
	return s.ChunkStore.Close()
}

// singleRegions writes n region files along the x axis, one chunk each.
func singleRegions(t *testing.T, dir string, n, version int) {
	t.Helper()
	for i := range n {
		r := chunkpos.RegionCoord{X: int32(i), Z: 0}
		writeRegion(t, dir, r, map[chunkpos.ChunkCoord]tag.Compound{r.Chunk(1, 1): versioned(version)})
	}
}
