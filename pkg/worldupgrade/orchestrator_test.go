package worldupgrade

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eunmann/worldup/pkg/auxstore"
	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/datafix"
	"github.com/eunmann/worldup/pkg/progress"
	"github.com/eunmann/worldup/pkg/regionfile"
	"github.com/eunmann/worldup/pkg/tag"
	"github.com/eunmann/worldup/pkg/upgrade"
)

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
		t.Fatal(err)
	}
	return path
}

func readChunk(t *testing.T, path string, region chunkpos.RegionCoord, c chunkpos.ChunkCoord) tag.Compound {
	t.Helper()
	f, err := regionfile.Open(path, region, regionfile.Options{})
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer f.Close()
	rec, err := f.ReadAsync(c).Wait(context.Background())
	if err != nil {
		t.Fatalf("read %v: %v", c, err)
	}
	return rec
}

func legacyChunk(c chunkpos.ChunkCoord) tag.Compound {
	return tag.Compound{
		tag.DataVersionKey: int64(1000),
		"Level": map[string]any{
			"xPos":             int64(c.X),
			"zPos":             int64(c.Z),
			"TerrainPopulated": true,
			"LegacyStructures": []any{"Village"},
			"Heightmaps":       map[string]any{"WORLD_SURFACE": []any{int64(1)}},
			"Sections":         []any{map[string]any{"Y": int64(0), "BlockLight": []any{int64(15)}}},
		},
	}
}

// world builds a world with one region file per category in the overworld
// and one block-chunk file in the nether.
type world struct {
	dir      string
	chunk    chunkpos.ChunkCoord
	region   chunkpos.RegionCoord
	chunks   string
	nether   string
	entities string
}

func newWorld(t *testing.T) world {
	t.Helper()
	w := world{dir: t.TempDir(), region: chunkpos.RegionCoord{X: 0, Z: 0}}
	w.chunk = w.region.Chunk(2, 3)

	w.entities = writeRegion(t, filepath.Join(w.dir, "entities"), w.region, map[chunkpos.ChunkCoord]tag.Compound{
		w.chunk: {tag.DataVersionKey: int64(2000), "Entities": []any{map[string]any{"id": "Zombie"}}},
	})
	writeRegion(t, filepath.Join(w.dir, "poi"), w.region, map[chunkpos.ChunkCoord]tag.Compound{
		w.chunk: {"Sections": map[string]any{"0": map[string]any{"Valid": true}}},
	})
	w.chunks = writeRegion(t, filepath.Join(w.dir, "region"), w.region, map[chunkpos.ChunkCoord]tag.Compound{
		w.chunk:              legacyChunk(w.chunk),
		w.region.Chunk(0, 0): {tag.DataVersionKey: int64(datafix.CurrentVersion)},
	})
	w.nether = writeRegion(t, filepath.Join(w.dir, "DIM-1", "region"), w.region, map[chunkpos.ChunkCoord]tag.Compound{
		w.chunk: legacyChunk(w.chunk),
	})
	return w
}

// recorder is a Recorder that remembers what it saw.
type recorder struct {
	mu        sync.Mutex
	order     []string
	converted map[string]int
	statuses  []progress.Status
	finished  bool
}

func newRecorder() *recorder {
	return &recorder{converted: map[string]int{}}
}

func (r *recorder) ChunkConverted(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 || r.order[len(r.order)-1] != category {
		r.order = append(r.order, category)
	}
	r.converted[category]++
}

func (r *recorder) ChunksSkipped(string, int) {}
func (r *recorder) FileReplaced(string)       {}

func (r *recorder) RunStatusChanged(s progress.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) RunFinished(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
}

func runWorld(t *testing.T, opts Options) (Result, *Task, error) {
	t.Helper()
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	task, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := task.Wait(ctx)
	return res, task, err
}

func TestRun_UpgradesWorld(t *testing.T) {
	w := newWorld(t)
	rec := newRecorder()
	report := filepath.Join(w.dir, "reports", "upgrade.json")

	res, task, err := runWorld(t, Options{
		WorldDir:   w.dir,
		EraseCache: true,
		Recorder:   rec,
		ReportPath: report,
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if task.Status() != progress.StatusFinished || res.Status != "finished" {
		t.Errorf("status = %s / %s, want finished", task.Status(), res.Status)
	}
	if res.TotalChunks != 5 || res.Converted != 4 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 5 total 4 converted 1 skipped", res)
	}
	if res.Converted+res.Skipped != res.TotalChunks {
		t.Errorf("converted+skipped = %d, want %d", res.Converted+res.Skipped, res.TotalChunks)
	}
	var names []string
	for _, c := range res.Categories {
		names = append(names, c.Name)
	}
	if len(names) != 3 || names[0] != "entities" || names[1] != "poi" || names[2] != "chunks" {
		t.Errorf("categories = %v", names)
	}
	if len(rec.order) != 3 || rec.order[0] != "entities" || rec.order[1] != "poi" || rec.order[2] != "chunks" {
		t.Errorf("conversion order = %v", rec.order)
	}
	if !rec.finished {
		t.Error("recorder not told the run finished")
	}
	if n := len(rec.statuses); n == 0 || rec.statuses[n-1] != progress.StatusFinished {
		t.Errorf("statuses = %v", rec.statuses)
	}

	chunk := readChunk(t, w.chunks, w.region, w.chunk)
	if v := tag.DataVersion(chunk, 0); v != datafix.CurrentVersion {
		t.Errorf("chunk version = %d", v)
	}
	if chunk.Has("Level") || !chunk.Has("sections") {
		t.Errorf("chunk not flattened: %v", chunk)
	}
	if status, _ := chunk.Str("Status"); status != "full" {
		t.Errorf("Status = %q, want full", status)
	}
	if chunk.Has("Heightmaps") {
		t.Error("Heightmaps not erased")
	}
	sections, _ := chunk.List("sections")
	if sec, ok := tag.AsCompound(sections[0]); !ok || sec.Has("BlockLight") {
		t.Errorf("section light not erased: %v", sections)
	}
	structures, ok := chunk.Compound("Structures")
	if !ok {
		t.Fatalf("no Structures in %v", chunk)
	}
	refs, _ := structures.Compound("References")
	if !refs.Has("Village") {
		t.Errorf("references = %v", refs)
	}

	entities := readChunk(t, w.entities, w.region, w.chunk)
	list, _ := entities.List("Entities")
	if e, _ := tag.AsCompound(list[0]); e["id"] != "minecraft:zombie" {
		t.Errorf("entity = %v", list[0])
	}

	aux := auxstore.New(filepath.Join(w.dir, "data", "aux.db"))
	defer aux.SaveAndClose()
	for _, partition := range []string{"overworld", "the_nether"} {
		idx, ok, err := aux.Get(auxstore.IndexKey(partition, "Village"))
		if err != nil || !ok {
			t.Fatalf("%s index: ok=%v err=%v", partition, ok, err)
		}
		chunks, _ := idx.List("Chunks")
		if len(chunks) != 1 {
			t.Fatalf("%s index chunks = %v", partition, chunks)
		}
		if n, _ := tag.AsInt(chunks[0]); auxstore.Unpack(n) != w.chunk {
			t.Errorf("%s index holds %v, want %v", partition, auxstore.Unpack(n), w.chunk)
		}
	}

	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var got Result
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got.Status != "finished" || got.Converted != 4 || got.RunID == "" {
		t.Errorf("report = %+v", got)
	}
}

func TestRun_SecondRunConvertsNothing(t *testing.T) {
	w := newWorld(t)
	if _, _, err := runWorld(t, Options{WorldDir: w.dir}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, _, err := runWorld(t, Options{WorldDir: w.dir})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Converted != 0 || res.Skipped != res.TotalChunks {
		t.Errorf("second run = %+v, want nothing converted", res)
	}
}

func TestRun_Recreate(t *testing.T) {
	w := newWorld(t)
	res, _, err := runWorld(t, Options{WorldDir: w.dir, Recreate: true})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Converted != res.TotalChunks || res.FilesReplaced != 4 {
		t.Errorf("result = %+v, want every chunk converted and 4 files replaced", res)
	}
	for _, dir := range []string{"entities", "poi", "region", filepath.Join("DIM-1", "region")} {
		if _, err := os.Stat(filepath.Join(w.dir, dir+"_new")); !os.IsNotExist(err) {
			t.Errorf("shadow dir for %s left behind", dir)
		}
	}
}

func TestRun_PartitionContext(t *testing.T) {
	w := newWorld(t)
	var mu sync.Mutex
	dims := map[string]bool{}
	migrator := datafix.MigratorFunc(func(cat datafix.Category, rec tag.Compound, _ int, ctx tag.Compound, _ int) (tag.Compound, error) {
		if cat == datafix.CategoryChunk {
			name, _ := ctx.Str("dimension")
			mu.Lock()
			dims[name] = true
			mu.Unlock()
		} else if ctx != nil {
			return nil, errors.New("context passed to a non-chunk category")
		}
		return rec.Clone(), nil
	})

	res, _, err := runWorld(t, Options{
		WorldDir:      w.dir,
		Migrator:      migrator,
		LatestVersion: datafix.CurrentVersion,
		Partitions: []Partition{
			{Name: "overworld", Dir: "."},
			{Name: "the_nether", Dir: "DIM-1", Context: map[string]any{"generator": "caves"}},
		},
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want only the current chunk", res.Skipped)
	}
	if !dims["overworld"] || !dims["the_nether"] {
		t.Errorf("dimensions seen = %v", dims)
	}
}

func TestRun_PanicMarksFailed(t *testing.T) {
	w := newWorld(t)
	boom := datafix.MigratorFunc(func(datafix.Category, tag.Compound, int, tag.Compound, int) (tag.Compound, error) {
		panic("boom")
	})
	res, task, err := runWorld(t, Options{WorldDir: w.dir, Migrator: boom, LatestVersion: 5000})
	if !errors.Is(err, ErrWorkerPanic) {
		t.Fatalf("err = %v, want ErrWorkerPanic", err)
	}
	if task.Status() != progress.StatusFailed || res.Status != "failed" {
		t.Errorf("status = %s / %s, want failed", task.Status(), res.Status)
	}
	if res.Error == "" {
		t.Error("result carries no error")
	}
}

func TestRun_PanicDuringScanFails(t *testing.T) {
	w := newWorld(t)
	open := func(string, chunkpos.RegionCoord, bool) (upgrade.ChunkStore, error) {
		panic("open exploded")
	}
	res, task, err := runWorld(t, Options{WorldDir: w.dir, Open: open})
	if !errors.Is(err, ErrWorkerPanic) {
		t.Fatalf("err = %v, want ErrWorkerPanic", err)
	}
	if task.Status() != progress.StatusFailed || res.Status != "failed" {
		t.Errorf("status = %s / %s, want failed", task.Status(), res.Status)
	}
}

// stallingOpen opens real region files whose writes never complete.
func stallingOpen(path string, region chunkpos.RegionCoord, create bool) (upgrade.ChunkStore, error) {
	s, err := upgrade.OpenRegionFile(path, region, create)
	if err != nil {
		return nil, err
	}
	return stalledStore{s}, nil
}

type stalledStore struct {
	upgrade.ChunkStore
}

func (stalledStore) WriteAsync(chunkpos.ChunkCoord, tag.Compound) *regionfile.Future[struct{}] {
	f, _ := regionfile.Pending[struct{}]()
	return f
}

func TestRun_WriteTimeoutFails(t *testing.T) {
	w := newWorld(t)
	_, task, err := runWorld(t, Options{
		WorldDir:     w.dir,
		WriteTimeout: 20 * time.Millisecond,
		Open:         stallingOpen,
	})
	if !errors.Is(err, upgrade.ErrWriteTimeout) {
		t.Fatalf("err = %v, want ErrWriteTimeout", err)
	}
	if task.Status() != progress.StatusFailed {
		t.Errorf("status = %s, want failed", task.Status())
	}
}

// gatedStore blocks its first write until release is closed.
type gatedStore struct {
	upgrade.ChunkStore
	started chan struct{}
	release chan struct{}
	once    *sync.Once
	writes  *atomic.Int32
}

func (g gatedStore) WriteAsync(c chunkpos.ChunkCoord, rec tag.Compound) *regionfile.Future[struct{}] {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	g.writes.Add(1)
	return g.ChunkStore.WriteAsync(c, rec)
}

func TestTask_CancelBoundsWrites(t *testing.T) {
	dir := t.TempDir()
	r := chunkpos.RegionCoord{}
	recs := map[chunkpos.ChunkCoord]tag.Compound{}
	for x := range 8 {
		recs[r.Chunk(x, 0)] = tag.Compound{tag.DataVersionKey: int64(3000)}
	}
	writeRegion(t, filepath.Join(dir, "region"), r, recs)
	writeRegion(t, filepath.Join(dir, "region"), chunkpos.RegionCoord{X: 1}, map[chunkpos.ChunkCoord]tag.Compound{
		chunkpos.RegionCoord{X: 1}.Chunk(0, 0): {tag.DataVersionKey: int64(3000)},
	})

	started, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	var writes atomic.Int32
	open := func(path string, region chunkpos.RegionCoord, create bool) (upgrade.ChunkStore, error) {
		s, err := upgrade.OpenRegionFile(path, region, create)
		if err != nil {
			return nil, err
		}
		return gatedStore{ChunkStore: s, started: started, release: release, once: &once, writes: &writes}, nil
	}

	o, err := New(Options{WorldDir: dir, Open: open})
	if err != nil {
		t.Fatal(err)
	}
	task, err := o.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("no write started")
	}
	canceled := make(chan struct{})
	go func() {
		task.Cancel()
		close(canceled)
	}()
	for !task.Snapshot().Canceled {
		time.Sleep(time.Millisecond)
	}
	close(release)

	select {
	case <-canceled:
	case <-time.After(10 * time.Second):
		t.Fatal("Cancel did not return")
	}

	res, err := task.Wait(context.Background())
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if n := writes.Load(); n > 2 {
		t.Errorf("writes = %d, want at most 2", n)
	}
	if task.Status() != progress.StatusUpgrading {
		t.Errorf("status = %s, want upgrading", task.Status())
	}
	if !res.Canceled {
		t.Error("result not marked canceled")
	}
}

func TestScan(t *testing.T) {
	w := newWorld(t)
	o, err := New(Options{WorldDir: w.dir})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := o.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	counts := map[string]int64{}
	for _, e := range entries {
		counts[e.Category+"/"+e.Partition] = e.Chunks
	}
	want := map[string]int64{
		"entities/overworld": 1,
		"poi/overworld":      1,
		"chunks/overworld":   2,
		"chunks/the_nether":  1,
		"chunks/the_end":     0,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("%s = %d, want %d", k, counts[k], n)
		}
	}

	// Scanning changes nothing.
	chunk := readChunk(t, w.chunks, w.region, w.chunk)
	if v := tag.DataVersion(chunk, 0); v != 1000 {
		t.Errorf("scan modified chunk version to %d", v)
	}
}

func TestScan_LeavesEmptyFilesAlone(t *testing.T) {
	w := newWorld(t)
	empty := filepath.Join(w.dir, "region", chunkpos.RegionCoord{X: 5, Z: 5}.FileName(chunkpos.DefaultExt))
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(empty, old, old); err != nil {
		t.Fatal(err)
	}

	o, err := New(Options{WorldDir: w.dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	fi, err := os.Stat(empty)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 0 {
		t.Errorf("size = %d, want 0", fi.Size())
	}
	if !fi.ModTime().Equal(old) {
		t.Errorf("mtime = %s, want %s", fi.ModTime(), old)
	}
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "level.dat")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts Options
	}{
		{"no world", Options{}},
		{"missing world", Options{WorldDir: filepath.Join(dir, "nope")}},
		{"world is a file", Options{WorldDir: file}},
		{"duplicate partition", Options{WorldDir: dir, Partitions: []Partition{{Name: "a", Dir: "."}, {Name: "a", Dir: "x"}}}},
		{"unnamed partition", Options{WorldDir: dir, Partitions: []Partition{{Dir: "."}}}},
		{"absolute partition dir", Options{WorldDir: dir, Partitions: []Partition{{Name: "a", Dir: dir}}}},
		{"negative timeout", Options{WorldDir: dir, WriteTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStart_Once(t *testing.T) {
	o, err := New(Options{WorldDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	task, err := o.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	if _, err := task.Wait(context.Background()); err != nil {
		t.Errorf("empty world: %v", err)
	}
	if task.Status() != progress.StatusFinished {
		t.Errorf("status = %s", task.Status())
	}
}
