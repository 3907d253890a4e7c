// Package upgrade migrates the region files of one storage category in one
// partition to the latest data version.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/eunmann/worldup/internal/logctx"
	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/datafix"
	"github.com/eunmann/worldup/pkg/fileutil"
	"github.com/eunmann/worldup/pkg/logging"
	"github.com/eunmann/worldup/pkg/progress"
	"github.com/eunmann/worldup/pkg/regionfile"
	"github.com/eunmann/worldup/pkg/tag"
)

// ErrWriteTimeout is returned when waiting for region I/O exceeds the
// configured write timeout. It ends the run.
var ErrWriteTimeout = errors.New("timed out waiting for region I/O")

// State is the lifecycle stage of a Unit.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Options configures a Unit.
type Options struct {
	// Dir is the partition directory; the category folder lives below it.
	Dir string
	// Partition names the partition in progress and logs.
	Partition string
	// Migrator converts records between versions.
	Migrator datafix.Migrator
	// LatestVersion is the version every record ends at.
	LatestVersion int
	// WriteTimeout bounds each wait for region I/O (0 = no limit).
	WriteTimeout time.Duration
	// Open opens region files (default: OpenRegionFile).
	Open OpenFunc
	// Observer is notified of outcomes (default: none).
	Observer Observer
}

// Stats summarizes a finished Unit.
type Stats struct {
	Files         int   `json:"files"`
	FilesReplaced int   `json:"files_replaced"`
	FilesFailed   int   `json:"files_failed"`
	Converted     int64 `json:"converted"`
	Skipped       int64 `json:"skipped"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Files += other.Files
	s.FilesReplaced += other.FilesReplaced
	s.FilesFailed += other.FilesFailed
	s.Converted += other.Converted
	s.Skipped += other.Skipped
}

// Unit upgrades one (partition, category) pair. It moves through
// Uninitialized -> Initialized (Init) -> Running -> Done (Run).
type Unit struct {
	cfg       Config
	opts      Options
	dir       string
	shadowDir string
	hooks     []hookEntry

	state  State
	work   []WorkUnit
	files  int
	chunks int64
	stats  Stats
}

// NewUnit validates cfg and opts and returns an uninitialized Unit. The
// legacy fixer, when configured, takes the datafix.LegacyStructureVersion
// hook slot; a hook already registered there is an error.
func NewUnit(cfg Config, opts Options) (*Unit, error) {
	if opts.Migrator == nil {
		return nil, errors.New("upgrade unit needs a migrator")
	}
	if opts.Open == nil {
		opts.Open = OpenRegionFile
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	hooks := cfg.hooks
	if cfg.legacyFixer != nil && datafix.LegacyStructureVersion <= opts.LatestVersion {
		if hooks.has(datafix.LegacyStructureVersion) {
			return nil, fmt.Errorf("%s: hook at version %d clashes with the legacy fixer",
				cfg.name, datafix.LegacyStructureVersion)
		}
		hooks = hooks.with(datafix.LegacyStructureVersion, cfg.legacyFixer(opts.Partition))
	}
	for _, h := range hooks.entries {
		if h.version > opts.LatestVersion {
			return nil, fmt.Errorf("%s: hook at version %d is above latest version %d",
				cfg.name, h.version, opts.LatestVersion)
		}
	}

	dir := filepath.Join(opts.Dir, cfg.folder)
	return &Unit{
		cfg:       cfg,
		opts:      opts,
		dir:       dir,
		shadowDir: fileutil.ShadowDir(dir),
		hooks:     hooks.entries,
	}, nil
}

// State returns the lifecycle stage.
func (u *Unit) State() State { return u.state }

// Files returns the number of non-empty region files found by Init.
func (u *Unit) Files() int { return u.files }

// Chunks returns the number of chunks found by Init.
func (u *Unit) Chunks() int64 { return u.chunks }

// Dir returns the category folder.
func (u *Unit) Dir() string { return u.dir }

// Init removes leftovers of an interrupted run and scans the category
// folder for work.
func (u *Unit) Init(ctx context.Context) error {
	if u.state != StateUninitialized {
		return fmt.Errorf("init %s unit in state %s", u.cfg.name, u.state)
	}
	ctx = u.logContext(ctx)
	log := logctx.FromContext(ctx)

	if _, err := fileutil.CleanupStale(u.dir); err != nil {
		log.Warn().Err(err).Msg("cleaning up stale files")
	}

	work, err := FindWork(ctx, u.dir, u.cfg.ext, u.opts.Open)
	if err != nil {
		return err
	}
	u.work = work
	u.files = len(work)
	for _, w := range work {
		u.chunks += int64(len(w.Coords))
	}
	u.state = StateInitialized

	log.Debug().Int("files", len(work)).Int64("chunks", u.chunks).Msg("found region files")
	return nil
}

// Run upgrades every file found by Init. offset is the number of files
// processed by earlier units sharing tracker and grandTotal the number of
// files across all of them. Run stops early without error when tracker is
// canceled. Any returned error is fatal for the whole run.
func (u *Unit) Run(ctx context.Context, tracker *progress.Tracker, offset, grandTotal int) (Stats, error) {
	if u.state != StateInitialized {
		return u.stats, fmt.Errorf("run %s unit in state %s", u.cfg.name, u.state)
	}
	u.state = StateRunning
	ctx = u.logContext(ctx)
	log := logctx.FromContext(ctx)

	defer func() {
		u.work = nil
		u.state = StateDone
	}()

	if grandTotal < offset+len(u.work) {
		grandTotal = offset + len(u.work)
	}

	for i, w := range u.work {
		if tracker.Canceled() {
			log.Info().Int("files_left", len(u.work)-i).Msg("upgrade canceled")
			return u.stats, nil
		}
		if err := u.runFile(ctx, tracker, w); err != nil {
			return u.stats, err
		}
		done := i + 1
		tracker.SetProgress(u.opts.Partition,
			float64(done)/float64(len(u.work)),
			float64(offset+done)/float64(grandTotal))
	}

	if u.cfg.recreate {
		if err := fileutil.RemoveDirIfEmpty(u.shadowDir); err != nil {
			log.Warn().Err(err).Msg("removing shadow dir")
		}
	}
	return u.stats, nil
}

// fileRun is the state of one file's single-slot write pipeline.
type fileRun struct {
	u       *Unit
	tracker *progress.Tracker
	src     ChunkStore
	dst     ChunkStore

	pending   *pendingWrite
	converted int64
	skipped   int64
	failed    bool
	aborted   bool
	canceled  bool
}

type pendingWrite struct {
	coord chunkpos.ChunkCoord
	done  *regionfile.Future[struct{}]
}

// runFile opens one file, upgrades it and closes it again. In recreate mode
// the records go to a shadow file that replaces the original only when every
// record made it. A file that cannot be opened counts as failed with all of
// its chunks skipped.
func (u *Unit) runFile(ctx context.Context, tracker *progress.Tracker, w WorkUnit) error {
	start := time.Now()
	ctx = logctx.WithStr(ctx, logctx.KeyFile, filepath.Base(w.Path))
	log := logctx.FromContext(ctx)
	u.stats.Files++

	fr := &fileRun{u: u, tracker: tracker}
	failOpen := func(msg string, err error) error {
		log.Error().Err(err).Msg(msg)
		fr.skip(int64(len(w.Coords)))
		u.finish(fr)
		u.stats.FilesFailed++
		return nil
	}

	src, err := u.opts.Open(w.Path, w.Region, false)
	if err != nil {
		return failOpen("opening region file", err)
	}
	fr.src, fr.dst = src, src

	var shadowPath string
	if u.cfg.recreate {
		shadowPath = filepath.Join(u.shadowDir, filepath.Base(w.Path))
		dst, err := u.openShadow(shadowPath, w.Region)
		if err != nil {
			if cerr := src.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("closing region file")
			}
			return failOpen("opening shadow file", err)
		}
		fr.dst = dst
	}

	if err := fr.run(ctx, w.Coords); err != nil {
		// A timed out store may never drain its queue.
		if errors.Is(err, ErrWriteTimeout) {
			go fr.closeStores()
		} else {
			fr.closeStores()
		}
		u.finish(fr)
		return err
	}

	closeErr := fr.closeStores()
	if closeErr != nil {
		log.Error().Err(closeErr).Msg("closing region file")
	}

	switch {
	case u.cfg.recreate && fr.complete() && closeErr == nil:
		if err := fileutil.ReplaceWithShadow(w.Path, shadowPath); err != nil {
			log.Error().Err(err).Msg("replacing region file")
			os.Remove(shadowPath)
			u.stats.FilesFailed++
		} else {
			u.stats.FilesReplaced++
			u.opts.Observer.FileReplaced(u.cfg.name)
		}
	case u.cfg.recreate:
		os.Remove(shadowPath)
		if !fr.canceled {
			u.stats.FilesFailed++
		}
	case fr.failed || fr.aborted:
		u.stats.FilesFailed++
	}
	u.finish(fr)

	logging.FileUpgraded(log, u.cfg.name, time.Since(start)).
		Chunks(fr.converted, fr.skipped).
		Progress(tracker.TotalProgress()).
		LogDebug("region file done")
	return nil
}

func (u *Unit) openShadow(path string, region chunkpos.RegionCoord) (ChunkStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create shadow dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale shadow file: %w", err)
	}
	return u.opts.Open(path, region, true)
}

func (u *Unit) finish(fr *fileRun) {
	u.stats.Converted += fr.converted
	u.stats.Skipped += fr.skipped
}

func (fr *fileRun) run(ctx context.Context, coords []chunkpos.ChunkCoord) error {
	log := logctx.FromContext(ctx)

	for i, coord := range coords {
		if fr.tracker.Canceled() {
			fr.canceled = true
			break
		}

		rec, err := awaitIO(ctx, fr.src.ReadAsync(coord), fr.u.opts.WriteTimeout)
		if err != nil {
			if isFatal(err) {
				return err
			}
			if errors.Is(err, regionfile.ErrStorage) {
				log.Error().Err(err).Str("chunk", coord.String()).Msg("storage failure, abandoning file")
				fr.aborted = true
				fr.skip(int64(len(coords) - i))
				break
			}
			fr.recordFailed(log, coord, err)
			continue
		}
		if rec == nil {
			fr.skip(1)
			continue
		}

		out, changed, err := fr.u.upgradeRecord(ctx, coord, rec)
		if err != nil {
			fr.recordFailed(log, coord, err)
			continue
		}
		if !changed && !fr.u.cfg.recreate {
			fr.skip(1)
			continue
		}

		if err := fr.flush(ctx); err != nil {
			return err
		}
		if fr.aborted {
			fr.skip(int64(len(coords) - i))
			break
		}
		fr.pending = &pendingWrite{coord: coord, done: fr.dst.WriteAsync(coord, out)}
	}
	return fr.flush(ctx)
}

// flush waits for the outstanding write, if any, and accounts for it.
func (fr *fileRun) flush(ctx context.Context) error {
	p := fr.pending
	if p == nil {
		return nil
	}
	fr.pending = nil

	_, err := awaitIO(ctx, p.done, fr.u.opts.WriteTimeout)
	log := logctx.FromContext(ctx)
	switch {
	case err == nil:
		fr.converted++
		fr.tracker.RecordConverted()
		fr.u.opts.Observer.ChunkConverted(fr.u.cfg.name)
	case isFatal(err):
		return err
	case errors.Is(err, regionfile.ErrStorage):
		log.Error().Err(err).Str("chunk", p.coord.String()).Msg("storage failure, abandoning file")
		fr.aborted = true
		fr.skip(1)
	default:
		fr.recordFailed(log, p.coord, err)
	}
	return nil
}

func (fr *fileRun) skip(n int64) {
	if n <= 0 {
		return
	}
	fr.skipped += n
	fr.tracker.RecordSkipped(n)
	fr.u.opts.Observer.ChunksSkipped(fr.u.cfg.name, int(n))
}

func (fr *fileRun) recordFailed(log zerolog.Logger, coord chunkpos.ChunkCoord, err error) {
	log.Warn().Err(err).Str("chunk", coord.String()).Msg("skipping chunk")
	fr.failed = true
	fr.skip(1)
}

func (fr *fileRun) complete() bool {
	return !fr.failed && !fr.aborted && !fr.canceled
}

func (fr *fileRun) closeStores() error {
	var result *multierror.Error
	if fr.converted > 0 {
		if err := fr.dst.Sync(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if fr.dst != fr.src {
		if err := fr.dst.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := fr.src.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// upgradeRecord runs the hooks in ascending version order, migrating the
// record up to each hook's version first, then migrates it to the latest
// version. It reports whether the record needs to be written back.
func (u *Unit) upgradeRecord(ctx context.Context, coord chunkpos.ChunkCoord, rec tag.Compound) (tag.Compound, bool, error) {
	stored := tag.DataVersion(rec, u.cfg.defaultVersion)
	cur, version := rec, stored
	changed := false

	for _, h := range u.hooks {
		if version < h.version {
			next, err := u.migrate(cur, version, h.version)
			if err != nil {
				return nil, false, err
			}
			cur, version = next, h.version
		}
		hookChanged, err := h.hook(ctx, coord, cur)
		if err != nil {
			return nil, false, fmt.Errorf("hook at version %d: %w", h.version, err)
		}
		changed = changed || hookChanged
	}

	cur, err := u.migrate(cur, version, u.opts.LatestVersion)
	if err != nil {
		return nil, false, err
	}
	return cur, changed || stored < u.opts.LatestVersion, nil
}

func (u *Unit) migrate(rec tag.Compound, from, to int) (tag.Compound, error) {
	out, err := u.opts.Migrator.Upgrade(u.cfg.category, rec, from, u.cfg.context, to)
	if err != nil {
		return nil, fmt.Errorf("migrate %d -> %d: %w", from, to, err)
	}
	if out == nil {
		return nil, fmt.Errorf("migrate %d -> %d: migrator returned no record", from, to)
	}
	tag.SetDataVersion(out, to)
	return out, nil
}

func (u *Unit) logContext(ctx context.Context) context.Context {
	ctx = logctx.WithStr(ctx, logctx.KeyCategory, u.cfg.name)
	return logctx.WithStr(ctx, logctx.KeyPartition, u.opts.Partition)
}

// awaitIO waits for f, bounded by timeout when it is positive.
func awaitIO[T any](ctx context.Context, f *regionfile.Future[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return f.Wait(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := f.Wait(waitCtx)
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		return v, fmt.Errorf("%w after %s", ErrWriteTimeout, timeout)
	}
	return v, err
}

// isFatal reports errors that end the run rather than a record or file.
func isFatal(err error) bool {
	return errors.Is(err, ErrWriteTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
