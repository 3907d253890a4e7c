// Package worldupgrade upgrades every region file of a world.
//
// Categories run in a fixed order: entities, then points of interest, then
// block chunks, because later categories may reference data established by
// earlier ones. Each category runs across every partition of the world.
package worldupgrade

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/worldup/internal/logctx"
	"github.com/eunmann/worldup/pkg/auxstore"
	"github.com/eunmann/worldup/pkg/datafix"
	"github.com/eunmann/worldup/pkg/logging"
	"github.com/eunmann/worldup/pkg/progress"
	"github.com/eunmann/worldup/pkg/upgrade"
)

var (
	// ErrCanceled is reported by Task.Wait after Task.Cancel.
	ErrCanceled = errors.New("upgrade canceled")
	// ErrWorkerPanic wraps a panic recovered on the worker.
	ErrWorkerPanic = errors.New("upgrade worker panicked")
)

type category struct {
	name           string
	folder         string
	fix            datafix.Category
	defaultVersion int
	blockChunks    bool
}

var categories = []category{
	{name: "entities", folder: "entities", fix: datafix.CategoryEntityChunk},
	{name: "poi", folder: "poi", fix: datafix.CategoryPoiChunk, defaultVersion: datafix.PoiDefaultVersion},
	{name: "chunks", folder: "region", fix: datafix.CategoryChunk, blockChunks: true},
}

// CategoryStats summarizes one category across all partitions.
type CategoryStats struct {
	Name        string `json:"name"`
	TotalChunks int64  `json:"total_chunks"`
	upgrade.Stats
}

// Result summarizes a run.
type Result struct {
	RunID         string          `json:"run_id"`
	Status        string          `json:"status"`
	Canceled      bool            `json:"canceled"`
	Error         string          `json:"error,omitempty"`
	TotalChunks   int64           `json:"total_chunks"`
	Converted     int64           `json:"converted"`
	Skipped       int64           `json:"skipped"`
	FilesReplaced int             `json:"files_replaced"`
	Duration      time.Duration   `json:"duration_ns"`
	Categories    []CategoryStats `json:"categories"`
}

func (r *Result) add(c CategoryStats) {
	r.Categories = append(r.Categories, c)
	r.TotalChunks += c.TotalChunks
	r.Converted += c.Converted
	r.Skipped += c.Skipped
	r.FilesReplaced += c.FilesReplaced
}

// Orchestrator runs one upgrade of one world.
type Orchestrator struct {
	opts    Options
	tracker *progress.Tracker
	aux     *auxstore.Store
	started atomic.Bool
}

// New validates opts and returns an orchestrator. Nothing runs until Start.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		opts:    opts,
		tracker: progress.NewTracker(),
		aux:     auxstore.New(opts.AuxStorePath),
	}, nil
}

// Start launches the worker. An orchestrator can be started once.
func (o *Orchestrator) Start(ctx context.Context) (*Task, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, errors.New("upgrade already started")
	}
	ctx = logctx.WithRun(ctx)
	t := &Task{
		tracker: o.tracker,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		t.result, t.err = o.run(ctx)
	}()
	return t, nil
}

// run executes every category and finalizes the run. It never panics.
func (o *Orchestrator) run(ctx context.Context) (Result, error) {
	start := time.Now()
	log := logctx.FromContext(ctx)
	res := Result{RunID: logctx.RunID(ctx)}

	o.statusChanged(progress.StatusCounting)
	log.Info().
		Str("world", o.opts.WorldDir).
		Int("partitions", len(o.opts.Partitions)).
		Int("latest_version", o.opts.LatestVersion).
		Bool("recreate", o.opts.Recreate).
		Bool("erase_cache", o.opts.EraseCache).
		Msg("starting world upgrade")

	err := o.runCategories(ctx, &res)
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	if closeErr := o.aux.SaveAndClose(); closeErr != nil {
		if err == nil {
			err = fmt.Errorf("save auxiliary store: %w", closeErr)
		} else {
			log.Error().Err(closeErr).Msg("saving auxiliary store")
		}
	}

	switch {
	case err == nil:
		o.setStatus(progress.StatusFinished)
	case errors.Is(err, ErrCanceled):
		log.Warn().Msg("world upgrade canceled")
	default:
		log.Error().Err(err).Msg("world upgrade failed")
		o.setStatus(progress.StatusFailed)
		res.Error = err.Error()
	}

	res.Duration = time.Since(start)
	res.Status = o.tracker.Status().String()
	res.Canceled = o.tracker.Canceled() || errors.Is(err, ErrCanceled)
	if o.opts.Recorder != nil {
		o.opts.Recorder.RunFinished(res.Duration)
	}
	if o.opts.ReportPath != "" {
		if rerr := writeReport(o.opts.ReportPath, res); rerr != nil {
			log.Error().Err(rerr).Str("path", o.opts.ReportPath).Msg("writing report")
		}
	}

	logging.RunComplete(log, res.Duration).
		Str("status", res.Status).
		Count("total_chunks", res.TotalChunks).
		Chunks(res.Converted, res.Skipped).
		Int("files_replaced", res.FilesReplaced).
		Log("world upgrade done")
	return res, err
}

// runCategories runs every category in order, converting a panic into
// ErrWorkerPanic.
func (o *Orchestrator) runCategories(ctx context.Context, res *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrWorkerPanic, r, debug.Stack())
		}
	}()

	for i, cat := range categories {
		if o.tracker.Canceled() {
			return ErrCanceled
		}
		if i > 0 {
			o.tracker.Reset()
		}
		stats, err := o.runCategory(ctx, cat)
		res.add(stats)
		if err != nil {
			return err
		}
	}
	if o.tracker.Canceled() {
		return ErrCanceled
	}
	return nil
}

type partitionUnit struct {
	partition Partition
	unit      *upgrade.Unit
}

func (o *Orchestrator) runCategory(ctx context.Context, cat category) (CategoryStats, error) {
	start := time.Now()
	ctx = logctx.WithStr(ctx, logctx.KeyCategory, cat.name)
	log := logctx.FromContext(ctx)
	stats := CategoryStats{Name: cat.name}

	units, err := o.prepare(ctx, cat)
	if err != nil {
		return stats, err
	}

	var files int
	for _, pu := range units {
		files += pu.unit.Files()
		stats.TotalChunks += pu.unit.Chunks()
	}
	o.tracker.AddTotals(int64(files), stats.TotalChunks)
	o.setStatus(progress.StatusUpgrading)
	log.Info().Int("files", files).Int64("chunks", stats.TotalChunks).Msg("upgrading category")

	offset := 0
	for _, pu := range units {
		if o.tracker.Canceled() {
			return stats, ErrCanceled
		}
		s, err := pu.unit.Run(ctx, o.tracker, offset, files)
		stats.Add(s)
		offset += pu.unit.Files()
		if err != nil {
			return stats, fmt.Errorf("%s/%s: %w", cat.name, pu.partition.Name, err)
		}
	}

	logging.CategoryComplete(log, cat.name, time.Since(start)).
		Int("files", stats.Files).
		Int("files_failed", stats.FilesFailed).
		Chunks(stats.Converted, stats.Skipped).
		Log("category upgraded")
	return stats, nil
}

// prepare builds and initializes one unit per partition. Partitions are
// scanned concurrently; a panic during a scan becomes ErrWorkerPanic.
func (o *Orchestrator) prepare(ctx context.Context, cat category) ([]partitionUnit, error) {
	base := upgrade.NewBuilder(cat.name, cat.folder, cat.fix).
		DefaultVersion(cat.defaultVersion).
		Recreate(o.opts.Recreate)
	if cat.blockChunks {
		base.LegacyFixer(legacyFixer(o.aux)).
			Hook(o.opts.LatestVersion, positionCheck(o.opts.EraseCache))
	}

	units := make([]partitionUnit, len(o.opts.Partitions))
	for i, p := range o.opts.Partitions {
		b := base.Copy()
		if cat.blockChunks {
			b.Context(p.contextRecord())
		}
		u, err := upgrade.NewUnit(b.Build(), upgrade.Options{
			Dir:           filepath.Join(o.opts.WorldDir, p.Dir),
			Partition:     p.Name,
			Migrator:      o.opts.Migrator,
			LatestVersion: o.opts.LatestVersion,
			WriteTimeout:  o.opts.WriteTimeout,
			Open:          o.opts.Open,
			Observer:      o.observer(),
		})
		if err != nil {
			return nil, err
		}
		units[i] = partitionUnit{partition: p, unit: u}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pu := range units {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v\n%s", ErrWorkerPanic, r, debug.Stack())
				}
			}()
			pctx := logctx.WithStr(gctx, logctx.KeyPartition, pu.partition.Name)
			return pu.unit.Init(pctx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", cat.name, err)
	}
	return units, nil
}

func (o *Orchestrator) observer() upgrade.Observer {
	if o.opts.Recorder == nil {
		return nil
	}
	return o.opts.Recorder
}

func (o *Orchestrator) setStatus(s progress.Status) {
	if o.tracker.SetStatus(s) {
		o.statusChanged(s)
	}
}

func (o *Orchestrator) statusChanged(s progress.Status) {
	if o.opts.Recorder != nil {
		o.opts.Recorder.RunStatusChanged(s)
	}
}
