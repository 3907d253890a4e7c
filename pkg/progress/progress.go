// Package progress tracks the state of an upgrade run.
//
// The Tracker publishes immutable Snapshots through a single atomic pointer.
// The worker updates it with compare-and-swap; any number of pollers read a
// consistent Snapshot without locks.
package progress

import (
	"maps"
	"sync/atomic"
	"time"
)

// Status is the run state. Transitions only move forward:
// Counting -> Upgrading -> Finished, or any state -> Failed.
type Status int32

const (
	StatusCounting Status = iota
	StatusUpgrading
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCounting:
		return "counting"
	case StatusUpgrading:
		return "upgrading"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

func (s Status) canMoveTo(next Status) bool {
	switch {
	case s == StatusFailed:
		return false
	case next == StatusFailed:
		return true
	case s == StatusFinished:
		return false
	default:
		return next > s
	}
}

// Snapshot is a point-in-time view of a run. Partitions is shared between
// snapshots and must not be modified.
type Snapshot struct {
	Status        Status
	TotalFiles    int64
	TotalChunks   int64
	Converted     int64
	Skipped       int64
	Partitions    map[string]float64
	TotalProgress float64
	Canceled      bool
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Done returns the number of processed chunks.
func (s Snapshot) Done() int64 {
	return s.Converted + s.Skipped
}

// PartitionProgress returns the fraction of files processed in a partition.
func (s Snapshot) PartitionProgress(name string) float64 {
	return s.Partitions[name]
}

// Elapsed returns the time since the tracker was created, or the run length
// once finished.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// ETA estimates the remaining time of the current pass from its progress.
func (s Snapshot) ETA(now time.Time) time.Duration {
	if s.Status.Terminal() || s.TotalProgress <= 0 || s.TotalProgress >= 1 {
		return 0
	}
	elapsed := s.Elapsed(now)
	return time.Duration(float64(elapsed) * (1 - s.TotalProgress) / s.TotalProgress)
}

// Tracker aggregates the progress of one run. It is safe for concurrent use.
type Tracker struct {
	cur      atomic.Pointer[Snapshot]
	canceled atomic.Bool
}

// NewTracker creates a tracker in the Counting state.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.cur.Store(&Snapshot{
		Status:     StatusCounting,
		Partitions: map[string]float64{},
		StartedAt:  time.Now(),
	})
	return t
}

// update applies fn to a copy of the current snapshot and publishes it.
// fn returns false to leave the snapshot unchanged.
func (t *Tracker) update(fn func(s *Snapshot) bool) bool {
	for {
		old := t.cur.Load()
		next := *old
		if !fn(&next) {
			return false
		}
		if t.cur.CompareAndSwap(old, &next) {
			return true
		}
	}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	s := *t.cur.Load()
	s.Canceled = t.canceled.Load()
	return s
}

// SetStatus moves the run to status. Backward transitions and transitions
// out of a terminal state are ignored and return false.
func (t *Tracker) SetStatus(status Status) bool {
	return t.update(func(s *Snapshot) bool {
		if !s.Status.canMoveTo(status) {
			return false
		}
		s.Status = status
		if status.Terminal() {
			s.FinishedAt = time.Now()
		}
		return true
	})
}

// AddTotals adds discovered files and chunks to the current pass.
func (t *Tracker) AddTotals(files, chunks int64) {
	t.update(func(s *Snapshot) bool {
		s.TotalFiles += files
		s.TotalChunks += chunks
		return true
	})
}

// RecordConverted counts one rewritten chunk.
func (t *Tracker) RecordConverted() {
	t.update(func(s *Snapshot) bool {
		s.Converted++
		return true
	})
}

// RecordSkipped counts n chunks that were not rewritten.
func (t *Tracker) RecordSkipped(n int64) {
	if n <= 0 {
		return
	}
	t.update(func(s *Snapshot) bool {
		s.Skipped += n
		return true
	})
}

// SetProgress publishes a partition fraction and the combined fraction.
func (t *Tracker) SetProgress(partition string, partitionFraction, total float64) {
	t.update(func(s *Snapshot) bool {
		p := maps.Clone(s.Partitions)
		p[partition] = clamp(partitionFraction)
		s.Partitions = p
		s.TotalProgress = clamp(total)
		return true
	})
}

// Reset zeroes counters and fractions for the next pass, keeping status.
func (t *Tracker) Reset() {
	t.update(func(s *Snapshot) bool {
		s.TotalFiles = 0
		s.TotalChunks = 0
		s.Converted = 0
		s.Skipped = 0
		s.Partitions = map[string]float64{}
		s.TotalProgress = 0
		return true
	})
}

// Cancel requests the worker to stop.
func (t *Tracker) Cancel() {
	t.canceled.Store(true)
}

// Canceled reports whether Cancel was called.
func (t *Tracker) Canceled() bool {
	return t.canceled.Load()
}

// Status returns the run status.
func (t *Tracker) Status() Status {
	return t.cur.Load().Status
}

// TotalProgress returns the combined fraction of the current pass.
func (t *Tracker) TotalProgress() float64 {
	return t.cur.Load().TotalProgress
}

// PartitionProgress returns a partition's fraction of the current pass.
func (t *Tracker) PartitionProgress(name string) float64 {
	return t.cur.Load().Partitions[name]
}

// TotalChunks returns the chunks discovered in the current pass.
func (t *Tracker) TotalChunks() int64 {
	return t.cur.Load().TotalChunks
}

// Converted returns the chunks rewritten in the current pass.
func (t *Tracker) Converted() int64 {
	return t.cur.Load().Converted
}

// Skipped returns the chunks not rewritten in the current pass.
func (t *Tracker) Skipped() int64 {
	return t.cur.Load().Skipped
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
