package worldupgrade

import (
	"context"

	"github.com/eunmann/worldup/pkg/progress"
)

// Task is a running upgrade. Its getters may be polled from any goroutine.
type Task struct {
	tracker *progress.Tracker
	done    chan struct{}
	result  Result
	err     error
}

// Done is closed when the worker has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the worker exits or ctx is done. It returns ErrCanceled
// for a canceled run and the failure for a failed one.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel asks the worker to stop and blocks until it has exited. At most
// the write already in flight and one more complete afterwards.
func (t *Task) Cancel() {
	t.tracker.Cancel()
	<-t.done
}

// Snapshot returns a consistent view of the run.
func (t *Task) Snapshot() progress.Snapshot { return t.tracker.Snapshot() }

// Status returns the run status.
func (t *Task) Status() progress.Status { return t.tracker.Status() }

// TotalProgress returns the fraction of the current category done.
func (t *Task) TotalProgress() float64 { return t.tracker.TotalProgress() }

// PartitionProgress returns the fraction of a partition done in the
// current category.
func (t *Task) PartitionProgress(name string) float64 { return t.tracker.PartitionProgress(name) }

// TotalChunks returns the chunks of the current category.
func (t *Task) TotalChunks() int64 { return t.tracker.TotalChunks() }

// Converted returns the chunks rewritten in the current category.
func (t *Task) Converted() int64 { return t.tracker.Converted() }

// Skipped returns the chunks left alone in the current category.
func (t *Task) Skipped() int64 { return t.tracker.Skipped() }
