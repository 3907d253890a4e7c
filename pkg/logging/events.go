package logging

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/worldup/pkg/humanfmt"
)

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Count adds a count with an optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Count(n)
	}
	return ce
}

// Chunks adds converted/skipped counts and the chunk rate.
func (ce *CompletionEvent) Chunks(converted, skipped int64) *CompletionEvent {
	ce.fields["converted"] = converted
	ce.fields["skipped"] = skipped
	if IsPrettyMode() && ce.elapsed > 0 {
		ce.fields["rate_h"] = humanfmt.Rate(converted+skipped, ce.elapsed)
	}
	return ce
}

// Progress adds the combined fraction of the current pass.
func (ce *CompletionEvent) Progress(fraction float64) *CompletionEvent {
	ce.fields["progress_pct"] = fraction * 100
	if IsPrettyMode() {
		ce.fields["progress_h"] = humanfmt.Percent(fraction)
	}
	return ce
}

// Log emits the completion event at info level.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the completion event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.
		Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// FileUpgraded starts an event for a finished region file.
func FileUpgraded(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "file_upgraded", phase, elapsed)
}

// CategoryComplete starts an event for a finished storage category.
func CategoryComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "category_completed", phase, elapsed)
}

// RunComplete starts an event for a finished upgrade run.
func RunComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "run_completed", "upgrade", elapsed)
}
