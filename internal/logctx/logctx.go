// Package logctx carries loggers through context.Context.
//
// The orchestrator attaches a logger tagged with the run id, and each layer
// below narrows it with the category, partition and file being processed:
//
//	ctx = logctx.WithRun(ctx)
//	ctx = logctx.WithStr(ctx, logctx.KeyCategory, "entities")
//	log := logctx.FromContext(ctx)
//	log.Info().Msg("scanning")
package logctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eunmann/worldup/pkg/logging"
)

// Field names shared by every layer of a run.
const (
	KeyRunID     = "run_id"
	KeyCategory  = "category"
	KeyPartition = "partition"
	KeyFile      = "file"
)

type loggerKey struct{}

type runIDKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context. Without one it returns
// the global logger from pkg/logging.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr returns a new context with a logger that has the specified string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt returns a new context with a logger that has the specified int field added.
func WithInt(ctx context.Context, key string, value int) context.Context {
	logger := FromContext(ctx).With().Int(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithRun tags the context with a fresh run id, unless it already has one.
func WithRun(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if RunID(ctx) != "" {
		return ctx
	}
	id := uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey{}, id)
	return WithStr(ctx, KeyRunID, id)
}

// RunID returns the run id attached by WithRun, or "".
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
