package extensions

import (
	"context"
	"log/slog"
	"time"

	state "github.com/phnq/state-go"
)

// LoggingExtension logs all operations and state changes
type LoggingExtension struct {
	state.BaseExtension
	logger *slog.Logger
}

// NewLoggingExtension creates a new logging extension. A nil logger uses
// slog.Default.
func NewLoggingExtension(logger *slog.Logger) *LoggingExtension {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingExtension{
		BaseExtension: state.NewBaseExtension("logging"),
		logger:        logger,
	}
}

func (e *LoggingExtension) Wrap(ctx context.Context, next func() error, op *state.Operation) error {
	attrs := []any{"op", string(op.Kind), "state", op.State}
	if op.Action != "" {
		attrs = append(attrs, "action", op.Action)
	}

	start := time.Now()
	e.logger.DebugContext(ctx, "starting", attrs...)
	err := next()

	attrs = append(attrs, "duration", time.Since(start))
	if err != nil {
		e.logger.ErrorContext(ctx, "failed", append(attrs, "error", err)...)
	} else {
		e.logger.DebugContext(ctx, "completed", attrs...)
	}

	return err
}

func (e *LoggingExtension) OnChange(op *state.Operation, changed []string, version uint64) {
	e.logger.Info("state changed", "state", op.State, "keys", changed, "version", version)
}
