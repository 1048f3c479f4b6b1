package extensions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	state "github.com/phnq/state-go"
)

// TreeDebugExtension logs the provider tree when an action fails.
//
// Usage:
//
//	// Human-readable formatted output (with line breaks)
//	handler := extensions.NewHumanHandler(os.Stdout, slog.LevelError)
//	ext := extensions.NewTreeDebugExtension(handler)
//
//	// Structured JSON logging (compact, machine-readable)
//	handler := slog.NewJSONHandler(os.Stdout, nil)
//	ext := extensions.NewTreeDebugExtension(handler)
//
//	// Silent (for testing)
//	ext := extensions.NewTreeDebugExtension(extensions.NewSilentHandler())
//
// Failures are logged at ERROR level, panics with their stack trace.
type TreeDebugExtension struct {
	state.BaseExtension

	mu       sync.Mutex
	actions  map[string]int
	failures map[string]error
	logger   *slog.Logger
}

// NewTreeDebugExtension creates a new tree debug extension.
// logHandler: slog.Handler for logging (use HumanHandler for formatted output, or any other slog.Handler)
func NewTreeDebugExtension(logHandler slog.Handler) *TreeDebugExtension {
	return &TreeDebugExtension{
		BaseExtension: state.NewBaseExtension("tree-debug"),
		actions:       make(map[string]int),
		failures:      make(map[string]error),
		logger:        slog.New(logHandler),
	}
}

// Wrap counts completed actions per state
func (e *TreeDebugExtension) Wrap(ctx context.Context, next func() error, op *state.Operation) error {
	err := next()
	if op.Kind == state.OpAction && err == nil {
		e.mu.Lock()
		e.actions[op.State+"."+op.Action]++
		e.mu.Unlock()
	}
	return err
}

// Completed returns how many times state.action completed without error.
func (e *TreeDebugExtension) Completed(stateName, action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions[stateName+"."+action]
}

// LastFailure returns the last error of state.action.
func (e *TreeDebugExtension) LastFailure(stateName, action string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[stateName+"."+action]
}

// OnError logs the provider tree when an action fails
func (e *TreeDebugExtension) OnError(err error, op *state.Operation) {
	e.mu.Lock()
	e.failures[op.State+"."+op.Action] = err
	e.mu.Unlock()

	var panicErr *state.PanicError
	if errors.As(err, &panicErr) {
		e.logger.Error("Action Panic",
			"state", op.State,
			"action", op.Action,
			"panic", fmt.Sprintf("%v", panicErr.Value),
			"stack_trace", string(panicErr.Stack),
		)
		return
	}

	e.logger.Error("Action Error",
		"state", op.State,
		"action", op.Action,
		"error", err.Error(),
		"operation", string(op.Kind),
		"provider_tree", e.formatTree(op),
	)
}

func (e *TreeDebugExtension) formatTree(op *state.Operation) string {
	if op.Scope == nil {
		return "\n(no scope)\n"
	}

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(op.Scope.Root().DrawTree())
	sb.WriteString("\n")

	if op.Broker != nil {
		sb.WriteString("\nState at failure:\n")
		st := op.Broker.GetState()
		for _, k := range st.Keys() {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, st[k]))
		}
	}
	return sb.String()
}

// SilentHandler discards every record.
type SilentHandler struct{}

// NewSilentHandler creates a new silent log handler
func NewSilentHandler() *SilentHandler {
	return &SilentHandler{}
}

func (h *SilentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return false
}

func (h *SilentHandler) Handle(ctx context.Context, record slog.Record) error {
	return nil
}

func (h *SilentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *SilentHandler) WithGroup(name string) slog.Handler {
	return h
}

// HumanHandler prints failure records as framed blocks so provider trees
// keep their line breaks. Other records are printed one attribute per line.
type HumanHandler struct {
	mu     sync.Mutex
	writer io.Writer
	level  slog.Level
}

// NewHumanHandler creates a new human-readable log handler
func NewHumanHandler(writer io.Writer, level slog.Level) *HumanHandler {
	return &HumanHandler{
		writer: writer,
		level:  level,
	}
}

func (h *HumanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *HumanHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	attrs := make(map[string]string)
	var order []string
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		order = append(order, a.Key)
		return true
	})

	switch record.Message {
	case "Action Error":
		return h.writeBlock("Action Error", []string{
			fmt.Sprintf("\nFailed Action: %s.%s", attrs["state"], attrs["action"]),
			fmt.Sprintf("Error: %s", attrs["error"]),
			fmt.Sprintf("Operation: %s", attrs["operation"]),
			fmt.Sprintf("\nProvider Tree:%s", attrs["provider_tree"]),
		})
	case "Action Panic":
		return h.writeBlock("Action Panic", []string{
			fmt.Sprintf("\nPanic: %s", attrs["panic"]),
			fmt.Sprintf("Action: %s.%s", attrs["state"], attrs["action"]),
			fmt.Sprintf("\nStack Trace:\n%s", attrs["stack_trace"]),
		})
	}

	if _, err := fmt.Fprintf(h.writer, "[%s] %s\n", record.Level, record.Message); err != nil {
		return err
	}
	for _, k := range order {
		if _, err := fmt.Fprintf(h.writer, "  %s: %v\n", k, attrs[k]); err != nil {
			return err
		}
	}
	return nil
}

func (h *HumanHandler) writeBlock(title string, lines []string) error {
	sep := strings.Repeat("=", 70)

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(sep + "\n")
	sb.WriteString("[TreeDebug] " + title + "\n")
	sb.WriteString(sep + "\n")
	for _, line := range lines {
		sb.WriteString(line + "\n")
	}
	sb.WriteString(sep + "\n\n")

	_, err := io.WriteString(h.writer, sb.String())
	return err
}

// WithAttrs ignores attrs. Only record attributes are printed.
func (h *HumanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *HumanHandler) WithGroup(name string) slog.Handler {
	return h
}
