package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored in a context by ContextAttrs to
// every record logged with that context.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	// copy, so sibling contexts never share a backing array
	b := make([]slog.Attr, 0, len(a)+len(attrs))
	if ok {
		b = append(b, a...)
	}
	b = append(b, attrs...)
	return context.WithValue(ctx, slogKey, b)
}

// JobContext returns ctx annotated with the job identity.
func JobContext(ctx context.Context, jobID string, collectionID int64) context.Context {
	return ContextAttrs(ctx,
		slog.String("job_id", jobID),
		slog.Int64("collection_id", collectionID),
	)
}

func New(verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Output resolves the service.log setting: stderr, stdout, discard or a file
// path opened for appending. The closer must be called on exit.
func Output(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "discard":
		return io.Discard, nopCloser{}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", dest, err)
	}
	return f, f, nil
}
