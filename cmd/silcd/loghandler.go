package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// bracketHandler is a slog.Handler writing one plain-text line per
// event, prefixed "[YYYY-MM-DD HH:MM:SS] ", the format daemon.log is
// written in. Session logs do not pass through it: they hold the raw
// PTY bytes each session's read loop appends.
type bracketHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

func newBracketHandler(w io.Writer, level slog.Level) *bracketHandler {
	return &bracketHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *bracketHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *bracketHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("[2006-01-02 15:04:05] "))
	b.WriteString(r.Level.String())
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	fmt.Fprintf(b, " %s=%v", a.Key, a.Value.Any())
}

func (h *bracketHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &bracketHandler{mu: h.mu, w: h.w, level: h.level, attrs: merged}
}

func (h *bracketHandler) WithGroup(name string) slog.Handler {
	// Groups are not used anywhere in silcd's logging; flatten.
	return h
}
