package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// bvHandler writes one tab separated line per record:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
//
// Every record goes to w. Records at or above level are also copied to
// console. Clones made by WithAttrs and WithGroup share mu.
type bvHandler struct {
	mu      *sync.Mutex
	w       io.Writer
	console io.Writer
	level   slog.Level
	opID    string
	prefix  string
	fields  string
}

func newHandler(w, console io.Writer, level slog.Level, opID string) *bvHandler {
	return &bvHandler{mu: &sync.Mutex{}, w: w, console: console, level: level, opID: opID}
}

func (h *bvHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *bvHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\t%s\t%s\t%s%s", r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Level, h.opID, r.Message, h.fields)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})
	sb.WriteByte('\n')
	line := sb.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, line); err != nil {
		return err
	}
	if h.console != nil && r.Level >= h.level {
		_, err := io.WriteString(h.console, line)
		return err
	}
	return nil
}

func (h *bvHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	for _, a := range attrs {
		writeAttr(&sb, h.prefix, a)
	}
	c := *h
	c.fields += sb.String()
	return &c
}

func (h *bvHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix += name + "."
	return &c
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range v.Group() {
			writeAttr(sb, prefix, g)
		}
		return
	}
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(sb, "\t%s%s=%v", prefix, a.Key, v)
}

// newLogger appends to logDir/bv.log and echoes warnings and errors to
// stderr, or every record when verbose is set. The caller closes the
// returned file.
func newLogger(logDir string, opID string, verbose bool) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "bv.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(newHandler(f, os.Stderr, level, opID)), f, nil
}
