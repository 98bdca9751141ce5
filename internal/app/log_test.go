package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// stampHandler pins record times so lines compare exactly.
type stampHandler struct {
	next slog.Handler
	at   time.Time
}

func (s *stampHandler) Enabled(ctx context.Context, l slog.Level) bool { return s.next.Enabled(ctx, l) }

func (s *stampHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Time = s.at
	return s.next.Handle(ctx, r)
}

func (s *stampHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &stampHandler{next: s.next.WithAttrs(attrs), at: s.at}
}

func (s *stampHandler) WithGroup(name string) slog.Handler {
	return &stampHandler{next: s.next.WithGroup(name), at: s.at}
}

func TestBVHandler_Format(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)
	tests := []struct {
		name string
		log  func(l *slog.Logger)
		want string
	}{
		{
			name: "message only",
			log:  func(l *slog.Logger) { l.Info("backup started") },
			want: "2024-06-15T14:30:45Z\tINFO\top-1\tbackup started\n",
		},
		{
			name: "record attrs",
			log:  func(l *slog.Logger) { l.Debug("volume sealed", "name", "bv-b1.dblock.zip", "size", 42) },
			want: "2024-06-15T14:30:45Z\tDEBUG\top-1\tvolume sealed\tname=bv-b1.dblock.zip\tsize=42\n",
		},
		{
			name: "logger attrs come first",
			log:  func(l *slog.Logger) { l.With("component", "manager").Warn("retrying", "attempt", 2) },
			want: "2024-06-15T14:30:45Z\tWARN\top-1\tretrying\tcomponent=manager\tattempt=2\n",
		},
		{
			name: "groups prefix keys",
			log: func(l *slog.Logger) {
				l.WithGroup("volume").Info("uploaded", "name", "v", slog.Group("remote", "size", 7))
			},
			want: "2024-06-15T14:30:45Z\tINFO\top-1\tuploaded\tvolume.name=v\tvolume.remote.size=7\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newHandler(&buf, nil, slog.LevelWarn, "op-1")
			tt.log(slog.New(&stampHandler{next: h, at: ts}))
			if got := buf.String(); got != tt.want {
				t.Errorf("got  %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestBVHandler_WithAttrsKeepsParent(t *testing.T) {
	var buf bytes.Buffer
	parent := slog.New(newHandler(&buf, nil, slog.LevelInfo, "op-1"))
	parent.With("component", "manager").Info("child")
	parent.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || strings.Contains(lines[1], "component=") {
		t.Errorf("parent picked up child attrs: %q", lines)
	}
}

func TestBVHandler_Console(t *testing.T) {
	var file, console bytes.Buffer
	logger := slog.New(newHandler(&file, &console, slog.LevelWarn, "op-1"))

	logger.Debug("block reused")
	logger.Info("volume uploaded", "name", "bv-b01.dblock.zip")
	logger.Warn("volume missing", "name", "bv-i02.dindex.zip")

	if n := strings.Count(file.String(), "\n"); n != 3 {
		t.Errorf("log file has %d lines, want 3", n)
	}
	if got := strings.Count(console.String(), "\n"); got != 1 {
		t.Errorf("console has %d lines, want only the warning: %q", got, console.String())
	}
	if !strings.Contains(console.String(), "WARN\top-1\tvolume missing\tname=bv-i02.dindex.zip") {
		t.Errorf("console missing warning: %q", console.String())
	}
}

func TestBVHandler_ConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, nil, slog.LevelInfo, "op-1"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.With("worker", i).Info("put", "n", j)
			}
		}()
	}
	wg.Wait()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Count(line, "\t") != 5 {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	logger, f, err := newLogger(dir, "20240615T143045Z", false)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("written to the file only")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, "bv.log"))
	if err != nil {
		t.Fatalf("reading bv.log: %v", err)
	}
	if !strings.Contains(string(data), "DEBUG\t20240615T143045Z\twritten to the file only") {
		t.Errorf("bv.log = %q", data)
	}
}
