package bv

import (
	"encoding/hex"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Logger is the logging surface the engine writes to. Arguments are slog
// key/value pairs; *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var _ Logger = (*slog.Logger)(nil)

// DiscardLogger returns a Logger that drops every record.
func DiscardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Clock supplies fileset timestamps and retry deadlines.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// VolumeIDs hands out the random part of dblock and dindex names. Each ID
// is 32 lowercase hex digits.
type VolumeIDs interface {
	NewVolumeID() string
}

// RandomVolumeIDs draws IDs from version 4 UUIDs.
type RandomVolumeIDs struct{}

func (RandomVolumeIDs) NewVolumeID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
