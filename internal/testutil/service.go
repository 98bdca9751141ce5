package testutil

import (
	"context"
	"testing"
	"time"

	"bv-go/internal/backend"
	"bv-go/internal/bv"
	"bv-go/internal/database"
)

// TestEnv is a complete engine on in-memory components. Reopen and
// ResetDatabase simulate a new process and a lost index while remote
// storage is kept.
type TestEnv struct {
	t *testing.T

	DB      *database.SQLiteDatabase
	Backend *backend.MemoryBackend
	FS      *MockFilesystemManager
	Staging bv.StagingArea
	Clock   *ManualClock
	IDs     *SequentialIDs
	Faults  *Faults

	Options        bv.Options
	ManagerOptions bv.ManagerOptions

	Manager *bv.Manager
	Service *bv.BVService
}

// TestOptions returns a small format for fast tests: 1KiB blocks in 4KiB
// volumes.
func TestOptions() bv.Options {
	opts := bv.DefaultOptions()
	opts.BlockSize = 1024
	opts.VolumeSize = 4096
	return opts
}

// NewTestEnv builds an engine with the given format. Transfers use two
// slots and two retries without delay.
func NewTestEnv(t *testing.T, opts bv.Options) *TestEnv {
	t.Helper()
	clock := NewManualClock()
	fsmgr := NewMockFilesystemManager()
	fsmgr.SetClock(clock)
	env := &TestEnv{
		t:       t,
		DB:      NewTestDatabase(t),
		Backend: NewTestBackend(clock),
		FS:      fsmgr,
		Staging: NewTestStagingArea(),
		Clock:   clock,
		IDs:     &SequentialIDs{},
		Faults:  NewFaults(),
		Options: opts,
		ManagerOptions: bv.ManagerOptions{
			MaxConcurrent: 2,
			RetryCount:    2,
		},
	}
	env.Reopen()
	return env
}

// Reopen builds a new Manager and Service using the current options.
func (e *TestEnv) Reopen() {
	e.t.Helper()
	mopts := e.ManagerOptions
	mopts.Faults = e.Faults
	mopts.Clock = e.Clock
	e.Manager = bv.NewManager(e.Backend, e.Staging, mopts)
	svc, err := bv.NewBVService(e.DB, e.Manager, e.Staging, e.FS, e.Options, bv.DiscardLogger(), e.Clock, e.IDs)
	if err != nil {
		e.t.Fatalf("NewBVService() error = %v", err)
	}
	e.Service = svc
}

// ResetDatabase replaces the index with an empty one.
func (e *TestEnv) ResetDatabase() {
	e.t.Helper()
	e.DB = NewTestDatabase(e.t)
	e.Reopen()
}

// Backup runs a backup of sources, fails the test on error, and advances
// the clock by a minute so the next fileset gets a new timestamp.
func (e *TestEnv) Backup(sources ...string) *bv.BackupResult {
	e.t.Helper()
	res, err := e.Service.Backup(context.Background(), bv.BackupRequest{Sources: sources})
	if err != nil {
		e.t.Fatalf("Backup() error = %v", err)
	}
	e.Clock.Advance(time.Minute)
	return res
}

// RemoteNames returns the names stored in the backend.
func (e *TestEnv) RemoteNames() []string {
	e.t.Helper()
	files, err := e.Backend.List(context.Background())
	if err != nil {
		e.t.Fatalf("List() error = %v", err)
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}
