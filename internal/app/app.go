package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bv-go/internal/backend"
	"bv-go/internal/bv"
	"bv-go/internal/config"
	"bv-go/internal/database"
	"bv-go/internal/encryption"
	"bv-go/internal/fs"
	"bv-go/internal/model"
	"bv-go/internal/retention"
	"bv-go/internal/staging"

	"github.com/prometheus/client_golang/prometheus"
)

// Options are the per-invocation settings that do not live in the config file.
type Options struct {
	// Passphrase unlocks the private key. Commands that only write volumes
	// run without it.
	Passphrase string
	Verbose    bool
}

// BVApp is the application layer between the CLI and BVService.
// It constructs all dependencies from config, exposes high-level operations
// and manages the index lifecycle on Close.
type BVApp struct {
	cfg      *config.Config
	db       bv.Database
	backend  bv.Backend
	manager  *bv.Manager
	service  *bv.BVService
	registry *prometheus.Registry
	op       *Operation
	logger   *slog.Logger
	logFile  *os.File
}

// NewBVApp creates a fully wired BVApp from the given config.
// command identifies the CLI command being run (e.g. "backup", "repair").
// The caller must call Close when done.
func NewBVApp(ctx context.Context, cfg *config.Config, command string, opts Options) (*BVApp, error) {
	op := NewOperation(command, time.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &BVApp{cfg: cfg, op: op, logger: logger, logFile: logFile}
	if err := a.wire(ctx, opts); err != nil {
		a.closeResources()
		return nil, err
	}
	logger.Info("command started", "command", command, "backup", cfg.Name)
	return a, nil
}

func (a *BVApp) wire(ctx context.Context, opts Options) error {
	cfg := a.cfg
	log := a.logger

	engine, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	mopts, err := managerOptions(cfg.Transfer)
	if err != nil {
		return err
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc != nil {
		if !enc.IsConfigured() {
			return fmt.Errorf("encryption keys not found: run 'bv config init' or set encryption.type = \"none\"")
		}
		mopts.Encryptor = enc
		if opts.Passphrase != "" {
			dc, err := enc.Unlock(opts.Passphrase)
			if err != nil {
				return fmt.Errorf("unlocking private key: %w", err)
			}
			mopts.Decrypter = dc
		}
	}

	b, err := backend.NewBackendFromConfig(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	a.backend = b

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		return fmt.Errorf("creating staging area: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.Name)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	metrics, err := bv.NewManagerMetrics(a.registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	mopts.Metrics = metrics
	mopts.Logger = log
	mopts.Clock = bv.SystemClock{}
	a.manager = bv.NewManager(b, sa, mopts)

	fsmgr := fs.NewOSFilesystemManager(cfg.Filesystem.Ignore, log)
	svc, err := bv.NewBVService(db, a.manager, sa, fsmgr, engine, log, bv.SystemClock{}, bv.RandomVolumeIDs{})
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	a.service = svc
	return nil
}

// engineOptions maps the engine section onto service options. Zero values
// keep the defaults. The prefix falls back to the backup name.
func engineOptions(cfg *config.Config) (bv.Options, error) {
	e := cfg.Engine
	o := bv.DefaultOptions()
	switch {
	case e.Prefix != "":
		o.Prefix = e.Prefix
	case cfg.Name != "":
		o.Prefix = cfg.Name
	}
	if e.BlockSize > 0 {
		o.BlockSize = e.BlockSize
	}
	if e.BlockHash != "" {
		o.BlockHash = e.BlockHash
	}
	if e.FileHash != "" {
		o.FileHash = e.FileHash
	}
	if e.VolumeSize > 0 {
		o.VolumeSize = e.VolumeSize
	}
	if e.CompactThreshold > 0 {
		o.CompactThreshold = e.CompactThreshold
	}
	if e.SmallFileMaxCount > 0 {
		o.SmallFileMaxCount = e.SmallFileMaxCount
	}
	o.SmallFileSize = e.SmallFileSize
	o.NoAutoCompact = e.NoAutoCompact

	o.Retention.KeepVersions = retention.KeepVersions(e.KeepVersions)
	o.Retention.AllowFullRemoval = e.AllowFullRemoval
	if e.KeepTime != "" {
		d, err := retention.ParseSpan(e.KeepTime)
		if err != nil {
			return o, fmt.Errorf("invalid keep_time: %w", err)
		}
		o.Retention.KeepTime = retention.KeepTime(d)
	}
	if e.RetentionPolicy != "" {
		p, err := retention.ParseRetentionPolicy(e.RetentionPolicy)
		if err != nil {
			return o, fmt.Errorf("invalid retention_policy: %w", err)
		}
		o.Retention.Policy = p
	}
	return o, nil
}

func managerOptions(t config.TransferConfig) (bv.ManagerOptions, error) {
	o := bv.DefaultManagerOptions()
	if t.Concurrency > 0 {
		o.MaxConcurrent = t.Concurrency
	}
	if t.Retries > 0 {
		o.RetryCount = t.Retries
	}
	delay, err := t.RetryDelayDuration()
	if err != nil {
		return o, err
	}
	o.RetryDelay = delay
	lock, err := t.ObjectLockDurationValue()
	if err != nil {
		return o, err
	}
	o.ObjectLockDuration = lock
	return o, nil
}

// track records the outcome of an operation for the closing log line.
func (a *BVApp) track(err error) error {
	if err != nil {
		a.op.Fail(err)
	}
	return err
}

// Backup backs up sources, or the configured sources when none are given.
// Closing stop ends the run early with a partial fileset.
func (a *BVApp) Backup(ctx context.Context, sources []string, stop <-chan struct{}) (*bv.BackupResult, error) {
	if len(sources) == 0 {
		sources = a.cfg.Sources
	}
	abs := make([]string, 0, len(sources))
	for _, s := range sources {
		p, err := filepath.Abs(s)
		if err != nil {
			return nil, a.track(fmt.Errorf("resolving path %s: %w", s, err))
		}
		abs = append(abs, p)
	}
	res, err := a.service.Backup(ctx, bv.BackupRequest{Sources: abs, Stop: stop})
	return res, a.track(err)
}

// Restore restores a backup version. Paths and target may be relative.
func (a *BVApp) Restore(ctx context.Context, req bv.RestoreRequest) (*bv.RestoreResult, error) {
	if req.Target != "" {
		t, err := filepath.Abs(req.Target)
		if err != nil {
			return nil, a.track(fmt.Errorf("resolving target: %w", err))
		}
		req.Target = t
	}
	for i, p := range req.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, a.track(fmt.Errorf("resolving path %s: %w", p, err))
		}
		req.Paths[i] = abs
	}
	res, err := a.service.Restore(ctx, req)
	return res, a.track(err)
}

// ListFilesets returns the backup versions, newest first.
func (a *BVApp) ListFilesets(ctx context.Context) ([]*model.Fileset, error) {
	sets, err := a.service.ListFilesets(ctx)
	return sets, a.track(err)
}

// ListFiles returns the entries of a version below prefix.
func (a *BVApp) ListFiles(ctx context.Context, version int, prefix string) ([]*model.FileEntry, error) {
	entries, err := a.service.ListFiles(ctx, version, prefix)
	return entries, a.track(err)
}

// Delete removes versions chosen by the request and the configured retention.
func (a *BVApp) Delete(ctx context.Context, req bv.DeleteRequest) (*bv.DeleteResult, error) {
	res, err := a.service.Delete(ctx, req)
	return res, a.track(err)
}

// Compact reclaims wasted space in remote storage.
func (a *BVApp) Compact(ctx context.Context) (*bv.CompactResult, error) {
	res, err := a.service.Compact(ctx)
	return res, a.track(err)
}

// Test downloads and verifies up to samples volumes of each type.
func (a *BVApp) Test(ctx context.Context, samples int) (*bv.TestResult, error) {
	res, err := a.service.Test(ctx, samples)
	return res, a.track(err)
}

// ListBrokenFiles reports entries that depend on missing dblock volumes.
func (a *BVApp) ListBrokenFiles(ctx context.Context) (*bv.BrokenFilesReport, error) {
	res, err := a.service.ListBrokenFiles(ctx)
	return res, a.track(err)
}

// PurgeBrokenFiles removes broken entries after snapshotting the index.
func (a *BVApp) PurgeBrokenFiles(ctx context.Context) (*bv.PurgeResult, error) {
	if err := a.snapshotIndex(ctx); err != nil {
		return nil, a.track(err)
	}
	res, err := a.service.PurgeBrokenFiles(ctx)
	return res, a.track(err)
}

// Repair reconciles the index with remote storage after snapshotting it.
func (a *BVApp) Repair(ctx context.Context) (*bv.RepairResult, error) {
	if err := a.snapshotIndex(ctx); err != nil {
		return nil, a.track(err)
	}
	res, err := a.service.Repair(ctx)
	return res, a.track(err)
}

// Recreate rebuilds an empty index from remote storage.
func (a *BVApp) Recreate(ctx context.Context) (*bv.RecreateResult, error) {
	res, err := a.service.Recreate(ctx)
	return res, a.track(err)
}

// LockVolumes extends the object lock of every live volume.
func (a *BVApp) LockVolumes(ctx context.Context, d time.Duration) (*bv.LockResult, error) {
	res, err := a.service.LockVolumes(ctx, d)
	return res, a.track(err)
}

// History returns the most recent engine operations.
func (a *BVApp) History(ctx context.Context, limit int) ([]*model.Operation, error) {
	ops, err := a.service.History(ctx, limit)
	return ops, a.track(err)
}

// snapshotIndex copies an on-disk index next to itself before operations
// that rewrite it wholesale.
func (a *BVApp) snapshotIndex(ctx context.Context) error {
	if a.cfg.Database.Type != "sqlite" {
		return nil
	}
	dest := filepath.Join(a.cfg.Database.DataDir, fmt.Sprintf("%s-%s.db.bak", a.cfg.Name, a.op.ID))
	if err := a.db.BackupTo(ctx, dest); err != nil {
		return fmt.Errorf("snapshotting index: %w", err)
	}
	a.logger.Info("index snapshot written", "path", dest)
	return nil
}

// Close logs the outcome, writes transfer metrics next to the log and
// closes all resources.
func (a *BVApp) Close() error {
	a.logger.Info("command finished",
		"command", a.op.Command,
		"status", a.op.Status,
		"duration", a.op.Elapsed(time.Now()).Truncate(time.Millisecond),
	)

	var firstErr error
	if a.registry != nil && a.cfg.LogDir != "" {
		path := filepath.Join(a.cfg.LogDir, "bv.prom")
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			firstErr = fmt.Errorf("writing metrics: %w", err)
		}
	}
	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *BVApp) closeResources() error {
	var errs []error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if c, ok := a.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backend: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
