package bv

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bv-go/internal/model"
	"bv-go/internal/volume"
)

// Op names a remote operation for retries, fault injection and errors.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpDelete Op = "delete"
	OpList   Op = "list"
	OpLock   Op = "lock"
)

// FaultInjector is consulted before every remote call. A non-nil error is
// treated as if the transport had returned it.
type FaultInjector interface {
	Inject(op Op, name string) error
}

// FaultFunc adapts a function to FaultInjector.
type FaultFunc func(op Op, name string) error

func (f FaultFunc) Inject(op Op, name string) error { return f(op, name) }

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// MaxConcurrent bounds uploads in flight and parallel downloads.
	MaxConcurrent int
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	RetryDelay time.Duration

	// Encryptor seals volumes before upload. Nil uploads plain volumes.
	Encryptor Encryptor
	// Decrypter opens encrypted volumes on download.
	Decrypter Decrypter

	// ObjectLockDuration, when positive, locks every uploaded volume for
	// that long.
	ObjectLockDuration time.Duration

	Faults  FaultInjector
	Metrics *ManagerMetrics
	Logger  Logger
	Clock   Clock
}

// DefaultManagerOptions returns the default transfer settings.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		MaxConcurrent: 4,
		RetryCount:    5,
		RetryDelay:    10 * time.Second,
	}
}

// SealedVolume is a volume ready for upload, staged under its remote name.
type SealedVolume struct {
	Name string
	Size int64
	Hash string

	// LockUntil is set once an object lock has been applied.
	LockUntil *time.Time
}

// Manager moves volumes between the staging area and remote storage. Uploads
// run in background goroutines; everything else blocks the caller.
type Manager struct {
	backend Backend
	staging StagingArea
	opts    ManagerOptions
	logger  Logger
	clock   Clock
	metrics *ManagerMetrics

	slots chan struct{}
	wg    sync.WaitGroup

	mu   sync.Mutex
	done []*SealedVolume
	err  error
}

// NewManager creates a Manager. Missing options are filled with safe
// values: one slot, no retries, no delay, a discarding logger and the system clock.
func NewManager(backend Backend, staging StagingArea, opts ManagerOptions) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = DiscardLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Manager{
		backend: backend,
		staging: staging,
		opts:    opts,
		logger:  logger,
		clock:   clock,
		metrics: opts.Metrics,
		slots:   make(chan struct{}, opts.MaxConcurrent),
	}
}

// Extension returns the encryption extension of new volume names, or ""
// when volumes are not encrypted.
func (m *Manager) Extension() string {
	if m.opts.Encryptor == nil {
		return ""
	}
	return m.opts.Encryptor.Extension()
}

// Encrypted reports whether new volumes are encrypted.
func (m *Manager) Encrypted() bool {
	return m.opts.Encryptor != nil
}

// CanDecrypt reports whether encrypted volumes can be opened.
func (m *Manager) CanDecrypt() bool {
	return m.opts.Decrypter != nil
}

// Seal encrypts the plain volume staged under plainKey into a staged entry
// named name and records its remote size and hash. The plain entry is removed.
func (m *Manager) Seal(name, plainKey string) (*SealedVolume, error) {
	src, err := m.staging.Open(plainKey)
	if err != nil {
		return nil, fmt.Errorf("opening staged volume %s: %w", name, err)
	}
	dst, err := m.staging.Create(name)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating sealed volume %s: %w", name, err)
	}

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(dst, h)}
	if m.opts.Encryptor != nil {
		err = m.opts.Encryptor.Encrypt(src, cw)
	} else {
		_, err = io.Copy(cw, src)
	}
	src.Close()
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		m.staging.Remove(name)
		return nil, fmt.Errorf("sealing volume %s: %w", name, err)
	}
	if plainKey != name {
		if err := m.staging.Remove(plainKey); err != nil {
			m.logger.Warn("failed to remove staged volume", "key", plainKey, "error", err)
		}
	}

	return &SealedVolume{
		Name: name,
		Size: cw.n,
		Hash: base64.StdEncoding.EncodeToString(h.Sum(nil)),
	}, nil
}

// Put uploads vol and then each of after, in order, in the background. It
// blocks while MaxConcurrent uploads are already running. A volume in after
// is only uploaded once every volume before it is confirmed. Put returns
// the pending failure of an earlier upload, if any.
func (m *Manager) Put(ctx context.Context, vol *SealedVolume, after ...*SealedVolume) error {
	if err := m.failure(); err != nil {
		return err
	}
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.wg.Add(1)
	m.metrics.uploadStarted()
	vols := append([]*SealedVolume{vol}, after...)
	go func() {
		defer func() {
			<-m.slots
			m.metrics.uploadDone()
			m.wg.Done()
		}()
		for i, v := range vols {
			if err := m.upload(ctx, v); err != nil {
				m.fail(err)
				for _, rest := range vols[i:] {
					m.staging.Remove(rest.Name)
				}
				return
			}
			m.mu.Lock()
			m.done = append(m.done, v)
			m.mu.Unlock()
		}
	}()
	return nil
}

func (m *Manager) upload(ctx context.Context, v *SealedVolume) error {
	err := m.retry(ctx, OpPut, v.Name, func(ctx context.Context) error {
		f, err := m.staging.Open(v.Name)
		if err != nil {
			return &PermanentError{Err: err}
		}
		defer f.Close()
		return m.backend.Put(ctx, v.Name, f, v.Size)
	})
	if err != nil {
		return err
	}
	m.metrics.transferred("up", v.Size)
	m.logger.Debug("volume uploaded", "name", v.Name, "size", v.Size)

	if m.opts.ObjectLockDuration > 0 {
		until := m.clock.Now().Add(m.opts.ObjectLockDuration).UTC()
		if err := m.SetObjectLock(ctx, v.Name, until); err != nil {
			return fmt.Errorf("locking %s: %w", v.Name, err)
		}
		v.LockUntil = &until
	}

	if err := m.staging.Remove(v.Name); err != nil {
		m.logger.Warn("failed to remove staged volume", "key", v.Name, "error", err)
	}
	return nil
}

// Completed returns the volumes confirmed since the last call.
func (m *Manager) Completed() []*SealedVolume {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := m.done
	m.done = nil
	return done
}

// WaitForEmpty blocks until no upload is in flight and returns the first
// upload failure since the previous call.
func (m *Manager) WaitForEmpty(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.err
	m.err = nil
	return err
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
	}
	m.logger.Error("upload failed", "error", err)
}

func (m *Manager) failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// LocalVolume is a downloaded, decrypted volume held in the staging area.
// Close removes it.
type LocalVolume struct {
	Name       string
	RemoteSize int64
	RemoteHash string

	// Size is the plain archive size.
	Size int64

	file    StagedFile
	staging StagingArea
	key     string
}

func (l *LocalVolume) ReadAt(p []byte, off int64) (int, error) {
	return l.file.ReadAt(p, off)
}

func (l *LocalVolume) Close() error {
	err := l.file.Close()
	if rerr := l.staging.Remove(l.key); err == nil {
		err = rerr
	}
	return err
}

// Get downloads a volume, checks its size and hash when the index knows
// them, and decrypts it if its name carries an encryption extension.
func (m *Manager) Get(ctx context.Context, v *model.RemoteVolume) (*LocalVolume, error) {
	key := "download-" + v.Name
	var size int64
	var sum string
	err := m.retry(ctx, OpGet, v.Name, func(ctx context.Context) error {
		w, err := m.staging.Create(key)
		if err != nil {
			return &PermanentError{Err: err}
		}
		h := sha256.New()
		cw := &countingWriter{w: io.MultiWriter(w, h)}
		gerr := m.backend.Get(ctx, v.Name, cw)
		if cerr := w.Close(); gerr == nil && cerr != nil {
			gerr = &PermanentError{Err: cerr}
		}
		if gerr != nil {
			m.staging.Remove(key)
			return gerr
		}
		got := base64.StdEncoding.EncodeToString(h.Sum(nil))
		if (v.Size >= 0 && cw.n != v.Size) || (v.Hash != "" && got != v.Hash) {
			m.staging.Remove(key)
			// The same bytes come back on every attempt.
			return &PermanentError{Err: &VolumeMismatchError{Name: v.Name, WantSize: v.Size, GotSize: cw.n, WantHash: v.Hash, GotHash: got}}
		}
		size, sum = cw.n, got
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.transferred("down", size)

	name, ok := volume.ParseName(v.Name)
	if ok && name.Encryption != "" {
		key, err = m.decrypt(v.Name, key)
		if err != nil {
			return nil, err
		}
	}

	plainSize, err := m.staging.Size(key)
	if err != nil {
		m.staging.Remove(key)
		return nil, fmt.Errorf("sizing %s: %w", v.Name, err)
	}
	f, err := m.staging.Open(key)
	if err != nil {
		m.staging.Remove(key)
		return nil, fmt.Errorf("opening %s: %w", v.Name, err)
	}
	return &LocalVolume{
		Name:       v.Name,
		RemoteSize: size,
		RemoteHash: sum,
		Size:       plainSize,
		file:       f,
		staging:    m.staging,
		key:        key,
	}, nil
}

func (m *Manager) decrypt(name, key string) (string, error) {
	defer m.staging.Remove(key)
	if m.opts.Decrypter == nil {
		return "", fmt.Errorf("opening %s: %w", name, ErrPassphraseRequired)
	}
	src, err := m.staging.Open(key)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", name, err)
	}
	defer src.Close()

	plainKey := "plain-" + name
	dst, err := m.staging.Create(plainKey)
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", name, err)
	}
	err = m.opts.Decrypter.Decrypt(src, dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		m.staging.Remove(plainKey)
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return plainKey, nil
}

// GetMany downloads vols with bounded concurrency and calls fn for each in
// order, one at a time. fn receives the download error instead of a volume
// when a download fails; returning an error stops the iteration. The
// volume passed to fn is closed when fn returns.
func (m *Manager) GetMany(ctx context.Context, vols []*model.RemoteVolume, fn func(*model.RemoteVolume, *LocalVolume, error) error) error {
	type result struct {
		lv  *LocalVolume
		err error
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan result, len(vols))
	for i := range results {
		results[i] = make(chan result, 1)
	}
	window := make(chan struct{}, 2*m.opts.MaxConcurrent)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrent)
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i, v := range vols {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				for _, ch := range results[i:] {
					ch <- result{err: ctx.Err()}
				}
				return
			}
			i, v := i, v
			g.Go(func() error {
				lv, err := m.Get(gctx, v)
				results[i] <- result{lv: lv, err: err}
				return nil
			})
		}
	}()

	var ferr error
	for i, v := range vols {
		r := <-results[i]
		<-window
		if ferr == nil {
			if ferr = fn(v, r.lv, r.err); ferr != nil {
				cancel()
			}
		}
		if r.lv != nil {
			r.lv.Close()
		}
	}
	<-fed
	g.Wait()
	return ferr
}

// Delete removes a remote volume. A volume that is already gone counts as deleted.
func (m *Manager) Delete(ctx context.Context, name string) error {
	err := m.retry(ctx, OpDelete, name, func(ctx context.Context) error {
		return m.backend.Delete(ctx, name)
	})
	if errors.Is(err, ErrNotFound) {
		m.logger.Debug("volume already absent", "name", name)
		return nil
	}
	return err
}

// List returns every remote object.
func (m *Manager) List(ctx context.Context) ([]RemoteFile, error) {
	var files []RemoteFile
	err := m.retry(ctx, OpList, "", func(ctx context.Context) error {
		var err error
		files, err = m.backend.List(ctx)
		return err
	})
	return files, err
}

// Test checks the backend is reachable.
func (m *Manager) Test(ctx context.Context) error {
	return m.backend.Test(ctx)
}

// SetObjectLock locks a remote volume until the given time.
func (m *Manager) SetObjectLock(ctx context.Context, name string, until time.Time) error {
	locker, ok := m.backend.(ObjectLocker)
	if !ok {
		return ErrObjectLockUnsupported
	}
	return m.retry(ctx, OpLock, name, func(ctx context.Context) error {
		return locker.SetObjectLockUntil(ctx, name, until)
	})
}

// ObjectLockUntil returns the lock expiration of a remote volume. The zero
// time means the volume is not locked.
func (m *Manager) ObjectLockUntil(ctx context.Context, name string) (time.Time, error) {
	locker, ok := m.backend.(ObjectLocker)
	if !ok {
		return time.Time{}, ErrObjectLockUnsupported
	}
	var until time.Time
	err := m.retry(ctx, OpLock, name, func(ctx context.Context) error {
		var err error
		until, err = locker.GetObjectLockUntil(ctx, name)
		return err
	})
	return until, err
}

func (m *Manager) retry(ctx context.Context, op Op, name string, fn func(context.Context) error) error {
	start := time.Now()
	attempts := 0
	var err error
	for {
		attempts++
		if m.opts.Faults != nil {
			err = m.opts.Faults.Inject(op, name)
		}
		if err == nil {
			err = fn(ctx)
		}
		if err == nil || !retryable(ctx, err) || attempts > m.opts.RetryCount {
			break
		}
		m.metrics.retried(op)
		m.logger.Warn("remote operation failed, retrying", "op", op, "name", name, "attempt", attempts, "error", err)
		if err = sleep(ctx, m.opts.RetryDelay); err != nil {
			break
		}
	}
	m.metrics.observe(op, err, time.Since(start))
	if err == nil {
		return nil
	}
	return &RemoteOperationError{Op: op, Name: name, Attempts: attempts, Err: err}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var perm *PermanentError
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrObjectLockUnsupported),
		errors.Is(err, ErrPassphraseRequired),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &perm):
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
