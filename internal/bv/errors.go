package bv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by backends for names that do not exist.
	ErrNotFound = errors.New("remote object not found")

	// ErrObjectLockUnsupported is returned when the backend has no object lock capability.
	ErrObjectLockUnsupported = errors.New("backend does not support object lock")

	// ErrPassphraseRequired is returned when encrypted volumes must be read
	// but no Decrypter was provided.
	ErrPassphraseRequired = errors.New("passphrase required to decrypt remote volumes")

	// ErrWrongPassphrase is returned by Encryptor.Unlock.
	ErrWrongPassphrase = errors.New("incorrect passphrase")

	// ErrKeysExist is returned by Encryptor.Setup when keys are already present.
	ErrKeysExist = errors.New("encryption keys already exist")

	// ErrDatabaseBroken is matched by every DatabaseBrokenError.
	ErrDatabaseBroken = errors.New("database is broken")

	// ErrParameterChanged is matched by every ParameterChangedError.
	ErrParameterChanged = errors.New("backup parameter changed")

	// ErrNoFilelists is returned by recreate when remote storage holds no dlist volume.
	ErrNoFilelists = errors.New("no filelists found on the remote destination")

	// ErrIndexNotEmpty is returned by recreate when asked to overwrite an index.
	ErrIndexNotEmpty = errors.New("local index is not empty")

	// ErrNoFilesets is returned when an operation needs at least one fileset.
	ErrNoFilesets = errors.New("no backup versions found")
)

// RemoteOperationError reports a transport failure after all retries.
type RemoteOperationError struct {
	Op       Op
	Name     string
	Attempts int
	Err      error
}

func (e *RemoteOperationError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.Name, e.Attempts, e.Err)
}

func (e *RemoteOperationError) Unwrap() error { return e.Err }

// PermanentError marks a transport failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ConsistencyError reports rows that violate an index invariant.
type ConsistencyError struct {
	Table  string
	Count  int64
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("index consistency check failed: %d rows in %s %s", e.Count, e.Table, e.Detail)
}

// DatabaseBrokenError is returned when the index cannot be made consistent
// with remote content. The caller should recreate or purge broken files.
type DatabaseBrokenError struct {
	BrokenFiles    int
	BrokenFilesets int
	Err            error
}

func (e *DatabaseBrokenError) Error() string {
	msg := fmt.Sprintf("database has missing blocks and %d broken filelists (%d files); consider list-broken-files and purge-broken-files", e.BrokenFilesets, e.BrokenFiles)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DatabaseBrokenError) Unwrap() error { return e.Err }

func (e *DatabaseBrokenError) Is(target error) bool { return target == ErrDatabaseBroken }

// ParameterChangedError rejects a block size or hash change on an existing index.
type ParameterChangedError struct {
	Key       string
	Stored    string
	Requested string
}

func (e *ParameterChangedError) Error() string {
	return fmt.Sprintf("%s is %s in the existing backup, cannot change to %s", e.Key, e.Stored, e.Requested)
}

func (e *ParameterChangedError) Is(target error) bool { return target == ErrParameterChanged }

// MissingRemoteFilesError lists volumes the index expects but remote storage lacks.
type MissingRemoteFilesError struct {
	Names      []string
	Mismatched []string
}

func (e *MissingRemoteFilesError) Error() string {
	var parts []string
	if len(e.Names) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing: %s", len(e.Names), strings.Join(e.Names, ", ")))
	}
	if len(e.Mismatched) > 0 {
		parts = append(parts, fmt.Sprintf("%d with wrong size: %s", len(e.Mismatched), strings.Join(e.Mismatched, ", ")))
	}
	return "remote files do not match the index (" + strings.Join(parts, "; ") + "); run repair"
}

// InvariantError reports an internal invariant violation. The operation
// that hits it stops without committing.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "internal invariant violated: " + e.Msg }

// Invariantf builds an InvariantError.
func Invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// VolumeMismatchError reports a downloaded volume whose size or hash differs
// from the index.
type VolumeMismatchError struct {
	Name     string
	WantSize int64
	GotSize  int64
	WantHash string
	GotHash  string
}

func (e *VolumeMismatchError) Error() string {
	if e.WantSize >= 0 && e.WantSize != e.GotSize {
		return fmt.Sprintf("volume %s has size %d, expected %d", e.Name, e.GotSize, e.WantSize)
	}
	return fmt.Sprintf("volume %s has hash %s, expected %s", e.Name, e.GotHash, e.WantHash)
}
