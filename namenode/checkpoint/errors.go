package checkpoint

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFormatted is returned at startup when no configured storage
	// directory holds a formatted state.
	ErrNotFormatted = errors.New("namespace storage is not formatted")
	// ErrInconsistentState is returned when storage directories are present
	// but mutually inconsistent.
	ErrInconsistentState = errors.New("inconsistent storage state")
	// ErrCheckpointCancelled is returned by a save which observed a
	// cooperative cancellation request. It is distinguishable from I/O
	// failure: the in-flight transition has been reversed.
	ErrCheckpointCancelled = errors.New("checkpoint cancelled")
	// ErrCheckpointOrdering is returned when a roll, validate, or upload
	// is invoked in the wrong checkpoint state.
	ErrCheckpointOrdering = errors.New("operation out of checkpoint order")
	// ErrUpgradeRequired is returned when the loaded layout is older than
	// current and startup was not asked to upgrade.
	ErrUpgradeRequired = errors.New("layout upgrade required")
	// ErrUpgradeInProgress is returned when a distributed upgrade is
	// pending and startup was not asked to continue it.
	ErrUpgradeInProgress = errors.New("distributed upgrade in progress")
	// ErrNoStorageLeft is returned when eviction would deplete the active
	// storage set.
	ErrNoStorageLeft = errors.New("no usable storage directories left")
)

// CorruptionError marks an image file as unreadable: a digest mismatch,
// truncation, or malformed layout. The source directory is evicted.
type CorruptionError struct {
	// File identifies the corrupt source.
	File string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("image file %s is corrupt", e.File)
	}
	return fmt.Sprintf("image file %s is corrupt: %s", e.File, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CorruptionError) Unwrap() error { return e.Err }

// corruptf builds a CorruptionError of |file| from a format string.
func corruptf(file, format string, args ...interface{}) error {
	return &CorruptionError{File: file, Err: fmt.Errorf(format, args...)}
}

// IsCorrupt returns whether |err| is (or wraps) a CorruptionError.
func IsCorrupt(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsCancelled returns whether |err| is (or wraps) ErrCheckpointCancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCheckpointCancelled)
}

// extendErr attaches context to |err|, adding a stack trace only if one
// is not already present.
func extendErr(err error, mFmt string, args ...interface{}) error {
	if err == nil {
		panic("expected error")
	} else if _, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
		return errors.WithMessage(err, fmt.Sprintf(mFmt, args...))
	} else {
		return errors.Wrapf(err, mFmt, args...)
	}
}
