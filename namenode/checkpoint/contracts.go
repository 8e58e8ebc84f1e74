package checkpoint

import (
	"io"

	"go.tessera.dev/core/namenode/storage"
)

// EditJournal is the append-only journal of namespace mutations applied
// after the last image. The engine and journal collaborate bidirectionally;
// each holds only an interface to the other, injected at construction.
type EditJournal interface {
	// Open opens the journal's write streams over the active edits files.
	Open() error
	// Close closes all open write streams.
	Close() error
	// IsOpen returns whether the journal has open write streams.
	IsOpen() bool
	// CreateEditLogFile creates (or truncates to) an empty, well-formed
	// edits file at |path|.
	CreateEditLogFile(path string) error
	// LoadEdits replays journal records from |r| into the namespace,
	// returning the number of records applied.
	LoadEdits(r io.Reader) (int, error)
	// RollEditLog seals the active edits files and begins writing
	// edits.new in every edits directory.
	RollEditLog() error
	// PurgeEditLog renames edits.new back to edits in every edits
	// directory, discarding the sealed edits.
	PurgeEditLog() error
	// ExistsNew returns whether an edits.new file currently exists.
	ExistsNew() bool
	// EditsTime returns the modification time (milliseconds) of the
	// active edits file.
	EditsTime() int64
	// LastWrittenTxID returns the id of the last written transaction.
	LastWrittenTxID() int64
	// SetStartTransactionID seeds the id of the next transaction to
	// expect, derived from the loaded image's transaction id.
	SetStartTransactionID(txID int64)
	// AdjustReplication clamps a replication factor read from an image
	// or journal record into the configured bounds.
	AdjustReplication(replication int16) int16
	// ProcessIOError tells the journal that |dir| failed and its edits
	// stream, if any, must be abandoned.
	ProcessIOError(dir *storage.Directory)
}

// UpgradeManager answers whether a distributed upgrade is pending and
// what version it targets.
type UpgradeManager interface {
	// UpgradeState returns whether a distributed upgrade is in progress.
	UpgradeState() bool
	// UpgradeVersion returns the layout version the upgrade targets.
	UpgradeVersion() int32
	// InitializeUpgrade starts a distributed upgrade if one is required,
	// returning whether one was initialized.
	InitializeUpgrade() (bool, error)
}
