// Package journal provides a minimal file-backed edit journal satisfying
// the checkpoint engine's EditJournal contract: it creates well-formed
// empty edits files, rolls and purges them across the edits directories,
// and counts (without interpreting) journal records on load. The record
// application logic of a full transaction journal lives with the
// namespace server, not here.
package journal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tessera.dev/core/namenode/checkpoint"
	"go.tessera.dev/core/namenode/storage"
)

// FileJournal is a minimal, file-backed EditJournal over the edits
// directories of a storage Set.
type FileJournal struct {
	// Set supplies the edits directories the journal writes across.
	Set *storage.Set
	// LayoutVersion is written as the header of created edits files.
	LayoutVersion int32
	// MinReplication and MaxReplication clamp replication factors read
	// from images and journal records. Zero values disable clamping.
	MinReplication int16
	MaxReplication int16

	mu        sync.Mutex
	open      bool
	startTxID int64
	lastTxID  int64
}

var _ checkpoint.EditJournal = (*FileJournal)(nil)

// Open marks the journal open for writes.
func (j *FileJournal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.open = true
	return nil
}

// Close marks the journal closed.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.open = false
	return nil
}

// IsOpen returns whether the journal is open for writes.
func (j *FileJournal) IsOpen() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.open
}

// CreateEditLogFile writes an empty, well-formed edits file at |path|.
func (j *FileJournal) CreateEditLogFile(path string) error {
	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating edits %s", path)
	}
	if err = binary.Write(f, binary.BigEndian, j.LayoutVersion); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "writing edits header of %s", path)
}

// LoadEdits counts the length-framed records of an edits stream. Record
// application is the namespace server's concern; a well-formed stream
// read here has already been applied upstream.
func (j *FileJournal) LoadEdits(r io.Reader) (int, error) {
	var version int32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return 0, errors.Wrap(err, "reading edits header")
	}
	var count int
	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err == io.EOF {
			return count, nil
		} else if err != nil {
			return count, errors.Wrap(err, "reading record length")
		}
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return count, errors.Wrap(err, "reading record")
		}
		count++
	}
}

// RollEditLog seals the active edits and creates edits.new in every
// edits directory. It is a no-op for directories already rolled.
func (j *FileJournal) RollEditLog() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, d := range j.Set.Dirs(storage.RoleEdits) {
		var editsNew = d.CurrentFile(checkpoint.EditsNewName)
		if fileExists(editsNew) {
			continue
		}
		if err := j.createLocked(editsNew); err != nil {
			return err
		}
	}
	return nil
}

// PurgeEditLog renames edits.new into place as edits in every edits
// directory, discarding the sealed edits.
func (j *FileJournal) PurgeEditLog() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, d := range j.Set.Dirs(storage.RoleEdits) {
		var editsNew = d.CurrentFile(checkpoint.EditsNewName)
		if !fileExists(editsNew) {
			continue
		}
		if err := storage.RenameOverwrite(editsNew, d.CurrentFile(checkpoint.EditsName)); err != nil {
			return err
		}
	}
	return nil
}

// ExistsNew returns whether any edits directory holds an edits.new.
func (j *FileJournal) ExistsNew() bool {
	for _, d := range j.Set.Dirs(storage.RoleEdits) {
		if fileExists(d.CurrentFile(checkpoint.EditsNewName)) {
			return true
		}
	}
	return false
}

// EditsTime returns the modification time, in milliseconds, of the first
// active edits file.
func (j *FileJournal) EditsTime() int64 {
	for _, d := range j.Set.Dirs(storage.RoleEdits) {
		if fi, err := os.Stat(d.CurrentFile(checkpoint.EditsName)); err == nil {
			return fi.ModTime().UnixMilli()
		}
	}
	return 0
}

// LastWrittenTxID returns the id of the last written transaction.
func (j *FileJournal) LastWrittenTxID() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastTxID
}

// SetStartTransactionID seeds the next expected transaction id.
func (j *FileJournal) SetStartTransactionID(txID int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.startTxID = txID
	if j.lastTxID < txID-1 {
		j.lastTxID = txID - 1
	}
}

// AdjustReplication clamps |replication| into the configured bounds.
func (j *FileJournal) AdjustReplication(replication int16) int16 {
	if j.MinReplication != 0 && replication < j.MinReplication {
		return j.MinReplication
	}
	if j.MaxReplication != 0 && replication > j.MaxReplication {
		return j.MaxReplication
	}
	return replication
}

// ProcessIOError abandons the journal's interest in a failed directory.
func (j *FileJournal) ProcessIOError(d *storage.Directory) {
	log.WithField("dir", d.Root).Warn("edit journal abandoning failed directory")
}

func (j *FileJournal) createLocked(path string) error {
	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err = binary.Write(f, binary.BigEndian, j.LayoutVersion); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "writing %s", path)
}

func fileExists(path string) bool {
	var _, err = os.Stat(path)
	return err == nil
}
