package checkpoint

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tessera.dev/core/namenode/storage"
)

// RollEditLog seals the active edits and begins edits.new, returning the
// Signature a secondary actor presents back through upload validation
// and RollImage.
func (e *Engine) RollEditLog() (Signature, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.journal.RollEditLog(); err != nil {
		return Signature{}, extendErr(err, "rolling edit log")
	}
	e.state = StateRolledEdits

	return Signature{
		Info:           e.set.Info,
		CheckpointTime: e.checkpointTime,
		EditsTime:      e.journal.EditsTime(),
		ImageDigest:    e.imageDigest,
	}, nil
}

// ValidateCheckpointUpload verifies that |sig| matches the rolled
// checkpoint a secondary actor is about to replace, and admits the
// upload.
func (e *Engine) ValidateCheckpointUpload(sig Signature) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRolledEdits {
		return errors.WithMessagef(ErrCheckpointOrdering,
			"not expecting a new image (state %s)", e.state)
	}
	if modtime := e.journal.EditsTime(); sig.EditsTime != modtime {
		return errors.Errorf(
			"edit log timestamp %d does not match signature timestamp %d; checkpoint aborted",
			modtime, sig.EditsTime)
	}
	if err := sig.Validate(e.set.Info, e.checkpointTime); err != nil {
		return err
	}
	e.state = StateUploadStart
	return nil
}

// CheckpointUploadDone records the digest of a completed checkpoint
// image upload, pending RollImage.
func (e *Engine) CheckpointUploadDone(digest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpointDigest = digest
	e.state = StateUploadDone
}

// RollImage moves the uploaded fsimage.ckpt into place as fsimage and
// edits.new into place as edits, across every directory, completing the
// checkpoint begun by RollEditLog. |sig| carries the digest of the new
// image and must match the digest recorded by CheckpointUploadDone.
func (e *Engine) RollImage(sig Signature) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateUploadDone {
		return errors.WithMessagef(ErrCheckpointOrdering,
			"cannot roll image before a completed upload (state %s)", e.state)
	}
	if sig.ImageDigest != e.checkpointDigest {
		return errors.Errorf(
			"checkpoint image is corrupt: expected digest %s but recorded %s",
			sig.ImageDigest, e.checkpointDigest)
	}

	// Verify edits.new and every image directory's fsimage.ckpt exist
	// before renaming anything.
	if !e.journal.ExistsNew() {
		return errors.New("new edits file does not exist")
	}
	for _, d := range e.set.Dirs(storage.RoleImage) {
		if ckpt := d.CurrentFile(FsImageCkptName); !exists(ckpt) {
			return errors.Errorf("checkpoint file %s does not exist", ckpt)
		}
	}

	// Rename the new image into place. A failing directory is evicted.
	var errorDirs []*storage.Directory
	for _, d := range e.set.Dirs(storage.RoleImage) {
		var ckpt = d.CurrentFile(FsImageCkptName)
		if err := storage.RenameOverwrite(ckpt, d.CurrentFile(FsImageName)); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to rename checkpoint image")
			errorDirs = append(errorDirs, d)
		}
	}
	if err := e.processIOError(errorDirs); err != nil {
		return err
	} else if err = e.enforceImageStorageExists(); err != nil {
		return err
	}

	// Rename edits.new -> edits only after images landed, so a failure
	// between the two loses no edits.
	if err := e.journal.PurgeEditLog(); err != nil {
		return extendErr(err, "purging edit log")
	}

	e.set.Info.LayoutVersion = CurrentLayoutVersion
	e.checkpointTime = nowMillis()
	e.setImageDigest(sig.ImageDigest)

	errorDirs = errorDirs[:0]
	for _, d := range e.set.Dirs(storage.RoleAny) {
		// Remove files which this directory's role does not retain.
		if !d.Role.IsOfType(storage.RoleEdits) {
			removeIfExists(d.CurrentFile(EditsName))
			removeIfExists(d.CurrentFile(EditsNewName))
		}
		if !d.Role.IsOfType(storage.RoleImage) {
			removeIfExists(d.CurrentFile(FsImageName))
		}
		if err := e.writeVersion(d); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to write VERSION")
			errorDirs = append(errorDirs, d)
		}
	}
	if err := e.processIOError(errorDirs); err != nil {
		return err
	}

	e.state = StateStart
	e.checkpointDigest = ""
	checkpointsCompletedTotal.Inc()
	log.WithField("checkpointTime", e.checkpointTime).Info("rolled image")
	return nil
}

// removeIfExists deletes |path| on a best-effort basis.
func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"path": path, "err": err}).
			Warn("unable to remove stale file")
	}
}
