package checkpoint

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tessera.dev/core/namenode/storage"
)

// SaveNamespace durably captures the namespace into every storage
// directory as one logical transaction, sequenced through the
// lastcheckpoint.tmp staging slot:
//
//	journal closed -> current staged aside -> images written in parallel
//	-> empty edits created -> VERSION written last -> prior checkpoint
//	retired -> journal reopened.
//
// A directory which fails at any step is evicted and the save continues;
// depletion of the active set is fatal. A cancellation request reverses
// the staged transition and surfaces ErrCheckpointCancelled.
func (e *Engine) SaveNamespace(forceUncompressed, renewCheckpointTime bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveNamespaceLocked(forceUncompressed, renewCheckpointTime)
}

func (e *Engine) saveNamespaceLocked(forceUncompressed, renewCheckpointTime bool) error {
	defer e.saveCtx.Clear()

	// Give failed directories a chance to rejoin before the save.
	e.set.AttemptRestore()

	// Quiesce the journal: no edits may land between snapshot and image.
	if err := e.journal.Close(); err != nil {
		return extendErr(err, "closing edit journal")
	}
	if renewCheckpointTime {
		e.checkpointTime = nowMillis()
	}
	e.saveCtx.SetTxID(e.journal.LastWrittenTxID())
	e.saveCtx.StartProgress(e.ns.NumNodes())

	// Stage current -> lastcheckpoint.tmp in each formatted directory and
	// recreate an empty current. A staging failure evicts the directory
	// but does not abort the save.
	var errorDirs []*storage.Directory
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if err := moveCurrent(d); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to stage current for checkpoint")
			errorDirs = append(errorDirs, d)
		}
	}
	if err := e.processIOError(errorDirs); err != nil {
		return err
	}
	errorDirs = errorDirs[:0]

	// Save images in parallel, one writer per image directory.
	var wg sync.WaitGroup
	var mu sync.Mutex // Guards errorDirs and digest.
	var digest string

	for _, d := range e.set.Dirs(storage.RoleImage) {
		wg.Add(1)
		go func(d *storage.Directory) {
			defer wg.Done()
			var dg, err = e.saveImageFile(d.CurrentFile(FsImageName), forceUncompressed)

			mu.Lock()
			defer mu.Unlock()
			if IsCancelled(err) {
				log.WithField("dir", d.Root).Warn("image save cancelled")
			} else if err != nil {
				log.WithFields(log.Fields{"dir": d.Root, "err": err}).
					Error("unable to save image")
				errorDirs = append(errorDirs, d)
			} else {
				digest = dg
			}
		}(d)
	}
	wg.Wait()

	if e.saveCtx.IsCancelled() {
		savesCancelledTotal.Inc()
		if err := e.processIOError(errorDirs); err != nil {
			return err
		}
		if err := e.revertStagedCheckpoint(); err != nil {
			return err
		}
		if !e.journal.IsOpen() {
			if err := e.journal.Open(); err != nil {
				return extendErr(err, "reopening edit journal")
			}
		}
		return e.saveCtx.CheckCancelled()
	}
	if digest != "" {
		e.setImageDigest(digest)
	}

	// Create empty edits in every edits directory.
	for _, d := range e.set.Dirs(storage.RoleEdits) {
		if err := e.journal.CreateEditLogFile(d.CurrentFile(EditsName)); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to create edits")
			errorDirs = append(errorDirs, d)
		}
	}

	// Write fstime and VERSION, last, in every directory.
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if contains(errorDirs, d) {
			continue
		}
		if err := e.writeVersion(d); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to write VERSION")
			errorDirs = append(errorDirs, d)
		}
	}

	// Retire the prior checkpoint: lastcheckpoint.tmp -> previous.checkpoint.
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if contains(errorDirs, d) {
			continue
		}
		if err := moveLastCheckpoint(d); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to retire prior checkpoint")
			errorDirs = append(errorDirs, d)
		}
	}

	if !e.journal.IsOpen() {
		if err := e.journal.Open(); err != nil {
			return extendErr(err, "reopening edit journal")
		}
	}
	if err := e.processIOError(errorDirs); err != nil {
		return err
	}
	e.state = StateUploadDone
	checkpointsCompletedTotal.Inc()
	return nil
}

// moveCurrent stages current -> lastcheckpoint.tmp, but only if current
// is well formed (has a VERSION file), then recreates an empty current.
func moveCurrent(d *storage.Directory) error {
	if exists(d.VersionFile()) {
		if exists(d.LastCheckpointTmp()) {
			return errors.Errorf("%s already exists", d.LastCheckpointTmp())
		}
		if err := os.Rename(d.Current(), d.LastCheckpointTmp()); err != nil {
			return err
		}
	}
	if !exists(d.Current()) {
		return os.Mkdir(d.Current(), 0755)
	}
	return nil
}

// moveLastCheckpoint retires lastcheckpoint.tmp -> previous.checkpoint,
// replacing a prior retained checkpoint.
func moveLastCheckpoint(d *storage.Directory) error {
	if exists(d.PreviousCheckpoint()) {
		if err := storage.DeleteDir(d.PreviousCheckpoint()); err != nil {
			return err
		}
	}
	if exists(d.LastCheckpointTmp()) {
		return os.Rename(d.LastCheckpointTmp(), d.PreviousCheckpoint())
	}
	return nil
}

// revertStagedCheckpoint restores lastcheckpoint.tmp -> current in every
// directory, discarding the partial save of a cancelled checkpoint.
func (e *Engine) revertStagedCheckpoint() error {
	var errorDirs []*storage.Directory
	for _, d := range e.set.Dirs(storage.RoleAny) {
		log.WithField("dir", d.Root).Info("reverting staged checkpoint")

		if !exists(d.LastCheckpointTmp()) {
			log.WithField("dir", d.Root).
				Warn("reverting checkpoint: lastcheckpoint.tmp does not exist")
			errorDirs = append(errorDirs, d)
			continue
		}
		if exists(d.Current()) {
			if err := storage.DeleteDir(d.Current()); err != nil {
				log.WithFields(log.Fields{"dir": d.Root, "err": err}).
					Warn("unable to revert checkpoint")
				errorDirs = append(errorDirs, d)
				continue
			}
		}
		if err := os.Rename(d.LastCheckpointTmp(), d.Current()); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Warn("unable to revert checkpoint")
			errorDirs = append(errorDirs, d)
		}
	}
	return e.processIOError(errorDirs)
}

func contains(dirs []*storage.Directory, d *storage.Directory) bool {
	for _, o := range dirs {
		if o == d {
			return true
		}
	}
	return false
}
