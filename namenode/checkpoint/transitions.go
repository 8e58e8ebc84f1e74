package checkpoint

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tessera.dev/core/namenode/storage"
)

// doUpgrade bumps the storage layout to the current version. The prior
// state of every directory is retained under previous/ until the upgrade
// is finalized or rolled back.
func (e *Engine) doUpgrade() error {
	if e.upgrades != nil && e.upgrades.UpgradeState() {
		// A distributed upgrade is resuming; the layout is already current.
		if _, err := e.loadImage(); err != nil {
			return err
		}
		if err := e.initializeDistributedUpgrade(); err != nil {
			return err
		}
		return e.journal.Open()
	}

	// A layout upgrade is permitted only when no prior state is retained.
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if exists(d.Previous()) {
			return errors.WithMessagef(ErrInconsistentState,
				"previous state of %s exists; finalize or rollback first", d.Root)
		}
	}

	if _, err := e.loadImage(); err != nil {
		return err
	}
	defer e.saveCtx.Clear()

	var oldInfo = e.set.Info
	e.set.Info.CTime = nowMillis()
	e.set.Info.LayoutVersion = CurrentLayoutVersion
	e.checkpointTime = nowMillis()
	e.newImageDigest = true

	log.WithFields(log.Fields{
		"oldLayout": oldInfo.LayoutVersion,
		"oldCTime":  oldInfo.CTime,
		"newLayout": e.set.Info.LayoutVersion,
		"newCTime":  e.set.Info.CTime,
	}).Info("upgrading storage directories")

	// Stage current -> previous.tmp and recreate an empty current.
	var errorDirs []*storage.Directory
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if err := stagePreviousTmp(d); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to stage upgrade")
			errorDirs = append(errorDirs, d)
		}
	}

	// Save the upgraded image in parallel across image directories.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var digest string
	for _, d := range e.set.Dirs(storage.RoleImage) {
		if contains(errorDirs, d) {
			continue
		}
		wg.Add(1)
		go func(d *storage.Directory) {
			defer wg.Done()
			var dg, err = e.saveImageFile(d.CurrentFile(FsImageName), false)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithFields(log.Fields{"dir": d.Root, "err": err}).
					Error("unable to save upgraded image")
				errorDirs = append(errorDirs, d)
			} else {
				digest = dg
			}
		}(d)
	}
	wg.Wait()
	if digest != "" {
		e.setImageDigest(digest)
	}

	for _, d := range e.set.Dirs(storage.RoleEdits) {
		if contains(errorDirs, d) {
			continue
		}
		if err := e.journal.CreateEditLogFile(d.CurrentFile(EditsName)); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to create edits")
			errorDirs = append(errorDirs, d)
		}
	}

	// Write VERSION and commit previous.tmp -> previous.
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if contains(errorDirs, d) {
			continue
		}
		if err := e.writeVersion(d); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to write VERSION")
			errorDirs = append(errorDirs, d)
			continue
		}
		if err := os.Rename(d.PreviousTmp(), d.Previous()); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to commit upgrade")
			errorDirs = append(errorDirs, d)
			continue
		}
		log.WithField("dir", d.Root).Info("upgrade complete")
	}
	e.isUpgradeFinalized = false

	if err := e.processIOError(errorDirs); err != nil {
		return err
	}
	if err := e.initializeDistributedUpgrade(); err != nil {
		return err
	}
	return e.journal.Open()
}

func stagePreviousTmp(d *storage.Directory) error {
	if exists(d.PreviousTmp()) {
		return errors.Errorf("%s already exists", d.PreviousTmp())
	}
	if err := os.Rename(d.Current(), d.PreviousTmp()); err != nil {
		return err
	}
	return os.Mkdir(d.Current(), 0755)
}

// doRollback restores the pre-upgrade state of every directory which
// retains one. Directories lacking previous/ keep current unchanged.
func (e *Engine) doRollback() error {
	// Verify every retained previous state is readable and mutually
	// consistent before renaming anything.
	var canRollback bool
	var prevInfo storage.Info
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if !exists(d.Previous()) {
			log.WithField("dir", d.Root).Info("directory does not retain a previous state")
			continue
		}
		var v, err = storage.LoadVersion(d, d.PreviousVersionFile())
		if err != nil {
			return err
		}
		if !canRollback {
			prevInfo = v.Info
		} else if v.NamespaceID != prevInfo.NamespaceID || v.CTime != prevInfo.CTime {
			return errors.WithMessagef(ErrInconsistentState,
				"previous state of %s is inconsistent", d.Root)
		}
		canRollback = true
	}
	if !canRollback {
		return errors.New(
			"cannot rollback: no storage directory retains a previous state")
	}

	for _, d := range e.set.Dirs(storage.RoleAny) {
		if !exists(d.Previous()) {
			continue
		}
		log.WithFields(log.Fields{"dir": d.Root, "layout": prevInfo.LayoutVersion}).
			Info("rolling back storage directory")

		if err := os.Rename(d.Current(), d.RemovedTmp()); err != nil {
			return errors.Wrapf(err, "staging rollback of %s", d.Root)
		}
		if err := os.Rename(d.Previous(), d.Current()); err != nil {
			return errors.Wrapf(err, "restoring previous state of %s", d.Root)
		}
		if err := storage.DeleteDir(d.RemovedTmp()); err != nil {
			return err
		}
		log.WithField("dir", d.Root).Info("rollback complete")
	}

	// The engine state is re-derived from the restored directories.
	e.set.Info = storage.Info{}
	e.newImageDigest = true
	e.imageDigest = ""
	e.isUpgradeFinalized = true
	return nil
}

// FinalizeUpgrade discards the retained previous state of every
// directory. It is idempotent.
func (e *Engine) FinalizeUpgrade() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range e.set.Dirs(storage.RoleAny) {
		if err := finalize(d); err != nil {
			return err
		}
	}
	e.isUpgradeFinalized = true
	return nil
}

func finalize(d *storage.Directory) error {
	if !exists(d.Previous()) {
		log.WithField("dir", d.Root).Info("finalize not required")
		return nil
	}
	log.WithField("dir", d.Root).Info("finalizing upgrade")

	if err := os.Rename(d.Previous(), d.FinalizedTmp()); err != nil {
		return errors.Wrapf(err, "staging finalize of %s", d.Root)
	}
	return storage.DeleteDir(d.FinalizedTmp())
}

// doImportCheckpoint loads an image from the configured external
// checkpoint directories into the namespace, then saves it through the
// regular protocol into the real directories.
func (e *Engine) doImportCheckpoint() error {
	var tset = &storage.Set{}
	if err := tset.Configure(e.cfg.CheckpointDirs, e.cfg.CheckpointEditsDirs); err != nil {
		return err
	}
	var transient = &Engine{
		cfg:            e.cfg,
		set:            tset,
		ns:             e.ns,
		journal:        e.journal,
		upgrades:       e.upgrades,
		newImageDigest: true,
		checkpointTime: -1,
	}
	defer func() {
		if err := tset.UnlockAll(); err != nil {
			log.WithField("err", err).Warn("unable to unlock checkpoint directories")
		}
	}()

	for _, d := range tset.Dirs(storage.RoleAny) {
		var state, err = d.Analyze()
		if err != nil {
			return err
		}
		switch state {
		case storage.StateNonExistent, storage.StateNotFormatted:
			return errors.WithMessagef(ErrInconsistentState,
				"checkpoint directory %s holds no state", d.Root)
		case storage.StateNeedsRecovery:
			if _, err = d.Recover(); err != nil {
				return err
			}
		}
	}
	if _, err := transient.loadImage(); err != nil {
		return extendErr(err, "loading checkpoint image")
	}

	// Adopt the checkpoint's storage identity, then save through the
	// regular protocol into the real directories.
	e.set.Info = tset.Info
	e.saveCtx.SetTxID(transient.saveCtx.TxID())
	return e.saveNamespaceLocked(false, true)
}

// initializeDistributedUpgrade starts a distributed upgrade when the
// manager reports one is required, recording it in every VERSION file.
func (e *Engine) initializeDistributedUpgrade() error {
	if e.upgrades == nil {
		return nil
	}
	var initialized, err = e.upgrades.InitializeUpgrade()
	if err != nil || !initialized {
		return err
	}
	e.distUpgradeState = true
	e.distUpgradeVersion = e.upgrades.UpgradeVersion()

	var errorDirs []*storage.Directory
	for _, d := range e.set.Dirs(storage.RoleAny) {
		if err = e.writeVersion(d); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Error("unable to record distributed upgrade")
			errorDirs = append(errorDirs, d)
		}
	}
	log.WithField("version", e.distUpgradeVersion).
		Info("distributed upgrade initialized")
	return e.processIOError(errorDirs)
}
