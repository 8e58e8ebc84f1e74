package checkpoint

import (
	"math"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tessera.dev/core/namenode/storage"
)

// RecoverTransitionRead analyzes every configured storage directory,
// recovers from transitions interrupted by a crash, performs the startup
// transition selected by |opt|, and loads the latest image plus its
// edits. It returns whether the image should be re-saved; when
// save-on-start is configured, the re-save has already happened.
func (e *Engine) RecoverTransitionRead(opt StartOption) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if opt == StartImport {
		if len(e.cfg.CheckpointDirs) == 0 || len(e.cfg.CheckpointEditsDirs) == 0 {
			return false, errors.New(
				"cannot import a checkpoint: checkpoint directories are not configured")
		}
	}

	// Classify every directory, recovering interrupted transitions.
	// Every configured directory must be reachable at startup.
	var needToSave bool
	var isFormatted bool
	var notFormatted []*storage.Directory

	for _, d := range e.set.Dirs(storage.RoleAny) {
		var state, err = d.Analyze()
		if err != nil {
			return false, err
		}
		switch state {
		case storage.StateNonExistent:
			return false, errors.WithMessagef(ErrInconsistentState,
				"storage directory %s does not exist or is not accessible", d.Root)
		case storage.StateNeedsRecovery:
			var saveAfter bool
			if saveAfter, err = d.Recover(); err != nil {
				return false, err
			}
			needToSave = needToSave || saveAfter
		case storage.StateNotFormatted:
			if empty, err := d.IsEmpty(); err != nil {
				return false, err
			} else if !empty {
				return false, errors.WithMessagef(ErrInconsistentState,
					"storage directory %s is not formatted but is not empty", d.Root)
			}
			notFormatted = append(notFormatted, d)
			continue
		}

		if opt == StartRollback {
			// Versions are re-read after previous/ is restored.
			isFormatted = isFormatted || exists(d.VersionFile())
			continue
		}
		if !exists(d.VersionFile()) {
			needToSave = true
			continue
		}
		var v storage.Version
		if v, err = storage.LoadVersion(d, d.VersionFile()); err != nil {
			return false, err
		} else if err = e.adoptVersion(d, v); err != nil {
			return false, err
		}
		isFormatted = true
		if opt == StartImport {
			return false, errors.Errorf(
				"cannot import a checkpoint: %s already contains an image", d.Root)
		}
	}

	if !isFormatted && opt != StartRollback && opt != StartImport {
		return false, ErrNotFormatted
	}
	if isFormatted && opt != StartRollback {
		if err := e.checkLayout(opt); err != nil {
			return false, err
		}
	}
	if err := e.verifyDistributedUpgrade(opt); err != nil {
		return false, err
	}

	// Prepare unformatted directories to be repopulated by the next save.
	for _, d := range notFormatted {
		log.WithField("dir", d.Root).Info("formatting empty storage directory")
		if err := d.ClearCurrent(); err != nil {
			return false, err
		}
	}

	switch opt {
	case StartUpgrade:
		return false, e.doUpgrade() // Upgrade saves the image itself.
	case StartImport:
		return true, e.doImportCheckpoint()
	case StartRollback:
		if err := e.doRollback(); err != nil {
			return false, err
		}
	}

	var loadSave, err = e.loadImage()
	if err != nil {
		return false, err
	}
	needToSave = needToSave || loadSave

	if needToSave && e.cfg.SaveOnStart {
		if err = e.saveNamespaceLocked(false, true); err != nil {
			return needToSave, err
		}
	} else if !e.journal.IsOpen() {
		if err = e.journal.Open(); err != nil {
			return needToSave, err
		}
	}
	return needToSave, nil
}

// adoptVersion folds a directory's VERSION into the engine state,
// verifying consistency with previously read directories.
func (e *Engine) adoptVersion(d *storage.Directory, v storage.Version) error {
	if e.set.Info == (storage.Info{}) {
		e.set.Info = v.Info
	} else if v.NamespaceID != e.set.Info.NamespaceID {
		return errors.WithMessagef(ErrInconsistentState,
			"namespace id %d of %s does not match %d",
			v.NamespaceID, d.Root, e.set.Info.NamespaceID)
	} else if v.CTime != e.set.Info.CTime {
		return errors.WithMessagef(ErrInconsistentState,
			"cTime %d of %s does not match %d", v.CTime, d.Root, e.set.Info.CTime)
	} else if v.LayoutVersion != e.set.Info.LayoutVersion {
		return errors.WithMessagef(ErrInconsistentState,
			"layout version %d of %s does not match %d",
			v.LayoutVersion, d.Root, e.set.Info.LayoutVersion)
	}
	if v.ImageDigest != "" {
		e.setImageDigest(v.ImageDigest)
	}
	e.distUpgradeState = v.DistributedUpgradeState
	e.distUpgradeVersion = v.DistributedUpgradeVersion
	e.checkpointTime = v.CheckpointTime
	return nil
}

// checkLayout gates startup on the loaded layout version.
func (e *Engine) checkLayout(opt StartOption) error {
	var lv = e.set.Info.LayoutVersion
	if lv < CurrentLayoutVersion {
		return errors.Errorf(
			"storage layout version %d is newer than this build's %d",
			lv, CurrentLayoutVersion)
	}
	if lv > oldestSupportedVersion {
		return errors.Errorf(
			"storage layout version %d is too old to be upgraded by this build", lv)
	}
	if lv != CurrentLayoutVersion && opt != StartUpgrade {
		return errors.WithMessagef(ErrUpgradeRequired,
			"storage layout version %d requires an upgrade to %d",
			lv, CurrentLayoutVersion)
	}
	return nil
}

// verifyDistributedUpgrade gates startup on a pending distributed upgrade.
func (e *Engine) verifyDistributedUpgrade(opt StartOption) error {
	if opt == StartUpgrade || opt == StartRollback || opt == StartImport {
		return nil
	}
	if e.upgrades != nil && e.upgrades.UpgradeState() {
		return errors.WithMessagef(ErrUpgradeInProgress,
			"distributed upgrade to version %d was not completed; restart with upgrade",
			e.upgrades.UpgradeVersion())
	}
	return nil
}

// loadImage chooses the latest image and edits across the active set,
// loads the image, and merges its edits. It returns whether the image
// should be re-saved.
func (e *Engine) loadImage() (bool, error) {
	var latestImageTime, latestEditsTime int64 = math.MinInt64, math.MinInt64
	var latestImageDir, latestEditsDir *storage.Directory
	var needToSave bool

	e.isUpgradeFinalized = true

	for _, d := range e.set.Dirs(storage.RoleAny) {
		if !exists(d.VersionFile()) {
			needToSave = true // Freshly formatted; repopulated by the next save.
			continue
		}
		var v, err = storage.LoadVersion(d, d.VersionFile())
		if err != nil {
			return false, err
		} else if err = e.adoptVersion(d, v); err != nil {
			return false, err
		}

		var imageExists, editsExists bool
		if d.Role.IsOfType(storage.RoleImage) {
			imageExists = exists(d.CurrentFile(FsImageName))
		}
		if d.Role.IsOfType(storage.RoleEdits) {
			editsExists = exists(d.CurrentFile(EditsName))
			if exists(d.CurrentFile(EditsNewName)) {
				// edits.new in steady state marks an unfinished roll.
				needToSave = true
			}
		}

		// Disagreement of fstime across directories forces a re-save.
		if (v.CheckpointTime != latestImageTime && latestImageTime != math.MinInt64) ||
			(v.CheckpointTime != latestEditsTime && latestEditsTime != math.MinInt64) {
			needToSave = true
		}
		if d.Role.IsOfType(storage.RoleImage) && imageExists &&
			v.CheckpointTime > latestImageTime {
			latestImageTime, latestImageDir = v.CheckpointTime, d
		}
		if d.Role.IsOfType(storage.RoleEdits) && editsExists &&
			v.CheckpointTime > latestEditsTime {
			latestEditsTime, latestEditsDir = v.CheckpointTime, d
		}
		if v.CheckpointTime <= 0 {
			needToSave = true
		}
		e.isUpgradeFinalized = e.isUpgradeFinalized && !exists(d.Previous())
	}

	if latestImageDir == nil {
		return false, errors.New("no image file found in any storage directory")
	} else if latestEditsDir == nil {
		return false, errors.New("no edits file found in any storage directory")
	}
	e.checkpointTime = latestImageTime

	if latestImageTime > latestEditsTime &&
		latestImageDir != latestEditsDir &&
		latestImageDir.Role == storage.RoleImage &&
		latestEditsDir.Role == storage.RoleEdits {
		// A crash landed after images were saved but before edits were
		// purged. The image alone is the latest committed state; the
		// stale edits are discarded. This is a deliberate, bounded
		// recovery: shout about it.
		log.WithFields(log.Fields{
			"imageTime": latestImageTime,
			"editsTime": latestEditsTime,
			"imageDir":  latestImageDir.Root,
			"editsDir":  latestEditsDir.Root,
		}).Error("image checkpoint is newer than edits; treating the image as latest and discarding older edits")
	} else if latestImageTime != latestEditsTime {
		return false, errors.WithMessagef(ErrInconsistentState,
			"image checkpoint time %d does not match edits checkpoint time %d",
			latestImageTime, latestEditsTime)
	}

	var recovered, err = e.recoverInterruptedCheckpoint(latestImageDir, latestEditsDir)
	if err != nil {
		return false, err
	}
	needToSave = needToSave || recovered

	var res LoadResult
	if res, err = e.loadImageFile(latestImageDir); err != nil {
		if IsCorrupt(err) {
			// A corrupt image evicts its source directory; the load still fails.
			_ = e.processIOError([]*storage.Directory{latestImageDir})
		}
		return false, err
	}
	needToSave = needToSave || res.LayoutVersion != CurrentLayoutVersion

	if latestImageTime > latestEditsTime {
		needToSave = true // The image is already current; edits are discarded.
	} else {
		var count int
		if count, err = e.loadEdits(latestEditsDir); err != nil {
			return false, err
		}
		if count > 0 {
			var periodTrigger = nowMillis() >
				latestImageTime+e.cfg.CheckpointPeriod.Milliseconds()
			var sizeTrigger = fileLength(latestEditsDir.CurrentFile(EditsName)) >
				e.cfg.CheckpointSize
			needToSave = needToSave || periodTrigger || sizeTrigger
		}
	}
	return needToSave, nil
}

// recoverInterruptedCheckpoint resolves a leftover fsimage.ckpt in the
// chosen image directory. If edits.new also exists the upload never
// finished and the checkpoint is discarded; otherwise the upload
// completed and only the final rename was lost.
func (e *Engine) recoverInterruptedCheckpoint(imageDir, editsDir *storage.Directory) (bool, error) {
	var ckpt = imageDir.CurrentFile(FsImageCkptName)
	if !exists(ckpt) {
		return false, nil
	}

	if exists(editsDir.CurrentFile(EditsNewName)) {
		// The merged image may have been partially uploaded; discard it.
		log.WithField("path", ckpt).Warn("discarding partially uploaded checkpoint image")
		if err := os.Remove(ckpt); err != nil {
			return false, errors.Wrapf(err, "removing %s", ckpt)
		}
	} else {
		log.WithField("path", ckpt).Warn("completing interrupted checkpoint rename")
		if err := storage.RenameOverwrite(ckpt, imageDir.CurrentFile(FsImageName)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// loadImageFile reads and verifies the image of |d| into the namespace.
func (e *Engine) loadImageFile(d *storage.Directory) (LoadResult, error) {
	var path = d.CurrentFile(FsImageName)
	var started = timeNow()

	var f, err = os.Open(path)
	if err != nil {
		return LoadResult{}, errors.Wrapf(err, "opening image %s", path)
	}
	defer f.Close()

	var res LoadResult
	if res, err = readImage(path, f, e.ns, e.journal.AdjustReplication); err != nil {
		return res, err
	}

	// Verify the accumulated digest against the digest which VERSION
	// recorded for this image; adopt it if none was established.
	if e.newImageDigest {
		e.setImageDigest(res.Digest)
	} else if e.imageDigest != res.Digest {
		return res, corruptf(path, "digest %s does not match VERSION digest %s",
			res.Digest, e.imageDigest)
	}

	e.set.Info.NamespaceID = res.NamespaceID
	e.journal.SetStartTransactionID(res.TxID + 1)
	e.saveCtx.SetTxID(res.TxID)

	log.WithFields(log.Fields{
		"path":  path,
		"size":  humanizeBytes(fileLength(path)),
		"files": res.NumFiles,
		"took":  timeNow().Sub(started),
	}).Info("loaded image")
	return res, nil
}

// loadEdits merges the edits, then edits.new if present, of |d| into the
// namespace, returning the number of records applied.
func (e *Engine) loadEdits(d *storage.Directory) (int, error) {
	var count, err = e.loadEditsFile(d.CurrentFile(EditsName))
	if err != nil {
		return count, err
	}
	var editsNew = d.CurrentFile(EditsNewName)
	if exists(editsNew) && fileLength(editsNew) > 0 {
		var more int
		if more, err = e.loadEditsFile(editsNew); err != nil {
			return count, err
		}
		count += more
	}
	return count, nil
}

func (e *Engine) loadEditsFile(path string) (int, error) {
	var f, err = os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "opening edits %s", path)
	}
	defer f.Close()

	var count int
	if count, err = e.journal.LoadEdits(f); err != nil {
		return count, extendErr(err, "loading edits %s", path)
	}
	log.WithFields(log.Fields{"path": path, "records": count}).Info("loaded edits")
	return count, nil
}
