package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Role tags a storage directory with the artifact set it stores.
type Role int

const (
	// RoleAny matches a directory of any role in iteration queries.
	RoleAny Role = iota
	// RoleImage marks a directory storing only namespace images.
	RoleImage
	// RoleEdits marks a directory storing only edit journals.
	RoleEdits
	// RoleBoth marks a directory storing both images and edits.
	RoleBoth
)

// IsOfType returns whether the Role satisfies a query for |q|.
// RoleBoth satisfies queries for both RoleImage and RoleEdits.
func (r Role) IsOfType(q Role) bool {
	if q == RoleAny {
		return true
	}
	if r == RoleBoth && (q == RoleImage || q == RoleEdits) {
		return true
	}
	return r == q
}

// String returns the Role name.
func (r Role) String() string {
	switch r {
	case RoleImage:
		return "IMAGE"
	case RoleEdits:
		return "EDITS"
	case RoleBoth:
		return "IMAGE_AND_EDITS"
	default:
		return "ANY"
	}
}

// State classifies a storage directory at startup.
type State int

const (
	// StateNonExistent means the configured path is missing or unreachable.
	StateNonExistent State = iota
	// StateNotFormatted means the directory exists but holds no state.
	StateNotFormatted
	// StateNormal means the directory holds a complete, consistent state.
	StateNormal
	// StateNeedsRecovery means a staging directory left by an interrupted
	// transition must be resolved before the directory can be used.
	StateNeedsRecovery
)

// String returns the State name.
func (s State) String() string {
	switch s {
	case StateNonExistent:
		return "NON_EXISTENT"
	case StateNotFormatted:
		return "NOT_FORMATTED"
	case StateNormal:
		return "NORMAL"
	default:
		return "NEEDS_RECOVERY"
	}
}

// Well-known file and staging-directory names of a storage directory.
const (
	CurrentDirName            = "current"
	PreviousDirName           = "previous"
	LastCheckpointTmpDirName  = "lastcheckpoint.tmp"
	PreviousCheckpointDirName = "previous.checkpoint"
	RemovedTmpDirName         = "removed.tmp"
	PreviousTmpDirName        = "previous.tmp"
	FinalizedTmpDirName       = "finalized.tmp"

	VersionFileName = "VERSION"
	TimeFileName    = "fstime"
	lockFileName    = "in_use.lock"
)

// Directory is one local storage directory of the active (or removed) set.
type Directory struct {
	// Root is the absolute path of the directory.
	Root string
	// Role is the artifact set this directory stores.
	Role Role

	lock *os.File
}

// NewDirectory returns a Directory rooted at |root| with the given Role.
func NewDirectory(root string, role Role) *Directory {
	return &Directory{Root: filepath.Clean(root), Role: role}
}

// Current returns the path of the live state directory.
func (d *Directory) Current() string { return filepath.Join(d.Root, CurrentDirName) }

// Previous returns the path of the prior-layout state directory.
func (d *Directory) Previous() string { return filepath.Join(d.Root, PreviousDirName) }

// LastCheckpointTmp returns the path of the in-flight save staging directory.
func (d *Directory) LastCheckpointTmp() string {
	return filepath.Join(d.Root, LastCheckpointTmpDirName)
}

// PreviousCheckpoint returns the path of the retained prior checkpoint.
func (d *Directory) PreviousCheckpoint() string {
	return filepath.Join(d.Root, PreviousCheckpointDirName)
}

// RemovedTmp returns the path of the rollback staging directory.
func (d *Directory) RemovedTmp() string { return filepath.Join(d.Root, RemovedTmpDirName) }

// PreviousTmp returns the path of the upgrade staging directory.
func (d *Directory) PreviousTmp() string { return filepath.Join(d.Root, PreviousTmpDirName) }

// FinalizedTmp returns the path of the finalize staging directory.
func (d *Directory) FinalizedTmp() string { return filepath.Join(d.Root, FinalizedTmpDirName) }

// VersionFile returns the path of current/VERSION.
func (d *Directory) VersionFile() string { return filepath.Join(d.Current(), VersionFileName) }

// PreviousVersionFile returns the path of previous/VERSION.
func (d *Directory) PreviousVersionFile() string {
	return filepath.Join(d.Previous(), VersionFileName)
}

// TimeFile returns the path of current/fstime.
func (d *Directory) TimeFile() string { return filepath.Join(d.Current(), TimeFileName) }

// CurrentFile returns the path of |name| under current/.
func (d *Directory) CurrentFile(name string) string { return filepath.Join(d.Current(), name) }

// Analyze classifies the Directory's state. The Directory is locked as a
// side effect of a successful analysis of an existing root.
func (d *Directory) Analyze() (State, error) {
	if fi, err := os.Stat(d.Root); os.IsNotExist(err) {
		return StateNonExistent, nil
	} else if err != nil {
		return StateNonExistent, errors.Wrapf(err, "stat %s", d.Root)
	} else if !fi.IsDir() {
		return StateNonExistent, errors.Errorf("%s is not a directory", d.Root)
	}

	if err := d.Lock(); err != nil {
		return StateNonExistent, err
	}

	var staging = exists(d.PreviousTmp()) || exists(d.RemovedTmp()) ||
		exists(d.FinalizedTmp()) || exists(d.LastCheckpointTmp())

	if staging {
		return StateNeedsRecovery, nil
	} else if exists(d.VersionFile()) {
		return StateNormal, nil
	}
	return StateNotFormatted, nil
}

// Recover resolves the staging directories left by an interrupted
// transition, returning whether the recovery requires a fresh image save.
func (d *Directory) Recover() (needToSave bool, err error) {
	var fields = log.Fields{"dir": d.Root}

	if exists(d.PreviousTmp()) {
		// An upgrade was interrupted after current was staged aside.
		if exists(d.Previous()) {
			return false, errors.Errorf(
				"both %s and %s exist", d.PreviousTmp(), d.Previous())
		}
		log.WithFields(fields).Warn("completing interrupted upgrade")
		if err = rename(d.PreviousTmp(), d.Previous()); err != nil {
			return false, err
		}
		if !exists(d.VersionFile()) {
			// The upgraded image was never fully written.
			needToSave = true
		}
	}
	if exists(d.LastCheckpointTmp()) {
		if exists(d.VersionFile()) {
			// The save completed but the checkpoint was not retired.
			log.WithFields(fields).Warn("retiring checkpoint of interrupted save")
			if exists(d.PreviousCheckpoint()) {
				if err = deleteDir(d.PreviousCheckpoint()); err != nil {
					return false, err
				}
			}
			if err = rename(d.LastCheckpointTmp(), d.PreviousCheckpoint()); err != nil {
				return false, err
			}
		} else {
			// The save was interrupted mid-write. Fall back to the staged
			// prior state, discarding the partial current.
			log.WithFields(fields).Warn("recovering prior checkpoint of interrupted save")
			if exists(d.Current()) {
				if err = deleteDir(d.Current()); err != nil {
					return false, err
				}
			}
			if err = rename(d.LastCheckpointTmp(), d.Current()); err != nil {
				return false, err
			}
			needToSave = true
		}
	}
	if exists(d.RemovedTmp()) {
		log.WithFields(fields).Warn("discarding interrupted rollback staging")
		if err = deleteDir(d.RemovedTmp()); err != nil {
			return false, err
		}
	}
	if exists(d.FinalizedTmp()) {
		log.WithFields(fields).Warn("discarding interrupted finalize staging")
		if err = deleteDir(d.FinalizedTmp()); err != nil {
			return false, err
		}
	}
	return needToSave, nil
}

// ClearCurrent removes all contents of the Directory and recreates an
// empty current/.
func (d *Directory) ClearCurrent() error {
	var entries, err = os.ReadDir(d.Root)
	if err != nil {
		return errors.Wrapf(err, "reading %s", d.Root)
	}
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		if err = os.RemoveAll(filepath.Join(d.Root, e.Name())); err != nil {
			return errors.Wrapf(err, "clearing %s", d.Root)
		}
	}
	return os.Mkdir(d.Current(), 0755)
}

// IsEmpty returns whether the Directory holds no state.
func (d *Directory) IsEmpty() (bool, error) {
	var entries, err = os.ReadDir(d.Root)
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", d.Root)
	}
	for _, e := range entries {
		if e.Name() != lockFileName {
			return false, nil
		}
	}
	return true, nil
}

func exists(path string) bool {
	var _, err = os.Stat(path)
	return err == nil
}

// rename wraps os.Rename with error context.
func rename(from, to string) error {
	return errors.Wrapf(os.Rename(from, to), "rename %s to %s", from, to)
}

// RenameOverwrite renames |from| to |to|, falling back to an explicit
// delete-then-rename where the platform's rename refuses to overwrite an
// existing destination.
func RenameOverwrite(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	} else if rmErr := os.Remove(to); rmErr != nil && !os.IsNotExist(rmErr) {
		log.WithFields(log.Fields{"err": rmErr, "path": to}).
			Warn("unable to delete rename destination")
	}
	return rename(from, to)
}

// deleteDir removes a directory tree.
func deleteDir(path string) error {
	return errors.Wrapf(os.RemoveAll(path), "removing %s", path)
}

// DeleteDir removes a directory tree, with error context attached.
func DeleteDir(path string) error { return deleteDir(path) }
