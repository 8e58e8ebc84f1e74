package storage

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Set is the active collection of storage directories, together with the
// directories which have been evicted for I/O failure.
type Set struct {
	// Info is the identity tuple shared by all directories of the Set.
	Info Info
	// RestoreFailed enables re-acceptance of evicted directories whose
	// paths become writable again.
	RestoreFailed bool

	dirs    []*Directory
	removed []*Directory
}

// Configure builds the Set's directories from the configured image and
// edits paths. A path appearing in both lists is tagged RoleBoth.
func (s *Set) Configure(imageDirs, editsDirs []string) error {
	if len(imageDirs) == 0 || len(editsDirs) == 0 {
		return errors.New("at least one image and one edits directory is required")
	}
	s.dirs, s.removed = nil, nil

	var edits = make(map[string]bool, len(editsDirs))
	for _, p := range editsDirs {
		edits[NewDirectory(p, RoleEdits).Root] = false
	}
	for _, p := range imageDirs {
		var d = NewDirectory(p, RoleImage)
		if _, ok := edits[d.Root]; ok {
			d.Role = RoleBoth
			edits[d.Root] = true
		}
		s.dirs = append(s.dirs, d)
	}
	for _, p := range editsDirs {
		var d = NewDirectory(p, RoleEdits)
		if !edits[d.Root] {
			s.dirs = append(s.dirs, d)
			edits[d.Root] = true // De-duplicate repeated mentions.
		}
	}
	return nil
}

// Dirs returns the active directories whose role satisfies |role|.
// The returned slice must not be retained across evictions.
func (s *Set) Dirs(role Role) []*Directory {
	var out []*Directory
	for _, d := range s.dirs {
		if d.Role.IsOfType(role) {
			out = append(out, d)
		}
	}
	return out
}

// NumDirs returns the number of active directories satisfying |role|.
func (s *Set) NumDirs(role Role) int { return len(s.Dirs(role)) }

// Removed returns the directories evicted from the active set.
func (s *Set) Removed() []*Directory { return s.removed }

// Contains returns whether |d| is in the active set.
func (s *Set) Contains(d *Directory) bool {
	for _, o := range s.dirs {
		if o == d {
			return true
		}
	}
	return false
}

// Evict moves |d| from the active set to the removed set, releasing its
// lock on a best-effort basis. The caller is responsible for notifying
// the edit journal and for failing when the active set is depleted.
func (s *Set) Evict(d *Directory, cause error) {
	for i, o := range s.dirs {
		if o != d {
			continue
		}
		log.WithFields(log.Fields{"dir": d.Root, "role": d.Role, "err": cause}).
			Error("evicting storage directory")

		if err := d.Unlock(); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Warn("unable to unlock evicted storage directory")
		}
		s.dirs = append(s.dirs[:i], s.dirs[i+1:]...)
		s.removed = append(s.removed, d)
		dirsEvictedTotal.Inc()
		return
	}
}

// AttemptRestore re-accepts evicted directories whose roots are writable
// again. A restored directory's contents are discarded; the next save
// repopulates it. Callers must hold the engine's top-level lock, so a
// restore cannot race an in-flight save.
func (s *Set) AttemptRestore() {
	if !s.RestoreFailed || len(s.removed) == 0 {
		return
	}
	var kept []*Directory
	for _, d := range s.removed {
		if !writable(d.Root) {
			kept = append(kept, d)
			continue
		}
		if err := d.Lock(); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Warn("unable to re-lock storage directory for restore")
			kept = append(kept, d)
			continue
		}
		if err := d.ClearCurrent(); err != nil {
			log.WithFields(log.Fields{"dir": d.Root, "err": err}).
				Warn("unable to restore storage directory")
			kept = append(kept, d)
			continue
		}
		log.WithField("dir", d.Root).Info("restoring storage directory")
		s.dirs = append(s.dirs, d)
		dirsRestoredTotal.Inc()
	}
	s.removed = kept
}

// UnlockAll releases the locks of every active directory.
func (s *Set) UnlockAll() error {
	var firstErr error
	for _, d := range s.dirs {
		if err := d.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writable(path string) bool {
	var fi, err = os.Stat(path)
	if err != nil || !fi.IsDir() {
		return false
	}
	// Probe with a temp file; permission bits alone don't account for
	// read-only mounts.
	var f *os.File
	if f, err = os.CreateTemp(path, ".probe-*"); err != nil {
		return false
	}
	var name = f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
