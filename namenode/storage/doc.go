// Package storage manages the set of local storage directories which durably
// hold namespace images and edit journals. Each directory is tagged with a
// role (image, edits, or both), holds an exclusive advisory lock for its
// lifetime in the active set, and carries a VERSION key/value file which is
// always the last file written in any multi-file update: a missing or partial
// VERSION marks the directory as incomplete on the next startup.
//
// The package implements the crash-recovery rules over the staging
// directories (lastcheckpoint.tmp, previous.tmp, removed.tmp, finalized.tmp)
// left behind by an interrupted checkpoint, upgrade, rollback, or finalize,
// and the eviction/restore lifecycle of directories which fail and later
// become writable again.
package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dirsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_storage_dirs_evicted_total",
		Help: "Cumulative number of storage directories evicted from the active set due to I/O failure",
	})
	dirsRestoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_storage_dirs_restored_total",
		Help: "Cumulative number of evicted storage directories restored to the active set",
	})
)
