// Package checkpoint implements the persistent namespace checkpoint engine:
// it durably captures the in-memory file-system namespace to every image
// storage directory, coordinates with the append-only edit journal so that
// image-plus-journal always reconstructs the latest committed state, and
// drives the atomic directory-rename protocols behind save, upload-and-roll,
// upgrade, rollback, finalize, and import.
//
// The image wire format is bit-exact across all supported layout versions
// and is streamed through a digest pipeline which records an MD5 of the
// file as stored (and verifies it on load), optionally via a registered
// compression codec.
//
// Per-directory I/O failures evict the failing directory from the active
// storage set without aborting the operation; depletion of the active set
// is fatal. Save writers run in parallel, one per image directory, and
// observe cooperative cancellation at directory boundaries.
package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	imageBytesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_image_bytes_saved_total",
		Help: "Cumulative number of image bytes written to storage directories",
	})
	imageBytesLoadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_image_bytes_loaded_total",
		Help: "Cumulative number of image bytes read from storage directories",
	})
	inodesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_inodes_saved_total",
		Help: "Cumulative number of namespace inodes written to images",
	})
	inodesLoadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_inodes_loaded_total",
		Help: "Cumulative number of namespace inodes read from images",
	})
	checkpointsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_checkpoints_completed_total",
		Help: "Cumulative number of completed namespace checkpoints",
	})
	savesCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_namenode_saves_cancelled_total",
		Help: "Cumulative number of cancelled namespace saves",
	})
)
