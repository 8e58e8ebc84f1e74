package checkpoint

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SaveContext carries the per-save state threaded through parallel image
// writers: the transaction id at which the snapshot was taken, a
// cooperative cancellation flag which writers poll at directory
// boundaries, and progress counters used for periodic reporting.
type SaveContext struct {
	txID int64

	cancelled atomic.Bool
	mu        sync.Mutex
	reason    string

	processed atomic.Int64
	total     int64
}

// SetTxID records the transaction id at which the snapshot was taken.
// It is written into the image header and seeds the journal's starting
// transaction id on reload.
func (c *SaveContext) SetTxID(txID int64) { c.txID = txID }

// TxID returns the snapshot transaction id.
func (c *SaveContext) TxID() int64 { return c.txID }

// Cancel requests that in-flight save writers stop at their next
// cancellation checkpoint.
func (c *SaveContext) Cancel(reason string) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	c.cancelled.Store(true)
}

// IsCancelled returns whether cancellation has been requested.
func (c *SaveContext) IsCancelled() bool { return c.cancelled.Load() }

// CheckCancelled returns ErrCheckpointCancelled (with the cancellation
// reason attached) if cancellation has been requested. The returned error
// is distinguishable from I/O failure by callers.
func (c *SaveContext) CheckCancelled() error {
	if !c.cancelled.Load() {
		return nil
	}
	c.mu.Lock()
	var reason = c.reason
	c.mu.Unlock()
	if reason == "" {
		return ErrCheckpointCancelled
	}
	return extendErr(ErrCheckpointCancelled, "reason: %s", reason)
}

// StartProgress resets progress counters for a save of |total| inodes.
func (c *SaveContext) StartProgress(total int64) {
	c.processed.Store(0)
	c.total = total
}

// AddProgress records |n| processed inodes and returns the overall
// percent complete.
func (c *SaveContext) AddProgress(n int64) int {
	var done = c.processed.Add(n)
	if c.total <= 0 {
		return 100
	}
	return int(done * 100 / c.total)
}

// Clear resets the SaveContext between saves.
func (c *SaveContext) Clear() {
	c.mu.Lock()
	c.reason = ""
	c.mu.Unlock()
	c.cancelled.Store(false)
	c.processed.Store(0)
	c.total = 0
}

// logProgress emits a progress line when |percent| has advanced past
// |lastLogged| by at least ten points.
func logProgress(verb string, percent, lastLogged int) int {
	if percent >= lastLogged+10 {
		log.WithField("percent", percent).Infof("%s image", verb)
		return percent
	}
	return lastLogged
}
