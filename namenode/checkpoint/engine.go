package checkpoint

import (
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tessera.dev/core/codecs"
	"go.tessera.dev/core/namenode/namespace"
	"go.tessera.dev/core/namenode/storage"
)

// Names of the files a storage directory holds under current/.
const (
	FsImageName     = "fsimage"
	FsImageCkptName = "fsimage.ckpt"
	EditsName       = "edits"
	EditsNewName    = "edits.new"
)

// StartOption selects the startup transition to perform.
type StartOption int

const (
	// StartRegular loads the latest image and merges its edits.
	StartRegular StartOption = iota
	// StartUpgrade performs a layout upgrade before serving.
	StartUpgrade
	// StartRollback restores the pre-upgrade state before serving.
	StartRollback
	// StartImport loads an image from external checkpoint directories.
	StartImport
)

// Engine is the persistent namespace checkpoint engine. It owns the
// storage set and drives every durable namespace transition: format,
// startup recovery and load, save, upload-and-roll, upgrade, rollback,
// finalize, and import.
//
// Engine is designed for a single calling goroutine; public operations
// serialize on an internal mutex.
type Engine struct {
	cfg      Config
	set      *storage.Set
	ns       *namespace.Namespace
	journal  EditJournal
	upgrades UpgradeManager

	mu    sync.Mutex
	state State

	// checkpointTime is the fstime of the current checkpoint generation,
	// uniform across all valid directories.
	checkpointTime int64
	// imageDigest is the hex digest of the last successfully saved or
	// loaded image. newImageDigest is set while no digest is established,
	// in which case the next computed digest is adopted.
	imageDigest    string
	newImageDigest bool
	// checkpointDigest is the digest recorded by CheckpointUploadDone,
	// pending RollImage.
	checkpointDigest string

	isUpgradeFinalized bool

	distUpgradeState   bool
	distUpgradeVersion int32

	saveCtx SaveContext
}

// NewEngine returns an Engine over the configured storage directories.
// The namespace, edit journal, and upgrade manager are injected; the
// Engine holds only their interfaces.
func NewEngine(cfg Config, ns *namespace.Namespace, journal EditJournal, upgrades UpgradeManager) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var set = &storage.Set{RestoreFailed: cfg.RestoreFailedStorage}
	if err := set.Configure(cfg.ImageDirs, cfg.EditsDirs); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:            cfg,
		set:            set,
		ns:             ns,
		journal:        journal,
		upgrades:       upgrades,
		newImageDigest: true,
		checkpointTime: -1,
	}, nil
}

// Namespace returns the engine's namespace snapshot.
func (e *Engine) Namespace() *namespace.Namespace { return e.ns }

// StorageSet returns the engine's storage set, for collaborators (such
// as the edit journal) which iterate its directories.
func (e *Engine) StorageSet() *storage.Set { return e.set }

// Info returns the storage identity tuple.
func (e *Engine) Info() storage.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set.Info
}

// CheckpointTime returns the fstime of the current checkpoint.
func (e *Engine) CheckpointTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointTime
}

// ImageDigest returns the hex digest of the last saved or loaded image.
func (e *Engine) ImageDigest() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.imageDigest
}

// State returns the current checkpoint protocol state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsUpgradeFinalized returns whether no directory retains a previous/
// state.
func (e *Engine) IsUpgradeFinalized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isUpgradeFinalized
}

// ImageFiles returns the current image file of every image directory.
func (e *Engine) ImageFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentFiles(storage.RoleImage, FsImageName)
}

// EditsFiles returns the current edits file of every edits directory.
func (e *Engine) EditsFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentFiles(storage.RoleEdits, EditsName)
}

// TimeFiles returns the fstime file of every directory.
func (e *Engine) TimeFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, d := range e.set.Dirs(storage.RoleAny) {
		out = append(out, d.TimeFile())
	}
	return out
}

// FsImageName returns a readable current image file, for transfer to a
// secondary actor, or the empty string if none is available.
func (e *Engine) FsImageName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.set.Dirs(storage.RoleImage) {
		var path = d.CurrentFile(FsImageName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// FsImageCheckpointNames returns the upload destination (fsimage.ckpt)
// of every image directory.
func (e *Engine) FsImageCheckpointNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentFiles(storage.RoleImage, FsImageCkptName)
}

// TransferBandwidth returns the configured external-transfer throttle in
// bytes per second, or zero when unthrottled.
func (e *Engine) TransferBandwidth() int64 { return e.cfg.TransferBandwidth }

func (e *Engine) currentFiles(role storage.Role, name string) []string {
	var out []string
	for _, d := range e.set.Dirs(role) {
		out = append(out, d.CurrentFile(name))
	}
	return out
}

// Format destroys all state of every configured directory and writes a
// fresh, empty namespace: a new namespace id, cTime zero, and a new
// checkpoint time.
func (e *Engine) Format() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.set.Info = storage.Info{
		LayoutVersion: CurrentLayoutVersion,
		NamespaceID:   newNamespaceID(),
		CTime:         0,
	}
	e.checkpointTime = nowMillis()
	e.newImageDigest = true

	for _, d := range e.set.Dirs(storage.RoleAny) {
		if err := d.Lock(); err != nil {
			return err
		} else if err = d.ClearCurrent(); err != nil {
			return err
		} else if err = e.saveCurrent(d, false); err != nil {
			return err
		}
		log.WithField("dir", d.Root).Info("formatted storage directory")
	}
	return nil
}

// CancelSaveNamespace requests cancellation of an in-flight save.
// Writers observe the request cooperatively and the engine reverses the
// staged transition.
func (e *Engine) CancelSaveNamespace(reason string) {
	e.saveCtx.Cancel(reason)
}

// ImageTxID returns the transaction id of the loaded or saved image.
func (e *Engine) ImageTxID() int64 { return e.saveCtx.TxID() }

// Close closes the edit journal and releases every directory lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			log.WithField("err", err).Warn("failed to close edit journal")
		}
	}
	return e.set.UnlockAll()
}

// version composes the VERSION file content of the engine's current state.
func (e *Engine) version() storage.Version {
	return storage.Version{
		Info:                      e.set.Info,
		DistributedUpgradeState:   e.distUpgradeState,
		DistributedUpgradeVersion: e.distUpgradeVersion,
		ImageDigest:               e.imageDigest,
		CheckpointTime:            e.checkpointTime,
	}
}

// writeVersion writes the fstime and VERSION of |d|, last in any
// multi-file update of the directory.
func (e *Engine) writeVersion(d *storage.Directory) error {
	return storage.WriteVersion(d, e.version())
}

// saveCurrent populates an existing, empty current/ of |d| with the
// artifacts of its role, writing VERSION last.
func (e *Engine) saveCurrent(d *storage.Directory, forceUncompressed bool) error {
	if !exists(d.Current()) {
		if err := os.Mkdir(d.Current(), 0755); err != nil {
			return errors.Wrapf(err, "creating %s", d.Current())
		}
	}
	if d.Role.IsOfType(storage.RoleImage) {
		var digest, err = e.saveImageFile(d.CurrentFile(FsImageName), forceUncompressed)
		if err != nil {
			return err
		}
		e.setImageDigest(digest)
	}
	if d.Role.IsOfType(storage.RoleEdits) {
		if err := e.journal.CreateEditLogFile(d.CurrentFile(EditsName)); err != nil {
			return errors.Wrapf(err, "creating edits in %s", d.Root)
		}
	}
	return e.writeVersion(d)
}

// saveImageFile streams the namespace into |path| and fsyncs it,
// returning the digest of the written file.
func (e *Engine) saveImageFile(path string, forceUncompressed bool) (string, error) {
	var codec codecs.Codec
	if e.cfg.Compress && !forceUncompressed {
		var err error
		if codec, err = codecs.Lookup(e.cfg.CompressionCodec); err != nil {
			return "", err
		}
	}

	var started = timeNow()
	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "creating image %s", path)
	}

	var digest string
	digest, err = writeImage(f, e.ns, imageWriteOptions{
		layoutVersion: e.set.Info.LayoutVersion,
		namespaceID:   e.set.Info.NamespaceID,
		txID:          e.saveCtx.TxID(),
		codec:         codec,
		ctx:           &e.saveCtx,
	})
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", extendErr(err, "saving image %s", path)
	}

	if fi, statErr := os.Stat(path); statErr == nil {
		log.WithFields(log.Fields{
			"path": path,
			"size": humanizeBytes(fi.Size()),
			"took": timeNow().Sub(started),
		}).Info("saved image")
	}
	return digest, nil
}

// setImageDigest records the digest of the image just written or read.
func (e *Engine) setImageDigest(digest string) {
	e.newImageDigest = false
	e.imageDigest = digest
}

// processIOError evicts |dirs| from the active set in one pass, notifying
// the edit journal of evicted edits directories. It fails only when the
// active set would be depleted.
func (e *Engine) processIOError(dirs []*storage.Directory) error {
	for _, d := range dirs {
		if !e.set.Contains(d) {
			continue
		}
		if d.Role.IsOfType(storage.RoleEdits) {
			e.journal.ProcessIOError(d)
		}
		e.set.Evict(d, nil)
	}
	if e.set.NumDirs(storage.RoleAny) == 0 {
		return ErrNoStorageLeft
	}
	return nil
}

// enforceImageStorageExists fails when no image directory remains.
func (e *Engine) enforceImageStorageExists() error {
	if e.set.NumDirs(storage.RoleImage) == 0 {
		log.Error("no image storage directories left")
		return errors.WithMessage(ErrNoStorageLeft, "no image directories remain")
	}
	return nil
}

// newNamespaceID generates a uniform, nonzero 31-bit namespace id.
func newNamespaceID() int32 {
	var r = rand.New(rand.NewSource(timeNow().UnixNano()))
	var id int32
	for id == 0 {
		id = int32(r.Int63n(0x7FFFFFFF))
	}
	return id
}

func exists(path string) bool {
	var _, err = os.Stat(path)
	return err == nil
}

func fileLength(path string) int64 {
	if fi, err := os.Stat(path); err == nil {
		return fi.Size()
	}
	return 0
}

func humanizeBytes(n int64) string { return humanize.IBytes(uint64(n)) }

var timeNow = time.Now

// nowMillis returns the current wall-clock time in milliseconds.
func nowMillis() int64 { return timeNow().UnixNano() / int64(time.Millisecond) }
