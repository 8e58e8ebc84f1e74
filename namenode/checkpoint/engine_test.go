package checkpoint_test

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.tessera.dev/core/namenode/checkpoint"
	"go.tessera.dev/core/namenode/journal"
	"go.tessera.dev/core/namenode/namespace"
	"go.tessera.dev/core/namenode/storage"
)

// harness bundles an Engine with its collaborators over temp directories.
type harness struct {
	cfg     checkpoint.Config
	ns      *namespace.Namespace
	journal *journal.FileJournal
	engine  *checkpoint.Engine
}

func newHarness(t *testing.T, cfg checkpoint.Config) *harness {
	var h = &harness{cfg: cfg, ns: namespace.New()}
	h.journal = &journal.FileJournal{LayoutVersion: checkpoint.CurrentLayoutVersion}

	var err error
	h.engine, err = checkpoint.NewEngine(cfg, h.ns, h.journal, nil)
	require.NoError(t, err)
	h.journal.Set = h.engine.StorageSet()
	return h
}

// reopen closes the harness engine and builds a fresh one over the same
// directories, with an empty namespace.
func (h *harness) reopen(t *testing.T) *harness {
	require.NoError(t, h.engine.Close())
	return newHarness(t, h.cfg)
}

func testConfig(imageDirs, editsDirs []string) checkpoint.Config {
	return checkpoint.Config{
		ImageDirs:        imageDirs,
		EditsDirs:        editsDirs,
		CompressionCodec: "gzip",
		CheckpointPeriod: time.Hour,
		CheckpointSize:   4 << 20,
	}
}

func addFixtureTree(t *testing.T, ns *namespace.Namespace) {
	var dir = &namespace.Node{
		Name: []byte("data"), Mtime: 7, NsQuota: -1, DsQuota: -1,
		Permission: namespace.PermissionStatus{User: "root", Group: "root", Mode: 0755},
	}
	require.NoError(t, ns.Root.AddChild(dir))
	require.NoError(t, dir.AddChild(&namespace.Node{
		Name: []byte("blob"), Replication: 3, Mtime: 8, Atime: 9,
		PreferredBlockSize: 64,
		Blocks:             []namespace.Block{{ID: 1, NumBytes: 10, GenerationStamp: 100}},
		Permission:         namespace.PermissionStatus{User: "root", Group: "root", Mode: 0644},
	}))
}

func md5OfFile(t *testing.T, path string) string {
	var f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var sum = md5.New()
	_, err = io.Copy(sum, f)
	require.NoError(t, err)
	return hex.EncodeToString(sum.Sum(nil))
}

func readFstime(t *testing.T, dir string) int64 {
	var b, err = os.ReadFile(filepath.Join(dir, "current", "fstime"))
	require.NoError(t, err)
	return int64(binary.BigEndian.Uint64(b))
}

// Scenario: format, save, and read back the on-disk artifacts.
func TestFormatSaveThenLoad(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))
	defer h.engine.Close()

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))

	var imagePath = filepath.Join(dirA, "current", "fsimage")
	var header, err = os.ReadFile(imagePath)
	require.NoError(t, err)

	// The first four bytes are the layout version; numFiles reads 3
	// (root, data, blob).
	require.Equal(t, checkpoint.CurrentLayoutVersion,
		int32(binary.BigEndian.Uint32(header[:4])))
	require.Equal(t, int64(3), int64(binary.BigEndian.Uint64(header[8:16])))

	// fstime agrees across both directories.
	require.Equal(t, readFstime(t, dirA), readFstime(t, dirB))

	// The digest recorded in VERSION is the hash of the image file.
	var v storage.Version
	v, err = storage.LoadVersion(
		storage.NewDirectory(dirA, storage.RoleImage),
		filepath.Join(dirA, "current", "VERSION"))
	require.NoError(t, err)
	require.Equal(t, md5OfFile(t, imagePath), v.ImageDigest)
	require.Equal(t, v.ImageDigest, h.engine.ImageDigest())

	// A fresh engine loads the identical tree and needs no re-save.
	var h2 = h.reopen(t)
	defer h2.engine.Close()

	var needToSave bool
	needToSave, err = h2.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.NoError(t, err)
	require.False(t, needToSave)
	require.Equal(t, h.ns.Root, h2.ns.Root)
	require.True(t, h2.journal.IsOpen())
}

// Scenario: a checkpoint upload was interrupted; the uploaded image is
// discarded and a save is forced.
func TestInterruptedUploadDiscardsCheckpoint(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))

	// Plant a byte-identical fsimage.ckpt and an empty edits.new.
	var imagePath = filepath.Join(dirA, "current", "fsimage")
	var ckptPath = filepath.Join(dirA, "current", "fsimage.ckpt")
	var img, err = os.ReadFile(imagePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ckptPath, img, 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dirB, "current", "edits.new"), nil, 0644))

	var h2 = h.reopen(t)
	defer h2.engine.Close()

	var needToSave bool
	needToSave, err = h2.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.NoError(t, err)
	require.True(t, needToSave)
	require.NoFileExists(t, ckptPath)

	// The forced save produces a fresh VERSION whose digest matches.
	require.NoError(t, h2.engine.SaveNamespace(false, true))
	var v storage.Version
	v, err = storage.LoadVersion(
		storage.NewDirectory(dirA, storage.RoleImage),
		filepath.Join(dirA, "current", "VERSION"))
	require.NoError(t, err)
	require.Equal(t, md5OfFile(t, imagePath), v.ImageDigest)
}

// Scenario: the upload committed but the final rename was lost; startup
// completes the rename with no data loss.
func TestInterruptedRenameCompletes(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))

	var imagePath = filepath.Join(dirA, "current", "fsimage")
	var ckptPath = filepath.Join(dirA, "current", "fsimage.ckpt")
	var img, err = os.ReadFile(imagePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ckptPath, img, 0644))

	var h2 = h.reopen(t)
	defer h2.engine.Close()

	_, err = h2.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.NoError(t, err)
	require.NoFileExists(t, ckptPath)
	require.FileExists(t, imagePath)
	require.Equal(t, h.ns.Root, h2.ns.Root)
}

// Scenario: divergent fstime across image directories. The engine loads
// the newer image and the next save restores equality.
func TestDivergentCheckpointTime(t *testing.T) {
	var dirA, dirB, dirC = t.TempDir(), t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA, dirB}, []string{dirC}))

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))
	require.NoError(t, h.engine.Close())

	// Rewrite fstime: A and C at 101, B behind at 100.
	require.NoError(t, storage.WriteCheckpointTime(
		storage.NewDirectory(dirA, storage.RoleImage), 101))
	require.NoError(t, storage.WriteCheckpointTime(
		storage.NewDirectory(dirB, storage.RoleImage), 100))
	require.NoError(t, storage.WriteCheckpointTime(
		storage.NewDirectory(dirC, storage.RoleEdits), 101))

	var h2 = newHarness(t, h.cfg)
	defer h2.engine.Close()

	var needToSave, err = h2.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.NoError(t, err)
	require.True(t, needToSave)
	require.Equal(t, int64(101), h2.engine.CheckpointTime())

	require.NoError(t, h2.engine.SaveNamespace(false, true))
	require.Equal(t, readFstime(t, dirA), readFstime(t, dirB))
	require.Equal(t, readFstime(t, dirA), readFstime(t, dirC))
	require.Greater(t, readFstime(t, dirA), int64(101))
}

// Scenario: upgrade creates previous/ everywhere; rollback restores the
// exact pre-upgrade tree.
func TestUpgradeThenRollback(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))
	var preUpgrade = h.engine.Info()

	var h2 = h.reopen(t)
	var _, err = h2.engine.RecoverTransitionRead(checkpoint.StartUpgrade)
	require.NoError(t, err)
	require.Equal(t, h.ns.Root, h2.ns.Root)
	require.DirExists(t, filepath.Join(dirA, "previous"))
	require.DirExists(t, filepath.Join(dirB, "previous"))
	require.False(t, h2.engine.IsUpgradeFinalized())
	require.Greater(t, h2.engine.Info().CTime, preUpgrade.CTime)

	var h3 = h2.reopen(t)
	defer h3.engine.Close()
	_, err = h3.engine.RecoverTransitionRead(checkpoint.StartRollback)
	require.NoError(t, err)

	require.NoDirExists(t, filepath.Join(dirA, "previous"))
	require.Equal(t, preUpgrade, h3.engine.Info())
	require.Equal(t, h.ns.Root, h3.ns.Root)
}

// Scenario: finalize discards previous/ and is idempotent.
func TestFinalizeIsIdempotent(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))

	require.NoError(t, h.engine.Format())
	require.NoError(t, h.engine.SaveNamespace(false, true))

	var h2 = h.reopen(t)
	defer h2.engine.Close()
	var _, err = h2.engine.RecoverTransitionRead(checkpoint.StartUpgrade)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(dirA, "previous"))

	require.NoError(t, h2.engine.FinalizeUpgrade())
	require.NoDirExists(t, filepath.Join(dirA, "previous"))
	require.True(t, h2.engine.IsUpgradeFinalized())

	require.NoError(t, h2.engine.FinalizeUpgrade())
	require.NoDirExists(t, filepath.Join(dirA, "previous"))
}

// Scenario: cancellation reverses the staged transition; current/ is
// byte-identical to its pre-save content and the journal is reopened.
func TestSaveCancellation(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))
	defer h.engine.Close()

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))

	var imagePath = filepath.Join(dirA, "current", "fsimage")
	var before = md5OfFile(t, imagePath)
	var beforeTime = readFstime(t, dirA)

	h.engine.CancelSaveNamespace("test")
	var err = h.engine.SaveNamespace(false, true)
	require.Error(t, err)
	require.True(t, checkpoint.IsCancelled(err))

	require.Equal(t, before, md5OfFile(t, imagePath))
	require.Equal(t, beforeTime, readFstime(t, dirA))
	require.True(t, h.journal.IsOpen())

	// A subsequent save succeeds: the cancellation request was cleared.
	require.NoError(t, h.engine.SaveNamespace(false, true))
}

// Scenario: a single directory of role BOTH carries a full checkpoint.
func TestSingleDirectoryWithBothRoles(t *testing.T) {
	var dir = t.TempDir()
	var h = newHarness(t, testConfig([]string{dir}, []string{dir}))

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))

	require.FileExists(t, filepath.Join(dir, "current", "fsimage"))
	require.FileExists(t, filepath.Join(dir, "current", "edits"))

	var h2 = h.reopen(t)
	defer h2.engine.Close()
	var needToSave, err = h2.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.NoError(t, err)
	require.False(t, needToSave)
	require.Equal(t, h.ns.Root, h2.ns.Root)
}

// Scenario: the full upload-and-roll protocol with a secondary actor.
func TestRollProtocol(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))
	defer h.engine.Close()

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))

	var sig, err = h.engine.RollEditLog()
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateRolledEdits, h.engine.State())
	require.FileExists(t, filepath.Join(dirB, "current", "edits.new"))

	require.NoError(t, h.engine.ValidateCheckpointUpload(sig))
	require.Equal(t, checkpoint.StateUploadStart, h.engine.State())

	// Simulate the secondary's upload of a merged image: byte-identical
	// to the current image.
	var img []byte
	img, err = os.ReadFile(filepath.Join(dirA, "current", "fsimage"))
	require.NoError(t, err)
	var ckptPath = filepath.Join(dirA, "current", "fsimage.ckpt")
	require.NoError(t, os.WriteFile(ckptPath, img, 0644))

	var digest = md5OfFile(t, ckptPath)
	h.engine.CheckpointUploadDone(digest)
	require.Equal(t, checkpoint.StateUploadDone, h.engine.State())

	var newSig = sig
	newSig.ImageDigest = digest
	require.NoError(t, h.engine.RollImage(newSig))

	require.Equal(t, checkpoint.StateStart, h.engine.State())
	require.NoFileExists(t, ckptPath)
	require.NoFileExists(t, filepath.Join(dirB, "current", "edits.new"))
	require.FileExists(t, filepath.Join(dirB, "current", "edits"))
	require.Equal(t, digest, h.engine.ImageDigest())
}

// Roll protocol calls in the wrong state surface ordering errors.
func TestRollProtocolOrdering(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))
	defer h.engine.Close()

	require.NoError(t, h.engine.Format())
	require.NoError(t, h.engine.SaveNamespace(false, true))

	// Validate without a preceding roll.
	var err = h.engine.ValidateCheckpointUpload(checkpoint.Signature{})
	require.ErrorIs(t, err, checkpoint.ErrCheckpointOrdering)

	// Roll the image without a completed upload.
	var sig checkpoint.Signature
	sig, err = h.engine.RollEditLog()
	require.NoError(t, err)
	err = h.engine.RollImage(sig)
	require.ErrorIs(t, err, checkpoint.ErrCheckpointOrdering)
}

// Scenario: import loads an image from external checkpoint directories
// and saves it through the regular protocol.
func TestImportCheckpoint(t *testing.T) {
	// Build the external checkpoint.
	var ckptDir = t.TempDir()
	var src = newHarness(t, testConfig([]string{ckptDir}, []string{ckptDir}))
	require.NoError(t, src.engine.Format())
	addFixtureTree(t, src.ns)
	require.NoError(t, src.engine.SaveNamespace(false, true))
	var srcID = src.engine.Info().NamespaceID
	require.NoError(t, src.engine.Close())

	// Import into fresh, empty directories.
	var dirA, dirB = t.TempDir(), t.TempDir()
	var cfg = testConfig([]string{dirA}, []string{dirB})
	cfg.CheckpointDirs = []string{ckptDir}
	cfg.CheckpointEditsDirs = []string{ckptDir}

	var h = newHarness(t, cfg)
	defer h.engine.Close()

	var needToSave, err = h.engine.RecoverTransitionRead(checkpoint.StartImport)
	require.NoError(t, err)
	require.True(t, needToSave)

	require.Equal(t, srcID, h.engine.Info().NamespaceID)
	require.Equal(t, src.ns.Root, h.ns.Root)
	require.FileExists(t, filepath.Join(dirA, "current", "fsimage"))
	require.FileExists(t, filepath.Join(dirB, "current", "edits"))
}

// Startup against unformatted directories fails with ErrNotFormatted.
func TestStartupRequiresFormat(t *testing.T) {
	var h = newHarness(t, testConfig([]string{t.TempDir()}, []string{t.TempDir()}))
	defer h.engine.Close()

	var _, err = h.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.ErrorIs(t, err, checkpoint.ErrNotFormatted)
}

// A missing configured directory fails fast at startup.
func TestStartupRequiresReachableDirectories(t *testing.T) {
	var missing = filepath.Join(t.TempDir(), "does-not-exist")
	var h = newHarness(t, testConfig([]string{missing}, []string{t.TempDir()}))

	var _, err = h.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.ErrorIs(t, err, checkpoint.ErrInconsistentState)
}

// A corrupted image surfaces a typed corruption error naming the file.
func TestCorruptImageFailsLoad(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var h = newHarness(t, testConfig([]string{dirA}, []string{dirB}))

	require.NoError(t, h.engine.Format())
	addFixtureTree(t, h.ns)
	require.NoError(t, h.engine.SaveNamespace(false, true))

	// Flip a byte in the image body.
	var imagePath = filepath.Join(dirA, "current", "fsimage")
	var img, err = os.ReadFile(imagePath)
	require.NoError(t, err)
	img[len(img)-1] ^= 0xff
	require.NoError(t, os.WriteFile(imagePath, img, 0644))

	var h2 = h.reopen(t)
	defer h2.engine.Close()
	_, err = h2.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.Error(t, err)
	require.True(t, checkpoint.IsCorrupt(err))
	require.Contains(t, err.Error(), imagePath)
}

// Loaded edits records trigger a re-save when the checkpoint size
// threshold is exceeded.
func TestEditsSizeTriggersSave(t *testing.T) {
	var dirA, dirB = t.TempDir(), t.TempDir()
	var cfg = testConfig([]string{dirA}, []string{dirB})
	cfg.CheckpointSize = 8 // Tiny threshold.

	var h = newHarness(t, cfg)
	require.NoError(t, h.engine.Format())
	require.NoError(t, h.engine.SaveNamespace(false, true))
	require.NoError(t, h.engine.Close())

	// Append two framed records to the edits file.
	var editsPath = filepath.Join(dirB, "current", "edits")
	var f, err = os.OpenFile(editsPath, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	for i := 0; i != 2; i++ {
		require.NoError(t, binary.Write(f, binary.BigEndian, uint32(4)))
		_, err = f.Write([]byte("opop"))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	var h2 = newHarness(t, cfg)
	defer h2.engine.Close()
	var needToSave bool
	needToSave, err = h2.engine.RecoverTransitionRead(checkpoint.StartRegular)
	require.NoError(t, err)
	require.True(t, needToSave)
}
