package journal

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.tessera.dev/core/namenode/storage"
)

func newTestJournal(t *testing.T) (*FileJournal, *storage.Directory) {
	var set = &storage.Set{}
	require.NoError(t, set.Configure([]string{t.TempDir()}, []string{t.TempDir()}))

	var edits = set.Dirs(storage.RoleEdits)[0]
	require.NoError(t, os.Mkdir(edits.Current(), 0755))
	return &FileJournal{Set: set, LayoutVersion: -37}, edits
}

func TestCreateAndLoadEmptyEdits(t *testing.T) {
	var j, edits = newTestJournal(t)
	var path = filepath.Join(edits.Current(), "edits")
	require.NoError(t, j.CreateEditLogFile(path))

	var f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var count int
	count, err = j.LoadEdits(f)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestLoadEditsCountsRecords(t *testing.T) {
	var j, _ = newTestJournal(t)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, int32(-37)))
	for _, rec := range [][]byte{[]byte("one"), []byte("three")} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(rec))))
		buf.Write(rec)
	}

	var count, err = j.LoadEdits(&buf)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// A truncated record is an error.
	var bad = bytes.NewBuffer(nil)
	require.NoError(t, binary.Write(bad, binary.BigEndian, int32(-37)))
	require.NoError(t, binary.Write(bad, binary.BigEndian, uint32(10)))
	bad.Write([]byte("short"))
	_, err = j.LoadEdits(bad)
	require.Error(t, err)
}

func TestRollAndPurge(t *testing.T) {
	var j, edits = newTestJournal(t)
	require.NoError(t, j.CreateEditLogFile(filepath.Join(edits.Current(), "edits")))
	require.False(t, j.ExistsNew())

	require.NoError(t, j.RollEditLog())
	require.True(t, j.ExistsNew())
	require.FileExists(t, filepath.Join(edits.Current(), "edits.new"))

	// Rolling again is a no-op.
	require.NoError(t, j.RollEditLog())

	require.NoError(t, j.PurgeEditLog())
	require.False(t, j.ExistsNew())
	require.NoFileExists(t, filepath.Join(edits.Current(), "edits.new"))
	require.FileExists(t, filepath.Join(edits.Current(), "edits"))
}

func TestTransactionIDTracking(t *testing.T) {
	var j, _ = newTestJournal(t)
	require.Zero(t, j.LastWrittenTxID())

	j.SetStartTransactionID(101)
	require.Equal(t, int64(100), j.LastWrittenTxID())
}

func TestAdjustReplication(t *testing.T) {
	var j = &FileJournal{MinReplication: 2, MaxReplication: 8}
	require.Equal(t, int16(2), j.AdjustReplication(1))
	require.Equal(t, int16(8), j.AdjustReplication(10))
	require.Equal(t, int16(3), j.AdjustReplication(3))

	// Zero bounds disable clamping.
	var unbounded = &FileJournal{}
	require.Equal(t, int16(1), unbounded.AdjustReplication(1))
}
