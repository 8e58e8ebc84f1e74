package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoleComputation(t *testing.T) {
	var a, b, c = t.TempDir(), t.TempDir(), t.TempDir()

	var set Set
	require.NoError(t, set.Configure([]string{a, b}, []string{b, c}))

	var roles = make(map[string]Role)
	for _, d := range set.Dirs(RoleAny) {
		roles[d.Root] = d.Role
	}
	require.Equal(t, map[string]Role{
		filepath.Clean(a): RoleImage,
		filepath.Clean(b): RoleBoth,
		filepath.Clean(c): RoleEdits,
	}, roles)

	// BOTH satisfies queries for either role.
	require.Len(t, set.Dirs(RoleImage), 2)
	require.Len(t, set.Dirs(RoleEdits), 2)
	require.Len(t, set.Dirs(RoleAny), 3)
}

func TestRoleIsOfType(t *testing.T) {
	require.True(t, RoleBoth.IsOfType(RoleImage))
	require.True(t, RoleBoth.IsOfType(RoleEdits))
	require.True(t, RoleImage.IsOfType(RoleImage))
	require.False(t, RoleImage.IsOfType(RoleEdits))
	require.True(t, RoleEdits.IsOfType(RoleAny))
}

func TestVersionRoundTrip(t *testing.T) {
	var d = NewDirectory(t.TempDir(), RoleBoth)
	require.NoError(t, os.Mkdir(d.Current(), 0755))

	var v = Version{
		Info:           Info{LayoutVersion: -37, NamespaceID: 12345, CTime: 99},
		ImageDigest:    "00112233445566778899aabbccddeeff",
		CheckpointTime: 1234,
	}
	require.NoError(t, WriteVersion(d, v))

	var got, err = LoadVersion(d, d.VersionFile())
	require.NoError(t, err)
	require.Equal(t, v.Info, got.Info)
	require.Equal(t, v.ImageDigest, got.ImageDigest)
	require.Equal(t, int64(1234), got.CheckpointTime)
	// An absent distributedUpgradeVersion defaults to the layout version.
	require.Equal(t, int32(-37), got.DistributedUpgradeVersion)
}

func TestVersionDigestRules(t *testing.T) {
	var d = NewDirectory(t.TempDir(), RoleImage)
	require.NoError(t, os.Mkdir(d.Current(), 0755))

	// A layout requiring a digest must carry one.
	require.NoError(t, WriteVersion(d, Version{
		Info:           Info{LayoutVersion: -37, NamespaceID: 1, CTime: 0},
		CheckpointTime: 1,
	}))
	var _, err = LoadVersion(d, d.VersionFile())
	require.Error(t, err)
	require.Contains(t, err.Error(), "digest")

	// A layout predating digests must not carry one.
	require.NoError(t, WriteVersion(d, Version{
		Info:           Info{LayoutVersion: -20, NamespaceID: 1, CTime: 0},
		ImageDigest:    "00112233445566778899aabbccddeeff",
		CheckpointTime: 1,
	}))
	_, err = LoadVersion(d, d.VersionFile())
	require.Error(t, err)
	require.Contains(t, err.Error(), "digest")

	// A pre-digest layout without a digest loads.
	require.NoError(t, WriteVersion(d, Version{
		Info:           Info{LayoutVersion: -20, NamespaceID: 1, CTime: 0},
		CheckpointTime: 1,
	}))
	_, err = LoadVersion(d, d.VersionFile())
	require.NoError(t, err)
}

func TestCheckpointTimeRoundTrip(t *testing.T) {
	var d = NewDirectory(t.TempDir(), RoleBoth)
	require.NoError(t, os.Mkdir(d.Current(), 0755))

	// Absent fstime reads as zero.
	var got, err = ReadCheckpointTime(d)
	require.NoError(t, err)
	require.Zero(t, got)

	require.NoError(t, WriteCheckpointTime(d, 987654321))
	got, err = ReadCheckpointTime(d)
	require.NoError(t, err)
	require.Equal(t, int64(987654321), got)

	// Negative times are not written.
	require.NoError(t, WriteCheckpointTime(NewDirectory(t.TempDir(), RoleBoth), -1))
}

func TestAnalyzeStates(t *testing.T) {
	// Missing root.
	var d = NewDirectory(filepath.Join(t.TempDir(), "missing"), RoleBoth)
	var state, err = d.Analyze()
	require.NoError(t, err)
	require.Equal(t, StateNonExistent, state)

	// Empty root.
	d = NewDirectory(t.TempDir(), RoleBoth)
	state, err = d.Analyze()
	require.NoError(t, err)
	require.Equal(t, StateNotFormatted, state)
	require.NoError(t, d.Unlock())

	// Formatted root.
	require.NoError(t, os.Mkdir(d.Current(), 0755))
	require.NoError(t, WriteVersion(d, Version{
		Info:           Info{LayoutVersion: -37, NamespaceID: 1, CTime: 0},
		ImageDigest:    "00112233445566778899aabbccddeeff",
		CheckpointTime: 1,
	}))
	state, err = d.Analyze()
	require.NoError(t, err)
	require.Equal(t, StateNormal, state)
	require.NoError(t, d.Unlock())

	// A staging directory marks recovery.
	require.NoError(t, os.Mkdir(d.RemovedTmp(), 0755))
	state, err = d.Analyze()
	require.NoError(t, err)
	require.Equal(t, StateNeedsRecovery, state)
	require.NoError(t, d.Unlock())
}

func TestRecoverInterruptedUpgrade(t *testing.T) {
	var d = NewDirectory(t.TempDir(), RoleBoth)

	// previous.tmp present, previous absent, current absent: the upgrade
	// completes and a fresh save is requested.
	require.NoError(t, os.Mkdir(d.PreviousTmp(), 0755))
	var needToSave, err = d.Recover()
	require.NoError(t, err)
	require.True(t, needToSave)
	require.DirExists(t, d.Previous())
	require.NoDirExists(t, d.PreviousTmp())
}

func TestRecoverInterruptedSave(t *testing.T) {
	var d = NewDirectory(t.TempDir(), RoleBoth)

	// lastcheckpoint.tmp present with a partial current: fall back to the
	// staged checkpoint.
	require.NoError(t, os.Mkdir(d.LastCheckpointTmp(), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(d.LastCheckpointTmp(), "fsimage"), []byte("old"), 0644))
	require.NoError(t, os.Mkdir(d.Current(), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(d.Current(), "fsimage"), []byte("partial"), 0644))

	var needToSave, err = d.Recover()
	require.NoError(t, err)
	require.True(t, needToSave)
	require.NoDirExists(t, d.LastCheckpointTmp())

	var content []byte
	content, err = os.ReadFile(filepath.Join(d.Current(), "fsimage"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), content)
}

func TestRecoverCompletedSave(t *testing.T) {
	var d = NewDirectory(t.TempDir(), RoleBoth)

	// lastcheckpoint.tmp present and current has a VERSION: the save
	// completed; the staged state is retired as previous.checkpoint.
	require.NoError(t, os.Mkdir(d.LastCheckpointTmp(), 0755))
	require.NoError(t, os.Mkdir(d.Current(), 0755))
	require.NoError(t, WriteVersion(d, Version{
		Info:           Info{LayoutVersion: -37, NamespaceID: 1, CTime: 0},
		ImageDigest:    "00112233445566778899aabbccddeeff",
		CheckpointTime: 1,
	}))

	var needToSave, err = d.Recover()
	require.NoError(t, err)
	require.False(t, needToSave)
	require.NoDirExists(t, d.LastCheckpointTmp())
	require.DirExists(t, d.PreviousCheckpoint())
}

func TestRecoverDiscardsScratch(t *testing.T) {
	var d = NewDirectory(t.TempDir(), RoleBoth)
	require.NoError(t, os.Mkdir(d.Current(), 0755))
	require.NoError(t, os.Mkdir(d.RemovedTmp(), 0755))
	require.NoError(t, os.Mkdir(d.FinalizedTmp(), 0755))

	var needToSave, err = d.Recover()
	require.NoError(t, err)
	require.False(t, needToSave)
	require.NoDirExists(t, d.RemovedTmp())
	require.NoDirExists(t, d.FinalizedTmp())
}

func TestEvictAndRestore(t *testing.T) {
	var a, b = t.TempDir(), t.TempDir()
	var set = Set{RestoreFailed: true}
	require.NoError(t, set.Configure([]string{a}, []string{b}))

	var dirs = set.Dirs(RoleAny)
	for _, d := range dirs {
		require.NoError(t, d.Lock())
		require.NoError(t, os.Mkdir(d.Current(), 0755))
	}

	set.Evict(dirs[0], nil)
	require.Len(t, set.Dirs(RoleAny), 1)
	require.Len(t, set.Removed(), 1)
	require.False(t, set.Contains(dirs[0]))

	// The evicted directory's path is writable; restore re-accepts it
	// with cleared contents.
	set.AttemptRestore()
	require.Len(t, set.Dirs(RoleAny), 2)
	require.Empty(t, set.Removed())
	require.True(t, set.Contains(dirs[0]))
	require.DirExists(t, dirs[0].Current())

	require.NoError(t, set.UnlockAll())
}

func TestRenameOverwrite(t *testing.T) {
	var dir = t.TempDir()
	var from = filepath.Join(dir, "from")
	var to = filepath.Join(dir, "to")

	require.NoError(t, os.WriteFile(from, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(to, []byte("old"), 0644))

	require.NoError(t, RenameOverwrite(from, to))
	var content, err = os.ReadFile(to)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), content)
	require.NoFileExists(t, from)

	// On POSIX, a plain rename refuses to replace an existing, non-empty
	// directory.
	var fromDir = filepath.Join(dir, "fromdir")
	var toDir = filepath.Join(dir, "todir")
	require.NoError(t, os.Mkdir(fromDir, 0755))
	require.NoError(t, os.Mkdir(toDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(toDir, "x"), []byte("x"), 0644))

	require.Error(t, os.Rename(fromDir, toDir)) // Refuses overwrite.
}

func TestDirectoryLockExcludes(t *testing.T) {
	var root = t.TempDir()
	var d1 = NewDirectory(root, RoleBoth)
	var d2 = NewDirectory(root, RoleBoth)

	require.NoError(t, d1.Lock())
	require.Error(t, d2.Lock())

	require.NoError(t, d1.Unlock())
	require.NoError(t, d2.Lock())
	require.NoError(t, d2.Unlock())
}
