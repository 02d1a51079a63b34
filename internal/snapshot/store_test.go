package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCaptureAndRollbackRestoresContent(t *testing.T) {
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, target, "original: true\n")

	snap, err := s.Capture(target, "task-1", "step-1")
	require.NoError(t, err)
	assert.True(t, snap.Existed)
	assert.NotEmpty(t, snap.BlobSHA)

	writeFile(t, target, "mutated: true\n")
	require.NoError(t, s.Rollback(snap.ID))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original: true\n", string(got))
}

func TestRollbackOfAbsentFileDeletesIt(t *testing.T) {
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "created-later.txt")

	snap, err := s.Capture(target, "task-1", "step-1")
	require.NoError(t, err)
	assert.False(t, snap.Existed)

	writeFile(t, target, "new file\n")
	require.NoError(t, s.Rollback(snap.ID))

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestIdenticalContentSharesOneBlob(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	writeFile(t, a, "same content\n")
	writeFile(t, b, "same content\n")

	snapA, err := s.Capture(a, "task-1", "step-1")
	require.NoError(t, err)
	snapB, err := s.Capture(b, "task-1", "step-2")
	require.NoError(t, err)
	assert.Equal(t, snapA.BlobSHA, snapB.BlobSHA)

	entries, err := os.ReadDir(filepath.Join(s.root, "objects"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, nil)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "data.json")
	writeFile(t, target, `{"v":1}`)
	snap, err := s.Capture(target, "task-9", "step-1")
	require.NoError(t, err)

	reopened, err := NewStore(root, nil)
	require.NoError(t, err)

	writeFile(t, target, `{"v":2}`)
	require.NoError(t, reopened.Rollback(snap.ID))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))

	snaps, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, snap.ID, snaps[0].ID)
}

func TestRollbackTaskRestoresEarliestState(t *testing.T) {
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, target, "v1")

	snap1, err := s.Capture(target, "task-1", "step-1")
	require.NoError(t, err)
	snap1.CreatedAt = snap1.CreatedAt.Add(-time.Second)
	require.NoError(t, s.writeMeta(snap1))

	writeFile(t, target, "v2")
	_, err = s.Capture(target, "task-1", "step-2")
	require.NoError(t, err)

	writeFile(t, target, "v3")
	require.NoError(t, s.RollbackTask("task-1"))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestDiffShowsChanges(t *testing.T) {
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "main.go")
	writeFile(t, target, "package main\n")

	snap, err := s.Capture(target, "task-1", "step-1")
	require.NoError(t, err)

	diff, err := s.Diff(snap.ID)
	require.NoError(t, err)
	assert.Empty(t, diff, "unchanged file diffs empty")

	writeFile(t, target, "package main\n\nfunc main() {}\n")
	diff, err = s.Diff(snap.ID)
	require.NoError(t, err)
	assert.Contains(t, diff, "func main")
}

func TestCaptureRejectsDirectories(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Capture(t.TempDir(), "task-1", "step-1")
	assert.Error(t, err)
}

func TestPruneDropsOldSnapshotsAndOrphanBlobs(t *testing.T) {
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "old.txt")
	writeFile(t, target, "ancient")

	snap, err := s.Capture(target, "task-1", "step-1")
	require.NoError(t, err)
	snap.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.writeMeta(snap))

	removed, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	snaps, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, snaps)

	entries, err := os.ReadDir(filepath.Join(s.root, "objects"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
