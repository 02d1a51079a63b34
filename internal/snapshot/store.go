// Package snapshot captures file state before mutating operations so a
// failed task can be rolled back. Blob content is stored content-addressed
// by SHA-256, so repeated snapshots of unchanged files cost one blob.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"otto/internal/logging"
)

// Snapshot records the pre-operation state of one file. Existed=false means
// the file was absent when the snapshot was taken; rolling back removes it.
type Snapshot struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"taskId"`
	StepID    string      `json:"stepId"`
	Path      string      `json:"path"`
	Existed   bool        `json:"existed"`
	BlobSHA   string      `json:"blobSha,omitempty"`
	Size      int64       `json:"size"`
	Mode      fs.FileMode `json:"mode"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Store persists snapshots under a root directory:
//
//	<root>/objects/<sha256>   blob content, content-addressed
//	<root>/meta/<id>.json     snapshot metadata
type Store struct {
	root   string
	logger logging.Logger
}

// NewStore opens (creating if needed) a snapshot store rooted at dir.
func NewStore(dir string, logger logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot dir must not be empty")
	}
	for _, sub := range []string{"objects", "meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	return &Store{root: dir, logger: logging.OrNop(logger)}, nil
}

// Capture snapshots the current state of path. Call before any write or
// delete; the returned snapshot id is the rollback handle.
func (s *Store) Capture(path, taskID, stepID string) (*Snapshot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	snap := &Snapshot{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		StepID:    stepID,
		Path:      abs,
		CreatedAt: time.Now().UTC(),
	}

	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		snap.Existed = false
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	case info.IsDir():
		return nil, fmt.Errorf("cannot snapshot directory %s", abs)
	default:
		content, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", abs, err)
		}
		sha, err := s.writeBlob(content)
		if err != nil {
			return nil, err
		}
		snap.Existed = true
		snap.BlobSHA = sha
		snap.Size = info.Size()
		snap.Mode = info.Mode().Perm()
	}

	if err := s.writeMeta(snap); err != nil {
		return nil, err
	}
	s.logger.Debug("captured snapshot %s of %s (existed=%v)", snap.ID, abs, snap.Existed)
	return snap, nil
}

// writeBlob stores content under its SHA-256 and returns the hex digest.
// Existing blobs are left untouched.
func (s *Store) writeBlob(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])
	blobPath := filepath.Join(s.root, "objects", sha)
	if _, err := os.Stat(blobPath); err == nil {
		return sha, nil
	}
	if err := atomicWrite(blobPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return sha, nil
}

func (s *Store) writeMeta(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	metaPath := filepath.Join(s.root, "meta", snap.ID+".json")
	if err := atomicWrite(metaPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}
	return nil
}

// atomicWrite writes via a temp file and rename so partial writes never
// surface under the final name.
func atomicWrite(path string, content []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Get loads one snapshot by id.
func (s *Store) Get(id string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "meta", id+".json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// List returns all stored snapshots, newest first. Survives process
// restarts; the metadata directory is the source of truth.
func (s *Store) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "meta"))
	if err != nil {
		return nil, fmt.Errorf("read snapshot metadata: %w", err)
	}
	var snaps []*Snapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		snap, err := s.Get(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot metadata %s: %v", e.Name(), err)
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// ListForTask returns snapshots belonging to one task, newest first.
func (s *Store) ListForTask(taskID string) ([]*Snapshot, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, snap := range all {
		if snap.TaskID == taskID {
			out = append(out, snap)
		}
	}
	return out, nil
}

// blobContent loads the stored content for a snapshot that existed.
func (s *Store) blobContent(snap *Snapshot) ([]byte, error) {
	content, err := os.ReadFile(filepath.Join(s.root, "objects", snap.BlobSHA))
	if err != nil {
		return nil, fmt.Errorf("blob %s for snapshot %s: %w", snap.BlobSHA, snap.ID, err)
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != snap.BlobSHA {
		return nil, fmt.Errorf("blob %s is corrupt", snap.BlobSHA)
	}
	return content, nil
}

// Rollback restores the snapshotted file to its captured state. A snapshot
// of an absent file deletes whatever now occupies the path.
func (s *Store) Rollback(id string) error {
	snap, err := s.Get(id)
	if err != nil {
		return err
	}

	if !snap.Existed {
		if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rollback remove %s: %w", snap.Path, err)
		}
		s.logger.Info("rolled back snapshot %s: removed %s", id, snap.Path)
		return nil
	}

	content, err := s.blobContent(snap)
	if err != nil {
		return err
	}
	mode := snap.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(snap.Path), 0o755); err != nil {
		return fmt.Errorf("rollback mkdir for %s: %w", snap.Path, err)
	}
	if err := atomicWrite(snap.Path, content, mode); err != nil {
		return fmt.Errorf("rollback restore %s: %w", snap.Path, err)
	}
	s.logger.Info("rolled back snapshot %s: restored %s", id, snap.Path)
	return nil
}

// RollbackTask rolls back every snapshot for a task, newest first, so a
// path touched twice ends at its earliest captured state. Returns the first
// error but attempts every snapshot.
func (s *Store) RollbackTask(taskID string) error {
	snaps, err := s.ListForTask(taskID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, snap := range snaps {
		if err := s.Rollback(snap.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Diff renders a unified-style text diff between the snapshotted content
// and the file's current content.
func (s *Store) Diff(id string) (string, error) {
	snap, err := s.Get(id)
	if err != nil {
		return "", err
	}

	var before string
	if snap.Existed {
		content, err := s.blobContent(snap)
		if err != nil {
			return "", err
		}
		before = string(content)
	}

	var after string
	if current, err := os.ReadFile(snap.Path); err == nil {
		after = string(current)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read current %s: %w", snap.Path, err)
	}

	if before == after {
		return "", nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs), nil
}

// Prune removes snapshots older than maxAge along with blobs no remaining
// snapshot references. Returns how many snapshots were removed.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	snaps, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	referenced := make(map[string]bool)
	removed := 0
	for _, snap := range snaps {
		if snap.CreatedAt.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.root, "meta", snap.ID+".json")); err != nil {
				return removed, fmt.Errorf("prune snapshot %s: %w", snap.ID, err)
			}
			removed++
			continue
		}
		if snap.BlobSHA != "" {
			referenced[snap.BlobSHA] = true
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.root, "objects"))
	if err != nil {
		return removed, err
	}
	for _, e := range entries {
		if !e.IsDir() && !referenced[e.Name()] {
			_ = os.Remove(filepath.Join(s.root, "objects", e.Name()))
		}
	}
	return removed, nil
}
