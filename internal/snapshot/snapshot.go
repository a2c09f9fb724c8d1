// Package snapshot persists the latest generated dataset of each tenant.
//
// Each tenant has two files in the snapshot directory: a zstd-compressed JSON
// artifact holding every record, and a small JSON metadata file. Both are
// written to a temporary file and renamed into place, so a reader sees either
// the previous snapshot or the new one, never a partial write.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/roach88/compsync/internal/model"
)

// ErrNotFound is returned when a tenant has no stored snapshot.
var ErrNotFound = errors.New("snapshot not found")

// Store reads and writes tenant snapshots on an afero filesystem.
type Store struct {
	fs  afero.Fs
	dir string
}

// New creates the snapshot directory if needed.
func New(fsys afero.Fs, dir string) (*Store, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{fs: fsys, dir: dir}, nil
}

// Path returns the artifact path for the tenant.
func (s *Store) Path(tenantID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("tenant_%d.json.zst", tenantID))
}

func (s *Store) metaPath(tenantID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("tenant_%d.meta.json", tenantID))
}

// Save atomically replaces the tenant's artifact and metadata.
func (s *Store) Save(snap model.Snapshot) (model.SnapshotMeta, error) {
	size, err := s.writeAtomic(s.Path(snap.TenantID), func(w io.Writer) error {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if err := json.NewEncoder(zw).Encode(snap); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return model.SnapshotMeta{}, fmt.Errorf("save snapshot tenant %d: %w", snap.TenantID, err)
	}

	meta := snap.Meta()
	meta.SizeBytes = size
	if _, err := s.writeAtomic(s.metaPath(snap.TenantID), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	}); err != nil {
		return model.SnapshotMeta{}, fmt.Errorf("save snapshot meta tenant %d: %w", snap.TenantID, err)
	}

	slog.Info("snapshot saved",
		"tenant_id", snap.TenantID,
		"records", snap.RecordCount,
		"size", humanize.IBytes(uint64(size)),
		"digest", snap.Digest)
	return meta, nil
}

// Load reads the tenant's full snapshot.
func (s *Store) Load(tenantID int64) (model.Snapshot, error) {
	f, err := s.fs.Open(s.Path(tenantID))
	if errors.Is(err, fs.ErrNotExist) {
		return model.Snapshot{}, fmt.Errorf("load snapshot tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load snapshot tenant %d: %w", tenantID, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load snapshot tenant %d: %w", tenantID, err)
	}
	defer zr.Close()

	var snap model.Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot tenant %d: %w", tenantID, err)
	}
	return snap, nil
}

// Meta reads the tenant's snapshot metadata without decompressing the records.
func (s *Store) Meta(tenantID int64) (model.SnapshotMeta, error) {
	data, err := afero.ReadFile(s.fs, s.metaPath(tenantID))
	if errors.Is(err, fs.ErrNotExist) {
		return model.SnapshotMeta{}, fmt.Errorf("snapshot meta tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return model.SnapshotMeta{}, fmt.Errorf("snapshot meta tenant %d: %w", tenantID, err)
	}
	var meta model.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.SnapshotMeta{}, fmt.Errorf("decode snapshot meta tenant %d: %w", tenantID, err)
	}
	return meta, nil
}

// writeAtomic writes through a temp file in the target directory and renames it
// over path. Returns the number of bytes written.
func (s *Store) writeAtomic(path string, write func(io.Writer) error) (int64, error) {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	cw := &countingWriter{w: tmp}
	if err := write(cw); err != nil {
		tmp.Close()
		cleanup()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		cleanup()
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
