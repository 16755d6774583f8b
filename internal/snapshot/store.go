// Package snapshot persists VM disk and memory state blobs atomically.
//
// A snapshot is only ever referenced by the index after both blobs have been
// fully written and published; loads verify the checksums recorded at save
// time, so a corrupted blob is detected rather than silently restored.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/veilvm/veil/internal/errdefs"
)

// Snapshot is the metadata record for one persisted VM state capture. A
// snapshot outlives its VM: the VMID may refer to a machine that has since
// been destroyed. Immutable once created.
type Snapshot struct {
	ID        uuid.UUID `yaml:"id"`
	VMID      uuid.UUID `yaml:"vm_id"`
	Name      string    `yaml:"name"`
	Timestamp time.Time `yaml:"timestamp"`

	DiskImagePath   string `yaml:"disk_image_path"`
	MemoryStatePath string `yaml:"memory_state_path"`

	// Hex-encoded sha256 of each blob, recorded at save time and verified
	// on every load.
	DiskChecksum   string `yaml:"disk_checksum"`
	MemoryChecksum string `yaml:"memory_checksum"`
}

// Store writes snapshot blobs under a single directory and keeps an index
// file alongside them.
type Store struct {
	log logr.Logger
	dir string

	mu        sync.Mutex
	snapshots map[uuid.UUID]*Snapshot
}

type indexFile struct {
	Snapshots []*Snapshot `yaml:"snapshots"`
}

const indexName = "index.yaml"

// NewStore opens (or initializes) the snapshot store rooted at dir.
func NewStore(log logr.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s := &Store{
		log:       log,
		dir:       dir,
		snapshots: make(map[uuid.UUID]*Snapshot),
	}

	data, err := os.ReadFile(filepath.Join(dir, indexName))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot index: %w", err)
	}

	var idx indexFile
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot index: %w", err)
	}
	for _, snap := range idx.Snapshots {
		s.snapshots[snap.ID] = snap
	}
	s.log.Info("snapshot index loaded", "dir", dir, "snapshots", len(s.snapshots))
	return s, nil
}

// Save persists both blobs and returns the published snapshot record.
//
// Both blobs are written to freshly-named temp files first; only after both
// writes succeed are they renamed into place and the index updated. A
// failure at any step removes everything written so far, so no
// partially-written snapshot is ever referenced.
func (s *Store) Save(vmID uuid.UUID, name string, diskBlob, memoryBlob []byte) (*Snapshot, error) {
	snap := &Snapshot{
		ID:             uuid.New(),
		VMID:           vmID,
		Name:           name,
		Timestamp:      time.Now().UTC(),
		DiskChecksum:   checksum(diskBlob),
		MemoryChecksum: checksum(memoryBlob),
	}
	snap.DiskImagePath = filepath.Join(s.dir, snap.ID.String()+"-disk.img")
	snap.MemoryStatePath = filepath.Join(s.dir, snap.ID.String()+"-memory.state")

	diskTmp, err := s.writeTemp(diskBlob)
	if err != nil {
		return nil, fmt.Errorf("%w: disk blob: %v", errdefs.ErrSnapshotFailed, err)
	}
	memTmp, err := s.writeTemp(memoryBlob)
	if err != nil {
		os.Remove(diskTmp)
		return nil, fmt.Errorf("%w: memory blob: %v", errdefs.ErrSnapshotFailed, err)
	}

	// Both blobs are on disk; publish them.
	if err := os.Rename(diskTmp, snap.DiskImagePath); err != nil {
		os.Remove(diskTmp)
		os.Remove(memTmp)
		return nil, fmt.Errorf("%w: publish disk image: %v", errdefs.ErrSnapshotFailed, err)
	}
	if err := os.Rename(memTmp, snap.MemoryStatePath); err != nil {
		os.Remove(snap.DiskImagePath)
		os.Remove(memTmp)
		return nil, fmt.Errorf("%w: publish memory state: %v", errdefs.ErrSnapshotFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ID] = snap
	if err := s.persistIndexLocked(); err != nil {
		delete(s.snapshots, snap.ID)
		os.Remove(snap.DiskImagePath)
		os.Remove(snap.MemoryStatePath)
		return nil, fmt.Errorf("%w: record metadata: %v", errdefs.ErrSnapshotFailed, err)
	}

	s.log.Info("snapshot saved", "id", snap.ID, "vm", vmID,
		"diskBytes", len(diskBlob), "memoryBytes", len(memoryBlob))
	return snap, nil
}

// Load reads back both blobs, verifying each against the checksum recorded
// at save time. A mismatch returns errdefs.ErrDiskImageCorrupted and no
// data.
func (s *Store) Load(snap *Snapshot) (diskBlob, memoryBlob []byte, err error) {
	diskBlob, err = os.ReadFile(snap.DiskImagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read disk image: %w", err)
	}
	if got := checksum(diskBlob); got != snap.DiskChecksum {
		return nil, nil, fmt.Errorf("%w: disk image checksum %s, recorded %s",
			errdefs.ErrDiskImageCorrupted, got, snap.DiskChecksum)
	}

	memoryBlob, err = os.ReadFile(snap.MemoryStatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read memory state: %w", err)
	}
	if got := checksum(memoryBlob); got != snap.MemoryChecksum {
		return nil, nil, fmt.Errorf("%w: memory state checksum %s, recorded %s",
			errdefs.ErrDiskImageCorrupted, got, snap.MemoryChecksum)
	}

	return diskBlob, memoryBlob, nil
}

// Get returns the snapshot with the given id.
func (s *Store) Get(id uuid.UUID) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, errdefs.ErrNotFound)
	}
	return snap, nil
}

// ListByVM returns all snapshots recorded for the given VM, including ones
// whose VM has since been destroyed.
func (s *Store) ListByVM(vmID uuid.UUID) []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Snapshot
	for _, snap := range s.snapshots {
		if snap.VMID == vmID {
			out = append(out, snap)
		}
	}
	return out
}

// Remove deletes a snapshot's blobs and index entry.
func (s *Store) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return fmt.Errorf("snapshot %s: %w", id, errdefs.ErrNotFound)
	}
	delete(s.snapshots, id)
	if err := s.persistIndexLocked(); err != nil {
		s.snapshots[id] = snap
		return err
	}
	// Blob removal is best-effort once the index no longer references them.
	if err := os.Remove(snap.DiskImagePath); err != nil && !os.IsNotExist(err) {
		s.log.Error(err, "failed to remove disk image", "id", id)
	}
	if err := os.Remove(snap.MemoryStatePath); err != nil && !os.IsNotExist(err) {
		s.log.Error(err, "failed to remove memory state", "id", id)
	}
	return nil
}

func (s *Store) writeTemp(blob []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (s *Store) persistIndexLocked() error {
	idx := indexFile{Snapshots: make([]*Snapshot, 0, len(s.snapshots))}
	for _, snap := range s.snapshots {
		idx.Snapshots = append(idx.Snapshots, snap)
	}

	data, err := yaml.Marshal(&idx)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot index: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".index-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp index: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, indexName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish snapshot index: %w", err)
	}
	return nil
}

func checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
