package snapshot

import (
	"os"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilvm/veil/internal/errdefs"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(logr.Discard(), dir)
	require.NoError(t, err)
	return s, dir
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	vmID := uuid.New()

	disk := []byte("disk image contents")
	memory := []byte("memory state contents")

	snap, err := s.Save(vmID, "baseline", disk, memory)
	require.NoError(t, err)
	assert.Equal(t, vmID, snap.VMID)
	assert.NotEmpty(t, snap.DiskChecksum)
	assert.NotEmpty(t, snap.MemoryChecksum)

	gotDisk, gotMemory, err := s.Load(snap)
	require.NoError(t, err)
	assert.Equal(t, disk, gotDisk)
	assert.Equal(t, memory, gotMemory)
}

func TestStore_LoadDetectsCorruption(t *testing.T) {
	s, _ := newTestStore(t)

	snap, err := s.Save(uuid.New(), "victim", []byte("disk"), []byte("memory"))
	require.NoError(t, err)

	// Flip bytes in the published disk image behind the store's back.
	require.NoError(t, os.WriteFile(snap.DiskImagePath, []byte("tampered"), 0644))

	_, _, err = s.Load(snap)
	assert.ErrorIs(t, err, errdefs.ErrDiskImageCorrupted)

	// Memory corruption is caught too.
	snap2, err := s.Save(uuid.New(), "victim2", []byte("disk"), []byte("memory"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snap2.MemoryStatePath, []byte("tampered"), 0644))
	_, _, err = s.Load(snap2)
	assert.ErrorIs(t, err, errdefs.ErrDiskImageCorrupted)
}

func TestStore_IndexSurvivesReopen(t *testing.T) {
	s, dir := newTestStore(t)
	vmID := uuid.New()

	snap, err := s.Save(vmID, "persisted", []byte("d"), []byte("m"))
	require.NoError(t, err)

	s2, err := NewStore(logr.Discard(), dir)
	require.NoError(t, err)

	got, err := s2.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.DiskChecksum, got.DiskChecksum)

	byVM := s2.ListByVM(vmID)
	require.Len(t, byVM, 1)
	assert.Equal(t, snap.ID, byVM[0].ID)
}

func TestStore_NoTempLeftoversAfterSaves(t *testing.T) {
	s, dir := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Save(uuid.New(), "n", []byte("d"), []byte("m"))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."),
			"stray temp file %s", e.Name())
	}
	// 3 snapshots x 2 blobs + index
	assert.Len(t, entries, 7)
}

func TestStore_Remove(t *testing.T) {
	s, dir := newTestStore(t)

	snap, err := s.Save(uuid.New(), "gone", []byte("d"), []byte("m"))
	require.NoError(t, err)
	require.NoError(t, s.Remove(snap.ID))

	_, err = s.Get(snap.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = os.Stat(snap.DiskImagePath)
	assert.True(t, os.IsNotExist(err))

	s2, err := NewStore(logr.Discard(), dir)
	require.NoError(t, err)
	_, err = s2.Get(snap.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStore_GetUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(uuid.New())
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
