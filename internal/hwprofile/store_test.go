package hwprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilvm/veil/internal/errdefs"
)

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")

	s, err := NewStore(logr.Discard(), path)
	require.NoError(t, err)

	p, err := Generate("round-trip")
	require.NoError(t, err)
	require.NoError(t, s.Add(p))

	// A second store over the same file sees the profile, blobs intact.
	s2, err := NewStore(logr.Discard(), path)
	require.NoError(t, err)

	got, err := s2.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.MACAddress, got.MACAddress)
	assert.Equal(t, p.MachineIdentifier, got.MachineIdentifier)
	assert.Equal(t, p.HardwareModel, got.HardwareModel)
	assert.Equal(t, p.SerialNumber, got.SerialNumber)
}

func TestStore_DuplicateIDRejected(t *testing.T) {
	s, err := NewStore(logr.Discard(), filepath.Join(t.TempDir(), "profiles.yaml"))
	require.NoError(t, err)

	p, err := Generate("dup")
	require.NoError(t, err)
	require.NoError(t, s.Add(p))

	err = s.Add(p)
	assert.True(t, errdefs.IsConfigurationInvalid(err))
}

func TestStore_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	s, err := NewStore(logr.Discard(), path)
	require.NoError(t, err)

	p, err := Generate("rm")
	require.NoError(t, err)
	require.NoError(t, s.Add(p))
	require.NoError(t, s.Remove(p.ID))

	_, err = s.Get(p.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	err = s.Remove(uuid.New())
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStore_NoStrayTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(logr.Discard(), filepath.Join(dir, "profiles.yaml"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		p, err := Generate("tmp")
		require.NoError(t, err)
		require.NoError(t, s.Add(p))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "profiles.yaml", entries[0].Name())
}

func TestStore_CorruptFileFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0644))

	_, err := NewStore(logr.Discard(), path)
	assert.Error(t, err)
}
