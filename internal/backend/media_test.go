package backend

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInstallMedia(t *testing.T) {
	payload := []byte("fake application binary")

	iso, err := buildInstallMedia("agent.pkg", payload)
	require.NoError(t, err)
	require.NotEmpty(t, iso)

	img, err := iso9660.OpenImage(bytes.NewReader(iso))
	require.NoError(t, err)

	label, err := img.Label()
	require.NoError(t, err)
	assert.Equal(t, installVolumeLabel, label)

	rootDir, err := img.RootDir()
	require.NoError(t, err)
	children, err := rootDir.GetChildren()
	require.NoError(t, err)

	found := map[string][]byte{}
	for _, child := range children {
		data, err := io.ReadAll(child.Reader())
		require.NoError(t, err)
		found[strings.ToLower(child.Name())] = data
	}

	require.Contains(t, found, "agent.pkg")
	assert.Equal(t, payload, found["agent.pkg"])

	require.Contains(t, found, "manifest")
	manifest := string(found["manifest"])
	assert.Contains(t, manifest, "package=agent.pkg")
	assert.Contains(t, manifest, "size=23")
}

func TestBuildInstallMedia_RejectsEmptyInput(t *testing.T) {
	_, err := buildInstallMedia("", []byte("x"))
	assert.Error(t, err)

	_, err = buildInstallMedia("agent.pkg", nil)
	assert.Error(t, err)
}
