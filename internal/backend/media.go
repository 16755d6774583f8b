package backend

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"
)

// installVolumeLabel is the volume identifier the guest agent watches for
// when new install media is attached.
const installVolumeLabel = "VEILINST"

// buildInstallMedia packs an application payload into an ISO9660 image the
// backend can attach as a cdrom. The image contains the payload under its
// given name plus a manifest naming it, so the guest agent knows what to
// install.
func buildInstallMedia(name string, payload []byte) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("payload name cannot be empty")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload cannot be empty")
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// Cleanup temporary files created by the ISO writer.
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader(payload), name); err != nil {
		return nil, fmt.Errorf("failed to add payload: %w", err)
	}

	manifest := fmt.Sprintf("package=%s\nsize=%d\n", name, len(payload))
	if err := writer.AddFile(bytes.NewReader([]byte(manifest)), "manifest"); err != nil {
		return nil, fmt.Errorf("failed to add manifest: %w", err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, installVolumeLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}
