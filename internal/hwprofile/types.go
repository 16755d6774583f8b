// Package hwprofile defines hardware identity profiles and their
// validation.
//
// A profile is the set of spoofed hardware identifiers (machine identifier,
// MAC address, serial number, hardware model) a VM presents to its guest so
// workloads inside cannot be correlated with the host's real fingerprint.
// Profiles are immutable once bound to a VM.
package hwprofile

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Profile is a hardware identity template.
type Profile struct {
	ID   uuid.UUID `yaml:"id"`
	Name string    `yaml:"name"`

	// HardwareModel is an opaque, backend-interpreted description of the
	// virtual hardware topology.
	HardwareModel []byte `yaml:"hardware_model"`

	// MachineIdentifier is the opaque, backend-specific machine id blob.
	MachineIdentifier []byte `yaml:"machine_identifier"`

	// MACAddress is the 6-byte hardware address presented on the guest's
	// primary interface. Must be unicast; should be locally administered.
	MACAddress []byte `yaml:"mac_address"`

	// SerialNumber is the vendor-format serial string exposed via SMBIOS.
	SerialNumber string `yaml:"serial_number"`

	CreatedAt time.Time `yaml:"created_at"`
}

// MACString renders the MAC address in colon-separated form, or "" if the
// address is not 6 bytes.
func (p *Profile) MACString() string {
	if len(p.MACAddress) != macLength {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		p.MACAddress[0], p.MACAddress[1], p.MACAddress[2],
		p.MACAddress[3], p.MACAddress[4], p.MACAddress[5])
}

// serialAlphabet matches the vendor format accepted by Validator: upper-case
// alphanumerics, the common vendor style.
const serialAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ0123456789"

// Generate mints a fresh random profile: locally-administered unicast MAC,
// 12-character vendor-style serial, random machine identifier blob.
func Generate(name string) (*Profile, error) {
	mac := make([]byte, macLength)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("failed to generate mac address: %w", err)
	}
	mac[0] = (mac[0] &^ 0x01) | 0x02 // clear multicast bit, set locally-administered bit

	serialBytes := make([]byte, 12)
	if _, err := rand.Read(serialBytes); err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	for i, b := range serialBytes {
		serialBytes[i] = serialAlphabet[int(b)%len(serialAlphabet)]
	}

	machineID := make([]byte, 16)
	if _, err := rand.Read(machineID); err != nil {
		return nil, fmt.Errorf("failed to generate machine identifier: %w", err)
	}

	return &Profile{
		ID:                uuid.New(),
		Name:              name,
		HardwareModel:     []byte("pc-q35"),
		MachineIdentifier: machineID,
		MACAddress:        mac,
		SerialNumber:      string(serialBytes),
		CreatedAt:         time.Now().UTC(),
	}, nil
}
