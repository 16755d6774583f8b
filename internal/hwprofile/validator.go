package hwprofile

import (
	"bytes"

	"github.com/veilvm/veil/internal/errdefs"
)

const (
	macLength = 6

	// macMulticastBit is the low bit of the first octet; it must be clear
	// (unicast) or the guest network stack will reject the address.
	macMulticastBit = 0x01

	// macLocalBit marks the address as locally administered, keeping it out
	// of real vendor OUI ranges.
	macLocalBit = 0x02
)

// Constraints are the backend-declared bounds on identifier formats.
type Constraints struct {
	MaxSerialLength int
	MaxBlobBytes    int
}

// DefaultConstraints matches what the libvirt backend accepts.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxSerialLength: 32,
		MaxBlobBytes:    4096,
	}
}

// Bindings exposes the profiles currently bound to non-terminal VMs, for
// the cross-profile uniqueness check. Satisfied by the VM registry.
type Bindings interface {
	BoundProfiles() []*Profile
}

// Validator performs pure validation of profiles: identifier formats plus
// uniqueness against current bindings. It holds no state of its own and has
// no side effects.
type Validator struct {
	constraints Constraints
}

// NewValidator builds a validator with the given backend constraints.
func NewValidator(constraints Constraints) *Validator {
	return &Validator{constraints: constraints}
}

// Validate checks the profile's identifier formats and, when bindings is
// non-nil, its uniqueness against every profile bound to a non-terminal VM.
// All failures are ConfigurationErrors naming the offending field.
func (v *Validator) Validate(profile *Profile, bindings Bindings) error {
	if profile == nil {
		return errdefs.ConfigurationInvalid("profile", "profile is required")
	}

	if len(profile.MACAddress) != macLength {
		return errdefs.ConfigurationInvalid("mac_address",
			"must be exactly %d bytes, got %d", macLength, len(profile.MACAddress))
	}
	if profile.MACAddress[0]&macMulticastBit != 0 {
		return errdefs.ConfigurationInvalid("mac_address",
			"multicast bit set; address must be unicast")
	}
	// The locally-administered bit (macLocalBit) is preferred but not
	// required: Generate always sets it, imported profiles may carry a
	// vendor-range address deliberately.

	if err := v.validateSerial(profile.SerialNumber); err != nil {
		return err
	}

	if len(profile.HardwareModel) == 0 {
		return errdefs.ConfigurationInvalid("hardware_model", "must not be empty")
	}
	if len(profile.HardwareModel) > v.constraints.MaxBlobBytes {
		return errdefs.ConfigurationInvalid("hardware_model",
			"exceeds maximum size %d bytes", v.constraints.MaxBlobBytes)
	}

	if len(profile.MachineIdentifier) == 0 {
		return errdefs.ConfigurationInvalid("machine_identifier", "must not be empty")
	}
	if len(profile.MachineIdentifier) > v.constraints.MaxBlobBytes {
		return errdefs.ConfigurationInvalid("machine_identifier",
			"exceeds maximum size %d bytes", v.constraints.MaxBlobBytes)
	}

	if bindings != nil {
		if err := v.checkUniqueness(profile, bindings.BoundProfiles()); err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateSerial(serial string) error {
	if serial == "" {
		return errdefs.ConfigurationInvalid("serial_number", "must not be empty")
	}
	if len(serial) > v.constraints.MaxSerialLength {
		return errdefs.ConfigurationInvalid("serial_number",
			"exceeds maximum length %d", v.constraints.MaxSerialLength)
	}
	for i := 0; i < len(serial); i++ {
		if serial[i] < 0x21 || serial[i] > 0x7e {
			return errdefs.ConfigurationInvalid("serial_number",
				"contains non-printable or space character at index %d", i)
		}
	}
	return nil
}

// checkUniqueness enforces the fingerprint-collision invariant: no two
// profiles bound to live VMs may share a MAC, serial, or machine identifier.
func (v *Validator) checkUniqueness(profile *Profile, bound []*Profile) error {
	for _, other := range bound {
		if other == nil || other.ID == profile.ID {
			continue
		}
		if Collides(profile, other) {
			return errdefs.ConfigurationInvalid("duplicate identifier",
				"profile %s already binds an identical identifier", other.ID)
		}
	}
	return nil
}

// Collides reports whether two profiles share any hardware identifier
// (MAC address, serial number, or machine identifier). Two VMs whose
// profiles collide would present the same fingerprint to observers.
func Collides(a, b *Profile) bool {
	return bytes.Equal(a.MACAddress, b.MACAddress) ||
		a.SerialNumber == b.SerialNumber ||
		bytes.Equal(a.MachineIdentifier, b.MachineIdentifier)
}
