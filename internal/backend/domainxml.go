package backend

import (
	"fmt"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/resource"
)

// domainName is the libvirt domain name for a profile. Domains carry the
// profile id rather than anything user-visible so the hypervisor namespace
// leaks nothing about the workload.
func domainName(profile *hwprofile.Profile) string {
	return "veil-" + profile.ID.String()
}

// ifaceDevName is the host-side tap device for a domain's interface; set
// explicitly so usage polling can address it.
func ifaceDevName(profile *hwprofile.Profile) string {
	// Linux IFNAMSIZ leaves 15 usable chars.
	return "veil" + profile.ID.String()[:8]
}

// generateDomainXML builds the libvirt domain definition carrying the
// spoofed hardware identity:
//
//   - the guest's SMBIOS system serial and UUID come from the profile's
//     serial number and machine identifier, not the host
//   - the primary interface carries the profile's MAC address
//   - CPU and memory are clamped to the admission-checked limits
//
// diskPath is the raw disk image backing the guest.
func generateDomainXML(profile *hwprofile.Profile, limits resource.Limits, diskPath string) (string, error) {
	// The machine identifier blob is backend-opaque; this backend
	// interprets it as seed material for the stable SMBIOS/domain UUID.
	machineUUID := uuid.NewSHA1(uuid.NameSpaceOID, profile.MachineIdentifier)

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: domainName(profile),
		UUID: machineUUID.String(),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(limits.MemoryBytes / 1024),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(limits.CPUCores),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: string(profile.HardwareModel),
				Type:    "hvm",
			},
			SMBios: &libvirtxml.DomainSMBios{Mode: "sysinfo"},
		},
		SysInfo: []libvirtxml.DomainSysInfo{
			{
				SMBIOS: &libvirtxml.DomainSysInfoSMBIOS{
					System: &libvirtxml.DomainSysInfoSystem{
						Entry: []libvirtxml.DomainSysInfoEntry{
							{Name: "serial", Value: profile.SerialNumber},
							{Name: "uuid", Value: machineUUID.String()},
						},
					},
				},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
			Model: &libvirtxml.DomainCPUModel{
				Fallback: "allow",
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Emulator: "/usr/bin/qemu-system-x86_64",
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "raw",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: diskPath},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					MAC: &libvirtxml.DomainInterfaceMAC{
						Address: profile.MACString(),
					},
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{
							Network: "default",
						},
					},
					Target: &libvirtxml.DomainInterfaceTarget{
						Dev: ifaceDevName(profile),
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: "virtio",
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{Type: "serial"},
				},
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

// installMediaXML is the cdrom device definition used to attach an install
// media image to a running domain.
func installMediaXML(isoPath string) (string, error) {
	disk := &libvirtxml.DomainDisk{
		Device: "cdrom",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "raw",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: isoPath},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "sdb",
			Bus: "sata",
		},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	}

	xml, err := disk.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal install media XML: %w", err)
	}
	return xml, nil
}
