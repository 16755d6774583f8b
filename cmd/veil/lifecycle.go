package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/veilvm/veil/internal/resource"
)

var (
	createProfileID string
	createCPUs      int
	createMemoryGiB int
	createDiskGiB   int
)

func init() {
	createCmd.Flags().StringVar(&createProfileID, "profile", "", "hardware profile ID (required)")
	createCmd.Flags().IntVar(&createCPUs, "cpus", 1, "CPU cores committed to the VM")
	createCmd.Flags().IntVar(&createMemoryGiB, "memory-gib", 1, "memory committed to the VM in GiB")
	createCmd.Flags().IntVar(&createDiskGiB, "disk-gib", 10, "disk allocation in GiB")
	_ = createCmd.MarkFlagRequired("profile")
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a VM bound to a hardware profile",
	Long: `Create a new virtual machine bound to a stored hardware profile.

The profile's identifiers (MAC address, serial number, machine identifier)
are validated against every live VM before any capacity is reserved. The
VM is left in the Stopped state, ready to start.

Example:
  veil create worker-1 --profile 4f1f4d9e-... --cpus 2 --memory-gib 4 --disk-gib 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		profileID, err := uuid.Parse(createProfileID)
		if err != nil {
			return fmt.Errorf("invalid profile ID %q: %w", createProfileID, err)
		}
		if createCPUs <= 0 {
			return fmt.Errorf("cpus must be > 0, got %d", createCPUs)
		}
		if createMemoryGiB <= 0 {
			return fmt.Errorf("memory-gib must be > 0, got %d", createMemoryGiB)
		}
		if createDiskGiB <= 0 {
			return fmt.Errorf("disk-gib must be > 0, got %d", createDiskGiB)
		}

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		profile, err := rt.profiles.Get(profileID)
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}

		limits := resource.Limits{
			CPUCores:    createCPUs,
			MemoryBytes: uint64(createMemoryGiB) * 1024 * 1024 * 1024,
			DiskBytes:   uint64(createDiskGiB) * 1024 * 1024 * 1024,
		}

		v, err := rt.manager.CreateVM(ctx, name, profile, limits)
		if err != nil {
			return fmt.Errorf("failed to create VM: %w", err)
		}
		rt.saveState()

		fmt.Printf("✓ VM %s created (%s)\n", name, v.ID)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <vm-id>",
	Short: "Start a stopped VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid VM ID %q: %w", args[0], err)
		}

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		defer rt.saveState()

		if err := rt.manager.StartVM(ctx, id); err != nil {
			return fmt.Errorf("failed to start VM: %w", err)
		}

		fmt.Printf("✓ VM %s started\n", id)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <vm-id>",
	Short: "Stop a running VM",
	Long: `Stop a running virtual machine.

The guest gets a graceful shutdown request first and is forced off if it
does not comply. Stopping an already-stopped VM is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid VM ID %q: %w", args[0], err)
		}

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		defer rt.saveState()

		if err := rt.manager.StopVM(ctx, id); err != nil {
			return fmt.Errorf("failed to stop VM: %w", err)
		}

		fmt.Printf("✓ VM %s stopped\n", id)
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <vm-id>",
	Short: "Destroy a VM",
	Long: `Destroy a virtual machine by ID.

This will:
- Tear down the domain and delete its disk image
- Release the VM's capacity reservation
- Free the profile's identifiers for reuse

The VM must be Stopped or Failed. Snapshots are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid VM ID %q: %w", args[0], err)
		}

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		defer rt.saveState()

		if err := rt.manager.DestroyVM(ctx, id); err != nil {
			return fmt.Errorf("failed to destroy VM: %w", err)
		}

		fmt.Printf("✓ VM %s destroyed\n", id)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed VMs",
	Long: `List all managed virtual machines.

Shows ID, name, state, committed resources and the latest usage reading.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		infos := rt.manager.List()
		if len(infos) == 0 {
			fmt.Println("No VMs found")
			return nil
		}

		fmt.Printf("%-36s %-20s %-12s %5s %8s %6s  %s\n",
			"ID", "NAME", "STATE", "CPUS", "MEMORY", "CPU%", "STOP REASON")
		fmt.Println(strings.Repeat("-", 110))
		for _, info := range infos {
			cpuPct := "-"
			if !info.UsageAt.IsZero() {
				cpuPct = fmt.Sprintf("%.0f%%", info.Usage.CPUFraction*100)
			}
			fmt.Printf("%-36s %-20s %-12s %5d %7.1fG %6s  %s\n",
				info.ID,
				info.Name,
				info.State,
				info.Limits.CPUCores,
				float64(info.Limits.MemoryBytes)/(1024*1024*1024),
				cpuPct,
				info.StopReason,
			)
		}

		fmt.Printf("\nTotal: %d VM(s)\n", len(infos))
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install <vm-id> <package-path>",
	Short: "Install an application package into a running VM",
	Long: `Install an application package into a running virtual machine.

The package file is packed into install media and attached to the guest.
The VM must be Running.

Example:
  veil install 4f1f4d9e-... ./agent.pkg`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid VM ID %q: %w", args[0], err)
		}

		payload, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read package: %w", err)
		}
		pkgName := filepath.Base(args[1])

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.manager.InstallApplication(ctx, id, pkgName, payload); err != nil {
			return fmt.Errorf("failed to install %s: %w", pkgName, err)
		}

		fmt.Printf("✓ Package %s installed into VM %s\n", pkgName, id)
		return nil
	},
}
