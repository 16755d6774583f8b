package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage VM snapshots",
	Long: `Manage point-in-time snapshots of VM disk and memory state.

A snapshot of a running VM quiesces the guest for the capture and resumes
it afterwards; the VM returns to the state it was in.`,
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <vm-id> <name>",
	Short: "Take a snapshot of a VM",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid VM ID %q: %w", args[0], err)
		}
		name := args[1]

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		defer rt.saveState()

		snap, err := rt.manager.Snapshot(ctx, id, name)
		if err != nil {
			return fmt.Errorf("failed to snapshot VM: %w", err)
		}

		fmt.Printf("✓ Snapshot %s created (%s)\n", name, snap.ID)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <vm-id>",
	Short: "List snapshots of a VM",
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

		snaps := rt.manager.ListSnapshots(id)
		if len(snaps) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}

		fmt.Printf("%-36s %-20s %s\n", "ID", "NAME", "TAKEN")
		fmt.Println(strings.Repeat("-", 80))
		for _, snap := range snaps {
			fmt.Printf("%-36s %-20s %s\n",
				snap.ID, snap.Name, snap.Timestamp.Format("2006-01-02 15:04:05"))
		}

		fmt.Printf("\nTotal: %d snapshot(s)\n", len(snaps))
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid snapshot ID %q: %w", args[0], err)
		}

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.manager.RemoveSnapshot(id); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}

		fmt.Printf("✓ Snapshot %s deleted\n", id)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore a VM from a snapshot",
	Long: `Restore a stopped VM's disk and memory state from a snapshot.

Snapshot integrity is verified before anything is touched; a corrupted
snapshot leaves the VM untouched. After a successful restore the next
start resumes the VM from the captured memory state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid snapshot ID %q: %w", args[0], err)
		}

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		defer rt.saveState()

		if err := rt.manager.Restore(ctx, id); err != nil {
			return fmt.Errorf("failed to restore from snapshot: %w", err)
		}

		fmt.Printf("✓ Restored from snapshot %s\n", id)
		return nil
	},
}
