package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/veilvm/veil/internal/hwprofile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage hardware profiles",
	Long: `Manage hardware identity profiles.

A profile carries the complete hardware identity presented to the guest:
MAC address, SMBIOS serial number and machine identifier. Profiles are
persisted in the profile registry and validated against every live VM
when a VM is created.`,
}

func init() {
	profileCmd.AddCommand(profileGenerateCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileDeleteCmd)
}

var profileGenerateCmd = &cobra.Command{
	Use:   "generate <name>",
	Short: "Generate a new hardware profile",
	Long: `Generate a hardware profile with fresh identifiers.

The MAC address is minted in the locally-administered unicast range, the
serial number and machine identifier are random. The profile is stored in
the profile registry.

Example:
  veil profile generate workstation-a`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		profile, err := hwprofile.Generate(name)
		if err != nil {
			return fmt.Errorf("failed to generate profile: %w", err)
		}
		if err := rt.profiles.Add(profile); err != nil {
			return fmt.Errorf("failed to store profile: %w", err)
		}

		fmt.Printf("✓ Profile %s created\n", name)
		fmt.Printf("ID: %s\n", profile.ID)
		fmt.Printf("MAC address: %s\n", profile.MACString())
		fmt.Printf("Serial number: %s\n", profile.SerialNumber)
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored hardware profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		profiles := rt.profiles.List()
		if len(profiles) == 0 {
			fmt.Println("No profiles found")
			return nil
		}

		fmt.Printf("%-36s %-20s %-18s %s\n", "ID", "NAME", "MAC", "SERIAL")
		fmt.Println(strings.Repeat("-", 90))
		for _, p := range profiles {
			fmt.Printf("%-36s %-20s %-18s %s\n", p.ID, p.Name, p.MACString(), p.SerialNumber)
		}

		fmt.Printf("\nTotal: %d profile(s)\n", len(profiles))
		return nil
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <profile-id>",
	Short: "Delete a hardware profile from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid profile ID %q: %w", args[0], err)
		}

		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.profiles.Remove(id); err != nil {
			return fmt.Errorf("failed to delete profile: %w", err)
		}

		fmt.Printf("✓ Profile %s deleted\n", id)
		return nil
	},
}
