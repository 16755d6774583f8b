package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veilvm/veil/internal/backend"
	"github.com/veilvm/veil/internal/config"
	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/registry"
	"github.com/veilvm/veil/internal/resource"
	"github.com/veilvm/veil/internal/snapshot"
	"github.com/veilvm/veil/internal/vm"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "veil",
	Short: "Veil - VM lifecycle manager with hardware identity isolation",
	Long: `Veil manages virtual machines whose hardware identity (MAC address,
SMBIOS serial number, machine identifier) comes entirely from validated
hardware profiles, so no two live VMs ever present the same identity.

It provides commands to create, start, stop, snapshot, restore and destroy
VMs, manage hardware profiles, and run the resource monitor.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the service configuration file")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(monitorCmd)
}

// runtime holds everything a command needs: configuration, logging, the
// libvirt backend and the wired lifecycle manager with the persisted fleet
// readopted.
type runtime struct {
	cfg       *config.Config
	log       logr.Logger
	zlog      *zap.Logger
	backend   *backend.Libvirt
	profiles  *hwprofile.Store
	manager   *vm.Manager
	statePath string
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	zcfg := zap.NewProductionConfig()
	if cfg.LogLevel == "debug" {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zlog, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	log := zapr.NewLogger(zlog)

	be, err := backend.ConnectLibvirt(ctx, log, cfg.LibvirtSocket, cfg.StateDir)
	if err != nil {
		return nil, err
	}

	profiles, err := hwprofile.NewStore(log, cfg.ProfileRegistry)
	if err != nil {
		closeBackend(be)
		return nil, err
	}

	snaps, err := snapshot.NewStore(log, cfg.SnapshotDir)
	if err != nil {
		closeBackend(be)
		return nil, err
	}

	accountant, err := resource.NewAccountant(log, resource.ProcHostInfo{}, cfg.DiskCapBytes())
	if err != nil {
		closeBackend(be)
		return nil, err
	}

	manager := vm.NewManager(
		log,
		hwprofile.NewValidator(hwprofile.DefaultConstraints()),
		accountant,
		be,
		snaps,
		registry.New(),
		vm.NewNotifier(log, prometheus.DefaultRegisterer),
	)

	rt := &runtime{
		cfg:       cfg,
		log:       log,
		zlog:      zlog,
		backend:   be,
		profiles:  profiles,
		manager:   manager,
		statePath: filepath.Join(cfg.StateDir, "vms.yaml"),
	}

	if err := manager.LoadState(ctx, rt.statePath); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (r *runtime) close() {
	closeBackend(r.backend)
	_ = r.zlog.Sync()
}

// saveState persists the fleet so the next invocation readopts it.
func (r *runtime) saveState() {
	if err := r.manager.SaveState(r.statePath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to persist vm state: %v\n", err)
	}
}

func closeBackend(be *backend.Libvirt) {
	if err := be.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", err)
	}
}
