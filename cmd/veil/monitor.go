package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/veilvm/veil/internal/vm"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the resource monitor",
	Long: `Run the resource monitor until interrupted.

The monitor polls every running VM's resource usage, records the readings,
and stops any VM that exceeds its committed limits beyond the grace
period. Prometheus metrics are served on the configured metrics address.

Lifecycle events (transitions, cap breaches, forced stops) are logged as
they happen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		defer rt.saveState()

		// Metrics endpoint.
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.log.Error(err, "metrics server failed", "addr", rt.cfg.MetricsAddr)
			}
		}()

		// Event stream to the log.
		events, cancel := rt.manager.Notifier().Subscribe(64)
		defer cancel()
		go func() {
			for e := range events {
				switch e.Type {
				case vm.EventTransition:
					rt.log.Info("vm transition", "vm", e.VMID, "name", e.VMName,
						"from", e.From, "to", e.To, "reason", e.Reason)
				default:
					rt.log.Info(string(e.Type), "vm", e.VMID, "name", e.VMName,
						"reason", e.Reason)
				}
			}
		}()

		fmt.Printf("Monitoring %d VM(s); metrics on %s\n",
			len(rt.manager.List()), rt.cfg.MetricsAddr)

		monitor := vm.NewMonitor(rt.log, rt.manager, rt.cfg.Monitor.Interval, rt.cfg.Monitor.Grace)
		runErr := monitor.Run(ctx)

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rt.log.Error(err, "metrics server shutdown failed")
		}

		return runErr
	},
}
