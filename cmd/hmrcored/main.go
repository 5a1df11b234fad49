// Command hmrcored runs the HMR runtime core as a standalone process:
// it loads configuration, assembles a runtime.Runtime, and drives a
// frame loop at the configured tick rate until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nmxmxh/hmrcore/internal/config"
	"github.com/nmxmxh/hmrcore/internal/runtime"
	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hmrcored",
		Short: "Run the hot-module-replacement simulation runtime core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a config file (optional; env vars and defaults otherwise)")
	return cmd
}

func run(configPath string) error {
	log := telemetry.DefaultLogger("hmrcored")

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hmrcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	cfg, err := config.Load(v)
	if err != nil {
		log.Fatal("failed to load configuration", telemetry.Err(err))
	}

	rt := runtime.New(runtime.Options{
		Config:     cfg,
		Logger:     log,
		SigningKey: []byte(cfg.JWTSigningKey),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("hmrcored starting",
		telemetry.Duration("frame_budget", cfg.FrameBudget),
		telemetry.Int("worker_count", cfg.WorkerCount))

	runFrameLoop(ctx, rt, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown did not complete cleanly", telemetry.Err(err))
		return err
	}

	log.Info("hmrcored stopped")
	return nil
}

// runFrameLoop drives the scheduler at the configured frame budget until
// ctx is cancelled. With no modules registered this simply exercises the
// begin/end-frame admission path; module registration and artifact
// loading are left to whatever operator tooling builds on this runtime.
func runFrameLoop(ctx context.Context, rt *runtime.Runtime, log *telemetry.Logger) {
	ticker := time.NewTicker(rt.Config.FrameBudget)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("frame loop stopping")
			return
		case <-ticker.C:
			rt.Tick()
			if err := rt.EndFrame(ctx); err != nil {
				log.Warn("frame did not reach quiescence", telemetry.Err(err))
			}
		}
	}
}
