// Command meshcored runs the mesh coordinator daemon: function registry,
// node directory, task scheduler, result verification and settlement,
// fronted by the read-only HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/monadmesh/meshcore/api"
	"github.com/monadmesh/meshcore/config"
	"github.com/monadmesh/meshcore/core/directory"
	"github.com/monadmesh/meshcore/core/dispatch"
	"github.com/monadmesh/meshcore/core/ledger"
	"github.com/monadmesh/meshcore/core/registry"
	"github.com/monadmesh/meshcore/core/types"
	"github.com/monadmesh/meshcore/core/utils"
	"github.com/monadmesh/meshcore/core/verify"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "meshcored",
		Short:         "Decentralized task dispatch and result attestation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the coordinator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	})

	return root
}

func newLogger(cfg config.LogConfig) (log.Logger, error) {
	filter, err := log.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := []log.Option{log.FilterOption(filter)}
	if cfg.Format == "json" {
		opts = append(opts, log.OutputJSONOption())
	}
	return log.NewLogger(os.Stderr, opts...), nil
}

func newVerifier(cfg config.VerifierConfig, logger log.Logger) (verify.Verifier, error) {
	switch cfg.Kind {
	case "groth16":
		return verify.NewGroth16Verifier(logger)
	default:
		return verify.NewChecksumVerifier(), nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	logger.Info("starting meshcored", "version", version)

	reg := registry.NewRegistry(logger)
	dir := directory.NewDirectory(cfg.Directory.HeartbeatTTL, logger)

	backend := ledger.NewMemoryLedger(logger)
	led := ledger.NewRetryingLedger(backend, ledger.RetryConfig{
		MaxRetries:      cfg.Ledger.MaxRetries,
		InitialInterval: cfg.Ledger.InitialInterval,
		MaxInterval:     cfg.Ledger.MaxInterval,
		BreakerTimeout:  cfg.Ledger.BreakerTimeout,
	}, logger)

	verifier, err := newVerifier(cfg.Verifier, logger)
	if err != nil {
		return fmt.Errorf("failed to build %s verifier: %w", cfg.Verifier.Kind, err)
	}

	coord := dispatch.NewCoordinator(dispatch.Config{
		MinReward:        types.NewAmount(cfg.Dispatch.MinReward),
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		ExecutionWindow:  cfg.Dispatch.ExecutionWindow,
		PendingTimeout:   cfg.Dispatch.PendingTimeout,
		SlashFractionBps: cfg.Dispatch.SlashFractionBps,
		EventRetention:   cfg.Dispatch.EventRetention,
	}, reg, dir, led, verifier, logger)

	shutdown := utils.NewGracefulShutdown(cfg.API.ShutdownTimeout, logger)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	var sweeperDone sync.WaitGroup
	sweeperDone.Add(1)
	go func() {
		defer sweeperDone.Done()
		coord.RunSweeper(sweepCtx, cfg.Dispatch.SweepInterval)
	}()
	shutdown.Register("sweeper", func() error {
		stopSweeper()
		sweeperDone.Wait()
		return nil
	})

	server := api.NewServer(api.Config{
		Listen:          cfg.API.Listen,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, coord, reg, dir, logger)

	srvCtx, stopServer := context.WithCancel(context.Background())
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.Start(srvCtx)
	}()
	shutdown.Register("api", func() error {
		stopServer()
		return <-srvErr
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		stopServer()
		srvErr <- err // keep the result for the api shutdown hook
		logger.Error("api server failed", "error", err)
	case <-signalCtx.Done():
		logger.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	return shutdown.Shutdown(shutdownCtx)
}
