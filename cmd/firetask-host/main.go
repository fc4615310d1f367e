package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/firetask/firetask/internal/channel"
	"github.com/firetask/firetask/internal/config"
	"github.com/firetask/firetask/internal/firecracker"
	"github.com/firetask/firetask/internal/janitor"
	"github.com/firetask/firetask/internal/launcher"
	"github.com/firetask/firetask/internal/network"
	"github.com/firetask/firetask/internal/provider"
	"github.com/firetask/firetask/internal/state"
	"github.com/firetask/firetask/internal/vm"
)

const version = "0.1.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		home, _ := os.UserHomeDir()
		cfgPath = filepath.Join(home, ".firetask", "firetask-host.yaml")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if cfg.HostID == "" {
		cfg.HostID = uuid.NewString()[:8]
		_ = config.Save(cfgPath, cfg)
		logger.Info("generated host ID", "host_id", cfg.HostID)
	}

	logger.Info("firetask-host starting",
		"host_id", cfg.HostID,
		"version", version,
		"config", cfgPath,
	)

	// Required backing images must exist before any VM state is created.
	for _, path := range []string{cfg.KernelPath(), cfg.RootFSPath()} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("required VM image missing: %s", path)
		}
	}

	st, err := state.NewStore(cfg.State.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("state store initialized", "db_path", cfg.State.DBPath)

	ch, err := channel.New(nil, cfg.Paths.Shared, os.TempDir(), logger)
	if err != nil {
		return err
	}

	netMgr, err := network.NewProvisioner(nil, cfg.VM.NetworkCIDR, logger)
	if err != nil {
		return err
	}
	logger.Info("network provisioner initialized", "cidr", cfg.VM.NetworkCIDR)

	mgr := vm.NewManager(cfg, vm.Deps{
		Provider: provider.NewClient(3, 2*time.Second, logger),
		Channel:  ch,
		Network:  netMgr,
		Launcher: launcher.New(cfg.Paths.Results, cfg.Firecracker.DevLauncher, logger),
		Control:  firecracker.NewClient(5*time.Second, logger),
		Store:    st,
	}, logger)

	// Stale records from a previous run are reported here and reaped by
	// the janitor once their TTL lapses: Destroy kills the recorded
	// process and reclaims the TAP interface, NAT rules, and shared disk
	// that run left behind.
	if recs, err := st.ListVMs(ctx); err == nil && len(recs) > 0 {
		logger.Warn("found VM records from a previous run", "count", len(recs))
	}

	jan := janitor.New(st, mgr.Destroy, cfg.Janitor.DefaultTTL, logger)
	go jan.Start(ctx, cfg.Janitor.Interval)

	logger.Info("firetask-host ready",
		"host_id", cfg.HostID,
		"results", cfg.Paths.Results,
	)

	<-ctx.Done()
	logger.Info("firetask-host shutting down")

	// Shutdown runs against a fresh context; the signal context is
	// already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.CleanupAll(shutdownCtx)
	netMgr.DetachAll(shutdownCtx)

	return nil
}
