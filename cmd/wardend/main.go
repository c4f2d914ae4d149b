// wardend - guarded self-modification daemon.
//
// wardend mediates every change an autonomous agent makes to its own
// files: proposals are staged in a shadow workspace, verified, diffed,
// and applied to the live tree only after an explicit approval. A
// control socket exposes the pipeline to wardenctl and to the agent
// itself.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wardend/internal/backup"
	"wardend/internal/config"
	"wardend/internal/gatekeeper"
	"wardend/internal/ipc"
	"wardend/internal/iteration"
	"wardend/internal/logging"
	"wardend/internal/patcher"
	"wardend/internal/store"
	"wardend/internal/tools"
	"wardend/internal/verifier"
	"wardend/internal/watcher"
	"wardend/internal/workspace"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "wardend",
		Short:   "Guarded self-modification daemon",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return run(configPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringP("config", "c", "", "path to config file (default "+config.ConfigPath()+")")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	log, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	log.Info("wardend starting", "version", Version, "config", configPath)

	gate, err := gatekeeper.New(gatekeeper.Policy{
		ReadRoots:         cfg.Security.ReadRoots,
		WriteRoots:        cfg.Security.WriteRoots,
		ForbiddenPatterns: cfg.Security.ForbiddenPatterns,
		AllowedCommands:   cfg.Security.AllowedCommands,
		ForbiddenCommands: cfg.Security.ForbiddenCommands,
		MaxPathLength:     cfg.Security.MaxPathLength,
	})
	if err != nil {
		return fmt.Errorf("build gatekeeper: %w", err)
	}

	st, err := store.Open(cfg.Storage.Path, cfg.Storage.BusyTimeoutMs)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	maxAge := time.Duration(cfg.Workspace.MaxAgeDays) * 24 * time.Hour
	ws, err := workspace.New(cfg.Workspace.Path, maxAge)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	verify, err := verifier.New(cfg.Verify.Enabled, cfg.Verify.Schemas)
	if err != nil {
		return fmt.Errorf("build verifier: %w", err)
	}

	backups, err := backup.NewManager(st, cfg.Backup.MaxBackups, cfg.Backup.RetentionScope)
	if err != nil {
		return fmt.Errorf("build backup manager: %w", err)
	}

	patch := patcher.New(gate, backups)

	machine := iteration.NewMachine(gate, ws, verify, st, patch,
		log.WithComponent("iteration").Logger,
		iteration.Options{
			PendingPolicy: cfg.Rollback.PendingPolicy,
			Reviewers:     cfg.Security.Reviewers,
		})

	if err := machine.Restore(); err != nil {
		return fmt.Errorf("restore iteration state: %w", err)
	}

	execTimeout := time.Duration(cfg.IPC.TimeoutSec) * time.Second
	toolbox := tools.New(gate, machine, backups, ws, st, execTimeout,
		log.WithComponent("tools").Logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Watch the writable roots so a pending proposal is invalidated
	// when its target changes underneath it.
	var watch *watcher.Watcher
	if cfg.Watch.Enabled && len(cfg.Security.WriteRoots) > 0 {
		debounce := time.Duration(cfg.Watch.DebounceMs) * time.Millisecond
		watch, err = watcher.New(cfg.Security.WriteRoots, debounce)
		if err != nil {
			return fmt.Errorf("build watcher: %w", err)
		}
		if err := watch.Start(); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer watch.Stop()

		// The patcher's own renames land inside the watched roots;
		// suppress them so an apply is not mistaken for an external
		// change.
		machine.SetAppliedNotifier(watch.Suppress)

		watchLog := log.WithComponent("watcher")
		go func() {
			for {
				select {
				case ev, ok := <-watch.Events():
					if !ok {
						return
					}
					machine.InvalidateTarget(ev.Path)
				case err, ok := <-watch.Errors():
					if !ok {
						return
					}
					watchLog.Warn("watch error", "error", err)
				}
			}
		}()
		log.Info("watching writable roots", "roots", cfg.Security.WriteRoots)
	}

	// Periodic expiry sweep for staged entries nobody reviewed.
	sweepDone := make(chan struct{})
	if cfg.Workspace.SweepIntervalSec > 0 && cfg.Workspace.MaxAgeDays > 0 {
		interval := time.Duration(cfg.Workspace.SweepIntervalSec) * time.Second
		sweepLog := log.WithComponent("workspace")
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					n := ws.Sweep(time.Now(), func(target string) bool {
						pending, ok := machine.PendingTarget()
						return ok && pending == target
					})
					if n > 0 {
						sweepLog.Info("swept expired shadow entries", "count", n)
					}
				case <-sweepDone:
					return
				}
			}
		}()
	}
	defer close(sweepDone)

	var server *ipc.Server
	if cfg.IPC.Enabled {
		handler := ipc.NewDaemonHandler(machine, toolbox, Version)

		serverCfg := ipc.DefaultServerConfig(config.DataDir())
		serverCfg.SocketPath = cfg.IPC.SocketPath
		serverCfg.Version = Version

		server = ipc.NewServer(serverCfg, handler, log.WithComponent("ipc").Logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start ipc server: %w", err)
		}
		defer server.Stop()
	}

	log.Info("wardend ready",
		"socket", cfg.IPC.SocketPath,
		"write_roots", cfg.Security.WriteRoots,
		"pending_policy", cfg.Rollback.PendingPolicy)

	sig := <-stop
	log.Info("shutting down", "signal", sig.String())
	return nil
}

func setupLogging(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "wardend",
	})
}
