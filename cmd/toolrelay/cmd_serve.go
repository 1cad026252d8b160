package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/toolrelay/internal/api"
	"github.com/user/toolrelay/internal/config"
	"github.com/user/toolrelay/internal/gateway"
	"github.com/user/toolrelay/internal/scheduler"
	"github.com/user/toolrelay/internal/state"
	"github.com/user/toolrelay/internal/types"
	"github.com/user/toolrelay/internal/worker"
)

const pidFileName = "toolrelay.pid"

// errRestart is returned by the signal loop on SIGHUP.
var errRestart = errors.New("restart requested")

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// buildSpawner assembles the worker chain from config. It returns nil when
// no worker is configured, in which case agent drivers connect on their own.
func buildSpawner(cfg *config.Config, logger *slog.Logger) types.Spawner {
	newProcess := func(command string) *worker.ProcessSpawner {
		return worker.NewProcessSpawner(command,
			worker.WithDir(cfg.Worker.Dir),
			worker.WithRelayURL(cfg.WorkerRelayURL()),
			worker.WithEnv(cfg.Worker.EnvPairs()...),
			worker.WithLogger(logger),
		)
	}

	if cfg.Worker.Command == "" && len(cfg.Worker.Routes) == 0 {
		return nil
	}

	var fallback types.Spawner
	if cfg.Worker.Command != "" {
		fallback = newProcess(cfg.Worker.Command)
	}
	var spawner types.Spawner = fallback
	if len(cfg.Worker.Routes) > 0 {
		router := worker.NewRouter(fallback)
		for prefix, command := range cfg.Worker.Routes {
			router.Register(prefix, newProcess(command))
		}
		spawner = router
	}
	return worker.Limit(spawner, int64(cfg.Worker.MaxConcurrent))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	runs := state.NewRunStore(cfg.RunsDir())
	spawner := buildSpawner(cfg, logger)

	gw := gateway.New(spawner, runs,
		gateway.WithTurnTimeout(cfg.Relay.TurnTimeout),
		gateway.WithCleanupGrace(cfg.Relay.CleanupGrace),
		gateway.WithStaleAfter(cfg.Reaper.StaleAfter),
		gateway.WithLogger(logger),
	)

	sched := scheduler.New()
	if err := gw.RegisterReaper(sched, cfg.Reaper.Interval); err != nil {
		return fmt.Errorf("register reaper: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)

	srv := api.NewServer(gw, runs,
		api.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		api.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("toolrelay started",
		"listen", cfg.HTTP.Listen,
		"data_dir", cfg.DataDir,
		"runs_dir", runs.Dir(),
		"worker", cfg.Worker.Command != "" || len(cfg.Worker.Routes) > 0,
		"max_concurrent", cfg.Worker.MaxConcurrent,
		"turn_timeout", cfg.Relay.TurnTimeout,
		"stale_after", cfg.Reaper.StaleAfter,
		"jobs", sched.Jobs(),
		"pid_file", pidPath,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Parked long-polls would hold Shutdown open until the turn
		// timeout, so release them first. Requests arriving after this
		// get ErrSessionClosed.
		gw.Stop()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return waitForSignal(gctx)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errRestart):
		return reexec(pidPath, cfg.DataDir)
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	}
	return nil
}

// waitForSignal returns nil on SIGINT or SIGTERM and errRestart on SIGHUP.
// Either way the errgroup context ends and the daemon drains.
func waitForSignal(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			return errRestart
		}
		slog.Info("shutting down", "signal", sig)
		return context.Canceled
	case <-ctx.Done():
		return nil
	}
}

func reexec(pidPath, dataDir string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	// Clean up PID file before re-exec
	os.Remove(pidPath)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		if _, writeErr := writePIDFile(dataDir); writeErr != nil {
			slog.Error("failed to re-write PID file", "error", writeErr)
		}
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
