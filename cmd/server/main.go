package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agent-chat/backend/internal/activity"
	"github.com/agent-chat/backend/internal/agents"
	"github.com/agent-chat/backend/internal/config"
	"github.com/agent-chat/backend/internal/frontend"
	"github.com/agent-chat/backend/internal/heartbeat"
	"github.com/agent-chat/backend/internal/terminal"
	"github.com/agent-chat/backend/internal/ws"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var port int
	var devMode bool

	cmd := &cobra.Command{
		Use:          "agent-chat",
		Short:        "Terminal relay and activity tracker for CLI coding agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg, devMode)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	cmd.Flags().IntVar(&port, "port", 0, "Override server port")
	cmd.Flags().BoolVar(&devMode, "dev", false, "Development mode (serve frontend from filesystem)")

	cmd.AddCommand(briefingCmd(&configPath))
	return cmd
}

func serve(parent context.Context, cfg *config.Config, devMode bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := agents.Open(cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}
	defer store.Close()

	// Nothing survives a restart, so every agent starts offline.
	if err := store.ResetStatuses(ctx); err != nil {
		return fmt.Errorf("reset agent statuses: %w", err)
	}

	publisher := agents.NewPublisher(store, 256)
	tracker := activity.NewTracker(publisher, cfg.Activity.IdleThreshold)
	beats := heartbeat.NewService(cfg.Heartbeat.Dir, cfg.Heartbeat.Interval, cfg.Heartbeat.LogInterval)

	registry := terminal.NewRegistry(&terminal.PTYSpawner{
		Command: cfg.Terminal.Command,
		Args:    cfg.Terminal.Args,
		Env:     cfg.Terminal.Env,
	}, terminal.Options{
		ScrollbackBytes: cfg.Terminal.ScrollbackBytes,
		ReadChunk:       cfg.Terminal.ReadChunk,
		PollTimeout:     cfg.Terminal.PollTimeout,
	})

	server := ws.NewServer(cfg, registry, ws.NewHub(), store, tracker, beats)
	frontendDir, embedded := resolveFrontend(devMode)
	server.SetFrontend(frontendDir, devMode, embedded)

	workers, cancelWorkers := context.WithCancel(context.Background())
	done := make(chan struct{}, 3)
	go func() { publisher.Run(workers); done <- struct{}{} }()
	go func() { tracker.Run(workers, cfg.Activity.SweepInterval); done <- struct{}{} }()
	go func() { beats.Run(workers, registry); done <- struct{}{} }()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", cfg.Addr())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	// Hijacked websockets are not tracked by http.Server, so viewers are
	// closed explicitly before the listener, and sessions are killed last
	// once nothing can create one.
	server.CloseViewers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	server.Shutdown()

	cancelWorkers()
	for i := 0; i < cap(done); i++ {
		<-done
	}
	return nil
}

// resolveFrontend picks the directory served in dev mode, or the embedded
// bundle with an on-disk fallback otherwise.
func resolveFrontend(devMode bool) (string, http.Handler) {
	cwd, _ := os.Getwd()
	if devMode {
		exe, _ := os.Executable()
		dir := filepath.Join(filepath.Dir(exe), "..", "..", "frontend")
		// Under go run the executable lives in a temp dir.
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			dir = filepath.Join(cwd, "..", "frontend")
		}
		return dir, nil
	}

	if h := frontend.Handler(); h != nil {
		return "", h
	}
	fallback := filepath.Join(cwd, "internal", "frontend", "static")
	if _, err := os.Stat(fallback); err == nil {
		log.Printf("No embedded frontend, falling back to: %s", fallback)
		return "", frontend.Dir(fallback)
	}
	return "", nil
}
