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
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatmerge/internal/api"
	"github.com/kalambet/chatmerge/internal/bus"
	"github.com/kalambet/chatmerge/internal/config"
	"github.com/kalambet/chatmerge/internal/connection"
	"github.com/kalambet/chatmerge/internal/relay"
	"github.com/kalambet/chatmerge/internal/state"
	"github.com/kalambet/chatmerge/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the web app and relay servers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chatmerge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatmerge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chatmerge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "chatmerge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("chatmerge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("chatmerge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	extState, err := state.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening extension state: %w", err)
	}
	defer extState.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	relayDeps := relay.Deps{
		State:          extState,
		Notifier:       relay.NewWebAppNotifier(cfg.WebApp.URL),
		Metrics:        relay.NewMetrics(reg),
		TrustedOrigins: cfg.Relay.Origins(),
	}
	if cfg.NATS.URL != "" {
		nc, err := bus.NewClient(cfg.NATS.URL, cfg.NATS.Token, slog.Default())
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
		relayDeps.Publisher = nc
		slog.Info("publishing conversation events", "nats", cfg.NATS.URL)
	}
	rl := relay.New(relayDeps)
	defer rl.Close()

	hub := api.NewHub()
	defer hub.Close()

	mon := connection.New(
		connection.NewHTTPPinger(cfg.Relay.URL, cfg.WebApp.URL),
		connection.Options{
			Heartbeat:   cfg.Connection.Heartbeat(),
			RetryBase:   cfg.Connection.Backoff(),
			MaxAttempts: cfg.Connection.MaxAttempts,
		},
	)
	for _, ev := range []connection.Event{connection.EventConnected, connection.EventDisconnected} {
		mon.On(ev, func(st connection.Status) {
			hub.Broadcast(api.EventConnection, st)
		})
	}

	appSrv := &http.Server{
		Addr: fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: api.NewAppHandler(api.AppDeps{
			Store:      store,
			Connection: mon,
			Events:     hub,
		}),
	}
	relaySrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Relay.Port),
		Handler: relay.NewHandler(rl, reg),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{appSrv, relaySrv} {
		g.Go(func() error {
			slog.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		relay.NewDrainer(rl, cfg.Sync.Interval()).Run(gctx)
		return nil
	})
	g.Go(func() error {
		return mon.Start(gctx)
	})
	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Store: store}))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		hub.Close()

		// Graceful shutdown with timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(appSrv.Shutdown(shutdownCtx), relaySrv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("chatmerge is not running (no PID file)")
	}

	// FindProcess always succeeds on unix; Signal reports a stale PID.
	process, _ := os.FindProcess(pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop chatmerge (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to chatmerge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	printStatus("Web app", "%s", probe(client, fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port), cfg.Server.Port))
	printStatus("Relay", "%s", probe(client, strings.TrimRight(cfg.Relay.URL, "/")+"/health", cfg.Relay.Port))

	ac := &apiClient{baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), httpClient: client}
	var stats storage.Stats
	if ac.call(context.Background(), http.MethodGet, "/api/stats", nil, &stats) == nil {
		printStatus("Conversations", "%d (%d messages)", stats.ConversationCount, stats.MessageCount)
		printStatus("Folders", "%d", stats.FolderCount)
		if stats.LastSyncTime != nil {
			printStatus("Last sync", "%s", stats.LastSyncTime.Local().Format(time.DateTime))
		}
	}
	var ext api.ExtensionStatus
	if ac.call(context.Background(), http.MethodGet, "/api/extension/status", nil, &ext) == nil {
		link := "disconnected"
		if ext.Connected {
			link = "connected"
		}
		printStatus("Relay link", "%s", link)
	}

	if cfg.NATS.URL != "" {
		printStatus("NATS", "%s", cfg.NATS.URL)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func probe(client *http.Client, url string, port int) string {
	resp, err := client.Get(url)
	if err != nil {
		return "stopped"
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("error (HTTP %d)", resp.StatusCode)
	}
	return fmt.Sprintf("running on port %d", port)
}
