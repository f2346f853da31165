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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shaw-s-yu/terminal-server/api/handlers"
	"github.com/shaw-s-yu/terminal-server/internal/config"
	"github.com/shaw-s-yu/terminal-server/internal/db"
	"github.com/shaw-s-yu/terminal-server/internal/logger"
	"github.com/shaw-s-yu/terminal-server/internal/process"
	"github.com/shaw-s-yu/terminal-server/internal/repository"
	"github.com/shaw-s-yu/terminal-server/internal/session"
	"github.com/shaw-s-yu/terminal-server/internal/ws"
)

// shutdownTimeout bounds how long in-flight HTTP requests may finish.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "terminal-server",
		Short: "Bridge WebSocket clients to shell processes",
		Long: `terminal-server gives every WebSocket client its own shell process.
Typing "python3" switches the session to a Python REPL; "quit()" or
"exit()" switches back.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile := v.GetString("config"); cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
		},
	}

	config.SetDefaults(v)

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (YAML)")
	flags.String("host", config.Default().Server.Host, "listen host")
	flags.IntP("port", "p", config.Default().Server.Port, "listen port")
	flags.String("shell", "", "default shell (platform default when empty)")
	flags.String("db", config.Default().Storage.DBPath, "session database path")
	flags.String("log-dir", "", "transcript directory (disabled when empty)")
	flags.String("log-level", config.Default().Logging.Level, "log level: debug, info, warn, error")
	flags.String("log-format", config.Default().Logging.Format, "log format: text, json")

	for key, flag := range map[string]string{
		"config":          "config",
		"server.host":     "host",
		"server.port":     "port",
		"shell.default":   "shell",
		"storage.db_path": "db",
		"storage.log_dir": "log-dir",
		"logging.level":   "log-level",
		"logging.format":  "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	return cmd
}

// run serves until ctx is cancelled, then shuts everything down.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	slog.SetDefault(log)

	if err := ensureDirs(cfg.Storage); err != nil {
		return err
	}

	// Initialize database
	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)
	if n, err := sessionRepo.MarkStaleStopped(ctx); err != nil {
		return fmt.Errorf("failed to reconcile sessions: %w", err)
	} else if n > 0 {
		log.Info("marked sessions from a previous run as stopped", "count", n)
	}

	host := process.NewLocalHost(cfg.Shell.Default, log)
	hub := ws.NewHub(log)

	registry := session.NewRegistry(session.RegistryConfig{
		Host:           host,
		Emitter:        hub,
		Store:          sessionRepo,
		Logger:         log,
		GracePeriod:    cfg.Session.GracePeriod,
		ReadBufferSize: cfg.Session.ReadBufferSize,
		HistorySize:    cfg.Session.HistorySize,
		LogDir:         cfg.Storage.LogDir,
	})

	controller := session.NewController(session.SwitchRules{
		DefaultShell: registry.DefaultShell(),
		REPLShell:    cfg.Shell.REPL,
		LaunchToken:  cfg.Shell.REPLLaunchToken,
		ExitTokens:   cfg.Shell.REPLExitTokens,
	}, log)

	service := ws.NewService(hub, registry, controller, host.Platform(), log)

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(
		host.Platform(),
		handlers.NewSessionHandler(registry, sessionRepo, cfg.Storage.LogDir, log),
		handlers.NewWebSocketHandler(ws.NewHandler(service, log)),
		handlers.RequestLogger(log),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr, "platform", host.Platform(), "shell", registry.DefaultShell())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			registry.Close()
			hub.Close()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdown(srv, hub, registry, log)

	return nil
}

// shutdown stops accepting requests, then drops the WebSocket clients so no
// frame can reach a session while the registry closes. The database stays
// open until run returns so exit records reach the store.
func shutdown(srv *http.Server, hub *ws.Hub, registry *session.Registry, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	hub.Close()
	registry.Close()
}

// ensureDirs creates the directories the database and transcripts live in.
func ensureDirs(storage config.StorageConfig) error {
	if storage.DBPath != db.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(storage.DBPath), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if storage.LogDir != "" {
		if err := os.MkdirAll(storage.LogDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return nil
}
