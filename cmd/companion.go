package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"go.olrik.dev/stagehand/internal/channel"
	"go.olrik.dev/stagehand/internal/core"
	"go.olrik.dev/stagehand/internal/db"
)

const (
	reconnectInitialDelay = 100 * time.Millisecond
	reconnectMaxDelay     = 5 * time.Second
)

func NewCompanionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "companion",
		Short: "Run the reference companion",
		Long: `Run the reference companion process.

The host spawns its companion through the bootstrap script, which can simply
exec this command. The companion dials the socket named by
STAGEHAND_CHANNEL_SOCKET, registers as STAGEHAND_COMPANION_NAME, answers
load_and_init and records every publish_callback payload in the event log.

The companion reconnects when the host reloads and closes the socket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCompanion(ctx)
		},
	}
}

// companionService answers calls from the host
type companionService struct {
	name   string
	db     *db.DB
	config atomic.Pointer[core.Configuration]
}

func runCompanion(ctx context.Context) error {
	socketPath := os.Getenv(core.ChannelSocketEnv)
	if socketPath == "" {
		socketPath = core.Config.ChannelSocketPath()
	}
	name := os.Getenv(core.CompanionNameEnv)
	if name == "" {
		name = core.Config.Companion.Name
	}

	database, err := db.Open(core.Config.DatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	svc := &companionService{name: name, db: database}
	svc.config.Store(core.Config)

	if path := core.Config.ConfigPath; path != "" {
		err := core.WatchConfig(ctx, path, func(cfg *core.Configuration) {
			svc.config.Store(cfg)
			core.SetupLogging(os.Stderr, cfg.Verbose)
			slog.Info("Configuration reloaded", "path", path)
		})
		if err != nil {
			slog.Warn("Config hot reload disabled", "path", path, "error", err)
		}
	}

	delay := reconnectInitialDelay
	for {
		client, err := channel.Dial(socketPath, name)
		if err != nil {
			slog.Debug("Host not reachable, retrying", "socket", socketPath, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		delay = reconnectInitialDelay
		slog.Info("Connected to host", "socket", socketPath, "name", name)
		err = client.Serve(ctx, svc.handle)
		client.Close()
		if ctx.Err() != nil {
			slog.Info("Companion stopping")
			return nil
		}
		slog.Warn("Connection to host lost, reconnecting", "error", err)
	}
}

func (s *companionService) handle(ctx context.Context, service string, args []json.RawMessage) (any, error) {
	switch service {
	case "load_and_init":
		cfg := s.config.Load()
		slog.Info("Companion initialized", "product", cfg.ProductName, "project", cfg.ProjectPath)
		s.logEvent("companion", "initialized", cfg.ProjectPath)
		return map[string]any{
			"name":    s.name,
			"version": core.Version,
			"pid":     os.Getpid(),
		}, nil

	case "publish_callback":
		if len(args) == 0 {
			return nil, fmt.Errorf("publish_callback without payload")
		}
		payload := gjson.ParseBytes(args[0])
		attrs := []any{}
		for _, key := range []string{"image_path", "movie_path", "package_filepath", "error_msg"} {
			if v := payload.Get(key); v.Exists() {
				attrs = append(attrs, key, v.String())
			}
		}
		slog.Info("Publish received", attrs...)
		s.logEvent("publish", "received", string(args[0]))
		return nil, nil
	}

	return nil, fmt.Errorf("unknown service %q", service)
}

func (s *companionService) logEvent(category, eventType, details string) {
	if err := s.db.LogEvent(category, s.name, eventType, details); err != nil {
		slog.Error("Failed to log event", "error", err)
	}
}
