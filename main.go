// Command huddle is the main entrypoint for the group chat server.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the room with its identity and message stores, and attaches the
//     chatbot bridge when a bot identity is configured.
//   - Starts the message retention job.
//   - Serves the HTTP API, the websocket endpoint, uploads and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/huddle/auth"
	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/chatbot"
	"github.com/onnwee/huddle/config"
	"github.com/onnwee/huddle/db"
	"github.com/onnwee/huddle/server"
	"github.com/onnwee/huddle/telemetry"
	"github.com/onnwee/huddle/uploads"
)

const serviceVersion = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("huddle", serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.MigrateWithFallback(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	sealer, err := db.SealerFromEnv()
	if err != nil {
		slog.Error("encryption setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	users := db.NewUserStore(database)
	messages := db.NewMessageStore(database, sealer)

	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		slog.Error("session setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	room := chat.NewRoom(users, messages, sessions, chat.NewPresence(), chat.Options{
		HistoryLimit:      cfg.HistoryLimit,
		MaxMessageSize:    cfg.MaxMessageSize,
		RateLimitBurst:    cfg.RateLimitBurst,
		RateLimitInterval: cfg.RateLimitInterval,
	})

	var bridge *chatbot.Bridge
	if cfg.Bot.Enabled {
		client := chatbot.NewClient(cfg.Bot.Endpoint, &http.Client{Timeout: cfg.Bot.Timeout + time.Second})
		bridge = chatbot.NewBridge(client, room, users, chatbot.Options{
			BotID:          cfg.Bot.UserID,
			TriggerPrefix:  cfg.Bot.TriggerPrefix,
			Timeout:        cfg.Bot.Timeout,
			FallbackText:   cfg.Bot.FallbackText,
			MaxConcurrency: cfg.Bot.MaxConcurrency,
		})
		if err := bridge.CheckIdentity(ctx); err != nil {
			slog.Warn("chatbot identity unavailable, replies will be dropped",
				slog.Any("err", err), slog.String("component", "chatbot"))
		} else {
			slog.Info("chatbot enabled",
				slog.String("user_id", cfg.Bot.UserID),
				slog.String("endpoint", cfg.Bot.Endpoint),
				slog.String("trigger", cfg.Bot.TriggerPrefix),
				slog.String("component", "chatbot"))
		}
		room.Use(bridge)
	} else {
		slog.Info("chatbot disabled (CHATBOT_USER_ID not set or CHATBOT_ENABLED=0)", slog.String("component", "chatbot"))
	}

	go chat.StartRetentionJob(ctx, messages, chat.RetentionPolicy{
		KeepDays:  cfg.RetentionKeepDays,
		KeepCount: cfg.RetentionKeepCount,
		DryRun:    cfg.RetentionDryRun,
		Interval:  cfg.RetentionInterval,
	})

	store, err := uploads.NewStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		slog.Error("upload store setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	deps := server.Deps{
		DB:       database,
		Room:     room,
		Users:    users,
		Messages: messages,
		Sessions: sessions,
		Uploads:  store,
		Config:   cfg,
	}
	slog.Info("http server starting", slog.String("addr", cfg.HTTPAddr), slog.String("env", cfg.Env))
	if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
		slog.Error("http server exited with error", slog.Any("err", err))
		stop()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	if bridge != nil {
		bridge.Wait()
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
