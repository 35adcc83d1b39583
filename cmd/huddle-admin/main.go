// Command huddle-admin performs maintenance on the chat database.
//
// Usage:
//
//	huddle-admin <command> [flags]
//
// Commands:
//
//	seed-users        create an admin and a set of demo users with random passwords
//	create-bot        create the chatbot identity and print its CHATBOT_USER_ID
//	reset-password    set (or generate) a new password for a user
//	set-avatar        replace a user's avatar from an image file
//	list-users        print registered users
//	export-messages   write users and messages as JSON
//	reset-chat        delete all messages (and optionally users)
//	encrypt-messages  encrypt plaintext message text with ENCRYPTION_KEY
//
// Environment Variables:
//
//	DB_DSN: Database connection string
//	ENCRYPTION_KEY: Base64-encoded 32-byte key (required by encrypt-messages)
//	UPLOAD_DIR, MAX_UPLOAD_BYTES: used by set-avatar
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/huddle/config"
	"github.com/onnwee/huddle/db"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: huddle-admin <command> [flags]")
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-17s %s\n", c.name, c.summary)
	}
}

func main() {
	_ = godotenv.Load()

	// Logs go to stderr so command output can be piped.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd, ok := lookup(os.Args[1])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := db.MigrateWithFallback(ctx, database); err != nil {
		slog.Error("failed to migrate database", slog.Any("error", err))
		os.Exit(1)
	}

	sealer, err := db.SealerFromEnv()
	if err != nil {
		slog.Error("failed to initialize encryption", slog.Any("error", err))
		os.Exit(1)
	}

	a := &app{
		users:     db.NewUserStore(database),
		messages:  db.NewMessageStore(database, sealer),
		uploadDir: cfg.UploadDir,
		maxUpload: cfg.MaxUploadBytes,
		in:        os.Stdin,
		out:       os.Stdout,
	}
	if err := cmd.run(ctx, a, os.Args[2:]); err != nil {
		slog.Error("command failed", slog.String("command", cmd.name), slog.Any("error", err))
		database.Close()
		os.Exit(1)
	}
}
