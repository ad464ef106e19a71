// Command seal-tokens encrypts plaintext rows of the shared credential cache in place.
//
// Run it once after configuring ENCRYPTION_KEY on a deployment that previously cached
// tokens in plaintext. Already sealed rows are left untouched, so repeated runs are safe.
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./seal-tokens
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/herald/crypto"
	"github.com/onnwee/herald/db"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := run(ctx, os.Getenv)
	if err != nil {
		slog.Error("token sealing failed", slog.Any("err", err), slog.Int("sealed", n))
		os.Exit(1)
	}
	slog.Info("token sealing complete", slog.Int("sealed", n))
}

func run(ctx context.Context, getenv func(string) string) (int, error) {
	dsn := getenv("DB_DSN")
	if dsn == "" {
		return 0, errors.New("DB_DSN environment variable is required")
	}
	key := getenv("ENCRYPTION_KEY")
	if key == "" {
		return 0, errors.New("ENCRYPTION_KEY environment variable is required")
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return 0, fmt.Errorf("initialize encryptor: %w", err)
	}

	database, err := db.Connect(dsn)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Warn("failed to close database", slog.Any("err", err))
		}
	}()
	if err := database.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("ping database: %w", err)
	}
	return db.New(database).SealPlaintextTokens(ctx, enc)
}
