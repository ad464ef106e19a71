package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/herald/crypto"
	"github.com/onnwee/herald/db"
	"github.com/onnwee/herald/testutil"
	"github.com/onnwee/herald/twitchapi"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing dsn", map[string]string{"ENCRYPTION_KEY": "k"}, "DB_DSN"},
		{"missing key", map[string]string{"DB_DSN": "postgres://x"}, "ENCRYPTION_KEY"},
		{"invalid key", map[string]string{"DB_DSN": "postgres://x", "ENCRYPTION_KEY": "short"}, "initialize encryptor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(context.Background(), env(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_SealsPlaintextRows(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := db.New(database)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := store.PutCachedToken(ctx, twitchapi.CacheKey, twitchapi.CachedToken{Value: "plain-token", ExpiresAt: exp}); err != nil {
		t.Fatalf("PutCachedToken() error = %v", err)
	}

	key := testKey(t)
	vars := map[string]string{"DB_DSN": os.Getenv("TEST_PG_DSN"), "ENCRYPTION_KEY": key}
	n, err := run(ctx, env(vars))
	if err != nil || n != 1 {
		t.Fatalf("run() = %d, %v; want 1 sealed", n, err)
	}
	if n, err := run(ctx, env(vars)); err != nil || n != 0 {
		t.Errorf("second run() = %d, %v; want 0 sealed", n, err)
	}

	got, err := store.GetCachedToken(ctx, twitchapi.CacheKey)
	if err != nil || got == nil {
		t.Fatalf("GetCachedToken() = %v, %v", got, err)
	}
	if !got.Encrypted || got.Value == "plain-token" {
		t.Fatalf("row not sealed: %+v", got)
	}
	enc, _ := crypto.NewAESEncryptor(key)
	if pt, err := crypto.OpenString(enc, got.Value, twitchapi.CacheKey); err != nil || pt != "plain-token" {
		t.Errorf("OpenString() = %q, %v", pt, err)
	}
}
