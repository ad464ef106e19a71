package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/herald/crypto"
	"github.com/onnwee/herald/twitchapi"
)

// encryption_version values of token_cache rows.
const (
	encPlaintext = 0
	encAESGCM    = 1
)

// GetCachedToken returns the row for key, or nil when absent. Values are returned
// as stored; the broker decrypts.
func (s *Store) GetCachedToken(ctx context.Context, key string) (*twitchapi.CachedToken, error) {
	var (
		ct      twitchapi.CachedToken
		version int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT value, expires_at, encryption_version FROM token_cache WHERE key=$1`, key).
		Scan(&ct.Value, &ct.ExpiresAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ct.Encrypted = version == encAESGCM
	return &ct, nil
}

// PutCachedToken stores or replaces the row for key.
func (s *Store) PutCachedToken(ctx context.Context, key string, tok twitchapi.CachedToken) error {
	version := encPlaintext
	if tok.Encrypted {
		version = encAESGCM
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO token_cache (key, value, expires_at, encryption_version, updated_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (key) DO UPDATE SET
			value=EXCLUDED.value,
			expires_at=EXCLUDED.expires_at,
			encryption_version=EXCLUDED.encryption_version,
			updated_at=NOW()`,
		key, tok.Value, tok.ExpiresAt, version)
	return err
}

// SealPlaintextTokens encrypts every plaintext row in place and returns how many
// rows were sealed. Each row is sealed under its own key as associated data.
func (s *Store) SealPlaintextTokens(ctx context.Context, enc crypto.Encryptor) (int, error) {
	if enc == nil {
		return 0, fmt.Errorf("encryptor is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM token_cache WHERE encryption_version=$1`, encPlaintext)
	if err != nil {
		return 0, err
	}
	type row struct{ key, value string }
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			_ = rows.Close()
			return 0, err
		}
		pending = append(pending, r)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	sealed := 0
	for _, r := range pending {
		v, err := crypto.SealString(enc, r.value, r.key)
		if err != nil {
			return sealed, fmt.Errorf("seal %s: %w", r.key, err)
		}
		res, err := s.DB.ExecContext(ctx,
			`UPDATE token_cache SET value=$1, encryption_version=$2, updated_at=NOW() WHERE key=$3 AND encryption_version=$4`,
			v, encAESGCM, r.key, encPlaintext)
		if err != nil {
			return sealed, fmt.Errorf("update %s: %w", r.key, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			sealed++
		}
	}
	return sealed, nil
}
