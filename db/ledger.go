package db

import (
	"context"
	"fmt"

	"github.com/onnwee/herald/notify"
)

// Has reports whether eventID was already announced to guildID.
func (s *Store) Has(ctx context.Context, provider notify.Provider, guildID, eventID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE provider=$1 AND guild_id=$2 AND event_id=$3)`,
		string(provider), guildID, eventID).Scan(&exists)
	return exists, err
}

// RecordIfNew inserts the record unless its (provider, guild id, event id) exists. Only one
// of any number of concurrent callers for the same key observes created=true.
func (s *Store) RecordIfNew(ctx context.Context, rec notify.Record) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO notifications (provider, event_id, guild_id, channel_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (provider, guild_id, event_id) DO NOTHING`,
		string(rec.Provider), rec.EventID, rec.GuildID, rec.ChannelID)
	if err != nil {
		return false, fmt.Errorf("record notification %s/%s: %w", rec.Provider, rec.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
