package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/herald/notify"
)

const subscriptionColumns = `id, guild_id, channel_id, provider, handle, custom_message, quiet_start, quiet_end,
	cooldown_minutes, last_notified_at, is_live, last_event_id`

// ListSubscriptions returns every subscription of provider ordered by id.
func (s *Store) ListSubscriptions(ctx context.Context, provider notify.Provider) ([]notify.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider=$1 ORDER BY id`, string(provider))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Subscription
	for rows.Next() {
		var (
			sub      notify.Subscription
			prov     string
			notified sql.NullTime
		)
		if err := rows.Scan(&sub.ID, &sub.GuildID, &sub.ChannelID, &prov, &sub.Handle, &sub.CustomMessage,
			&sub.QuietStart, &sub.QuietEnd, &sub.CooldownMinutes, &notified, &sub.IsLive, &sub.LastEventID); err != nil {
			return nil, err
		}
		sub.Provider = notify.Provider(prov)
		if notified.Valid {
			t := notified.Time
			sub.LastNotifiedAt = &t
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpsertSubscription writes sub by primary key and reports whether a row was
// created. A subscription without an id is inserted (or merged on its natural
// key). For a known id only the poller-maintained columns are updated; when no row
// carries that id the state is saved by natural key instead. A row deleted while
// a poll was in flight stays deleted.
func (s *Store) UpsertSubscription(ctx context.Context, sub *notify.Subscription) (bool, error) {
	if sub.ID == 0 {
		return s.insertSubscription(ctx, sub)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions SET last_notified_at=$1, is_live=$2, last_event_id=$3, updated_at=NOW()
		WHERE id=$4`,
		nullTime(sub.LastNotifiedAt), sub.IsLive, sub.LastEventID, sub.ID)
	if err != nil {
		return false, fmt.Errorf("update subscription %d: %w", sub.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return false, err
	}
	if _, err := s.saveState(ctx, sub); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) insertSubscription(ctx context.Context, sub *notify.Subscription) (bool, error) {
	var created bool
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO subscriptions (guild_id, channel_id, provider, handle, custom_message, quiet_start, quiet_end,
			cooldown_minutes, last_notified_at, is_live, last_event_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (guild_id, provider, handle) DO UPDATE SET
			channel_id=EXCLUDED.channel_id,
			custom_message=EXCLUDED.custom_message,
			quiet_start=EXCLUDED.quiet_start,
			quiet_end=EXCLUDED.quiet_end,
			cooldown_minutes=EXCLUDED.cooldown_minutes,
			updated_at=NOW()
		RETURNING id, (xmax = 0)`,
		sub.GuildID, sub.ChannelID, string(sub.Provider), sub.Handle, sub.CustomMessage, sub.QuietStart, sub.QuietEnd,
		sub.CooldownMinutes, nullTime(sub.LastNotifiedAt), sub.IsLive, sub.LastEventID).Scan(&sub.ID, &created)
	if err != nil {
		return false, fmt.Errorf("insert subscription %s/%s: %w", sub.Provider, sub.Handle, err)
	}
	return created, nil
}

// saveState updates only the poller-maintained columns, matched by natural key,
// and returns the number of rows written.
func (s *Store) saveState(ctx context.Context, sub *notify.Subscription) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions SET last_notified_at=$1, is_live=$2, last_event_id=$3, updated_at=NOW()
		WHERE guild_id=$4 AND provider=$5 AND handle=$6`,
		nullTime(sub.LastNotifiedAt), sub.IsLive, sub.LastEventID, sub.GuildID, string(sub.Provider), sub.Handle)
	if err != nil {
		return 0, fmt.Errorf("save subscription state %s/%s: %w", sub.Provider, sub.Handle, err)
	}
	return res.RowsAffected()
}

// DeleteSubscription removes a subscription by id.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
