// Package poller turns provider state changes into announcements. Each provider
// has one poller whose Run walks every subscription of that provider, detects
// "went live" or "new upload" transitions, applies dedup and suppression, sends
// through a notify.Transport and persists the subscription's live/seen state.
//
// A run never fails because of one subscription: per-subscription errors are
// counted in the Result and logged with the subscription handle. Run-level
// failures (no credential, store unreachable) are returned as errors.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/herald/notify"
	"github.com/onnwee/herald/telemetry"
)

// Result counts one run's outcome.
type Result struct {
	Processed int
	Errors    int
}

// SubscriptionStore is the subscription collaborator. UpsertSubscription writes
// the row by primary key and reports whether it was created.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, provider notify.Provider) ([]notify.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *notify.Subscription) (created bool, err error)
}

// errSkip marks a subscription whose external identity could not be resolved.
// It is neither processed nor an error, and its state is left untouched.
var errSkip = errors.New("skip subscription")

// Deps are the collaborators shared by all pollers.
type Deps struct {
	Subs      SubscriptionStore
	Ledger    notify.Ledger
	Transport notify.Transport
	Logger    *slog.Logger
	Now       func() time.Time
	// Location is the wall clock quiet hours are evaluated in; nil means time.Local.
	Location *time.Location
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// eachSubscription runs fn for every subscription, isolating failures and panics,
// and persists the poller-maintained fields when fn changed them.
func (d *Deps) eachSubscription(ctx context.Context, provider notify.Provider, subs []notify.Subscription, fn func(ctx context.Context, sub *notify.Subscription) error) Result {
	var res Result
	log := telemetry.LoggerWithCorr(ctx, d.log()).With(slog.String("provider", string(provider)))
	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		sub := &subs[i]
		before := *sub
		err := safeCall(ctx, sub, fn)
		if errors.Is(err, errSkip) {
			log.Debug("subscription skipped", slog.String("handle", sub.Handle), slog.String("guild_id", sub.GuildID))
			continue
		}
		if !sub.StateEqual(before) {
			if _, perr := d.Subs.UpsertSubscription(ctx, sub); perr != nil {
				err = errors.Join(err, fmt.Errorf("persist state: %w", perr))
			}
		}
		if err != nil {
			res.Errors++
			telemetry.CountSubscriptionError(string(provider))
			log.Warn("subscription poll failed", slog.String("handle", sub.Handle), slog.String("guild_id", sub.GuildID), slog.Any("err", err))
			continue
		}
		res.Processed++
	}
	return res
}

func safeCall(ctx context.Context, sub *notify.Subscription, fn func(context.Context, *notify.Subscription) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, sub)
}

// admit checks the dedup ledger and the suppression policy for eventID. A false
// result without error means the announcement must not be sent.
func (d *Deps) admit(ctx context.Context, sub *notify.Subscription, eventID string) (bool, error) {
	provider := string(sub.Provider)
	already, err := d.Ledger.Has(ctx, sub.Provider, sub.GuildID, eventID)
	if err != nil {
		return false, fmt.Errorf("dedup lookup %s: %w", eventID, err)
	}
	if already {
		telemetry.CountDedupSkip(provider)
		d.log().Debug("event already announced", slog.String("provider", provider), slog.String("event_id", eventID), slog.String("handle", sub.Handle))
		return false, nil
	}
	sup := d.suppression(sub)
	if sup.Suppressed() {
		telemetry.CountSuppressed(provider, sup.Reason())
		d.log().Info("announcement suppressed",
			slog.String("provider", provider),
			slog.String("handle", sub.Handle),
			slog.String("event_id", eventID),
			slog.String("reason", sup.Reason()))
		return false, nil
	}
	return true, nil
}

func (d *Deps) suppression(sub *notify.Subscription) notify.Suppression {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return notify.ShouldSuppress(d.now().In(loc), sub.QuietStart, sub.QuietEnd, sub.CooldownMinutes, sub.LastNotifiedAt)
}

// send delivers msg and, only on confirmed delivery, stamps LastNotifiedAt and
// records the event. sent is true once the transport confirmed, even if recording
// then failed.
func (d *Deps) send(ctx context.Context, sub *notify.Subscription, eventID string, msg *notify.Message) (sent bool, err error) {
	receipt, err := d.Transport.Send(ctx, sub.ChannelID, msg)
	if err != nil {
		return false, fmt.Errorf("send %s: %w", eventID, err)
	}
	if !notify.Delivered(receipt) {
		d.log().Warn("delivery not confirmed", slog.String("provider", string(sub.Provider)), slog.String("handle", sub.Handle), slog.String("event_id", eventID))
		return false, nil
	}
	now := d.now()
	sub.LastNotifiedAt = &now
	telemetry.CountAnnouncement(string(sub.Provider))
	created, err := d.Ledger.RecordIfNew(ctx, notify.Record{
		Provider:  sub.Provider,
		EventID:   eventID,
		GuildID:   sub.GuildID,
		ChannelID: sub.ChannelID,
	})
	if err != nil {
		return true, fmt.Errorf("record %s: %w", eventID, err)
	}
	d.log().Info("announcement sent",
		slog.String("provider", string(sub.Provider)),
		slog.String("handle", sub.Handle),
		slog.String("event_id", eventID),
		slog.String("message_id", receipt.ID),
		slog.Bool("recorded", created))
	return true, nil
}

// announce is admit followed by send, with the message built lazily.
func (d *Deps) announce(ctx context.Context, sub *notify.Subscription, eventID string, build func() *notify.Message) (sent bool, err error) {
	ok, err := d.admit(ctx, sub, eventID)
	if err != nil || !ok {
		return false, err
	}
	return d.send(ctx, sub, eventID, build())
}
