package notify

import (
	"strconv"
	"strings"
	"time"
)

// Suppression is the outcome of the quiet-hours and cooldown checks.
type Suppression struct {
	Quiet    bool
	Cooldown bool
}

// Suppressed reports whether either check blocks an announcement.
func (s Suppression) Suppressed() bool { return s.Quiet || s.Cooldown }

// Reason is a short label for metrics and logs; empty when not suppressed.
func (s Suppression) Reason() string {
	switch {
	case s.Quiet:
		return "quiet_hours"
	case s.Cooldown:
		return "cooldown"
	default:
		return ""
	}
}

// ShouldSuppress evaluates the quiet-hours window and cooldown for a new event at now.
//
// The quiet window is [start, end) in HH:mm wall-clock time of now's location and wraps
// past midnight when end < start. An end of 23:59 covers the rest of that minute, so
// 00:00-23:59 is the whole day. A missing or malformed bound disables it. Cooldown
// applies only when cooldownMinutes > 0 and a previous notification time is known.
func ShouldSuppress(now time.Time, quietStart, quietEnd string, cooldownMinutes int, lastNotifiedAt *time.Time) Suppression {
	return Suppression{
		Quiet:    inQuietHours(now, quietStart, quietEnd),
		Cooldown: inCooldown(now, cooldownMinutes, lastNotifiedAt),
	}
}

func inQuietHours(now time.Time, start, end string) bool {
	s, ok := parseClock(start)
	if !ok {
		return false
	}
	e, ok := parseClock(end)
	if !ok {
		return false
	}
	if e == lastMinute {
		e = minutesPerDay
	}
	m := now.Hour()*60 + now.Minute()
	switch {
	case s < e:
		return m >= s && m < e
	case e < s:
		return m >= s || m < e
	default:
		return false
	}
}

const (
	lastMinute    = 23*60 + 59
	minutesPerDay = 24 * 60
)

func inCooldown(now time.Time, minutes int, last *time.Time) bool {
	if minutes <= 0 || last == nil || last.IsZero() {
		return false
	}
	return now.Sub(*last) < time.Duration(minutes)*time.Minute
}

// parseClock converts "HH:mm" to minutes after midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, false
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
