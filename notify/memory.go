package notify

import (
	"context"
	"sync"
)

type ledgerKey struct {
	provider Provider
	guildID  string
	eventID  string
}

// MemoryLedger is a process-local Ledger. It backs tests and deployments
// without a database; records do not survive restarts.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[ledgerKey]Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[ledgerKey]Record)}
}

func (l *MemoryLedger) Has(_ context.Context, provider Provider, guildID, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[ledgerKey{provider, guildID, eventID}]
	return ok, nil
}

func (l *MemoryLedger) RecordIfNew(_ context.Context, rec Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{rec.Provider, rec.GuildID, rec.EventID}
	if _, ok := l.records[k]; ok {
		return false, nil
	}
	l.records[k] = rec
	return true, nil
}

// Records returns a copy of everything recorded so far.
func (l *MemoryLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	return out
}
