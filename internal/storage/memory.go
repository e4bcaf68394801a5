package storage

import (
	"context"
	"sync"
	"time"
)

const memoryAuditCap = 500

type memoryStore struct {
	mu     sync.Mutex
	fire   FireRecord
	hasRec bool
	audit  []DeliveryEntry
}

// NewMemory returns a process-local store. The fire record does not survive restarts.
func NewMemory() Store { return &memoryStore{} }

func (s *memoryStore) Driver() string { return "memory" }

func (s *memoryStore) LastFire(ctx context.Context) (FireRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fire, s.hasRec, nil
}

func (s *memoryStore) SaveFire(ctx context.Context, r FireRecord) error {
	s.mu.Lock()
	s.fire, s.hasRec = r, true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	if len(s.audit) > memoryAuditCap {
		s.audit = s.audit[len(s.audit)-memoryAuditCap:]
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.audit, limit), nil
}

func (s *memoryStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept, n := filterAfter(s.audit, before)
	s.audit = kept
	return n, nil
}

func (s *memoryStore) Close() error { return nil }

func newestFirst(in []DeliveryEntry, limit int) []DeliveryEntry {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]DeliveryEntry, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}

func filterAfter(in []DeliveryEntry, before time.Time) ([]DeliveryEntry, int64) {
	kept := in[:0]
	var dropped int64
	for _, e := range in {
		if e.At.Before(before) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	return kept, dropped
}
