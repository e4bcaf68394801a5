package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory", "none" or empty: in-process only
//   - "file": jsonl audit + json fire snapshot derived from Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FireRecord is the last calendar date the scheduler fired on.
type FireRecord struct {
	Date    string    `json:"date"` // YYYY-MM-DD in the schedule's zone
	FiredAt time.Time `json:"fired_at"`
	EventID string    `json:"event_id,omitempty"`
}

// Delivery outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// DeliveryEntry records one fire event's outcome.
type DeliveryEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Date     string    `json:"date"`
	Outcome  string    `json:"outcome"`
	Source   string    `json:"source,omitempty"` // cache | on_demand
	Channel  string    `json:"channel,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Length   int       `json:"length,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Store is the persistence API used by the scheduler and the delivery pipeline.
type Store interface {
	LastFire(ctx context.Context) (FireRecord, bool, error)
	SaveFire(ctx context.Context, r FireRecord) error

	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	// RecentDeliveries returns up to limit entries, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryEntry, error)
	// PruneDeliveries drops entries older than before and reports how many went.
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	Driver() string
	Close() error
}
