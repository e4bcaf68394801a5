package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Driver() string { return "sqlite" }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LastFire(ctx context.Context) (FireRecord, bool, error) {
	var (
		r       FireRecord
		firedAt string
		eventID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT date, fired_at, event_id FROM fire_record WHERE id = 1`).
		Scan(&r.Date, &firedAt, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return FireRecord{}, false, nil
	}
	if err != nil {
		return FireRecord{}, false, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, firedAt); perr == nil {
		r.FiredAt = t
	}
	r.EventID = eventID.String
	return r, true, nil
}

func (s *sqliteStore) SaveFire(ctx context.Context, r FireRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fire_record(id, date, fired_at, event_id) VALUES(1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET date=excluded.date, fired_at=excluded.fired_at, event_id=excluded.event_id`,
		r.Date, r.FiredAt.UTC().Format(time.RFC3339Nano), nullStr(r.EventID),
	)
	return err
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, at, date, outcome, source, channel, provider, seq, length, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.Date, e.Outcome, nullStr(e.Source), nullStr(e.Channel), nullStr(e.Provider),
		int64(e.Seq), e.Length, e.TookMS, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, date, outcome, source, channel, provider, seq, length, took_ms, err
		 FROM deliveries ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryEntry
	for rows.Next() {
		var (
			e                               DeliveryEntry
			at, seq                         int64
			source, channel, provider, emsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Date, &e.Outcome, &source, &channel, &provider, &seq, &e.Length, &e.TookMS, &emsg); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		e.Seq = uint64(seq)
		e.Source, e.Channel, e.Provider, e.Error = source.String, channel.String, provider.String, emsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
