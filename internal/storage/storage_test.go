package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// exerciseStore runs the shared contract against any driver.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := st.LastFire(ctx); err != nil || ok {
		t.Fatalf("LastFire on empty store = (%v,%v)", ok, err)
	}

	firedAt := time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)
	if err := st.SaveFire(ctx, FireRecord{Date: "2024-05-01", FiredAt: firedAt, EventID: "e1"}); err != nil {
		t.Fatalf("SaveFire: %v", err)
	}
	if err := st.SaveFire(ctx, FireRecord{Date: "2024-05-02", FiredAt: firedAt.Add(24 * time.Hour), EventID: "e2"}); err != nil {
		t.Fatalf("SaveFire overwrite: %v", err)
	}
	rec, ok, err := st.LastFire(ctx)
	if err != nil || !ok || rec.Date != "2024-05-02" || rec.EventID != "e2" {
		t.Fatalf("LastFire = (%+v,%v,%v)", rec, ok, err)
	}

	old := time.Now().Add(-48 * time.Hour)
	entries := []DeliveryEntry{
		{ID: "d1", At: old, Date: "2024-04-29", Outcome: OutcomeSent, Source: "cache"},
		{ID: "d2", At: time.Now().Add(-time.Minute), Date: "2024-05-01", Outcome: OutcomeFailed, Error: "boom"},
		{ID: "d3", At: time.Now(), Date: "2024-05-02", Outcome: OutcomeSent, Seq: 7},
	}
	for _, e := range entries {
		if err := st.AppendDelivery(ctx, e); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}
	recent, err := st.RecentDeliveries(ctx, 2)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "d3" || recent[1].ID != "d2" || recent[0].Seq != 7 {
		t.Fatalf("recent = %+v", recent)
	}

	n, err := st.PruneDeliveries(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneDeliveries = (%d,%v), want 1", n, err)
	}
	recent, _ = st.RecentDeliveries(ctx, 10)
	if len(recent) != 2 {
		t.Fatalf("after prune: %d entries", len(recent))
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if st.Driver() != "memory" {
		t.Fatalf("driver = %s", st.Driver())
	}
	exerciseStore(t, st)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "reminder.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	rec, ok, err := st2.LastFire(context.Background())
	if err != nil || !ok || rec.Date != "2024-05-02" {
		t.Fatalf("reopened LastFire = (%+v,%v,%v)", rec, ok, err)
	}
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "reminder.fire.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "reminder.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("corrupt snapshot should not fail open: %v", err)
	}
	defer st.Close()
	if _, ok, _ := st.LastFire(context.Background()); ok {
		t.Fatal("corrupt snapshot produced a record")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminder.sqlite")
	st, err := Open(Config{Driver: "sqlite3", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("AI_REMINDER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("AI_REMINDER_TEST_PG_DSN not set")
	}
	st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	pg := st.(*postgresStore)
	pg.db.Exec("DELETE FROM reminder_fire_record")
	pg.db.Exec("DELETE FROM reminder_deliveries")
	exerciseStore(t, st)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
