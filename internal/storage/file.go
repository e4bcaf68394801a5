package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.fire.json         (fire record snapshot, replaced atomically)
//   - <prefix>.deliveries.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	firePath  string
	auditPath string
	auditFile *os.File

	fire   FireRecord
	hasRec bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		firePath:  prefix + ".fire.json",
		auditPath: prefix + ".deliveries.jsonl",
	}
	if err := s.loadFire(); err != nil {
		// A corrupt snapshot must not block startup; worst case is one extra delivery.
		log.Warn("fire record unreadable; starting without it", logx.String("path", s.firePath), logx.Err(err))
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) Driver() string { return "file" }

func (s *fileStore) loadFire() error {
	b, err := os.ReadFile(s.firePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var r FireRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.Date != "" {
		s.fire, s.hasRec = r, true
	}
	return nil
}

func (s *fileStore) LastFire(ctx context.Context) (FireRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fire, s.hasRec, nil
}

func (s *fileStore) SaveFire(ctx context.Context, r FireRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := writeFileAtomic(s.firePath, b); err != nil {
		return err
	}
	s.fire, s.hasRec = r, true
	return nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := readDeliveries(s.auditPath)
	if err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

// PruneDeliveries rewrites the audit file without entries older than before.
func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, ErrClosed
	}

	all, err := readDeliveries(s.auditPath)
	if err != nil {
		return 0, err
	}
	kept, dropped := filterAfter(all, before)
	if dropped == 0 {
		return 0, nil
	}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			return 0, err
		}
	}
	if err := s.auditFile.Close(); err != nil {
		s.log.Debug("audit file close failed", logx.Err(err))
	}
	s.auditFile = nil
	werr := writeFileAtomic(s.auditPath, []byte(b.String()))

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.auditFile = af
	if werr != nil {
		return 0, werr
	}
	return dropped, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func readDeliveries(path string) ([]DeliveryEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []DeliveryEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e DeliveryEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// torn tail write; skip
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
