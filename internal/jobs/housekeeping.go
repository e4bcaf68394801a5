package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

const (
	NameRefillKick = "refill.kick"
	NameHeartbeat  = "heartbeat"
	NamePrune      = "audit.prune"

	DefaultHeartbeat  = time.Hour
	DefaultPruneAfter = 90 * 24 * time.Hour
)

// Every renders an interval spec understood by Add.
func Every(d time.Duration) string { return fmt.Sprintf("@every %s", d) }

// RefillKick wakes the refill loop so a full-cache wait never outlives the interval.
func RefillKick(k interface{ Kick() }) Func {
	return func(context.Context) error {
		k.Kick()
		return nil
	}
}

// Heartbeat is what the periodic heartbeat line reports.
type Heartbeat struct {
	CacheLen  int
	CacheCap  int
	NextFire  time.Time
	LastFired string
	Provider  string
}

func HeartbeatJob(log logx.Logger, probe func(ctx context.Context) Heartbeat) Func {
	return func(ctx context.Context) error {
		h := probe(ctx)
		fields := []logx.Field{
			logx.Int("cache_len", h.CacheLen),
			logx.Int("cache_cap", h.CacheCap),
			logx.String("last_fired", h.LastFired),
			logx.String("provider", h.Provider),
		}
		if !h.NextFire.IsZero() {
			fields = append(fields, logx.Time("next_fire", h.NextFire), logx.Duration("in", time.Until(h.NextFire).Round(time.Second)))
		}
		log.Info("heartbeat", fields...)
		return nil
	}
}

// PruneJob drops audit rows older than keep.
func PruneJob(store storage.Store, keep time.Duration, log logx.Logger) Func {
	if keep <= 0 {
		keep = DefaultPruneAfter
	}
	return func(ctx context.Context) error {
		n, err := store.PruneDeliveries(ctx, time.Now().Add(-keep))
		if err != nil {
			return fmt.Errorf("prune deliveries: %w", err)
		}
		if n > 0 {
			log.Info("audit pruned", logx.Int64("rows", n), logx.Duration("keep", keep))
		}
		return nil
	}
}
