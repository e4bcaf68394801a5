package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/philornot/ai-reminder/internal/channel"
	"github.com/philornot/ai-reminder/internal/eventbus"
	rtsup "github.com/philornot/ai-reminder/internal/runtime/supervisor"
	logx "github.com/philornot/ai-reminder/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrStopped   = errors.New("notifier stopped")
	ErrQueueFull = errors.New("notifier queue full")
)

const historyMax = 200

type debugJob struct {
	at    time.Time
	level logx.Level
	text  string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	primary channel.Channel
	debug   channel.Channel

	cfg        Config
	primaryLim *rate.Limiter
	debugLim   *rate.Limiter

	queue    chan debugJob
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
	sendWG   sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a notifier. debug may be nil; debug events are then dropped.
func New(cfg Config, primary, debug channel.Channel, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		primary: primary,
		debug:   debug,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps timing and threshold settings. Channels are fixed for the
// lifetime of the service.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	s.cfg = cfg
	s.primaryLim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.debugLim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) PrimaryName() string {
	if s.primary == nil {
		return ""
	}
	return s.primary.Name()
}

func (s *Service) HasDebug() bool { return s.debug != nil }

// Start launches the debug worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || s.debug == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan debugJob, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	q, sup := s.queue, s.sup
	s.mu.Unlock()

	sup.GoRestart("debug.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping || c.Err() != nil {
			return context.Canceled
		}
		return errors.New("debug worker exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Stop closes intake and drains queued debug events until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Supervisor exposes the worker stats for the status API (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Deliver sends text to the primary channel, retrying temporary failures.
func (s *Service) Deliver(ctx context.Context, text string) error {
	s.mu.Lock()
	cfg, lim, ch := s.cfg, s.primaryLim, s.primary
	s.mu.Unlock()
	if ch == nil {
		return &DeliveryError{Channel: "none", Err: channel.ErrNotConfigured}
	}

	attempts := 0
	var lastErr error
	for attempts <= cfg.RetryMax {
		if attempts > 0 {
			d := retryDelay(cfg, attempts, channel.RetryAfterOf(lastErr))
			s.log.Warn("delivery retry",
				logx.String("channel", ch.Name()),
				logx.Int("attempt", attempts+1),
				logx.Duration("backoff", d),
				logx.Err(lastErr))
			if err := s.sleep(ctx, d); err != nil {
				break
			}
		}
		if err := lim.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		attempts++
		cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		lastErr = ch.Send(cctx, text)
		cancel()
		if lastErr == nil {
			break
		}
		if !channel.IsTemporary(lastErr) {
			break
		}
	}

	now := s.now()
	if lastErr == nil {
		s.appendHistory(HistoryItem{At: now, Kind: "delivery", Channel: ch.Name(), Text: text})
		eventbus.Publish(s.bus, eventbus.DeliverySent, DeliveryEvent{Channel: ch.Name(), Attempts: attempts, Length: len([]rune(text)), At: now})
		s.log.Info("message delivered", logx.String("channel", ch.Name()), logx.Int("attempts", attempts))
		s.NotifyDebug(ctx, logx.LevelInfo,
			fmt.Sprintf("Message delivered via %s (%d chars, %d attempt(s))", ch.Name(), len([]rune(text)), attempts), nil)
		return nil
	}

	derr := &DeliveryError{Channel: ch.Name(), Attempts: attempts, Err: lastErr}
	s.appendHistory(HistoryItem{At: now, Kind: "delivery", Channel: ch.Name(), Text: text, Error: lastErr.Error()})
	eventbus.Publish(s.bus, eventbus.DeliveryFailed, DeliveryEvent{Channel: ch.Name(), Attempts: attempts, Length: len([]rune(text)), At: now, Error: lastErr.Error()})
	s.log.Error("delivery failed", logx.String("channel", ch.Name()), logx.Int("attempts", attempts), logx.Err(lastErr))
	// The caller's ctx may be done; the report still goes out.
	s.NotifyDebug(context.WithoutCancel(ctx), logx.LevelError,
		fmt.Sprintf("Delivery via %s failed after %d attempt(s)", ch.Name(), attempts), lastErr)
	return derr
}

// NotifyDebug mirrors an operational event when severity >= the configured
// threshold. It never returns an error; failures are logged.
func (s *Service) NotifyDebug(ctx context.Context, severity logx.Level, event string, err error) {
	if s.debug == nil {
		return
	}
	s.mu.Lock()
	threshold := s.cfg.DebugLevel
	q := s.queue
	running := q != nil && s.stopDone == nil
	if running {
		s.sendWG.Add(1)
	}
	s.mu.Unlock()
	if severity < threshold {
		if running {
			s.sendWG.Done()
		}
		return
	}

	now := s.now()
	j := debugJob{at: now, level: severity, text: FormatDebug(now, severity, event, err)}
	if !running {
		s.sendDebug(ctx, j)
		return
	}
	defer s.sendWG.Done()
	select {
	case q <- j:
	default:
		s.log.Warn("debug event dropped", logx.String("event", event), logx.Err(ErrQueueFull))
	}
}

// FormatDebug renders "[YYYY-MM-DD HH:MM:SS] **LEVEL**: event" plus a fenced error.
func FormatDebug(at time.Time, level logx.Level, event string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] **%s**: %s", at.Format("2006-01-02 15:04:05"), logx.LevelLabel(level), event)
	if err != nil {
		b.WriteString("\n```\n")
		b.WriteString(err.Error())
		b.WriteString("\n```")
	}
	return b.String()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan debugJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendDebug(ctx, j)
		}
	}
}

func (s *Service) sendDebug(ctx context.Context, j debugJob) {
	s.mu.Lock()
	timeout, lim := s.cfg.Timeout, s.debugLim
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	err := s.debug.Send(cctx, j.text)
	cancel()

	item := HistoryItem{At: j.at, Kind: "debug", Channel: s.debug.Name(), Level: logx.LevelLabel(j.level), Text: j.text}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("debug send failed", logx.String("channel", s.debug.Name()), logx.Err(err))
	}
	s.appendHistory(item)
}

// History returns a copy of recent deliveries and debug events, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

// retryDelay returns the wait before retry n (1-based): exponential from
// RetryBase with 0.7..1.3 jitter, raised to the server hint, capped.
func retryDelay(cfg Config, n int, hint time.Duration) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if hint > d {
		d = hint
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
