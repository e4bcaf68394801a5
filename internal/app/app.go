package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/philornot/ai-reminder/internal/cache"
	"github.com/philornot/ai-reminder/internal/config"
	"github.com/philornot/ai-reminder/internal/delivery"
	"github.com/philornot/ai-reminder/internal/eventbus"
	"github.com/philornot/ai-reminder/internal/jobs"
	"github.com/philornot/ai-reminder/internal/notifier"
	"github.com/philornot/ai-reminder/internal/provider"
	rtsup "github.com/philornot/ai-reminder/internal/runtime/supervisor"
	"github.com/philornot/ai-reminder/internal/scheduler"
	"github.com/philornot/ai-reminder/internal/status"
	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
	"github.com/philornot/ai-reminder/pkg/systemd"
)

const (
	loopScheduler = "scheduler"
	loopRefill    = "cache.refill"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// boot is the settings the process started with; some of them
	// (storage, channels, backends) only change on restart.
	boot      *settings
	pruneKeep atomic.Int64

	gateway  *provider.Gateway
	cache    *cache.Cache
	refiller *cache.Refiller
	sched    *scheduler.Scheduler
	pipeline *delivery.Pipeline
	notif    *notifier.Service
	jobs     *jobs.Service
	status   *status.Service
	sd       *systemd.Notifier
}

// New loads the config, opens storage, selects the language model backend and
// wires every component. Backend selection probes credentials over the network.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validator)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(set.logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(set.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", store.Driver()))

	hc := newHTTPClient()
	primary, debug, err := buildChannels(set, hc)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(set.notifier, primary, debug, log.With(logx.String("comp", "notifier")), bus)

	backends := make([]provider.BackendConfig, len(set.backends))
	for i, b := range set.backends {
		b.HTTPClient = hc
		backends[i] = b
	}
	sel, err := provider.Select(ctx, backends, provider.SelectOptions{
		Validate: set.validateCreds,
		Fallback: set.fallback,
		Log:      log.With(logx.String("comp", "provider")),
	})
	if err != nil {
		_ = store.Close()
		return nil, config.Wrap("llm.providers", err)
	}
	gateway, err := provider.NewGateway(sel, set.prompt, provider.Options{
		Retry:          set.retry,
		AttemptTimeout: set.llmTimeout,
		Log:            log.With(logx.String("comp", "provider")),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	c := cache.New(set.cacheSize, bus)
	refiller := cache.NewRefiller(c, gateway, cache.RefillOptions{
		Interval: set.refillInterval,
		Gap:      set.generateGap,
		Timeout:  generationBudget(set),
		Log:      log.With(logx.String("comp", "cache")),
		Bus:      bus,
	})

	pipeline, err := delivery.New(delivery.Options{
		Cache:           c,
		Refiller:        refiller,
		Generator:       gateway,
		Notifier:        notif,
		Store:           store,
		Bus:             bus,
		Log:             log.With(logx.String("comp", "delivery")),
		OnDemandTimeout: set.onDemandTimeout,
		ProviderName:    func() string { return gateway.Active().Name() },
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sched, err := scheduler.New(set.schedule, pipeline.Fire, scheduler.Options{
		Store:       store,
		Bus:         bus,
		Log:         log.With(logx.String("comp", "scheduler")),
		FireTimeout: set.fireTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, config.Wrap("reminder", err)
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		boot:     set,
		gateway:  gateway,
		cache:    c,
		refiller: refiller,
		sched:    sched,
		pipeline: pipeline,
		notif:    notif,
		sd:       systemd.New(),
	}
	a.pruneKeep.Store(int64(set.pruneAfter))

	a.jobs = jobs.New(set.schedule.Location, log)
	jobLog := log.With(logx.String("comp", "jobs"))
	for _, j := range []struct {
		name, spec string
		timeout    time.Duration
		fn         jobs.Func
	}{
		{jobs.NameRefillKick, jobs.Every(set.refillInterval), 0, jobs.RefillKick(refiller)},
		{jobs.NameHeartbeat, set.heartbeat, 0, jobs.HeartbeatJob(jobLog, a.heartbeat)},
		{jobs.NamePrune, "@daily", 5 * time.Minute, a.prune},
	} {
		if err := a.jobs.Add(j.name, j.spec, j.timeout, j.fn); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	a.status = status.New(set.status, a.report, a.health, bus, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// Detached so Stop can drain queued debug events after the run context ends.
	a.notif.Start(context.WithoutCancel(run))

	a.sup.GoRestart(loopScheduler, a.sched.Run, rtsup.WithPublishFirstError(true))
	a.sup.GoRestart(loopRefill, a.refiller.Run)

	a.jobs.Start(run)
	a.status.Start(run)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
					if at, ok := e.Data.(time.Time); ok && e.Type == eventbus.SchedulerScheduled {
						_, _ = a.sd.Status("next reminder " + at.Format("2006-01-02 15:04 MST"))
					}
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				if a.applyConfig(c, lastApplied, newCfg) {
					lastApplied = newCfg
				}
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, func() bool { return a.health() == nil })
	})

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified: ready")
	}

	spec := a.boot.schedule.String()
	active := a.gateway.Active()
	a.log.Info("app started", logx.String("schedule", spec), logx.String("provider", active.Name()), logx.String("model", active.Model()))
	a.notif.NotifyDebug(run, logx.LevelInfo,
		fmt.Sprintf("Reminder started: %s, provider %s (%s), cache %d", spec, active.Name(), active.Model(), a.cache.Cap()), nil)
	return nil
}

// applyConfig pushes a validated config into the running components. It
// reports false when the config could not be mapped and was ignored.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) bool {
	set, err := mapSettings(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return false
	}
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return true
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	a.logs.Apply(set.logging)

	if err := a.sched.SetSpec(set.schedule); err != nil {
		a.log.Warn("schedule not applied", logx.Err(err))
	}
	a.pipeline.SetOnDemandTimeout(set.onDemandTimeout)

	a.gateway.SetPrompt(set.prompt)
	a.gateway.SetRetry(set.retry, set.llmTimeout)

	if dropped := a.cache.Resize(set.cacheSize); dropped > 0 {
		a.log.Info("cache shrunk", logx.Int("capacity", set.cacheSize), logx.Int("dropped", dropped))
	}
	a.refiller.SetTiming(set.refillInterval, set.generateGap, generationBudget(set))

	a.notif.Apply(set.notifier)
	a.status.Reconfigure(ctx, set.status)

	if err := a.jobs.Reschedule(jobs.NameRefillKick, jobs.Every(set.refillInterval)); err != nil {
		a.log.Warn("job not rescheduled", logx.String("job", jobs.NameRefillKick), logx.Err(err))
	}
	if err := a.jobs.Reschedule(jobs.NameHeartbeat, set.heartbeat); err != nil {
		a.log.Warn("job not rescheduled", logx.String("job", jobs.NameHeartbeat), logx.Err(err))
	}
	a.pruneKeep.Store(int64(set.pruneAfter))

	if fixed := restartOnly(a.boot, set); len(fixed) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("fields", strings.Join(fixed, ",")))
	}

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return true
}

// restartOnly lists settings that differ from boot but are fixed for the
// lifetime of the process.
func restartOnly(boot, next *settings) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("storage", boot.storage, next.storage)
	check("llm.providers", boot.backends, next.backends)
	check("llm.fallback", boot.fallback, next.fallback)
	check("llm.validate_credentials", boot.validateCreds, next.validateCreds)
	check("notify.primary", boot.primary, next.primary)
	check("notify.debug", boot.debug, next.debug)
	check("reminder.fire_timeout", boot.fireTimeout, next.fireTimeout)
	if boot.schedule.Location.String() != next.schedule.Location.String() {
		out = append(out, "reminder.timezone (jobs)")
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()
	a.notif.NotifyDebug(ctx, logx.LevelInfo, "Reminder stopping ("+string(reason)+")", nil)

	// Cancel first so the scheduler and refill loops start unwinding.
	a.sup.Cancel()

	// step bounds each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	// Wait for the loops before closing storage: a fire may still be writing its audit row.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// RunOnce fires the delivery pipeline immediately, outside the schedule and
// without touching the fire record, then releases resources.
func (a *App) RunOnce(ctx context.Context) error {
	defer func() { _ = a.close() }()
	a.log.Info("manual fire", logx.String("provider", a.gateway.Active().Name()))
	err := a.pipeline.FireNow(ctx, a.sched.Location())
	if last := a.pipeline.Last(); last.Outcome != "" {
		a.log.Info("manual fire finished", logx.String("outcome", last.Outcome), logx.String("source", last.Source))
	}
	return err
}

func (a *App) close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// health is nil while the daemon can still deliver: the supervisor has no
// fatal error and the scheduler loop is running.
func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	for _, l := range a.sup.Snapshot().Loops {
		if l.Name == loopScheduler && !l.Active {
			return errors.New("scheduler loop is not running")
		}
	}
	return nil
}

func (a *App) heartbeat(ctx context.Context) jobs.Heartbeat {
	snap := a.sched.Snapshot(ctx)
	return jobs.Heartbeat{
		CacheLen:  a.cache.Len(),
		CacheCap:  a.cache.Cap(),
		NextFire:  snap.Next,
		LastFired: snap.LastFired,
		Provider:  a.gateway.Active().Name(),
	}
}

func (a *App) prune(ctx context.Context) error {
	keep := time.Duration(a.pruneKeep.Load())
	return jobs.PruneJob(a.store, keep, a.log.With(logx.String("comp", "jobs")))(ctx)
}

const reportRows = 20

func (a *App) report(ctx context.Context) status.Report {
	rep := status.Report{
		Scheduler: a.sched.Snapshot(ctx),
		Upcoming:  a.sched.Upcoming(3),
		Cache:     a.refiller.Stats(),
		Provider:  a.gateway.Stats(),
		LastFire:  a.pipeline.Last(),
		Jobs:      a.jobs.Snapshot(),
		Storage:   a.store.Driver(),
		Supervisors: map[string]rtsup.Snapshot{
			"app":      a.sup.Snapshot(),
			"notifier": a.notif.Supervisor().Snapshot(),
			"status":   a.status.Supervisor().Snapshot(),
		},
	}
	if hist := a.notif.History(); len(hist) > reportRows {
		rep.Notifier = hist[len(hist)-reportRows:]
	} else {
		rep.Notifier = hist
	}
	if rows, err := a.store.RecentDeliveries(ctx, reportRows); err == nil {
		rep.Deliveries = rows
	} else if !errors.Is(err, storage.ErrDisabled) {
		a.log.Debug("recent deliveries unavailable", logx.Err(err))
	}
	return rep
}
