package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"socializer/internal/clock"
	"socializer/internal/config"
	"socializer/internal/eventbus"
	"socializer/internal/executor"
	"socializer/internal/janitor"
	"socializer/internal/lock"
	"socializer/internal/queue"
	"socializer/internal/ratelimit"
	"socializer/internal/retry"
	"socializer/internal/runtime/supervisor"
	"socializer/internal/stats"
	"socializer/internal/store"
	"socializer/internal/worker"
	logx "socializer/pkg/logx"
)

// App wires the daemon: config manager, storage, queue, worker pool,
// janitor and stats collector, all under one supervisor.
type App struct {
	cfgPath  string
	instance string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	clk   clock.Clock
	st    *store.Store
	locks *lock.Manager
	rate  *ratelimit.Limiter
	bus   eventbus.Bus

	queue   *queue.Manager
	reg     *executor.Registry
	workers *worker.Pool
	jan     *janitor.Janitor
	stats   *stats.Collector
}

func New(cfgPath, instance string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	clk := clock.System()
	locks := lock.NewManager(st.DB())
	rate := ratelimit.NewLimiter(st.DB())

	qcfg, err := QueueConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	qm := queue.NewManager(st, locks, rate, clk, qcfg, log.With(logx.String("comp", "queue")))

	bus := eventbus.New()

	pollInterval, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 2*time.Second)
	if err != nil {
		st.Close()
		return nil, err
	}
	reg := executorRegistry(log)
	pool := worker.NewPool(worker.Config{
		Count:        cfg.Workers.Count,
		PollInterval: pollInterval,
		LeaseTTL:     qcfg.LeaseTTL,
	}, qm, reg, clk, bus, log.With(logx.String("comp", "worker")), instance)

	retention, err := config.ParseDurationOrDefault("janitor.retention", cfg.Janitor.Retention, 7*24*time.Hour)
	if err != nil {
		st.Close()
		return nil, err
	}
	jan := janitor.New(janitor.Config{
		Schedule:  cfg.Janitor.Schedule,
		Retention: retention,
	}, st, locks, rate, clk, log.With(logx.String("comp", "janitor")))

	coll := stats.NewCollector(bus, log.With(logx.String("comp", "stats")), time.Minute)

	return &App{
		cfgPath:  cfgPath,
		instance: instance,
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		clk:      clk,
		st:       st,
		locks:    locks,
		rate:     rate,
		bus:      bus,
		queue:    qm,
		reg:      reg,
		workers:  pool,
		jan:      jan,
		stats:    coll,
	}, nil
}

// Executors exposes the platform registry so main can plug in real
// executors before Start.
func (a *App) Executors() *executor.Registry { return a.reg }

func (a *App) Queue() *queue.Manager { return a.queue }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.jan.Start(); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	a.stats.Start(a.sup.Context())
	a.workers.Start(a.sup.Context())

	// Config hot reload fan-out. Log sinks and queue knobs apply live;
	// storage path and worker count need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the newest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()

	a.log.Info("started", logx.String("instance", a.instance))
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})

	qcfg, err := QueueConfig(cfg)
	if err != nil {
		// validate() runs before commit, so this only happens on the
		// initial config racing an edit. Keep the old knobs.
		a.log.Warn("config apply: bad queue settings kept previous", logx.Err(err))
	} else {
		a.queue.Apply(qcfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) notifySystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.st.Close()
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("workers", 5*time.Second, func(c context.Context) error { a.workers.Stop(c); return nil })
	step("janitor", 2*time.Second, func(context.Context) error { a.jan.Stop(); return nil })
	step("stats", time.Second, func(context.Context) error { a.stats.Stop(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	err := a.st.Close()
	a.log.Info("stopped")
	a.logs.Close()
	return err
}

func executorRegistry(log logx.Logger) *executor.Registry {
	reg := executor.NewRegistry()
	for _, p := range store.Platforms() {
		reg.Register(p, &executor.LogExecutor{
			Log: log.With(logx.String("comp", "exec"), logx.String("platform", string(p))),
		})
	}
	return reg
}

// QueueConfig maps the file config onto queue knobs, parsing duration
// strings and platform names.
func QueueConfig(cfg *config.Config) (queue.Config, error) {
	leaseTTL, err := config.ParseDurationOrDefault("queue.lease_ttl", cfg.Queue.LeaseTTL, time.Minute)
	if err != nil {
		return queue.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("queue.backoff_base", cfg.Queue.BackoffBase, 5*time.Second)
	if err != nil {
		return queue.Config{}, err
	}
	ceiling, err := config.ParseDurationOrDefault("queue.backoff_cap", cfg.Queue.BackoffCap, time.Minute)
	if err != nil {
		return queue.Config{}, err
	}
	jitter, err := config.ParseDurationOrDefault("queue.backoff_jitter_max", cfg.Queue.BackoffJitterMax, 2*time.Second)
	if err != nil {
		return queue.Config{}, err
	}

	maxRetries := 3
	if cfg.Queue.DefaultMaxRetries != nil {
		maxRetries = *cfg.Queue.DefaultMaxRetries
	}
	if maxRetries < 0 {
		return queue.Config{}, fmt.Errorf("queue.default_max_retries must be >= 0")
	}

	limits := make(map[store.Platform]int, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		p, err := store.ParsePlatform(name)
		if err != nil {
			return queue.Config{}, fmt.Errorf("rate_limits: %w", err)
		}
		if limit < 0 {
			return queue.Config{}, fmt.Errorf("rate_limits.%s: must be >= 0", name)
		}
		limits[p] = limit
	}

	return queue.Config{
		LeaseTTL:          leaseTTL,
		DefaultMaxRetries: maxRetries,
		Backoff:           retry.Policy{Base: base, Cap: ceiling, JitterMax: jitter},
		RateLimits:        limits,
	}, nil
}

// EngageSettings maps the file config onto engagement batch settings: the
// pacing delay between actions and the abort-on-first-failure flag.
func EngageSettings(cfg *config.Config) (delay time.Duration, stopOnFailure bool, err error) {
	delay, err = config.ParseDurationOrDefault("engagement.delay_between_actions", cfg.Engagement.DelayBetweenActions, 30*time.Second)
	if err != nil {
		return 0, false, err
	}
	return delay, cfg.Engagement.StopOnFailure, nil
}

// validate rejects a config before a hot reload commits it.
func validate(cfg *config.Config) error {
	if cfg.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0")
	}
	if _, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("janitor.retention", cfg.Janitor.Retention, 0); err != nil {
		return err
	}
	if _, _, err := EngageSettings(cfg); err != nil {
		return err
	}
	if _, err := QueueConfig(cfg); err != nil {
		return err
	}
	return nil
}

// Hostname is the default worker instance name.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fmt.Sprintf("socializer-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", h, os.Getpid())
}
