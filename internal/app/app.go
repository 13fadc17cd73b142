// Package app wires the engine together: config, logging, storage, the
// runtime loop, the posting manager, and the notification pipeline.
package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"drippost/internal/config"
	"drippost/internal/eventbus"
	"drippost/internal/notifier"
	"drippost/internal/observability/pprof"
	"drippost/internal/poster"
	"drippost/internal/runtime/loop"
	"drippost/internal/runtime/supervisor"
	"drippost/internal/storage"
	logx "drippost/pkg/logx"
)

// StopReason labels why the app is shutting down. Logged, never branched on.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	loop  *loop.Loop
	mgr   *poster.Manager
	notif *notifier.Service
	prof  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("component", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	lp := loop.New(cfg.Poster.StoreWorkers, log)

	pcfg, err := mapPosterConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := poster.NewManager(pcfg, store, lp, bus, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, log, bus, store)

	prof := pprof.New(mapPprofConfig(cfg), log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		loop:    lp,
		mgr:     mgr,
		notif:   notif,
		prof:    prof,
	}, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop()).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("component", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPosterConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		return validateProxies(cfg.Proxies)
	})

	a.loop.Start(a.sup.Context())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}
	if err := a.mgr.Start(a.sup.Context()); err != nil {
		return err
	}

	if err := a.bootstrapTasks(a.sup.Context()); err != nil {
		return err
	}

	// Hot reload fan-out. Storage and proxy routes need a restart; everything
	// else applies live.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Debug visibility into engine events without coupling to any consumer.
	ch, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("app started")
	return nil
}

// bootstrapTasks registers a worker for every active (account, target) pair
// found in storage.
func (a *App) bootstrapTasks(ctx context.Context) error {
	ids, err := a.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	added := 0
	for _, id := range ids {
		u, err := a.store.GetUser(ctx, id)
		if err != nil {
			a.log.Warn("loading user failed", logx.String("user", id), logx.Err(err))
			continue
		}
		if u == nil {
			continue
		}
		for i := range u.Accounts {
			acct := &u.Accounts[i]
			if !acct.Active || acct.Token == "" {
				continue
			}
			for j := range acct.Targets {
				tgt := acct.Targets[j]
				if !tgt.Active {
					continue
				}
				task := poster.Task{
					UserID:      u.ID,
					AccountID:   acct.ID,
					AccountName: acct.Username,
					Token:       acct.Token,
					Nitro:       acct.Nitro,
					Target:      tgt,
				}
				if err := a.mgr.AddTask(ctx, task); err != nil {
					a.log.Error("registering task failed", logx.String("task", task.Describe()), logx.Err(err))
					continue
				}
				added++
			}
		}
	}
	a.log.Info("tasks registered", logx.Int("count", added), logx.Int("users", len(ids)))
	return nil
}

func (a *App) applyReload(ctx context.Context, newCfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Workers first so no new storage writes or events appear, then the
	// notifier drains, then the loop, then storage.
	step("poster", 15*time.Second, func(c context.Context) error { return a.mgr.StopAndWait(c) })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", 2*time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })
	step("loop", 2*time.Second, func(c context.Context) error { return a.loop.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data"
	}
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapPosterConfig(cfg *config.Config) (poster.Config, error) {
	stop, err := config.ParseDurationOrDefault("poster.stop_timeout", cfg.Poster.StopTimeout, 8*time.Second)
	if err != nil {
		return poster.Config{}, err
	}
	flush, err := config.ParseDurationOrDefault("poster.flush_interval", cfg.Poster.FlushInterval, 15*time.Second)
	if err != nil {
		return poster.Config{}, err
	}
	if cfg.Poster.FlushThreshold < 0 {
		return poster.Config{}, fmt.Errorf("poster.flush_threshold must be >= 0")
	}
	return poster.Config{
		StopTimeout:    stop,
		FlushInterval:  flush,
		FlushThreshold: cfg.Poster.FlushThreshold,
		Proxies:        cfg.Proxies,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationOrDefault("notifier.timeout", cfg.Notifier.Timeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	if cfg.Notifier.Workers < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	}
	if cfg.Notifier.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if cfg.Notifier.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	return notifier.Config{
		Enabled:    cfg.Notifier.Enabled,
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		Timeout:    timeout,
		Webhook: notifier.WebhookDefaults{
			URLs:       cfg.Webhook.URLs,
			Footer:     cfg.Webhook.Footer,
			FooterIcon: cfg.Webhook.FooterIcon,
			Color:      cfg.Webhook.Color,
			ImageURL:   cfg.Webhook.ImageURL,
		},
	}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}

func validateProxies(proxies []string) error {
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		u, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("proxies: invalid url %q: %w", p, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "socks5", "socks5h", "http", "https":
		default:
			return fmt.Errorf("proxies: unsupported scheme %q", u.Scheme)
		}
	}
	return nil
}
