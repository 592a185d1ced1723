package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/services/scheduler"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	telegram "relaybot/internal/transport/telegram/adapter"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	lock  *storage.ProcessLock
	store storage.Store

	adapter kit.Adapter
	machine *relay.Machine
	router  *router.Router
	sched   *scheduler.Service

	updates chan kit.Update
	now     func() time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad)
}

// build wires every component around an adapter. The process lock is taken
// before storage is opened and released again if wiring fails.
func build(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter) (_ *App, err error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	lock, err := storage.AcquireProcessLock(lockPath(cfg, sc))
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			return nil, fmt.Errorf("another relaybot instance is running: %w", err)
		}
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = lock.Release()
		}
	}()

	// Start with the Telegram sink off so the first Apply doesn't warn
	// about a missing target, then apply the real config.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetRedactions(cfg.Telegram.Token)
	if chatID := groupLogChat(cfg); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	defer func() {
		if err != nil {
			logSvc.Close()
		}
	}()

	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("lock", lock.Path()))

	opts, err := mapRelayOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ropts, err := mapRouterOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	relayLog := log.With(logx.String("comp", "relay"))
	admins := relay.NewAdminStore(store, relayLog)
	registry := relay.NewRegistry(store, ad, opts.ChannelLimit, relayLog)
	machine := relay.NewMachine(relay.Deps{
		Guard:      relay.NewGuard(cfg.Telegram.OwnerUserID, admins),
		Admins:     admins,
		Registry:   registry,
		Staging:    relay.NewStaging(store, opts.MaxStaged, relayLog),
		Dispatcher: relay.NewDispatcher(registry, ad, relayLog),
		Audit:      store,
		Bus:        bus,
		Log:        log,
	}, opts)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		lock:    lock,
		store:   store,
		adapter: ad,
		machine: machine,
		router:  router.New(log, ad, machine, ropts),
		sched:   scheduler.New(mapSchedulerConfig(cfg), log, bus),
		updates: make(chan kit.Update, 256),
		now:     time.Now,
	}
	if err := a.registerMaintenance(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
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

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.ReloadValidator(a.cfgm.Get))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: apply only the newest
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify("READY=1\nSTATUS=relaying")
	a.log.Info("app started",
		logx.Int64("owner", a.machine.Guard.Owner()),
		logx.Int("channel_limit", a.machine.Options().ChannelLimit),
	)
	return nil
}

// applyConfig pushes the live-tunable parts of a reloaded config.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	a.logs.SetRedactions(newCfg.Telegram.Token, oldCfg.Telegram.Token)
	a.logs.SetTelegramTarget(groupLogChat(newCfg), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	if opts, err := mapRelayOptions(newCfg); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.machine.Apply(opts)
	}
	if ropts, err := mapRouterOptions(newCfg); err == nil {
		a.router.SetTimeout(ropts.Timeout)
	}

	a.sched.Apply(ctx, mapSchedulerConfig(newCfg))
	if err := a.registerMaintenance(newCfg); err != nil {
		a.log.Warn("maintenance jobs not updated", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify("STOPPING=1")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("lock", time.Second, func(context.Context) error { return a.lock.Release() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
