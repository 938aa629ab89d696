package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"livebot/internal/commands"
	"livebot/internal/config"
	"livebot/internal/dispatch"
	"livebot/internal/eventbus"
	"livebot/internal/gifts"
	"livebot/internal/monitor"
	"livebot/internal/registry"
	rtsup "livebot/internal/runtime/supervisor"
	"livebot/internal/storage"
	"livebot/internal/stream/douyu"
	"livebot/internal/transport"
	discord "livebot/internal/transport/discord/adapter"
	telegram "livebot/internal/transport/telegram/adapter"
	logx "livebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sd   *sdNotifier

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.Registry

	mux      *transport.Mux
	tg       *telegram.Adapter
	pipeline *dispatch.Pipeline
	catalog  *gifts.Catalog
	refresh  *gifts.Refresher
	lookup   *douyu.Lookup
	dialCfg  douyu.Config

	// mon and cmds need the run context and are built in Start.
	mon  *monitor.Supervisor
	cmds *commands.Manager

	updates chan transport.Update
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, err
	}

	// The chat sink needs the transport mux, which needs a logger; the
	// sender is attached once the mux exists.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		sd:      newSDNotifier(log.With(logx.String("comp", "systemd"))),
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		updates: make(chan transport.Update, 256),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	sc, _ := mapStorage(cfg)
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	gs, _ := mapGifts(cfg)
	a.reg, err = registry.Open(ctx, a.store, registry.Options{HighValue: gs.HighValue}, log.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, err
	}

	adapters, err := a.buildAdapters(cfg, log)
	if err != nil {
		return nil, err
	}
	a.mux = transport.NewMux(adapters...)
	logSvc.SetSender(a.mux)

	a.catalog = gifts.New(gifts.NewFetcher(gs.GlobalURL, gs.RoomURL, gs.Timeout), a.bus, log)
	a.refresh = gifts.NewRefresher(a.catalog, a.reg.RoomIDs, gs.Timeout, log)

	dc, _ := mapDispatch(cfg)
	a.pipeline = dispatch.New(dc, a.reg, a.catalog, a.mux, log, dispatch.WithEventBus(a.bus))

	a.dialCfg, _ = mapDouyu(cfg)
	a.lookup, _ = mapLookup(cfg)

	ok = true
	return a, nil
}

func (a *App) buildAdapters(cfg *config.Config, log logx.Logger) ([]transport.Adapter, error) {
	var out []transport.Adapter
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       tok,
			PollTimeout: poll,
			AlertMarker: cfg.Telegram.AlertMarker,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		out = append(out, tg)
	}
	if cfg.Discord != nil {
		if tok := strings.TrimSpace(cfg.Discord.Token); tok != "" {
			dc, err := discord.New(discord.Config{Token: tok}, log.With(logx.String("comp", "discord")))
			if err != nil {
				return nil, fmt.Errorf("discord: %w", err)
			}
			out = append(out, dc)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no transport configured")
	}
	return out, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.pipeline.Start(run)

	mc, _ := mapMonitor(cfg)
	baseLog := a.logs.Logger()
	a.mon = monitor.NewSupervisor(run, mc,
		douyu.NewDialer(a.dialCfg, baseLog),
		a.pipeline,
		baseLog,
		monitor.WithEventBus(a.bus),
	)

	gs, _ := mapGifts(cfg)
	a.cmds = commands.New(commands.Deps{
		Registry:  a.reg,
		Watchers:  a.mon,
		Gifts:     a.catalog,
		Dispatch:  a.pipeline,
		Lookup:    a.lookupName,
		Audit:     a.store,
		Sender:    a.mux,
		HighValue: gs.HighValue,
		Owners:    cfg.OwnerIDs(),
	}, baseLog.With(logx.String("comp", "commands")))

	if err := a.mux.Start(run, a.updates); err != nil {
		return err
	}
	a.log.Info("transports started", logx.String("platforms", strings.Join(a.mux.Platforms(), ",")))

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})
	if a.tg != nil {
		a.sup.Go0("commands.menu", func(c context.Context) {
			a.cmds.PublishMenu(c, a.tg)
		})
	}

	if err := a.refresh.Start(run, gs.Schedule); err != nil {
		return err
	}
	a.sup.Go0("gifts.initial", a.refresh.RunOnce)

	a.sup.Go0("monitor.start_all", func(c context.Context) {
		rooms := a.reg.RoomIDs()
		if err := a.mon.StartAll(c, rooms); err != nil {
			a.log.Warn("some room watchers failed to start", logx.Err(err))
		}
		a.log.Info("room watchers started", logx.Int("rooms", len(rooms)), logx.Int("running", len(a.mon.Rooms())))
	})

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

func (a *App) lookupName(ctx context.Context, room int64) (string, error) {
	info, err := a.lookup.RoomInfo(ctx, room)
	if err != nil {
		return "", err
	}
	return info.DisplayName(), nil
}

// startEventLog mirrors lifecycle events into the log. Live transitions are
// Info, drops and refresh failures Warn, the rest Debug.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	log := a.logs.Logger().With(logx.String("comp", "events"))
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
				fields := []logx.Field{logx.String("type", e.Type), logx.Any("data", e.Data)}
				switch e.Type {
				case eventbus.RoomLiveStarted, eventbus.RoomLiveEnded, eventbus.RoomWatchLost:
					log.Info("event", fields...)
				case eventbus.DispatchDropped, eventbus.GiftsRefreshFailed:
					log.Warn("event", fields...)
				default:
					log.Debug("event", fields...)
				}
			}
		}
	})
}

func (a *App) startConfigReload() {
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig pushes the hot-reloadable parts of cfg into running
// components. newCfg has already passed validateConfig.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(newCfg))
	a.cmds.SetOwners(newCfg.OwnerIDs())

	if dc, err := mapDispatch(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.pipeline.Apply(dc)
	}
	if mc, err := mapMonitor(newCfg); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.mon.SetConfig(mc)
	}
	if gs, err := mapGifts(newCfg); err != nil {
		a.log.Warn("invalid gifts config; keeping previous", logx.Err(err))
	} else if err := a.refresh.Start(ctx, gs.Schedule); err != nil {
		a.log.Warn("gift refresh reschedule failed", logx.Err(err))
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.sd.Reloaded()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Stop accepting commands and close watchers before the run context is
	// canceled so in-flight notifications still reach the pipeline.
	step := a.stepper(ctx)
	step("monitor", 5*time.Second, func(c context.Context) error { return a.mon.Close(c) })

	a.sup.Cancel()

	step("gifts.refresh", 1*time.Second, func(context.Context) error { a.refresh.Stop(); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { return a.pipeline.Stop(c) })
	step("transport", 2*time.Second, func(c context.Context) error { return a.mux.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			for _, g := range a.sup.Snapshot().Goroutines {
				if g.Active > 0 {
					a.log.Warn("goroutine still running at shutdown", logx.String("name", g.Name), logx.Time("since", g.LastStartAt))
				}
			}
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stepper returns a helper that runs one shutdown step with an upper bound
// so one component can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, no time left", logx.String("name", name))
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
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}
}
