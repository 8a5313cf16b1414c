// Package app wires configuration, logging, storage, transports and the
// per-platform gateways into one runnable unit.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/eventbus"
	"chatgate/internal/gateway"
	"chatgate/internal/janitor"
	rtsup "chatgate/internal/runtime/supervisor"
	"chatgate/internal/storage"
	"chatgate/internal/transport"
	"chatgate/internal/transport/discord"
	slackad "chatgate/internal/transport/slack"
	"chatgate/internal/transport/telegram"
	logx "chatgate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gateways map[string]*gateway.Gateway
	jan      *janitor.Service

	// lastStorageCfg is what the open store was built from; storage edits are
	// restart-required, so reloads only compare and warn.
	lastStorageCfg storage.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	var storeCfg storage.Config
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		storeCfg = sc
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		return nil, err
	}

	gateways := map[string]*gateway.Gateway{}
	addGateway := func(platform string, tr transport.Transport) {
		var ds gateway.DedupStore
		if store != nil {
			ds = store
		}
		gateways[platform] = gateway.New(platform, gwCfg, tr, ds,
			log.With(logx.String("comp", "gateway")), bus)
	}

	if cfg.Telegram != nil && cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			AllowedChat: cfg.Telegram.AllowedChat,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		addGateway(ad.Name(), ad)
	}
	if cfg.Discord != nil && cfg.Discord.Enabled {
		ad, err := discord.New(discord.Config{
			Token:             cfg.Discord.Token,
			AllowedGuildIDs:   cfg.Discord.AllowedGuildIDs,
			AllowedChannelIDs: cfg.Discord.AllowedChannelIDs,
		}, log.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, err
		}
		addGateway(ad.Name(), ad)
	}
	if cfg.Slack != nil && cfg.Slack.Enabled {
		ad, err := slackad.New(slackad.Config{
			BotToken:          cfg.Slack.BotToken,
			AppToken:          cfg.Slack.AppToken,
			AllowedChannelIDs: cfg.Slack.AllowedChannelIDs,
		}, log.With(logx.String("comp", "slack")))
		if err != nil {
			return nil, err
		}
		addGateway(ad.Name(), ad)
	}
	if len(gateways) == 0 {
		return nil, fmt.Errorf("no platform enabled: enable at least one of telegram, discord, slack")
	}

	janCfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	gwList := make([]*gateway.Gateway, 0, len(gateways))
	for _, g := range gateways {
		gwList = append(gwList, g)
	}
	jan := janitor.New(janCfg, gwList, store, log.With(logx.String("comp", "janitor")))

	return &App{
		cfgPath:        cfgPath,
		cfgm:           cfgm,
		log:            log,
		logs:           logSvc,
		bus:            bus,
		store:          store,
		gateways:       gateways,
		jan:            jan,
		lastStorageCfg: storeCfg,
	}, nil
}

// Gateway returns the gateway for a platform ("telegram", "discord",
// "slack"), or nil if that platform is not enabled.
func (a *App) Gateway(platform string) *gateway.Gateway {
	return a.gateways[platform]
}

// Gateways returns all enabled gateways keyed by platform.
func (a *App) Gateways() map[string]*gateway.Gateway { return a.gateways }

// SetMessageHandler registers h as the inbound handler on every enabled
// gateway.
func (a *App) SetMessageHandler(h gateway.Handler) {
	for _, g := range a.gateways {
		g.SetMessageHandler(h)
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapGatewayConfig(cfg); err != nil {
			return err
		}
		if _, err := mapJanitorConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	for _, g := range a.gateways {
		if err := g.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if err := a.jan.Start(); err != nil {
		return err
	}

	// Persist send outcomes when storage is enabled.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("delivery.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.recordDelivery(c, e)
				}
			}
		})
	}

	// hot reload config fan-out
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
				// Coalesce bursts: keep only the latest config in the channel.
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

	a.log.Info("app started", logx.Int("gateways", len(a.gateways)))
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		// Validator should have rejected this; keep previous settings.
		a.log.Warn("invalid gateway config; keeping previous", logx.Any("err", err))
	} else {
		for _, g := range a.gateways {
			g.Apply(gwCfg)
		}
	}

	janCfg, err := mapJanitorConfig(cfg)
	if err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Any("err", err))
	} else if err := a.jan.Apply(janCfg); err != nil {
		a.log.Warn("maintenance reconfigure failed", logx.Any("err", err))
	}

	// Storage edits require a restart; warn so the operator knows the edit
	// didn't take effect live.
	if sc, enabled, err := mapStorageConfig(cfg); err == nil {
		cur := a.store != nil
		if enabled != cur || sc != a.lastStorageCfg {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) recordDelivery(ctx context.Context, e eventbus.Event) {
	var status string
	switch e.Type {
	case eventbus.TypeSendSent:
		status = "sent"
	case eventbus.TypeSendFailed:
		status = "failed"
	case eventbus.TypeSendDropped:
		status = "dropped"
	default:
		return
	}
	ev, ok := e.Data.(gateway.SendEvent)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	err := a.store.AppendDelivery(wctx, storage.DeliveryEntry{
		At:          e.Time,
		Platform:    ev.Platform,
		Destination: ev.Destination,
		MessageID:   ev.MessageID,
		Attempts:    ev.Attempt,
		Status:      status,
		Error:       ev.Error,
	})
	if err != nil {
		a.log.Debug("delivery log append failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("janitor", 2*time.Second, func(c context.Context) error { a.jan.Stop(c); return nil })
	for platform, g := range a.gateways {
		gw := g
		step("gateway."+platform, 5*time.Second, func(c context.Context) error { return gw.Stop(c) })
	}
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, delivery log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	if cfg == nil {
		return gateway.Config{}, nil
	}
	gc := cfg.Gateway

	window, err := config.ParseDurationField("gateway.rate_limit.window", gc.RateLimit.Window)
	if err != nil {
		return gateway.Config{}, err
	}
	buffer, err := config.ParseDurationField("gateway.rate_limit.buffer", gc.RateLimit.Buffer)
	if err != nil {
		return gateway.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("gateway.queue.send_timeout", gc.Queue.SendTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	baseDelay, err := config.ParseDurationField("gateway.retry.base_delay", gc.Retry.BaseDelay)
	if err != nil {
		return gateway.Config{}, err
	}
	rlBaseDelay, err := config.ParseDurationField("gateway.retry.rate_limit_base_delay", gc.Retry.RateLimitBaseDelay)
	if err != nil {
		return gateway.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("gateway.retry.max_delay", gc.Retry.MaxDelay)
	if err != nil {
		return gateway.Config{}, err
	}
	retention, err := config.ParseDurationField("gateway.dedup.retention", gc.Dedup.Retention)
	if err != nil {
		return gateway.Config{}, err
	}

	return gateway.Config{
		RateLimit: gateway.RateLimitConfig{
			MaxPerWindow:                gc.RateLimit.MaxPerWindow,
			Window:                      window,
			Buffer:                      buffer,
			MaxTimestampsPerDestination: gc.RateLimit.MaxTimestampsPerDestination,
			MaxTrackedDestinations:      gc.RateLimit.MaxTrackedDestinations,
		},
		Queue: gateway.QueueConfig{
			MaxConcurrent: gc.Queue.MaxConcurrent,
			QueueSize:     gc.Queue.QueueSize,
			RatePerSec:    gc.Queue.RatePerSec,
			SendTimeout:   sendTimeout,
		},
		Retry: gateway.RetryConfig{
			MaxAttempts:        gc.Retry.MaxAttempts,
			BaseDelay:          baseDelay,
			RateLimitBaseDelay: rlBaseDelay,
			MaxDelay:           maxDelay,
		},
		Dedup: gateway.DedupConfig{
			Retention:  retention,
			MaxEntries: gc.Dedup.MaxEntries,
			Persist:    gc.Dedup.Persist,
		},
		MaxTextLen: gc.MaxTextLen,
	}, nil
}

func mapJanitorConfig(cfg *config.Config) (janitor.Config, error) {
	out := janitor.Config{Enabled: true}
	if cfg == nil || cfg.Maintenance == nil {
		return out, nil
	}
	mc := cfg.Maintenance
	if mc.Enabled != nil {
		out.Enabled = *mc.Enabled
	}
	out.Schedule = mc.Schedule

	idle, err := config.ParseDurationField("maintenance.rate_limit_idle", mc.RateLimitIdle)
	if err != nil {
		return janitor.Config{}, err
	}
	out.RateLimitIdle = idle

	retention, err := config.ParseDurationField("maintenance.delivery_retention", mc.DeliveryRetention)
	if err != nil {
		return janitor.Config{}, err
	}
	out.DeliveryRetention = retention
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
