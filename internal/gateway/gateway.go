package gateway

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"chatgate/internal/eventbus"
	rtsup "chatgate/internal/runtime/supervisor"
	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

// Config aggregates the delivery-core knobs for one platform gateway.
type Config struct {
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Retry     RetryConfig
	Dedup     DedupConfig

	// MaxTextLen rejects oversized outbound text before enqueueing.
	// Defaults to 2000 (the tightest limit among supported platforms).
	MaxTextLen int
}

func (c Config) withDefaults() Config {
	c.RateLimit = c.RateLimit.withDefaults()
	c.Queue = c.Queue.withDefaults()
	c.Retry = c.Retry.withDefaults()
	c.Dedup = c.Dedup.withDefaults()
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = 2000
	}
	return c
}

// Handler consumes one deduplicated inbound message. The history fetcher is
// backed by the transport (recent channel messages) and may be called lazily.
type Handler func(ctx context.Context, msg transport.Message, history HistoryFetcher) error

// HistoryFetcher returns up to limit recent messages for the channel the
// handled message arrived on, newest last.
type HistoryFetcher func(ctx context.Context, limit int) ([]transport.MessageRecord, error)

// Health is a point-in-time gateway status snapshot.
type Health struct {
	Platform          string         `json:"platform"`
	Connected         bool           `json:"connected"`
	Uptime            time.Duration  `json:"uptime"`
	PendingQueueDepth int            `json:"pending_queue_depth"`
	InFlightSends     int            `json:"in_flight_sends"`
	TrackedDests      int            `json:"tracked_destinations"`
	DedupEntries      int            `json:"dedup_entries"`
	Workers           rtsup.Counters `json:"workers"`
	LastError         string         `json:"last_error,omitempty"`
}

// Gateway is the public front door of the delivery core for one platform:
// admission-controlled sends in, deduplicated events out.
type Gateway struct {
	platform string
	cfg      Config

	tr     transport.Transport
	limits *RateLimitWindow
	dedup  *DedupTracker
	policy *RetryPolicy
	queue  *SendQueue

	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	handler Handler

	mu        sync.Mutex
	sup       *rtsup.Supervisor
	startedAt time.Time
	running   bool

	connected bool
}

func New(platform string, cfg Config, tr transport.Transport, store DedupStore, log logx.Logger, bus eventbus.Bus) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("platform", platform))

	limits := NewRateLimitWindow(cfg.RateLimit)
	policy := NewRetryPolicy(cfg.Retry)
	dedup := NewDedupTracker(cfg.Dedup, store)
	queue := NewSendQueue(platform, cfg.Queue, limits, policy, tr, log, bus)

	return &Gateway{
		platform: platform,
		cfg:      cfg,
		tr:       tr,
		limits:   limits,
		dedup:    dedup,
		policy:   policy,
		queue:    queue,
		log:      log,
		bus:      bus,
	}
}

// Apply swaps delivery knobs at runtime (hot config reload).
func (g *Gateway) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.limits.Apply(cfg.RateLimit)
	g.policy.Apply(cfg.Retry)
	g.dedup.Apply(cfg.Dedup)
	g.queue.Apply(cfg.Queue)
}

func (g *Gateway) Platform() string { return g.platform }

// RateLimits exposes the window limiter for maintenance (janitor pruning).
func (g *Gateway) RateLimits() *RateLimitWindow { return g.limits }

// Dedup exposes the dedup tracker for maintenance (janitor purging).
func (g *Gateway) Dedup() *DedupTracker { return g.dedup }

// SetMessageHandler registers the single inbound-message handler. A second
// registration replaces the first; the replacement is logged so a
// misconfigured double-registration is visible.
func (g *Gateway) SetMessageHandler(h Handler) {
	g.hmu.Lock()
	replaced := g.handler != nil
	g.handler = h
	g.hmu.Unlock()
	if replaced {
		g.log.Warn("message handler replaced")
	}
}

// Start brings up the send workers and the inbound event pump.
// It is idempotent while running.
func (g *Gateway) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.startedAt = time.Now()
	cfg := g.cfg
	g.sup = rtsup.New(ctx,
		rtsup.WithLogger(g.log.With(logx.String("comp", "gateway"))),
		// Gateway failures should not take down the whole app; surface via health.
		rtsup.WithCancelOnError(false),
	)
	sup := g.sup
	g.mu.Unlock()

	g.queue.Start(sup)
	sup.Go0("dedup.persist", g.dedup.Run)

	events := make(chan transport.Event, 256)
	if err := g.tr.Start(sup.Context(), events); err != nil {
		// Unwind the workers started above; a failed Start must leave the
		// gateway stopped, not half-running.
		g.queue.Stop()
		sup.Cancel()
		_ = sup.Wait(ctx)
		g.mu.Lock()
		g.running = false
		g.sup = nil
		g.mu.Unlock()
		return err
	}
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()

	sup.GoRestart("events.pump", func(ctx context.Context) error {
		g.pump(ctx, events)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}, rtsup.WithPublishFirstError(true))

	g.log.Info("gateway started",
		logx.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		logx.Int("max_per_window", cfg.RateLimit.MaxPerWindow),
		logx.Duration("window", cfg.RateLimit.Window))
	return nil
}

// Stop rejects queued sends, stops the transport, and waits for workers
// best-effort until ctx expires.
func (g *Gateway) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.connected = false
	sup := g.sup
	g.sup = nil
	g.mu.Unlock()

	g.queue.Stop()
	stopErr := g.tr.Stop(ctx)
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	g.log.Info("gateway stopped")
	return stopErr
}

// SendMessageToChannel validates and enqueues an outbound send, blocking
// until it resolves to a provider message id or a classified terminal error.
// Retries are invisible to the caller except as latency.
func (g *Gateway) SendMessageToChannel(ctx context.Context, channelID, text string, opt *transport.SendOptions) (string, error) {
	g.mu.Lock()
	maxLen := g.cfg.MaxTextLen
	g.mu.Unlock()

	if strings.TrimSpace(channelID) == "" {
		return "", &transport.ValidationError{Reason: "channel id is empty"}
	}
	if strings.TrimSpace(text) == "" {
		return "", &transport.ValidationError{Reason: "text is empty"}
	}
	if len([]rune(text)) > maxLen {
		return "", &transport.ValidationError{Reason: "text exceeds max length"}
	}

	ref, err := g.queue.Enqueue(ctx, channelID, text, opt)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

// FetchMessages returns recent channel history from the transport.
func (g *Gateway) FetchMessages(ctx context.Context, channelID string, limit int) ([]transport.MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return g.tr.FetchRecent(ctx, channelID, limit)
}

// OnIncomingMessage routes one raw transport event: delete notifications feed
// the dedup deleted-set, duplicates are discarded silently, everything else
// goes to the registered handler.
func (g *Gateway) OnIncomingMessage(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessageDeleted:
		if ev.Deleted != nil {
			g.dedup.MarkDeleted(ev.Deleted.ChannelID, ev.Deleted.ID)
		}
		return
	case transport.EventMessage:
	default:
		return
	}
	m := ev.Message
	if m == nil {
		return
	}
	// The bot's own messages echo back on some transports; answering them
	// would loop.
	if m.FromSelf {
		return
	}
	if g.dedup.IsDuplicate(ctx, m.ChannelID, m.ID) {
		if g.bus != nil {
			now := time.Now()
			g.bus.Publish(eventbus.Event{Type: eventbus.TypeEventDeduped, Time: now, Data: SendEvent{
				Platform:    g.platform,
				Destination: m.ChannelID,
				MessageID:   m.ID,
				At:          now,
			}})
		}
		g.log.Debug("duplicate event discarded", logx.String("channel", m.ChannelID), logx.String("event_id", m.ID))
		return
	}

	g.hmu.Lock()
	h := g.handler
	g.hmu.Unlock()
	if h == nil {
		g.log.Debug("no handler registered; dropping message", logx.String("channel", m.ChannelID))
		return
	}

	history := func(hctx context.Context, limit int) ([]transport.MessageRecord, error) {
		return g.FetchMessages(hctx, m.ChannelID, limit)
	}

	// A panicking handler must not kill the event pump.
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("message handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if err := h(ctx, *m, history); err != nil {
		g.log.Warn("message handler failed", logx.String("channel", m.ChannelID), logx.Err(err))
	}
}

// HealthStatus reports a snapshot for operators.
func (g *Gateway) HealthStatus() Health {
	g.mu.Lock()
	sup := g.sup
	connected := g.connected
	startedAt := g.startedAt
	running := g.running
	g.mu.Unlock()

	h := Health{
		Platform:          g.platform,
		Connected:         connected,
		PendingQueueDepth: g.queue.Depth(),
		InFlightSends:     g.queue.InFlight(),
		TrackedDests:      g.limits.Len(),
		DedupEntries:      g.dedup.Len(),
	}
	if running {
		h.Uptime = time.Since(startedAt)
	}
	if sup != nil {
		h.Workers = sup.CountersSnapshot()
		if err := sup.Err(); err != nil {
			h.LastError = err.Error()
		}
	}
	return h
}

func (g *Gateway) pump(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.OnIncomingMessage(ctx, ev)
		}
	}
}
