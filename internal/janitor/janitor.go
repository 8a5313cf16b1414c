// Package janitor runs scheduled maintenance over gateway state: pruning idle
// rate-limit windows, purging expired dedup entries and trimming the delivery
// log.
package janitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatgate/internal/gateway"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec or descriptor, e.g. "@every 5m"

	// RateLimitIdle prunes per-destination rate windows with no activity for
	// this long. 0 disables the prune.
	RateLimitIdle time.Duration

	// DeliveryRetention trims delivery log records older than this.
	// 0 keeps everything.
	DeliveryRetention time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@every 5m"
	}
	if c.RateLimitIdle <= 0 {
		c.RateLimitIdle = 30 * time.Minute
	}
	return c
}

type Service struct {
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	c        *cron.Cron
	parser   cron.Parser
	gateways []*gateway.Gateway
	store    storage.Store
}

func New(cfg Config, gateways []*gateway.Gateway, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		gateways: gateways,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		store:    store,
	}
}

func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	restart := s.c != nil && (cfg.Schedule != s.cfg.Schedule || cfg.Enabled != s.cfg.Enabled)
	s.cfg = cfg
	if !restart {
		return nil
	}
	s.stopLocked(context.Background())
	return s.startLocked()
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}
	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(s.cfg.Schedule, s.runOnce); err != nil {
		return errors.New("invalid maintenance schedule: " + s.cfg.Schedule)
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) runOnce() {
	start := time.Now()
	s.mu.Lock()
	cfg := s.cfg
	gateways := s.gateways
	store := s.store
	s.mu.Unlock()

	var prunedWindows, purgedDedup int
	for _, g := range gateways {
		if cfg.RateLimitIdle > 0 {
			prunedWindows += g.RateLimits().PruneIdle(cfg.RateLimitIdle)
		}
		purgedDedup += g.Dedup().PurgeExpired()
	}

	var prunedDeliveries int64
	if store != nil && cfg.DeliveryRetention > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := store.PruneDeliveries(ctx, time.Now().Add(-cfg.DeliveryRetention))
		cancel()
		if err != nil {
			s.log.Warn("delivery log prune failed", logx.Err(err))
		} else {
			prunedDeliveries = n
		}
	}

	s.log.Debug("maintenance pass done",
		logx.Int("pruned_rate_windows", prunedWindows),
		logx.Int("purged_dedup", purgedDedup),
		logx.Int64("pruned_deliveries", prunedDeliveries),
		logx.Duration("took", time.Since(start)),
	)
}
