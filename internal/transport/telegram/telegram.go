package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chatgate/internal/runtime/supervisor"
	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	AllowedChat []int64 // empty means all chats
}

// Adapter bridges the Telegram Bot API (long polling via telebot) to the
// gateway transport contract.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	self    int64
	out     atomic.Value // stores (chan<- transport.Event)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedEvents counts events dropped because the consumer was slower than the poll loop.
	// This is logged periodically to avoid per-event log spam.
	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &transport.ConfigError{Reason: "telegram token is empty"}
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	if me := b.Me; me != nil {
		a.self = me.ID
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Sender == nil {
			return nil
		}
		if !a.chatAllowed(m.Chat.ID) {
			return nil
		}
		ev := transport.Event{
			Kind: transport.EventMessage,
			Message: &transport.Message{
				ID:           strconv.Itoa(m.ID),
				ChannelID:    strconv.FormatInt(m.Chat.ID, 10),
				ThreadID:     strconv.Itoa(m.ThreadID),
				FromID:       strconv.FormatInt(m.Sender.ID, 10),
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				At:           m.Time(),
				FromSelf:     a.self != 0 && m.Sender.ID == a.self,
			},
		}
		a.sendEvent(ev)
		return nil
	})
}

func (a *Adapter) chatAllowed(id int64) bool {
	if len(a.cfg.AllowedChat) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowedChat {
		if id == allowed {
			return true
		}
	}
	return false
}

func (a *Adapter) sendEvent(ev transport.Event) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		atomic.AddUint64(&a.droppedEvents, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped events (avoid noisy per-event logs).
	sup.Go0("events.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				// Final flush.
				if n := atomic.SwapUint64(&a.droppedEvents, 0); n > 0 {
					a.log.Warn("incoming events dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedEvents, 0); n > 0 {
					a.log.Warn("incoming events dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		// Start blocks until Stop() called.
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// Restart if Start() returns while context is still active.
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}

	if sup == nil {
		return nil
	}

	wctx := ctx
	var cancel context.CancelFunc
	if grace > 0 {
		wctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		if sup.Context().Err() != nil {
			a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, channelID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return transport.MessageRef{}, &transport.ValidationError{Reason: "telegram chat id must be numeric: " + channelID}
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return transport.MessageRef{}, transport.WrapNetErr(ctx.Err())
		default:
		}
	}

	sendOpt := &tele.SendOptions{}
	if opt != nil {
		sendOpt.DisableWebPagePreview = opt.DisablePreview
		sendOpt.DisableNotification = opt.Silent
		if opt.ThreadID != "" {
			if tid, err := strconv.Atoi(opt.ThreadID); err == nil {
				sendOpt.ThreadID = tid
			}
		}
	}

	msg, err := a.bot.Send(&tele.Chat{ID: chatID}, text, sendOpt)
	if err != nil {
		return transport.MessageRef{}, classifyTelebotErr(err)
	}
	return transport.MessageRef{ID: strconv.Itoa(msg.ID), ChannelID: channelID}, nil
}

// FetchRecent is unsupported: the Telegram Bot API has no method to read
// channel history.
func (a *Adapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]transport.MessageRecord, error) {
	_ = ctx
	_ = channelID
	_ = limit
	return nil, transport.ErrHistoryUnsupported
}

func classifyTelebotErr(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitedError{
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return transport.ClassifyStatus(te.Code, err)
	}
	return transport.WrapNetErr(err)
}
