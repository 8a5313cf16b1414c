package slack

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	rtsup "chatgate/internal/runtime/supervisor"
	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

type Config struct {
	BotToken          string // xoxb-...
	AppToken          string // xapp-... (Socket Mode)
	AllowedChannelIDs []string // empty means all channels
}

// Adapter bridges the Slack Web API and Socket Mode event stream to the
// gateway transport contract.
type Adapter struct {
	cfg Config
	log logx.Logger

	client *slackapi.Client
	sm     *socketmode.Client
	self   atomic.Value // stores string (bot user id)

	allowChans map[string]bool

	out     atomic.Value // stores (chan<- transport.Event)
	runMu   sync.Mutex
	running bool

	sup *rtsup.Supervisor

	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, &transport.ConfigError{Reason: "slack bot token is empty"}
	}
	if !strings.HasPrefix(cfg.BotToken, "xoxb-") {
		return nil, &transport.ConfigError{Reason: "slack bot token must start with xoxb-"}
	}
	if strings.TrimSpace(cfg.AppToken) == "" {
		return nil, &transport.ConfigError{Reason: "slack app token is required for socket mode"}
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, &transport.ConfigError{Reason: "slack app token must start with xapp-"}
	}

	client := slackapi.New(
		cfg.BotToken,
		slackapi.OptionAppLevelToken(cfg.AppToken),
	)
	sm := socketmode.New(client)

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:        cfg,
		log:        log,
		client:     client,
		sm:         sm,
		allowChans: toSet(cfg.AllowedChannelIDs),
	}
	a.self.Store("")
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Name() string { return "slack" }

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
		rtsup.WithLogger(a.log.With(logx.String("comp", "slack.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Resolve own user id so inbound self messages can be flagged.
	sup.Go0("auth.identify", func(c context.Context) {
		ictx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		resp, err := a.client.AuthTestContext(ictx)
		if err != nil {
			a.log.Warn("slack auth test failed", logx.Err(err))
			return
		}
		a.self.Store(resp.UserID)
		a.log.Info("slack connected", logx.String("user", resp.User))
	})

	sup.Go0("events.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
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

	sup.Go0("socketmode.events", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case evt, ok := <-a.sm.Events:
				if !ok {
					return
				}
				a.handleEvent(evt)
			}
		}
	})

	// Socket Mode run loop reconnects internally, but can return on fatal
	// auth errors; restart with backoff so transient failures self-heal.
	sup.GoRestart("socketmode.run", func(c context.Context) error {
		return a.sm.RunContext(c)
	},
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		a.log.Debug("slack socket mode connecting")
	case socketmode.EventTypeConnected:
		a.log.Debug("slack socket mode connected")
	case socketmode.EventTypeConnectionError:
		a.log.Warn("slack socket mode connection error", logx.Any("data", evt.Data))
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.sm.Ack(*evt.Request)
		}
		a.handleEventsAPI(apiEvent)
	}
}

func (a *Adapter) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || ev == nil {
		return
	}
	if len(a.allowChans) > 0 && !a.allowChans[ev.Channel] {
		return
	}

	if ev.SubType == "message_deleted" {
		ts := ev.DeletedTimeStamp
		if ts == "" {
			ts = ev.TimeStamp
		}
		a.sendEvent(transport.Event{
			Kind:    transport.EventMessageDeleted,
			Deleted: &transport.MessageRef{ID: ts, ChannelID: ev.Channel},
		})
		return
	}
	if ev.SubType != "" {
		// edits, joins, bot housekeeping
		return
	}

	self, _ := a.self.Load().(string)
	a.sendEvent(transport.Event{
		Kind: transport.EventMessage,
		Message: &transport.Message{
			ID:           ev.TimeStamp,
			ChannelID:    ev.Channel,
			ThreadID:     ev.ThreadTimeStamp,
			FromID:       ev.User,
			Text:         ev.Text,
			At:           tsToTime(ev.TimeStamp),
			FromSelf:     (self != "" && ev.User == self) || ev.BotID != "",
		},
	})
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("slack stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			a.log.Warn("slack stop error", logx.Err(err))
		}
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, channelID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return transport.MessageRef{}, &transport.ValidationError{Reason: "channel id is empty"}
	}

	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if opt != nil {
		if opt.ThreadID != "" {
			opts = append(opts, slackapi.MsgOptionTS(opt.ThreadID))
		}
		if opt.DisablePreview {
			opts = append(opts, slackapi.MsgOptionDisableLinkUnfurl())
		}
	}

	_, ts, err := a.client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return transport.MessageRef{}, classifySlackErr(err)
	}
	return transport.MessageRef{ID: ts, ChannelID: channelID}, nil
}

func (a *Adapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]transport.MessageRecord, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, &transport.ValidationError{Reason: "channel id is empty"}
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	resp, err := a.client.GetConversationHistoryContext(ctx, &slackapi.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
	})
	if err != nil {
		return nil, classifySlackErr(err)
	}

	out := make([]transport.MessageRecord, 0, len(resp.Messages))
	// Slack returns newest first; keep chronological order.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		out = append(out, transport.MessageRecord{
			ID:        m.Timestamp,
			ChannelID: channelID,
			FromID:    m.User,
			Text:      m.Text,
			At:        tsToTime(m.Timestamp),
		})
	}
	return out, nil
}

func classifySlackErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *slackapi.RateLimitedError
	if errors.As(err, &rl) {
		return &transport.RateLimitedError{RetryAfter: rl.RetryAfter, Err: err}
	}
	var sce slackapi.StatusCodeError
	if errors.As(err, &sce) {
		return transport.ClassifyStatus(sce.Code, err)
	}
	return transport.WrapNetErr(err)
}

// tsToTime converts a Slack "seconds.micros" timestamp to time.Time.
func tsToTime(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		if m, err := strconv.ParseInt(frac, 10, 64); err == nil {
			micros = m
		}
	}
	return time.Unix(s, micros*1000)
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			m[id] = true
		}
	}
	return m
}
