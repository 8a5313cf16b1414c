package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "chatgate/internal/runtime/supervisor"
	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

type Config struct {
	Token             string
	AllowedGuildIDs   []string // empty means all guilds
	AllowedChannelIDs []string // empty means all channels
}

// Adapter bridges the Discord gateway (websocket via discordgo) to the
// gateway transport contract.
type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	self    atomic.Value // stores string (bot user id, set on Ready)

	allowGuilds map[string]bool
	allowChans  map[string]bool

	out     atomic.Value // stores (chan<- transport.Event)
	runMu   sync.Mutex
	running bool

	sup *rtsup.Supervisor

	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &transport.ConfigError{Reason: "discord token is empty"}
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:         cfg,
		log:         log,
		session:     dg,
		allowGuilds: toSet(cfg.AllowedGuildIDs),
		allowChans:  toSet(cfg.AllowedChannelIDs),
	}
	a.self.Store("")
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)

	dg.AddHandler(a.handleReady)
	dg.AddHandler(a.handleMessage)
	dg.AddHandler(a.handleMessageDelete)
	return a, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.self.Store(r.User.ID)
		a.log.Info("discord connected", logx.String("user", r.User.Username))
	}
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	if m.GuildID != "" && len(a.allowGuilds) > 0 && !a.allowGuilds[m.GuildID] {
		return
	}
	if len(a.allowChans) > 0 && !a.allowChans[m.ChannelID] {
		return
	}
	self, _ := a.self.Load().(string)
	ev := transport.Event{
		Kind: transport.EventMessage,
		Message: &transport.Message{
			ID:           m.ID,
			ChannelID:    m.ChannelID,
			FromID:       m.Author.ID,
			FromUsername: m.Author.Username,
			Text:         m.Content,
			At:           m.Timestamp,
			FromSelf:     self != "" && m.Author.ID == self,
		},
	}
	a.sendEvent(ev)
}

func (a *Adapter) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if len(a.allowChans) > 0 && !a.allowChans[m.ChannelID] {
		return
	}
	a.sendEvent(transport.Event{
		Kind:    transport.EventMessageDeleted,
		Deleted: &transport.MessageRef{ID: m.ID, ChannelID: m.ChannelID},
	})
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
	if err := a.session.Open(); err != nil {
		a.runMu.Unlock()
		return transport.WrapNetErr(err)
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// discordgo manages its own websocket goroutines with reconnect, so the
	// supervisor only hosts the drop reporter and the cancel watcher.
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

	sup.Go0("session.close_on_cancel", func(c context.Context) {
		<-c.Done()
		_ = a.session.Close()
	})

	return nil
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
		a.log.Debug("discord stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}
	err := a.session.Close()

	if sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if werr := sup.Wait(wctx); werr != nil && !errors.Is(werr, context.DeadlineExceeded) && !errors.Is(werr, context.Canceled) {
			a.log.Warn("discord stop error", logx.Err(werr))
		}
	}
	return err
}

func (a *Adapter) Send(ctx context.Context, channelID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return transport.MessageRef{}, &transport.ValidationError{Reason: "channel id is empty"}
	}

	send := &discordgo.MessageSend{Content: text}
	if opt != nil {
		if opt.DisablePreview {
			send.Flags |= discordgo.MessageFlagsSuppressEmbeds
		}
		if opt.Silent {
			send.Flags |= discordgo.MessageFlagsSuppressNotifications
		}
	}

	msg, err := a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return transport.MessageRef{}, classifyDiscordErr(err)
	}
	return transport.MessageRef{ID: msg.ID, ChannelID: channelID}, nil
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

	msgs, err := a.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyDiscordErr(err)
	}

	out := make([]transport.MessageRecord, 0, len(msgs))
	// Discord returns newest first; keep chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		rec := transport.MessageRecord{
			ID:        m.ID,
			ChannelID: channelID,
			Text:      m.Content,
			At:        m.Timestamp,
		}
		if m.Author != nil {
			rec.FromID = m.Author.ID
		}
		out = append(out, rec)
	}
	return out, nil
}

func classifyDiscordErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		out := &transport.RateLimitedError{Err: err}
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			out.RetryAfter = rl.RetryAfter
		}
		return out
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		return transport.ClassifyStatus(re.Response.StatusCode, err)
	}
	return transport.WrapNetErr(err)
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
