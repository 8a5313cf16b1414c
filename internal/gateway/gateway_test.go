package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

func testGateway(t *testing.T, ft *fakeTransport) *Gateway {
	t.Helper()
	g := New("fake", Config{
		RateLimit: openLimits(),
		Retry:     fastRetries(),
	}, ft, nil, logx.Nop(), nil)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
	})
	return g
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	cases := []struct {
		name    string
		channel string
		text    string
	}{
		{"empty channel", "", "hello"},
		{"whitespace channel", "   ", "hello"},
		{"empty text", "chan-1", ""},
		{"whitespace text", "chan-1", "  \n\t "},
		{"oversized text", "chan-1", strings.Repeat("x", 2001)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := g.SendMessageToChannel(context.Background(), tc.channel, tc.text, nil)
			var verr *transport.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *transport.ValidationError", err)
			}
		})
	}
	if ft.calls.Load() != 0 {
		t.Fatal("transport called for invalid input")
	}
}

func TestSendMaxLenCountsRunes(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	// 2000 multi-byte runes are within the limit even though the byte count
	// is far above it.
	text := strings.Repeat("é", 2000)
	if _, err := g.SendMessageToChannel(context.Background(), "chan-1", text, nil); err != nil {
		t.Fatalf("SendMessageToChannel: %v", err)
	}
}

func TestSendReturnsMessageID(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	id, err := g.SendMessageToChannel(context.Background(), "chan-1", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessageToChannel: %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("id = %q, want %q", id, "msg-1")
	}
}

func msgEvent(channel, id, text string, fromSelf bool) transport.Event {
	return transport.Event{
		Kind: transport.EventMessage,
		Message: &transport.Message{
			ID:        id,
			ChannelID: channel,
			Text:      text,
			At:        time.Now(),
			FromSelf:  fromSelf,
		},
	}
}

func TestIncomingDuplicateDiscarded(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	var handled atomic.Int64
	g.SetMessageHandler(func(context.Context, transport.Message, HistoryFetcher) error {
		handled.Add(1)
		return nil
	})

	ev := msgEvent("chan-1", "ev-1", "hi", false)
	g.OnIncomingMessage(context.Background(), ev)
	g.OnIncomingMessage(context.Background(), ev)
	g.OnIncomingMessage(context.Background(), ev)

	if got := handled.Load(); got != 1 {
		t.Fatalf("handler invocations = %d, want 1", got)
	}
}

func TestIncomingOwnMessageIgnored(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	var handled atomic.Int64
	g.SetMessageHandler(func(context.Context, transport.Message, HistoryFetcher) error {
		handled.Add(1)
		return nil
	})

	g.OnIncomingMessage(context.Background(), msgEvent("chan-1", "ev-1", "hi", true))
	if handled.Load() != 0 {
		t.Fatal("own echoed message reached the handler")
	}
}

func TestIncomingDeleteSuppressesLateDuplicate(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	var handled atomic.Int64
	g.SetMessageHandler(func(context.Context, transport.Message, HistoryFetcher) error {
		handled.Add(1)
		return nil
	})

	g.OnIncomingMessage(context.Background(), transport.Event{
		Kind:    transport.EventMessageDeleted,
		Deleted: &transport.MessageRef{ID: "ev-1", ChannelID: "chan-1"},
	})
	g.OnIncomingMessage(context.Background(), msgEvent("chan-1", "ev-1", "hi", false))

	if handled.Load() != 0 {
		t.Fatal("message handled after its delete notification")
	}
}

func TestSetMessageHandlerReplaces(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	var first, second atomic.Int64
	g.SetMessageHandler(func(context.Context, transport.Message, HistoryFetcher) error {
		first.Add(1)
		return nil
	})
	g.SetMessageHandler(func(context.Context, transport.Message, HistoryFetcher) error {
		second.Add(1)
		return nil
	})

	g.OnIncomingMessage(context.Background(), msgEvent("chan-1", "ev-1", "hi", false))
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("first = %d, second = %d; replacement handler must win", first.Load(), second.Load())
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	var handled atomic.Int64
	g.SetMessageHandler(func(context.Context, transport.Message, HistoryFetcher) error {
		handled.Add(1)
		panic("boom")
	})

	g.OnIncomingMessage(context.Background(), msgEvent("chan-1", "ev-1", "hi", false))
	// A second, distinct message still gets through.
	g.OnIncomingMessage(context.Background(), msgEvent("chan-1", "ev-2", "hi again", false))

	if got := handled.Load(); got != 2 {
		t.Fatalf("handler invocations = %d, want 2", got)
	}
}

func TestHandlerHistoryFetcher(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	var fetchErr error
	done := make(chan struct{})
	g.SetMessageHandler(func(ctx context.Context, _ transport.Message, history HistoryFetcher) error {
		defer close(done)
		_, fetchErr = history(ctx, 10)
		return nil
	})

	g.OnIncomingMessage(context.Background(), msgEvent("chan-1", "ev-1", "hi", false))
	<-done
	if !errors.Is(fetchErr, transport.ErrHistoryUnsupported) {
		t.Fatalf("history err = %v, want ErrHistoryUnsupported", fetchErr)
	}
}

func TestHealthStatus(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := testGateway(t, ft)

	if _, err := g.SendMessageToChannel(context.Background(), "chan-1", "hello", nil); err != nil {
		t.Fatalf("SendMessageToChannel: %v", err)
	}
	g.OnIncomingMessage(context.Background(), msgEvent("chan-1", "ev-1", "hi", false))

	h := g.HealthStatus()
	if h.Platform != "fake" {
		t.Fatalf("platform = %q", h.Platform)
	}
	if !h.Connected {
		t.Fatal("expected connected gateway")
	}
	if h.Uptime <= 0 {
		t.Fatal("expected positive uptime")
	}
	if h.TrackedDests != 1 {
		t.Fatalf("tracked destinations = %d, want 1", h.TrackedDests)
	}
	if h.DedupEntries != 1 {
		t.Fatalf("dedup entries = %d, want 1", h.DedupEntries)
	}
}

func TestStartTransportFailureUnwinds(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{startErr: errors.New("socket refused")}
	g := New("fake", Config{RateLimit: openLimits(), Retry: fastRetries()}, ft, nil, logx.Nop(), nil)

	ctx := context.Background()
	if err := g.Start(ctx); err == nil {
		t.Fatal("Start succeeded with a failing transport")
	}

	h := g.HealthStatus()
	if h.Connected || h.Uptime != 0 {
		t.Fatalf("gateway reports running after failed start: %+v", h)
	}
	if _, err := g.SendMessageToChannel(ctx, "chan-1", "hello", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("send after failed start: err = %v, want ErrStopped", err)
	}

	// A later Start against a healthy transport recovers.
	ft.startErr = nil
	if err := g.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer g.Stop(ctx)
	if _, err := g.SendMessageToChannel(ctx, "chan-1", "hello", nil); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	g := New("fake", Config{RateLimit: openLimits(), Retry: fastRetries()}, ft, nil, logx.Nop(), nil)

	ctx := context.Background()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// A stopped gateway rejects sends outright.
	if _, err := g.SendMessageToChannel(ctx, "chan-1", "hello", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("send after Stop: err = %v, want ErrStopped", err)
	}

	// And it can come back.
	if err := g.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := g.SendMessageToChannel(ctx, "chan-1", "hello", nil); err != nil {
		t.Fatalf("send after restart: %v", err)
	}
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
}
