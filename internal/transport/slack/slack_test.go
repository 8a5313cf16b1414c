package slack

import (
	"testing"
	"time"

	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

func TestTsToTime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ts   string
		want time.Time
	}{
		{"", time.Time{}},
		{"garbage", time.Time{}},
		{"1700000000", time.Unix(1700000000, 0)},
		{"1700000000.123456", time.Unix(1700000000, 123456000)},
		{"1700000000.bad", time.Unix(1700000000, 0)},
	}
	for _, tc := range cases {
		if got := tsToTime(tc.ts); !got.Equal(tc.want) {
			t.Errorf("tsToTime(%q) = %v, want %v", tc.ts, got, tc.want)
		}
	}
}

func TestNewRejectsBadTokens(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing bot token", Config{AppToken: "xapp-1-abc"}},
		{"missing app token", Config{BotToken: "xoxb-abc"}},
		{"wrong bot prefix", Config{BotToken: "xoxp-abc", AppToken: "xapp-1-abc"}},
		{"wrong app prefix", Config{BotToken: "xoxb-abc", AppToken: "xoxb-abc"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.cfg, logx.Nop())
			if err == nil {
				t.Fatal("expected config error")
			}
			if _, ok := err.(*transport.ConfigError); !ok {
				t.Fatalf("err = %T, want *transport.ConfigError", err)
			}
		})
	}
}
