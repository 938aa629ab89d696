package transport

import (
	"context"
	"errors"
	"testing"
)

type recAdapter struct {
	platform string
	sent     []string
	startErr error
	stopped  bool
}

func (r *recAdapter) Platform() string                              { return r.platform }
func (r *recAdapter) Start(context.Context, chan<- Update) error    { return r.startErr }
func (r *recAdapter) Stop(context.Context) error                    { r.stopped = true; return nil }
func (r *recAdapter) Send(_ context.Context, to string, _ Message) error {
	r.sent = append(r.sent, to)
	return nil
}

func TestParseAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "telegram:-100123", want: Address{Platform: "telegram", Chat: "-100123"}},
		{in: "Telegram:-100123:42", want: Address{Platform: "telegram", Chat: "-100123", Thread: "42"}},
		{in: "discord:998877", want: Address{Platform: "discord", Chat: "998877"}},
		{in: "telegram", wantErr: true},
		{in: ":123", wantErr: true},
		{in: "a:b:c:d", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadSubscriber) {
					t.Fatalf("expected ErrBadSubscriber, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
			if tt.want.String() != got.String() {
				t.Fatalf("String mismatch: %s vs %s", tt.want.String(), got.String())
			}
		})
	}
}

func TestMuxRoutesByPlatform(t *testing.T) {
	tg := &recAdapter{platform: PlatformTelegram}
	dc := &recAdapter{platform: PlatformDiscord}
	m := NewMux(tg, dc)

	if err := m.Send(context.Background(), "telegram:1", Message{Text: "x"}); err != nil {
		t.Fatalf("send telegram: %v", err)
	}
	if err := m.Send(context.Background(), "discord:2", Message{Text: "x"}); err != nil {
		t.Fatalf("send discord: %v", err)
	}
	if len(tg.sent) != 1 || tg.sent[0] != "telegram:1" {
		t.Fatalf("telegram got %v", tg.sent)
	}
	if len(dc.sent) != 1 || dc.sent[0] != "discord:2" {
		t.Fatalf("discord got %v", dc.sent)
	}
	if err := m.Send(context.Background(), "matrix:3", Message{}); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestMuxStartRollsBack(t *testing.T) {
	dc := &recAdapter{platform: PlatformDiscord}
	tg := &recAdapter{platform: PlatformTelegram, startErr: errors.New("boom")}
	m := NewMux(tg, dc)
	if err := m.Start(context.Background(), make(chan Update, 1)); err == nil {
		t.Fatalf("expected start error")
	}
	if !dc.stopped {
		t.Fatalf("expected discord adapter to be stopped after telegram failed")
	}
}
