package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"livebot/internal/eventbus"
	"livebot/internal/registry"
	"livebot/internal/stream"
	"livebot/internal/transport"
	logx "livebot/pkg/logx"
)

type fakeDir struct {
	rooms map[int64]registry.Room
	subs  map[int64]map[string]registry.SubscriptionConfig
}

func (d *fakeDir) Room(id int64) (registry.Room, bool) {
	r, ok := d.rooms[id]
	return r, ok
}

func (d *fakeDir) Subscribers(id int64) map[string]registry.SubscriptionConfig {
	out := map[string]registry.SubscriptionConfig{}
	for k, v := range d.subs[id] {
		out[k] = v
	}
	return out
}

type fakeGifts map[string]int64

func (g fakeGifts) Name(_ int64, id string) string { return "G" + id }
func (g fakeGifts) Value(_ int64, id string) (int64, bool) {
	v, ok := g[id]
	return v, ok
}

type fakeSender struct {
	mu       sync.Mutex
	calls    map[string][]transport.Message
	failures map[string]int // remaining failures, -1 = forever
	panics   map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: map[string][]transport.Message{}, failures: map[string]int{}, panics: map[string]bool{}}
}

func (s *fakeSender) Send(_ context.Context, to string, msg transport.Message) error {
	s.mu.Lock()
	s.calls[to] = append(s.calls[to], msg)
	p := s.panics[to]
	n := s.failures[to]
	if n > 0 {
		s.failures[to] = n - 1
	}
	s.mu.Unlock()
	if p {
		panic("boom")
	}
	if n != 0 {
		return errors.New("unreachable")
	}
	return nil
}

func (s *fakeSender) messages(to string) []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Message(nil), s.calls[to]...)
}

func newDir(cfgs map[string]registry.SubscriptionConfig) *fakeDir {
	return &fakeDir{
		rooms: map[int64]registry.Room{5: {Name: "Five"}},
		subs:  map[int64]map[string]registry.SubscriptionConfig{5: cfgs},
	}
}

func targetsOf(n PendingNotification) []string {
	out := make([]string, 0, len(n.Targets))
	for k := range n.Targets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func giftPing(id, count string) stream.Ping {
	return stream.Ping{Kind: stream.KindGift, Fields: map[string]any{"nn": "alice", "gfid": id, "gfcnt": count}}
}

func TestGiftThresholdFilter(t *testing.T) {
	t.Parallel()
	dir := newDir(map[string]registry.SubscriptionConfig{
		"high":  {GiftNotify: true, GiftMinValue: registry.Int64(5000)},
		"none":  {GiftNotify: true},
		"low":   {GiftNotify: true, GiftMinValue: registry.Int64(2000)},
		"muted": {GiftNotify: false, AtAll: true},
	})
	p := New(Config{}, dir, fakeGifts{"g": 3000}, newFakeSender(), logx.Nop())

	p.Gift(5, giftPing("g", "2"))
	pending := p.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one queued notification, got %d", len(pending))
	}
	n := pending[0]
	if got := targetsOf(n); !reflect.DeepEqual(got, []string{"low", "none"}) {
		t.Fatalf("unexpected targets %v", got)
	}
	for sub, alert := range n.Targets {
		if alert {
			t.Fatalf("gift notification must not alert (%s)", sub)
		}
	}
	if !strings.Contains(n.Text, "Gg x2") || !strings.Contains(n.Text, "alice") {
		t.Fatalf("unexpected text %q", n.Text)
	}

	// Unknown gifts are never suppressed by a threshold.
	p.Gift(5, giftPing("unknown", "1"))
	if got := targetsOf(p.Pending()[1]); !reflect.DeepEqual(got, []string{"high", "low", "none"}) {
		t.Fatalf("unexpected targets for unknown gift %v", got)
	}

	// Missing count defaults to 1.
	p.Gift(5, stream.Ping{Fields: map[string]any{"gfid": "g"}})
	if text := p.Pending()[2].Text; !strings.Contains(text, "Gg x1") {
		t.Fatalf("unexpected text %q", text)
	}

	// Nothing passes: no-op.
	dir.subs[5] = map[string]registry.SubscriptionConfig{"high": {GiftNotify: true, GiftMinValue: registry.Int64(5000)}}
	p.Gift(5, giftPing("g", "1"))
	if q := p.Queued(); q != 3 {
		t.Fatalf("expected 3 queued, got %d", q)
	}
}

func TestLiveEventsTargets(t *testing.T) {
	t.Parallel()
	dir := newDir(map[string]registry.SubscriptionConfig{
		"a": {AtAll: true},
		"b": {},
	})
	p := New(Config{}, dir, nil, newFakeSender(), logx.Nop())
	p.LiveStarted(5, stream.Ping{})
	p.LiveEnded(5, 90*time.Minute)
	p.LiveStarted(6, stream.Ping{})

	pending := p.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(pending))
	}
	if !reflect.DeepEqual(pending[0].Targets, map[string]bool{"a": true, "b": false}) {
		t.Fatalf("unexpected live targets %v", pending[0].Targets)
	}
	if !reflect.DeepEqual(pending[1].Targets, map[string]bool{"a": false, "b": false}) {
		t.Fatalf("offline notices must not alert: %v", pending[1].Targets)
	}
	if !strings.Contains(pending[0].Text, "https://www.douyu.com/5") || !strings.Contains(pending[0].Text, "Five") {
		t.Fatalf("unexpected live text %q", pending[0].Text)
	}
	if !strings.Contains(pending[1].Text, "1h 30m") {
		t.Fatalf("unexpected offline text %q", pending[1].Text)
	}
	if pending[0].ID == "" || pending[0].ID == pending[1].ID {
		t.Fatalf("expected unique ids")
	}
}

func TestPermanentFailureDroppedAfterMax(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	sender := newFakeSender()
	sender.failures["x"] = -1
	dir := newDir(map[string]registry.SubscriptionConfig{"x": {AtAll: true}})
	p := New(Config{RetryInterval: 5 * time.Millisecond, RetryMax: 5, RatePerSec: 1000}, dir, nil, sender, logx.Nop(), WithEventBus(bus))
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.LiveStarted(5, stream.Ping{})
	eventually(t, func() bool { return p.Stats().Dropped == 1 })
	time.Sleep(50 * time.Millisecond)

	msgs := sender.messages("x")
	if len(msgs) != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", len(msgs))
	}
	if p.Queued() != 0 {
		t.Fatalf("dropped notification still queued")
	}
	for i, m := range msgs {
		if m.AlertAll != (i == 0) {
			t.Fatalf("attempt %d: alert=%v", i+1, m.AlertAll)
		}
	}

	dropped := 0
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.DispatchDropped {
				dropped++
				if d := e.Data.(eventbus.DispatchEvent); d.Attempts != 5 {
					t.Fatalf("expected 5 attempts in event, got %d", d.Attempts)
				}
			}
			continue
		default:
		}
		break
	}
	if dropped != 1 {
		t.Fatalf("expected one dropped event, got %d", dropped)
	}
}

func TestRetryOnlyFailedTargetsWithoutAlert(t *testing.T) {
	sender := newFakeSender()
	sender.failures["a"] = 2
	sender.panics["p"] = true
	dir := newDir(map[string]registry.SubscriptionConfig{
		"a": {AtAll: true},
		"b": {AtAll: true},
		"p": {},
	})
	p := New(Config{RetryInterval: 5 * time.Millisecond, RetryMax: 3, RatePerSec: 1000}, dir, nil, sender, logx.Nop())
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.LiveStarted(5, stream.Ping{})
	eventually(t, func() bool { return len(sender.messages("a")) == 3 })
	eventually(t, func() bool { return p.Stats().Dropped == 1 })

	a := sender.messages("a")
	if !a[0].AlertAll || a[1].AlertAll || a[2].AlertAll {
		t.Fatalf("alert must only be on the first attempt: %+v", a)
	}
	if b := sender.messages("b"); len(b) != 1 || !b[0].AlertAll {
		t.Fatalf("sibling should get exactly one alerted message, got %+v", b)
	}
	if got := len(sender.messages("p")); got != 3 {
		t.Fatalf("panicking target should be retried up to the cap, got %d", got)
	}
}

func TestQueuedBeforeStartIsDeliveredWithAlert(t *testing.T) {
	sender := newFakeSender()
	dir := newDir(map[string]registry.SubscriptionConfig{"a": {AtAll: true}})
	p := New(Config{RetryInterval: 5 * time.Millisecond}, dir, nil, sender, logx.Nop())

	p.LiveStarted(5, stream.Ping{})
	if p.Queued() != 1 {
		t.Fatalf("expected notification to wait in the retry queue")
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())

	eventually(t, func() bool { return len(sender.messages("a")) == 1 })
	if m := sender.messages("a")[0]; !m.AlertAll {
		t.Fatalf("first attempt lost its alert flag")
	}
	eventually(t, func() bool { return p.Stats().Sent == 1 })
}

func TestStopQueuesLaterNotifications(t *testing.T) {
	sender := newFakeSender()
	dir := newDir(map[string]registry.SubscriptionConfig{"a": {}})
	p := New(Config{RetryInterval: time.Hour}, dir, nil, sender, logx.Nop())
	p.Start(context.Background())
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	p.LiveEnded(5, 0)
	if p.Queued() != 1 || len(sender.messages("a")) != 0 {
		t.Fatalf("expected queued and unsent, got queued=%d sent=%d", p.Queued(), len(sender.messages("a")))
	}
	if p.Stats().Running {
		t.Fatalf("pipeline should report stopped")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	dir := newDir(map[string]registry.SubscriptionConfig{"a": {}})
	p := New(Config{QueueSize: 2}, dir, nil, newFakeSender(), logx.Nop())
	p.LiveEnded(5, time.Minute)
	first := p.Pending()[0].ID
	p.LiveEnded(5, 2*time.Minute)
	p.LiveEnded(5, 3*time.Minute)

	pending := p.Pending()
	if len(pending) != 2 || pending[0].ID == first {
		t.Fatalf("expected oldest to be evicted, got %d items", len(pending))
	}
	if p.Stats().Dropped != 1 {
		t.Fatalf("expected one drop, got %d", p.Stats().Dropped)
	}
}

func TestNoSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	p := New(Config{}, newDir(nil), nil, newFakeSender(), logx.Nop())
	p.LiveStarted(5, stream.Ping{})
	p.LiveEnded(5, time.Minute)
	p.Gift(5, giftPing("1", "1"))
	if p.Queued() != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "unknown"},
		{-time.Second, "unknown"},
		{59 * time.Second, "0m"},
		{45 * time.Minute, "45m"},
		{time.Hour, "1h 0m"},
		{2*time.Hour + 5*time.Minute + 30*time.Second, "2h 5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Fatalf("FormatDuration(%v): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestRenderUsesTimezone(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dir := newDir(map[string]registry.SubscriptionConfig{"a": {}})
	p := New(Config{Timezone: "Asia/Shanghai"}, dir, nil, newFakeSender(), logx.Nop(), WithClock(func() time.Time { return at }))
	p.LiveStarted(5, stream.Ping{})
	if text := p.Pending()[0].Text; !strings.Contains(text, "2024-05-01 20:00:00") {
		t.Fatalf("expected Asia/Shanghai time, got %q", text)
	}
}
