package monitor

import (
	"context"
	"sync"
	"time"

	"livebot/internal/stream"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to base+d.
func (c *clock) At(d time.Duration) {
	c.mu.Lock()
	c.t = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(d)
	c.mu.Unlock()
}

type sinkEvent struct {
	kind string
	room int64
	dur  time.Duration
}

type recSink struct {
	mu     sync.Mutex
	events []sinkEvent
	panic  bool
}

func (s *recSink) add(e sinkEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	p := s.panic
	s.mu.Unlock()
	if p {
		panic("sink exploded")
	}
}

func (s *recSink) LiveStarted(room int64, _ stream.Ping) { s.add(sinkEvent{kind: "started", room: room}) }
func (s *recSink) LiveEnded(room int64, d time.Duration) {
	s.add(sinkEvent{kind: "ended", room: room, dur: d})
}
func (s *recSink) Gift(room int64, _ stream.Ping) { s.add(sinkEvent{kind: "gift", room: room}) }

func (s *recSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.kind
	}
	return out
}

type fakeConn struct {
	room     int64
	startErr error
	block    bool
	// onStart runs while Start is connecting.
	onStart func()

	mu       sync.Mutex
	handlers map[stream.EventKind][]stream.Handler
	started  bool
	stops    int

	doneOnce sync.Once
	done     chan struct{}
}

func newFakeConn(room int64) *fakeConn {
	return &fakeConn{room: room, handlers: map[stream.EventKind][]stream.Handler{}, done: make(chan struct{})}
}

func (c *fakeConn) Subscribe(kind stream.EventKind, h stream.Handler) {
	c.mu.Lock()
	c.handlers[kind] = append(c.handlers[kind], h)
	c.mu.Unlock()
}

func (c *fakeConn) Start(ctx context.Context) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.onStart != nil {
		c.onStart()
	}
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.emit(stream.KindConnected, map[string]any{})
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Stop() error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
	c.exit()
	return nil
}

func (c *fakeConn) exit() { c.doneOnce.Do(func() { close(c.done) }) }

func (c *fakeConn) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

func (c *fakeConn) emit(kind stream.EventKind, fields map[string]any) {
	c.mu.Lock()
	hs := append([]stream.Handler(nil), c.handlers[kind]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(stream.Ping{RoomID: c.room, Kind: kind, Fields: fields, At: time.Now()})
	}
}

func live() map[string]any    { return map[string]any{"ss": "1", "ivl": "0"} }
func offline() map[string]any { return map[string]any{"ss": "0", "ivl": "0"} }
