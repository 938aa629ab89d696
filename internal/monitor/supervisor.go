package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"livebot/internal/eventbus"
	rtsup "livebot/internal/runtime/supervisor"
	"livebot/internal/stream"
	logx "livebot/pkg/logx"
)

var ErrStopTimeout = errors.New("monitor: watcher did not exit in time")

type Config struct {
	Policy         Policy
	ConnectTimeout time.Duration
	StopTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// WatcherInfo is a read-only view of a running watcher.
type WatcherInfo struct {
	RoomID int64
	Since  time.Time
	State  State
}

type watcher struct {
	room    int64
	conn    stream.Conn
	deb     *Debouncer
	started time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     <-chan struct{}
}

func (w *watcher) signalStop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.conn.Stop()
	})
}

type startCall struct {
	done chan struct{}
	err  error
}

// Supervisor owns at most one watcher per room. Each watcher runs on its own
// goroutine, holds the room's connection and debouncer, and is only ever
// touched by the supervisor through its stop signal.
type Supervisor struct {
	dial stream.Dialer
	sink Sink
	bus  eventbus.Bus
	log  logx.Logger
	now  func() time.Time

	sup *rtsup.Supervisor

	mu       sync.Mutex
	cfg      Config
	watchers map[int64]*watcher
	pending  map[int64]*startCall
	// stops counts Stop calls per room. A Start or Restart that sees the
	// count change while connecting discards its connection.
	stops map[int64]uint64
}

type Option func(*Supervisor)

func WithEventBus(b eventbus.Bus) Option { return func(s *Supervisor) { s.bus = b } }

// WithSupervisorClock sets the clock handed to every debouncer.
func WithSupervisorClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func NewSupervisor(ctx context.Context, cfg Config, dial stream.Dialer, sink Sink, log logx.Logger, opts ...Option) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "monitor"))
	s := &Supervisor{
		dial:     dial,
		sink:     sink,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		watchers: map[int64]*watcher{},
		pending:  map[int64]*startCall{},
		stops:    map[int64]uint64{},
	}
	for _, o := range opts {
		o(s)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(log),
		rtsup.WithCancelOnError(false),
	)
	return s
}

// SetConfig applies to watchers started afterwards.
func (s *Supervisor) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Supervisor) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start runs a watcher for room. It is a no-op when one is already running;
// concurrent calls for the same room share one connection attempt.
func (s *Supervisor) Start(ctx context.Context, room int64) error {
	s.mu.Lock()
	if _, ok := s.watchers[room]; ok {
		s.mu.Unlock()
		return nil
	}
	if c, ok := s.pending[room]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &startCall{done: make(chan struct{})}
	s.pending[room] = call
	gen := s.stops[room]
	s.mu.Unlock()

	w, err := s.launch(ctx, room, false)

	var dup, stopped bool
	s.mu.Lock()
	delete(s.pending, room)
	if err == nil {
		switch {
		case s.stops[room] != gen:
			stopped = true
		case s.watchers[room] != nil:
			// A concurrent Restart registered a watcher meanwhile.
			dup = true
		default:
			s.watchers[room] = w
			s.run(w)
		}
	}
	s.mu.Unlock()

	call.err = err
	close(call.done)
	if dup || stopped {
		_ = w.conn.Stop()
		if stopped {
			s.log.Info("watcher start cancelled by stop", logx.Int64("room", room))
		}
		return nil
	}
	if err != nil {
		s.log.Warn("watcher start failed", logx.Int64("room", room), logx.Err(err))
		return err
	}
	eventbus.Publish(s.bus, eventbus.RoomWatchStarted, eventbus.RoomEvent{RoomID: room})
	s.log.Info("watcher started", logx.Int64("room", room))
	return nil
}

// launch connects a new watcher and waits for the connection. The watcher
// goroutine is not running yet.
func (s *Supervisor) launch(ctx context.Context, room int64, muted bool) (*watcher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.config()
	opts := []DebouncerOption{WithClock(s.now)}
	if muted {
		opts = append(opts, startMuted())
	}
	conn := s.dial(room)
	deb := NewDebouncer(room, cfg.Policy, s.sink, s.log.With(logx.Int64("room", room)), opts...)
	deb.Attach(conn)

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := conn.Start(cctx); err != nil {
		_ = conn.Stop()
		return nil, fmt.Errorf("monitor: room %d: %w", room, err)
	}
	return &watcher{room: room, conn: conn, deb: deb, started: s.now(), stop: make(chan struct{})}, nil
}

// run starts w's goroutine. Caller holds s.mu.
func (s *Supervisor) run(w *watcher) {
	w.done = s.sup.GoDone("room."+strconv.FormatInt(w.room, 10), func(ctx context.Context) error {
		select {
		case <-w.stop:
		case <-ctx.Done():
			w.signalStop()
		case <-w.conn.Done():
			s.mu.Lock()
			current := s.watchers[w.room] == w
			if current {
				delete(s.watchers, w.room)
			}
			s.mu.Unlock()
			if current {
				s.log.Warn("watcher connection exited unexpectedly", logx.Int64("room", w.room))
				eventbus.Publish(s.bus, eventbus.RoomWatchLost, eventbus.RoomEvent{RoomID: w.room})
			}
			return nil
		}
		<-w.conn.Done()
		return nil
	})
}

// Stop stops room's watcher and waits for it up to the stop timeout. A start
// still connecting for room is cancelled. Stopping a room that is not running
// is a no-op.
func (s *Supervisor) Stop(ctx context.Context, room int64) error {
	s.mu.Lock()
	s.stops[room]++
	w, ok := s.watchers[room]
	if ok {
		delete(s.watchers, room)
	}
	call := s.pending[room]
	s.mu.Unlock()
	if call != nil {
		s.awaitStart(ctx, call)
	}
	if !ok {
		return nil
	}
	err := s.stopWatcher(ctx, w)
	eventbus.Publish(s.bus, eventbus.RoomWatchStopped, eventbus.RoomEvent{RoomID: room})
	s.log.Info("watcher stopped", logx.Int64("room", room))
	return err
}

// awaitStart waits, up to the stop timeout, for a cancelled start to release
// its connection.
func (s *Supervisor) awaitStart(ctx context.Context, call *startCall) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(s.config().StopTimeout)
	defer t.Stop()
	select {
	case <-call.done:
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Supervisor) stopWatcher(ctx context.Context, w *watcher) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.signalStop()
	t := time.NewTimer(s.config().StopTimeout)
	defer t.Stop()
	select {
	case <-w.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	s.log.Warn("watcher did not exit in time", logx.Int64("room", w.room))
	return ErrStopTimeout
}

// Restart connects a replacement watcher and only then retires the current
// one. The replacement stays muted while connecting and takes over the
// current watcher's state at the swap, so transitions the current watcher
// reports meanwhile are neither repeated nor lost. If the replacement fails,
// the current watcher keeps running.
func (s *Supervisor) Restart(ctx context.Context, room int64) error {
	s.mu.Lock()
	gen := s.stops[room]
	s.mu.Unlock()

	nw, err := s.launch(ctx, room, true)
	if err != nil {
		s.log.Warn("restart failed, keeping current watcher", logx.Int64("room", room), logx.Err(err))
		return err
	}

	s.mu.Lock()
	if s.stops[room] != gen {
		s.mu.Unlock()
		_ = nw.conn.Stop()
		s.log.Info("watcher restart cancelled by stop", logx.Int64("room", room))
		return nil
	}
	prev := s.watchers[room]
	var st *State
	if prev != nil {
		last := prev.deb.retire()
		st = &last
	}
	nw.deb.resume(st)
	s.watchers[room] = nw
	s.run(nw)
	s.mu.Unlock()

	if prev != nil {
		if err := s.stopWatcher(ctx, prev); err != nil {
			s.log.Warn("previous watcher still exiting", logx.Int64("room", room), logx.Err(err))
		}
	}
	eventbus.Publish(s.bus, eventbus.RoomWatchStarted, eventbus.RoomEvent{RoomID: room})
	s.log.Info("watcher restarted", logx.Int64("room", room))
	return nil
}

// StartAll starts every room concurrently and joins the errors.
func (s *Supervisor) StartAll(ctx context.Context, rooms []int64) error {
	return s.each(rooms, func(room int64) error { return s.Start(ctx, room) })
}

// RestartAll restarts every running watcher.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	return s.each(s.Rooms(), func(room int64) error { return s.Restart(ctx, room) })
}

func (s *Supervisor) StopAll(ctx context.Context) error {
	return s.each(s.Rooms(), func(room int64) error { return s.Stop(ctx, room) })
}

func (s *Supervisor) each(rooms []int64, fn func(int64) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, room := range rooms {
		wg.Add(1)
		go func(room int64) {
			defer wg.Done()
			if err := fn(room); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(room)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close stops every watcher and the goroutine supervisor.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.StopAll(ctx)
	s.sup.Cancel()
	if werr := s.sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}
	return err
}

func (s *Supervisor) Running(room int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[room]
	return ok
}

// Rooms lists rooms with a running watcher, ascending.
func (s *Supervisor) Rooms() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.watchers))
	for id := range s.watchers {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Supervisor) Snapshot() []WatcherInfo {
	s.mu.Lock()
	ws := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	out := make([]WatcherInfo, 0, len(ws))
	for _, w := range ws {
		out = append(out, WatcherInfo{RoomID: w.room, Since: w.started, State: w.deb.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

