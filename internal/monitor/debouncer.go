package monitor

import (
	"sync"
	"time"

	"livebot/internal/stream"
	logx "livebot/pkg/logx"
)

// Status is the tri-state live status of a room.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusLive
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// State is a room's in-memory monitor state. Zero times mean unset.
type State struct {
	Status       Status
	SessionStart time.Time
	LastNotified time.Time
	Announced    bool
	ConnectedAt  time.Time
}

// Policy controls how noisy status pings become notifications.
type Policy struct {
	// Stabilization absorbs status pings for this long after every
	// (re)connect. The status is recorded, nothing is emitted.
	Stabilization time.Duration
	// Cooldown suppresses emissions for this long after any emission.
	Cooldown time.Duration
}

// Sink receives the debouncer's output. Calls are made on the connection
// goroutine and must not block.
type Sink interface {
	LiveStarted(roomID int64, p stream.Ping)
	LiveEnded(roomID int64, d time.Duration)
	Gift(roomID int64, p stream.Ping)
}

// Debouncer turns one room's raw pings into at most one notification per
// real transition.
type Debouncer struct {
	room   int64
	policy Policy
	sink   Sink
	log    logx.Logger
	now    func() time.Time

	mu sync.Mutex
	st State
	// muted debouncers track state but emit nothing. A replacement watcher
	// starts muted until it takes over; a retired one stays muted.
	muted bool
}

type DebouncerOption func(*Debouncer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) DebouncerOption {
	return func(d *Debouncer) { d.now = now }
}

// WithState seeds the state, e.g. when a restarted watcher takes over from
// the previous one. ConnectedAt is not carried over.
func WithState(st State) DebouncerOption {
	return func(d *Debouncer) {
		st.ConnectedAt = time.Time{}
		d.st = st
	}
}

func startMuted() DebouncerOption {
	return func(d *Debouncer) { d.muted = true }
}

func NewDebouncer(roomID int64, policy Policy, sink Sink, log logx.Logger, opts ...DebouncerOption) *Debouncer {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Debouncer{room: roomID, policy: policy, sink: sink, log: log, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Attach subscribes the debouncer's handlers on c.
func (d *Debouncer) Attach(c stream.Conn) {
	c.Subscribe(stream.KindConnected, d.guard(d.OnConnected))
	c.Subscribe(stream.KindStatus, d.guard(d.OnStatus))
	c.Subscribe(stream.KindGift, d.guard(d.OnGift))
}

func (d *Debouncer) guard(h stream.Handler) stream.Handler {
	return func(p stream.Ping) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("ping handler panic", logx.String("kind", string(p.Kind)), logx.Any("panic", r))
			}
		}()
		h(p)
	}
}

// State returns a copy of the current state.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}

// retire mutes d and returns its final state. Any transition observed before
// the call has already been decided and is still delivered by its handler.
func (d *Debouncer) retire() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = true
	return d.st
}

// resume unmutes d, adopting st from the watcher it replaces. d keeps its own
// ConnectedAt so its stabilization window still applies.
func (d *Debouncer) resume(st *State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st != nil {
		connected := d.st.ConnectedAt
		d.st = *st
		d.st.ConnectedAt = connected
	}
	d.muted = false
}

func (d *Debouncer) OnConnected(stream.Ping) {
	d.mu.Lock()
	d.st.ConnectedAt = d.now()
	d.mu.Unlock()
	d.log.Debug("connection established, stabilizing", logx.Duration("window", d.policy.Stabilization))
}

func (d *Debouncer) OnGift(p stream.Ping) {
	d.mu.Lock()
	muted := d.muted
	d.mu.Unlock()
	if d.sink != nil && !muted {
		d.sink.Gift(d.room, p)
	}
}

type emission int

const (
	emitNone emission = iota
	emitStarted
	emitEnded
)

func (d *Debouncer) OnStatus(p stream.Ping) {
	live := stream.IsLive(p.Fields)

	d.mu.Lock()
	em, dur := d.observe(d.now(), live)
	if d.muted {
		em = emitNone
	}
	d.mu.Unlock()

	if d.sink == nil {
		return
	}
	switch em {
	case emitStarted:
		d.log.Info("room went live")
		d.sink.LiveStarted(d.room, p)
	case emitEnded:
		d.log.Info("room went offline", logx.Duration("duration", dur))
		d.sink.LiveEnded(d.room, dur)
	}
}

// observe applies one status observation. Caller holds d.mu.
func (d *Debouncer) observe(now time.Time, live bool) (emission, time.Duration) {
	st := &d.st
	next := StatusOffline
	if live {
		next = StatusLive
	}
	prev := st.Status
	if prev == next {
		return emitNone, 0
	}
	st.Status = next
	suppressed := d.stabilizing(now) || d.cooling(now)

	if next == StatusLive {
		if suppressed {
			// A flap back into an announced session keeps its start time.
			if !st.Announced {
				st.SessionStart = now
			}
			return emitNone, 0
		}
		st.SessionStart = now
		st.Announced = true
		st.LastNotified = now
		return emitStarted, 0
	}

	if prev == StatusUnknown {
		return emitNone, 0
	}
	if suppressed || !st.Announced {
		if !st.Announced {
			st.SessionStart = time.Time{}
		}
		return emitNone, 0
	}
	var dur time.Duration
	if !st.SessionStart.IsZero() {
		dur = now.Sub(st.SessionStart)
	}
	st.Announced = false
	st.SessionStart = time.Time{}
	st.LastNotified = now
	return emitEnded, dur
}

func (d *Debouncer) stabilizing(now time.Time) bool {
	if d.st.ConnectedAt.IsZero() {
		return true
	}
	return d.policy.Stabilization > 0 && now.Sub(d.st.ConnectedAt) < d.policy.Stabilization
}

func (d *Debouncer) cooling(now time.Time) bool {
	return d.policy.Cooldown > 0 && !d.st.LastNotified.IsZero() && now.Sub(d.st.LastNotified) < d.policy.Cooldown
}
