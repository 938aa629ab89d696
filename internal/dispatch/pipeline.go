// Package dispatch turns room events into rendered messages and delivers
// them to subscribers.
//
// Room watchers hand notifications to a single loop goroutine through a
// buffered inbox. When the loop is not running, or the inbox is full, the
// notification goes to the retry queue instead. The same loop sweeps the
// retry queue on a fixed interval, so first attempts and retries never race.
//
// A notification that keeps failing is dropped after Config.RetryMax failed
// attempts. The alert flag (Telegram marker, Discord @everyone) is only sent
// on the first attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"livebot/internal/eventbus"
	rtsup "livebot/internal/runtime/supervisor"
	"livebot/internal/stream"
	"livebot/internal/transport"
	logx "livebot/pkg/logx"
)

type Pipeline struct {
	dir    Directory
	gifts  GiftResolver
	sender transport.Sender
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	limiter   *rate.Limiter
	inbox     chan *PendingNotification
	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor

	qmu   sync.Mutex
	queue []*PendingNotification

	sent    atomic.Uint64
	retried atomic.Uint64
	dropped atomic.Uint64
}

type Option func(*Pipeline)

func WithEventBus(b eventbus.Bus) Option { return func(p *Pipeline) { p.bus = b } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(cfg Config, dir Directory, gifts GiftResolver, sender transport.Sender, log logx.Logger, opts ...Option) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{
		dir:    dir,
		gifts:  gifts,
		sender: sender,
		log:    log.With(logx.String("comp", "dispatch")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.applyLocked(cfg)
	return p
}

func (p *Pipeline) Apply(cfg Config) {
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
}

func (p *Pipeline) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			p.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	p.cfg = cfg
	p.loc = loc
	// Token bucket: burst = rate per sec.
	p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (p *Pipeline) snapshot() (Config, *time.Location, *rate.Limiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.loc, p.limiter
}

// Start runs the delivery loop. It is idempotent.
func (p *Pipeline) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.sup != nil {
		p.mu.Unlock()
		return
	}
	p.inbox = make(chan *PendingNotification, p.cfg.InboxSize)
	p.accepting = true
	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup, inbox, interval := p.sup, p.inbox, p.cfg.RetryInterval
	p.mu.Unlock()

	sup.GoRestart("dispatch.loop", func(c context.Context) error {
		p.loop(c, inbox, interval)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch loop exited unexpectedly")
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second), rtsup.WithPublishFirstError(true))
	p.log.Info("dispatch started", logx.Int("queued", p.Queued()))
}

// Stop stops the loop. Notifications still in the inbox are moved to the
// retry queue; nothing is sent after Stop returns.
func (p *Pipeline) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	sup := p.sup
	if sup == nil {
		p.mu.Unlock()
		return nil
	}
	p.accepting = false
	p.mu.Unlock()

	// In-flight hand-offs are non-blocking; wait for them before draining.
	p.sendWG.Wait()
	sup.Cancel()
	err := sup.Wait(ctx)

	p.mu.Lock()
	inbox := p.inbox
	p.inbox = nil
	p.sup = nil
	p.mu.Unlock()
	p.drain(inbox)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.log.Info("dispatch stopped", logx.Int("queued", p.Queued()))
	return nil
}

func (p *Pipeline) loop(ctx context.Context, inbox <-chan *PendingNotification, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain(inbox)
			return
		case n := <-inbox:
			p.deliver(ctx, n)
		case <-t.C:
			p.sweep(ctx)
		}
	}
}

// drain moves every buffered hand-off to the retry queue.
func (p *Pipeline) drain(inbox <-chan *PendingNotification) {
	if inbox == nil {
		return
	}
	for {
		select {
		case n := <-inbox:
			p.enqueue(n)
		default:
			return
		}
	}
}

// ---- watcher side (monitor.Sink) ----

func (p *Pipeline) LiveStarted(room int64, _ stream.Ping) {
	subs := p.dir.Subscribers(room)
	if len(subs) == 0 {
		return
	}
	_, loc, _ := p.snapshot()
	targets := make(map[string]bool, len(subs))
	for sub, c := range subs {
		targets[sub] = c.AtAll
	}
	p.schedule(room, KindLiveStarted, renderLive(p.roomName(room), room, p.now().In(loc)), targets)
}

func (p *Pipeline) LiveEnded(room int64, d time.Duration) {
	subs := p.dir.Subscribers(room)
	if len(subs) == 0 {
		return
	}
	_, loc, _ := p.snapshot()
	targets := make(map[string]bool, len(subs))
	for sub := range subs {
		targets[sub] = false
	}
	p.schedule(room, KindLiveEnded, renderEnded(p.roomName(room), room, d, p.now().In(loc)), targets)
}

func (p *Pipeline) Gift(room int64, ping stream.Ping) {
	g := stream.ParseGift(ping.Fields)
	if !g.CountOK {
		p.log.Warn("gift count missing or malformed, using 1", logx.Int64("room", room), logx.String("gift", g.GiftID))
	}
	var (
		value    int64
		resolved bool
		name     = fmt.Sprintf("Gift(%s)", g.GiftID)
	)
	if p.gifts != nil {
		value, resolved = p.gifts.Value(room, g.GiftID)
		name = p.gifts.Name(room, g.GiftID)
	}

	targets := map[string]bool{}
	for sub, c := range p.dir.Subscribers(room) {
		if !c.GiftNotify {
			continue
		}
		// Unknown gifts pass every threshold.
		if c.GiftMinValue != nil && resolved && value < *c.GiftMinValue {
			continue
		}
		targets[sub] = false
	}
	if len(targets) == 0 {
		return
	}
	_, loc, _ := p.snapshot()
	p.schedule(room, KindGift, renderGift(p.roomName(room), g.Sender, name, g.Count, p.now().In(loc)), targets)
}

func (p *Pipeline) roomName(room int64) string {
	if r, ok := p.dir.Room(room); ok && strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return fmt.Sprintf("Room %d", room)
}

// schedule hands n to the loop, or queues it when the loop cannot take it.
func (p *Pipeline) schedule(room int64, kind Kind, text string, targets map[string]bool) {
	n := &PendingNotification{
		ID:      uuid.NewString(),
		RoomID:  room,
		Kind:    kind,
		Text:    text,
		Targets: targets,
		Created: p.now(),
	}

	p.mu.Lock()
	inbox, ok := p.inbox, p.accepting
	if ok {
		p.sendWG.Add(1)
	}
	p.mu.Unlock()

	if ok {
		select {
		case inbox <- n:
			p.sendWG.Done()
			return
		default:
		}
		p.sendWG.Done()
	}
	p.enqueue(n)
	eventbus.Publish(p.bus, eventbus.DispatchQueued, p.event(n, 0, ""))
	p.log.Debug("notification queued", logx.String("id", n.ID), logx.Int64("room", room), logx.String("kind", string(kind)))
}

// ---- retry queue ----

func (p *Pipeline) enqueue(n *PendingNotification) {
	cfg, _, _ := p.snapshot()
	var evicted *PendingNotification
	p.qmu.Lock()
	if len(p.queue) >= cfg.QueueSize {
		evicted = p.queue[0]
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, n)
	p.qmu.Unlock()
	if evicted != nil {
		p.dropped.Add(1)
		p.log.Warn("retry queue full, dropping oldest notification", logx.String("id", evicted.ID), logx.Int64("room", evicted.RoomID))
		eventbus.Publish(p.bus, eventbus.DispatchDropped, p.event(evicted, len(evicted.Targets), "queue full"))
	}
}

func (p *Pipeline) requeueFront(items []*PendingNotification) {
	if len(items) == 0 {
		return
	}
	p.qmu.Lock()
	p.queue = append(append([]*PendingNotification(nil), items...), p.queue...)
	p.qmu.Unlock()
}

func (p *Pipeline) takeAll() []*PendingNotification {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

// Queued returns the retry queue length.
func (p *Pipeline) Queued() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue)
}

// Pending returns a copy of the retry queue.
func (p *Pipeline) Pending() []PendingNotification {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	out := make([]PendingNotification, 0, len(p.queue))
	for _, n := range p.queue {
		cp := *n
		cp.Targets = make(map[string]bool, len(n.Targets))
		for k, v := range n.Targets {
			cp.Targets[k] = v
		}
		out = append(out, cp)
	}
	return out
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	running := p.sup != nil
	p.mu.Unlock()
	return Stats{
		Running: running,
		Queued:  p.Queued(),
		Sent:    p.sent.Load(),
		Retried: p.retried.Load(),
		Dropped: p.dropped.Load(),
	}
}

// ---- loop side ----

func (p *Pipeline) sweep(ctx context.Context) {
	items := p.takeAll()
	for i, n := range items {
		if ctx.Err() != nil {
			p.requeueFront(items[i:])
			return
		}
		p.deliver(ctx, n)
	}
}

// deliver makes one attempt to every remaining target of n.
func (p *Pipeline) deliver(ctx context.Context, n *PendingNotification) {
	if ctx.Err() != nil {
		p.requeueFront([]*PendingNotification{n})
		return
	}
	cfg, _, lim := p.snapshot()

	subs := make([]string, 0, len(n.Targets))
	for sub := range n.Targets {
		subs = append(subs, sub)
	}
	sort.Strings(subs)

	failed := map[string]bool{}
	skipped := map[string]bool{}
	var lastErr error
	for _, sub := range subs {
		alert := n.Targets[sub]
		if ctx.Err() != nil {
			skipped[sub] = alert
			continue
		}
		msg := transport.Message{Text: n.Text, AlertAll: alert && n.Attempts == 0, DisablePreview: n.Kind == KindGift}
		if err := p.send(ctx, lim, cfg.SendTimeout, sub, msg); err != nil {
			if ctx.Err() != nil {
				skipped[sub] = alert
				continue
			}
			failed[sub] = alert
			lastErr = err
			p.log.Warn("delivery failed", logx.String("id", n.ID), logx.String("to", sub), logx.Int("attempt", n.Attempts+1), logx.Err(err))
		}
	}

	if len(skipped) > 0 {
		// Cancelled mid-batch: keep the unreached targets without counting
		// the attempt.
		for sub, alert := range failed {
			skipped[sub] = alert
		}
		n.Targets = skipped
		p.requeueFront([]*PendingNotification{n})
		return
	}

	if len(failed) == 0 {
		p.sent.Add(1)
		eventbus.Publish(p.bus, eventbus.DispatchSent, p.event(n, 0, ""))
		p.log.Debug("notification delivered", logx.String("id", n.ID), logx.Int("targets", len(subs)), logx.Int("attempts", n.Attempts+1))
		return
	}

	n.Targets = failed
	n.Attempts++
	if n.Attempts >= cfg.RetryMax {
		p.dropped.Add(1)
		p.log.Error("notification permanently failed, dropping",
			logx.String("id", n.ID),
			logx.Int64("room", n.RoomID),
			logx.String("kind", string(n.Kind)),
			logx.Int("attempts", n.Attempts),
			logx.Int("failed", len(failed)),
			logx.Err(lastErr),
		)
		eventbus.Publish(p.bus, eventbus.DispatchDropped, p.event(n, len(failed), errString(lastErr)))
		return
	}
	p.retried.Add(1)
	p.enqueue(n)
	eventbus.Publish(p.bus, eventbus.DispatchRetry, p.event(n, len(failed), errString(lastErr)))
}

func (p *Pipeline) send(ctx context.Context, lim *rate.Limiter, timeout time.Duration, to string, msg transport.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
		}
	}()
	if p.sender == nil {
		return errors.New("dispatch: no sender")
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.sender.Send(cctx, to, msg)
}

func (p *Pipeline) event(n *PendingNotification, failed int, errText string) eventbus.DispatchEvent {
	return eventbus.DispatchEvent{
		ID:       n.ID,
		RoomID:   n.RoomID,
		Kind:     string(n.Kind),
		Targets:  len(n.Targets),
		Failed:   failed,
		Attempts: n.Attempts,
		Error:    errText,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
