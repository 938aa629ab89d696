// Package douyu implements stream.Conn against the Douyu danmaku websocket
// and the public room metadata endpoint.
package douyu

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livebot/internal/stream"
	logx "livebot/pkg/logx"
)

// DefaultServers are the public danmaku proxy endpoints.
var DefaultServers = []string{
	"wss://danmuproxy.douyu.com:8501/",
	"wss://danmuproxy.douyu.com:8502/",
	"wss://danmuproxy.douyu.com:8503/",
	"wss://danmuproxy.douyu.com:8504/",
	"wss://danmuproxy.douyu.com:8505/",
	"wss://danmuproxy.douyu.com:8506/",
}

var (
	ErrAlreadyStarted = errors.New("douyu: connection already started")
	ErrStopped        = errors.New("douyu: connection stopped")
)

type Config struct {
	Servers          []string
	HandshakeTimeout time.Duration
	Heartbeat        time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Servers) == 0 {
		c.Servers = DefaultServers
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 45 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 60 * time.Second
	}
	return c
}

// NewDialer returns a stream.Dialer producing Douyu connections.
func NewDialer(cfg Config, log logx.Logger) stream.Dialer {
	return func(roomID int64) stream.Conn { return New(roomID, cfg, log) }
}

// Client is one room's danmaku connection. It reconnects with jittered
// exponential backoff until Stop.
type Client struct {
	room int64
	cfg  Config
	log  logx.Logger

	mu       sync.Mutex
	handlers map[stream.EventKind][]stream.Handler
	started  bool
	ws       *websocket.Conn

	writeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(roomID int64, cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		room:     roomID,
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "douyu"), logx.Int64("room", roomID)),
		handlers: make(map[stream.EventKind][]stream.Handler),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Client) Subscribe(kind stream.EventKind, h stream.Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers[kind] = append(c.handlers[kind], h)
	c.mu.Unlock()
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.stopped() {
		c.mu.Unlock()
		return ErrStopped
	}
	c.started = true
	c.mu.Unlock()

	ready := make(chan struct{})
	go c.run(ready)

	select {
	case <-ready:
		return nil
	case <-c.done:
		return fmt.Errorf("douyu: room %d: connection closed before it was ready", c.room)
	case <-ctx.Done():
		_ = c.Stop()
		return fmt.Errorf("douyu: room %d: connect: %w", c.room, ctx.Err())
	}
}

func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		ws := c.ws
		started := c.started
		c.mu.Unlock()
		if ws != nil {
			_ = c.write(EncodeSTT(Field{"type", "logout"}))
			_ = ws.Close()
		}
		if !started {
			close(c.done)
		}
	})
	return nil
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) run(ready chan struct{}) {
	defer close(c.done)
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }

	attempt := 0
	for !c.stopped() {
		connected, err := c.session(attempt, markReady)
		if c.stopped() {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		d := c.backoff(attempt)
		c.log.Warn("connection lost, reconnecting", logx.Err(err), logx.Int("attempt", attempt), logx.Duration("in", d))
		t := time.NewTimer(d)
		select {
		case <-c.stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			d = c.cfg.BackoffMax
			break
		}
	}
	// Jitter 0.7..1.3
	f := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * f)
}

// session runs one websocket connection until it fails or Stop is called.
// connected reports whether login succeeded.
func (c *Client) session(attempt int, markReady func()) (connected bool, err error) {
	url := c.cfg.Servers[(int(c.room)+attempt)%len(c.cfg.Servers)]

	dctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-dctx.Done():
		}
	}()
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(dctx, url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		_ = ws.Close()
		return false, nil
	}
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		_ = ws.Close()
	}()

	rid := strconv.FormatInt(c.room, 10)
	if err := c.write(EncodeSTT(Field{"type", "loginreq"}, Field{"roomid", rid})); err != nil {
		return false, fmt.Errorf("loginreq: %w", err)
	}
	if err := c.write(EncodeSTT(Field{"type", "joingroup"}, Field{"rid", rid}, Field{"gid", "-9999"})); err != nil {
		return false, fmt.Errorf("joingroup: %w", err)
	}

	c.log.Info("connected", logx.String("server", url))
	c.emit(stream.Ping{RoomID: c.room, Kind: stream.KindConnected, Fields: map[string]any{}, At: time.Now()})
	markReady()

	hbDone := make(chan struct{})
	defer close(hbDone)
	go c.heartbeat(hbDone)

	// The server answers every heartbeat, so a socket silent for two
	// heartbeat periods is treated as dead even if writes still succeed.
	window := 2 * c.cfg.Heartbeat
	for {
		if err := ws.SetReadDeadline(time.Now().Add(window)); err != nil {
			return true, err
		}
		typ, frame, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		bodies, err := DecodePackets(frame)
		if err != nil {
			c.log.Debug("bad frame", logx.Err(err))
		}
		for _, body := range bodies {
			fields := DecodeSTT(body)
			kind, _ := fields["type"].(string)
			if kind == "" {
				continue
			}
			c.emit(stream.Ping{RoomID: c.room, Kind: stream.EventKind(kind), Fields: fields, At: time.Now()})
		}
	}
}

func (c *Client) heartbeat(done <-chan struct{}) {
	t := time.NewTicker(c.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			return
		case <-t.C:
			if err := c.write(EncodeSTT(Field{"type", "mrkl"})); err != nil {
				c.log.Debug("heartbeat failed", logx.Err(err))
				return
			}
		}
	}
}

func (c *Client) write(body string) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("douyu: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.BinaryMessage, EncodePacket(body))
}

func (c *Client) emit(p stream.Ping) {
	c.mu.Lock()
	hs := c.handlers[p.Kind]
	c.mu.Unlock()
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("ping handler panic", logx.String("kind", string(p.Kind)), logx.Any("panic", r))
				}
			}()
			h(p)
		}()
	}
}
