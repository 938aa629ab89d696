// Package gifts holds the gift catalog: gift id to display name and value,
// at a global scope and per room. Room entries win over global entries, which
// win over the built-in defaults.
package gifts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"livebot/internal/eventbus"
	logx "livebot/pkg/logx"
)

// Gift is one catalog entry. Value is the Douyu "devote" amount.
type Gift struct {
	ID    string
	Name  string
	Value int64
}

var ErrEmpty = errors.New("gifts: source returned no gifts")

// Defaults are used until the first successful refresh and for ids the
// remote configuration does not know.
var Defaults = map[string]Gift{
	"195":  {ID: "195", Name: "Plane", Value: 10000},
	"196":  {ID: "196", Name: "Rocket", Value: 50000},
	"1005": {ID: "1005", Name: "Super Rocket", Value: 200000},
}

// Stats describes the catalog contents.
type Stats struct {
	Global      int
	Rooms       map[int64]int
	LastRefresh time.Time
	LastError   string
}

// Catalog is safe for concurrent use.
type Catalog struct {
	fetch *Fetcher
	bus   eventbus.Bus
	log   logx.Logger

	mu          sync.RWMutex
	global      map[string]Gift
	rooms       map[int64]map[string]Gift
	lastRefresh time.Time
	lastErr     string
}

func New(fetch *Fetcher, bus eventbus.Bus, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{
		fetch:  fetch,
		bus:    bus,
		log:    log.With(logx.String("comp", "gifts")),
		global: map[string]Gift{},
		rooms:  map[int64]map[string]Gift{},
	}
}

// Lookup resolves id for room.
func (c *Catalog) Lookup(room int64, id string) (Gift, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if g, ok := c.rooms[room][id]; ok {
		return g, true
	}
	if g, ok := c.global[id]; ok {
		return g, true
	}
	g, ok := Defaults[id]
	return g, ok
}

// Name returns the display name, or "Gift(<id>)" when unknown.
func (c *Catalog) Name(room int64, id string) string {
	if g, ok := c.Lookup(room, id); ok && g.Name != "" {
		return g.Name
	}
	return fmt.Sprintf("Gift(%s)", id)
}

// Value returns the gift's value; ok is false when it cannot be resolved.
func (c *Catalog) Value(room int64, id string) (int64, bool) {
	g, ok := c.Lookup(room, id)
	if !ok || g.Value <= 0 {
		return 0, false
	}
	return g.Value, true
}

func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{
		Global:      len(c.global),
		Rooms:       make(map[int64]int, len(c.rooms)),
		LastRefresh: c.lastRefresh,
		LastError:   c.lastErr,
	}
	for id, m := range c.rooms {
		st.Rooms[id] = len(m)
	}
	return st
}

// RoomIDs lists rooms with a per-room scope, ascending.
func (c *Catalog) RoomIDs() []int64 {
	c.mu.RLock()
	out := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Refresh replaces the global scope. On failure the previous entries are kept.
func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	if c.fetch == nil {
		return 0, errors.New("gifts: no fetcher configured")
	}
	m, err := c.fetch.Global(ctx)
	if err != nil {
		c.fail("global", err)
		return 0, err
	}
	c.mu.Lock()
	c.global = m
	c.lastRefresh = time.Now()
	c.lastErr = ""
	c.mu.Unlock()
	c.ok("global", len(m))
	return len(m), nil
}

// RefreshRoom replaces room's scope. On failure the previous entries are kept.
func (c *Catalog) RefreshRoom(ctx context.Context, room int64) (int, error) {
	if c.fetch == nil {
		return 0, errors.New("gifts: no fetcher configured")
	}
	scope := strconv.FormatInt(room, 10)
	m, err := c.fetch.Room(ctx, room)
	if err != nil {
		c.fail(scope, err)
		return 0, err
	}
	c.mu.Lock()
	c.rooms[room] = m
	c.lastRefresh = time.Now()
	c.lastErr = ""
	c.mu.Unlock()
	c.ok(scope, len(m))
	return len(m), nil
}

// DropRoom forgets room's scope, e.g. after the room was removed.
func (c *Catalog) DropRoom(room int64) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Catalog) ok(scope string, n int) {
	c.log.Info("gift catalog refreshed", logx.String("scope", scope), logx.Int("count", n))
	eventbus.Publish(c.bus, eventbus.GiftsRefreshed, eventbus.GiftsEvent{Scope: scope, Count: n})
}

func (c *Catalog) fail(scope string, err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.log.Warn("gift catalog refresh failed, keeping previous entries", logx.String("scope", scope), logx.Err(err))
	eventbus.Publish(c.bus, eventbus.GiftsRefreshFailed, eventbus.GiftsEvent{Scope: scope, Error: err.Error()})
}
