// Package stream defines the capability a room watcher needs from a live
// stream connection, plus helpers to read the pings it delivers.
package stream

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// EventKind names a category of ping.
type EventKind string

const (
	// KindConnected is emitted by the connection itself on every successful
	// (re)connect, before any other ping of that session.
	KindConnected EventKind = "connected"
	// KindStatus carries the live-state fields ss and ivl.
	KindStatus EventKind = "rss"
	// KindGift carries nn (sender), gfid and gfcnt or hits.
	KindGift EventKind = "dgb"
)

// Ping is one decoded event from a room.
type Ping struct {
	RoomID int64
	Kind   EventKind
	Fields map[string]any
	At     time.Time
}

// Handler receives pings on the connection's own goroutine. It must not block.
type Handler func(Ping)

// Conn is a per-room stream connection.
type Conn interface {
	// Subscribe registers h for kind. Call before Start.
	Subscribe(kind EventKind, h Handler)
	// Start returns once the first connection is established, or with an
	// error when ctx ends first. The connection then keeps itself alive
	// until Stop.
	Start(ctx context.Context) error
	// Done is closed when the connection worker has exited.
	Done() <-chan struct{}
	// Stop releases the connection. Safe to call more than once.
	Stop() error
}

// Dialer builds a connection for a room. The connection is not started.
type Dialer func(roomID int64) Conn

// IsLive reports whether a status ping describes a live, non-replay session.
// Missing or non-string fields count as not live.
func IsLive(fields map[string]any) bool {
	ss, ok := fields["ss"].(string)
	if !ok {
		return false
	}
	ivl, ok := fields["ivl"].(string)
	if !ok {
		return false
	}
	return ss == "1" && ivl == "0"
}

// Gift is the useful part of a gift ping.
type Gift struct {
	Sender string
	GiftID string
	Count  int64
	// CountOK is false when the count was missing or malformed and
	// defaulted to 1.
	CountOK bool
}

// ParseGift extracts a Gift from a gift ping. The count comes from gfcnt,
// falling back to hits.
func ParseGift(fields map[string]any) Gift {
	g := Gift{
		Sender: str(fields["nn"]),
		GiftID: str(fields["gfid"]),
		Count:  1,
	}
	raw, ok := fields["gfcnt"]
	if !ok || str(raw) == "" {
		raw = fields["hits"]
	}
	if n, ok := toInt(raw); ok && n > 0 {
		g.Count, g.CountOK = n, true
	}
	return g
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
