package dispatch

import (
	"time"

	"livebot/internal/registry"
)

// Config controls the pipeline.
type Config struct {
	// InboxSize buffers hand-offs from room watchers to the loop.
	InboxSize int
	// QueueSize bounds the retry queue; overflow drops the oldest item.
	QueueSize     int
	RatePerSec    int
	RetryInterval time.Duration
	// RetryMax is the number of failed attempts after which a notification
	// is dropped.
	RetryMax    int
	SendTimeout time.Duration
	// Timezone is an IANA name used for rendered timestamps.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Kind string

const (
	KindLiveStarted Kind = "live_started"
	KindLiveEnded   Kind = "live_ended"
	KindGift        Kind = "gift"
)

// PendingNotification is one rendered message and the subscribers it has
// not reached yet. Targets maps subscriber id to its alert flag.
type PendingNotification struct {
	ID       string
	RoomID   int64
	Kind     Kind
	Text     string
	Targets  map[string]bool
	Attempts int
	Created  time.Time
}

// Directory is the read side of the registry the pipeline needs.
type Directory interface {
	Room(id int64) (registry.Room, bool)
	Subscribers(id int64) map[string]registry.SubscriptionConfig
}

// GiftResolver resolves gift ids for a room.
type GiftResolver interface {
	Name(room int64, id string) string
	Value(room int64, id string) (int64, bool)
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Running bool
	Queued  int
	Sent    uint64
	Retried uint64
	Dropped uint64
}
