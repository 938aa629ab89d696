package registry

import "errors"

// DocumentName is the storage document holding the registry.
const DocumentName = "registry"

// CurrentVersion is the persisted layout version written by this package.
const CurrentVersion = 2

// AddedTimeLayout is the layout of Room.AddedTime.
const AddedTimeLayout = "2006-01-02 15:04:05"

var (
	ErrRoomExists        = errors.New("room already exists")
	ErrRoomNotFound      = errors.New("room not found")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
)

// Room is a monitored live room.
type Room struct {
	Name      string `json:"name"`
	AddedBy   string `json:"added_by"`
	AddedTime string `json:"added_time"`
}

// SubscriptionConfig holds one subscriber's preferences for one room.
type SubscriptionConfig struct {
	AtAll      bool `json:"at_all"`
	GiftNotify bool `json:"gift_notify"`
	// GiftMinValue suppresses gifts whose known value is below it.
	// nil disables the filter.
	GiftMinValue *int64 `json:"gift_min_value"`
}

func (c SubscriptionConfig) clone() SubscriptionConfig {
	if c.GiftMinValue != nil {
		v := *c.GiftMinValue
		c.GiftMinValue = &v
	}
	return c
}

// Equal compares by value, including the threshold.
func (c SubscriptionConfig) Equal(o SubscriptionConfig) bool {
	if c.AtAll != o.AtAll || c.GiftNotify != o.GiftNotify {
		return false
	}
	if (c.GiftMinValue == nil) != (o.GiftMinValue == nil) {
		return false
	}
	return c.GiftMinValue == nil || *c.GiftMinValue == *o.GiftMinValue
}

// RoomEntry is a room with its id, as listed by Rooms.
type RoomEntry struct {
	ID          int64
	Room        Room
	Subscribers int
}

// Int64 returns a pointer to v, for building SubscriptionConfig literals.
func Int64(v int64) *int64 { return &v }
