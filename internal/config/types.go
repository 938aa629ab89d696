package config

import (
	"strconv"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	// Discord is optional; omit the section to run Telegram only.
	Discord *DiscordConfig `json:"discord,omitempty"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	Monitor  MonitorConfig   `json:"monitor"`
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	Gifts    GiftsConfig     `json:"gifts"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via LIVEBOT_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// AlertMarker is prepended to notifications for subscribers with at_all on.
	AlertMarker string `json:"alert_marker,omitempty"`
}

type DiscordConfig struct {
	// Token may be left empty and supplied via LIVEBOT_DISCORD_TOKEN.
	Token        string   `json:"token"`
	OwnerUserIDs []string `json:"owner_user_ids"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings into a chat. Target is a subscriber id such as
// "telegram:-100123:7" or "discord:987654".
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls where the registry and the audit log live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./livebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MonitorConfig controls room watchers and the Douyu connection.
//
// Stabilization and cooldown accept "0s" to disable them; an empty value
// means the default (10s and 30s).
type MonitorConfig struct {
	Stabilization  string   `json:"stabilization,omitempty"`
	Cooldown       string   `json:"cooldown,omitempty"`
	ConnectTimeout string   `json:"connect_timeout,omitempty"`
	StopTimeout    string   `json:"stop_timeout,omitempty"`
	Servers        []string `json:"servers,omitempty"`
	Heartbeat      string   `json:"heartbeat,omitempty"`
	// LookupURL is the room metadata endpoint used by /live add.
	LookupURL     string `json:"lookup_url,omitempty"`
	LookupTimeout string `json:"lookup_timeout,omitempty"`
}

// DispatchConfig controls the notification pipeline.
//
// All durations are Go duration strings. If the whole section is omitted,
// runtime defaults apply.
type DispatchConfig struct {
	InboxSize     int    `json:"inbox_size,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryInterval string `json:"retry_interval,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

type GiftsConfig struct {
	GlobalURL string `json:"global_url,omitempty"`
	// RoomURL is a printf template taking the room id; empty disables
	// per-room catalogs.
	RoomURL string `json:"room_url,omitempty"`
	// Refresh is a cron spec, a descriptor like "@every 6h", or a bare duration.
	Refresh string `json:"refresh,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// HighValue is the threshold legacy high_value_only rooms migrate to and
	// the default for "/live giftfilter <room> on".
	HighValue int64 `json:"high_value,omitempty"`
}

// OwnerIDs lists owners in the "<platform>:<user id>" form used by incoming
// updates.
func (c *Config) OwnerIDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Telegram.OwnerUserIDs))
	for _, id := range c.Telegram.OwnerUserIDs {
		out = append(out, "telegram:"+strconv.FormatInt(id, 10))
	}
	if c.Discord != nil {
		for _, id := range c.Discord.OwnerUserIDs {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, "discord:"+id)
			}
		}
	}
	return out
}
