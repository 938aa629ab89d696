package config

import (
	"reflect"
	"sort"
	"strings"

	logx "livebot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.AlertMarker != nt.AlertMarker ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_set", nt.Token != ""),
		)
	}

	od, nd := derefDiscord(oldCfg.Discord), derefDiscord(newCfg.Discord)
	if !reflect.DeepEqual(od, nd) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_set", nd.Token != ""),
			logx.Int("discord.owner_count", len(nd.OwnerUserIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	// Storage: nil means the default file store.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.stabilization", newCfg.Monitor.Stabilization),
			logx.String("monitor.cooldown", newCfg.Monitor.Cooldown),
			logx.Int("monitor.servers", len(newCfg.Monitor.Servers)),
		)
	}

	oD, nD := derefDispatch(oldCfg.Dispatch), derefDispatch(newCfg.Dispatch)
	if oD != nD {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.queue_size", nD.QueueSize),
			logx.Int("dispatch.rate_per_sec", nD.RatePerSec),
			logx.Int("dispatch.retry_max", nD.RetryMax),
			logx.String("dispatch.timezone", nD.Timezone),
		)
	}

	if oldCfg.Gifts != newCfg.Gifts {
		changed = append(changed, "gifts")
		attrs = append(attrs,
			logx.String("gifts.refresh", newCfg.Gifts.Refresh),
			logx.Bool("gifts.room_url_set", newCfg.Gifts.RoomURL != ""),
			logx.Int64("gifts.high_value", newCfg.Gifts.HighValue),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "discord", "storage":
			out = append(out, s)
		}
	}
	return out
}

func derefDiscord(d *DiscordConfig) DiscordConfig {
	if d == nil {
		return DiscordConfig{}
	}
	return *d
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefDispatch(d *DispatchConfig) DispatchConfig {
	if d == nil {
		return DispatchConfig{}
	}
	return *d
}
