package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"livebot/internal/config"
	"livebot/internal/dispatch"
	"livebot/internal/gifts"
	"livebot/internal/monitor"
	"livebot/internal/storage"
	"livebot/internal/stream/douyu"
	logx "livebot/pkg/logx"
)

const (
	defaultStoragePath   = "./livebot_data"
	defaultHighValue     = 10000
	defaultGiftRefresh   = "@every 6h"
	defaultStabilization = 10 * time.Second
	defaultCooldown      = 30 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			Target:     l.Chat.Target,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

// mapStorage defaults to a file store under ./livebot_data; the registry
// always needs somewhere to live.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStoragePath}, nil
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMonitor(cfg *config.Config) (monitor.Config, error) {
	m := cfg.Monitor
	stab, err := config.ParseDurationKeepZero("monitor.stabilization", m.Stabilization, defaultStabilization)
	if err != nil {
		return monitor.Config{}, err
	}
	cool, err := config.ParseDurationKeepZero("monitor.cooldown", m.Cooldown, defaultCooldown)
	if err != nil {
		return monitor.Config{}, err
	}
	connect, err := config.ParseDurationField("monitor.connect_timeout", m.ConnectTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	stop, err := config.ParseDurationField("monitor.stop_timeout", m.StopTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		Policy:         monitor.Policy{Stabilization: stab, Cooldown: cool},
		ConnectTimeout: connect,
		StopTimeout:    stop,
	}, nil
}

func mapDouyu(cfg *config.Config) (douyu.Config, error) {
	m := cfg.Monitor
	hb, err := config.ParseDurationField("monitor.heartbeat", m.Heartbeat)
	if err != nil {
		return douyu.Config{}, err
	}
	var servers []string
	for _, s := range m.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
			return douyu.Config{}, fmt.Errorf("monitor.servers: %q is not a websocket url", s)
		}
		servers = append(servers, s)
	}
	return douyu.Config{Servers: servers, Heartbeat: hb}, nil
}

func mapLookup(cfg *config.Config) (*douyu.Lookup, error) {
	timeout, err := config.ParseDurationField("monitor.lookup_timeout", cfg.Monitor.LookupTimeout)
	if err != nil {
		return nil, err
	}
	return douyu.NewLookup(cfg.Monitor.LookupURL, timeout), nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	if cfg.Dispatch == nil {
		return dispatch.Config{}, nil
	}
	d := cfg.Dispatch
	if d.InboxSize < 0 || d.QueueSize < 0 || d.RatePerSec < 0 || d.RetryMax < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch: sizes, rate and retry_max must be >= 0")
	}
	retry, err := config.ParseDurationField("dispatch.retry_interval", d.RetryInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	send, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.timezone: invalid %q: %w", tz, err)
		}
	}
	return dispatch.Config{
		InboxSize:     d.InboxSize,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		RetryInterval: retry,
		RetryMax:      d.RetryMax,
		SendTimeout:   send,
		Timezone:      strings.TrimSpace(d.Timezone),
	}, nil
}

type giftsSettings struct {
	GlobalURL string
	RoomURL   string
	Schedule  string
	Timeout   time.Duration
	HighValue int64
}

func mapGifts(cfg *config.Config) (giftsSettings, error) {
	g := cfg.Gifts
	out := giftsSettings{
		GlobalURL: strings.TrimSpace(g.GlobalURL),
		RoomURL:   strings.TrimSpace(g.RoomURL),
		HighValue: g.HighValue,
	}
	if out.HighValue < 0 {
		return giftsSettings{}, fmt.Errorf("gifts.high_value must be >= 0")
	}
	if out.HighValue == 0 {
		out.HighValue = defaultHighValue
	}
	if out.RoomURL != "" && !strings.Contains(out.RoomURL, "%d") {
		return giftsSettings{}, fmt.Errorf("gifts.room_url must contain %%d for the room id")
	}
	refresh := strings.TrimSpace(g.Refresh)
	if refresh == "" {
		refresh = defaultGiftRefresh
	}
	spec, err := gifts.NormalizeSchedule(refresh)
	if err != nil {
		return giftsSettings{}, fmt.Errorf("gifts.refresh: %w", err)
	}
	out.Schedule = spec
	out.Timeout, err = config.ParseDurationField("gifts.timeout", g.Timeout)
	if err != nil {
		return giftsSettings{}, err
	}
	return out, nil
}

// validateConfig runs every mapper so a bad hot reload is rejected before it
// is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	tgToken := strings.TrimSpace(cfg.Telegram.Token)
	dcToken := ""
	if cfg.Discord != nil {
		dcToken = strings.TrimSpace(cfg.Discord.Token)
	}
	if tgToken == "" && dcToken == "" {
		return fmt.Errorf("no transport configured: set telegram.token or discord.token")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapMonitor(cfg); err != nil {
		return err
	}
	if _, err := mapDouyu(cfg); err != nil {
		return err
	}
	if _, err := mapLookup(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapGifts(cfg); err != nil {
		return err
	}
	return nil
}
