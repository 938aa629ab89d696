package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"livebot/internal/config"
	logx "livebot/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{Telegram: config.TelegramConfig{Token: "t"}}
}

func TestMapStorage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		in         *config.StorageConfig
		wantDriver string
		wantPath   string
		wantErr    bool
	}{
		{"omitted", nil, "file", defaultStoragePath, false},
		{"file without path", &config.StorageConfig{Driver: "file"}, "file", defaultStoragePath, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, "sqlite", "x.db", false},
		{"sqlite needs path", &config.StorageConfig{Driver: "sqlite"}, "", "", true},
		{"bad busy timeout", &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, "", "", true},
		{"unknown driver", &config.StorageConfig{Driver: "postgres"}, "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			cfg.Storage = tc.in
			got, err := mapStorage(cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected err %v", err)
			}
			if err != nil {
				return
			}
			if got.Driver != tc.wantDriver || got.Path != tc.wantPath {
				t.Fatalf("expected %s:%s, got %s:%s", tc.wantDriver, tc.wantPath, got.Driver, got.Path)
			}
		})
	}
}

func TestMapMonitorKeepsExplicitZero(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	mc, err := mapMonitor(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mc.Policy.Stabilization != defaultStabilization || mc.Policy.Cooldown != defaultCooldown {
		t.Fatalf("expected defaults, got %+v", mc.Policy)
	}

	cfg.Monitor.Stabilization = "0s"
	cfg.Monitor.Cooldown = "5s"
	mc, err = mapMonitor(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mc.Policy.Stabilization != 0 || mc.Policy.Cooldown != 5*time.Second {
		t.Fatalf("expected 0s/5s, got %+v", mc.Policy)
	}
}

func TestMapGifts(t *testing.T) {
	t.Parallel()

	gs, err := mapGifts(baseConfig())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if gs.HighValue != defaultHighValue || gs.Schedule != defaultGiftRefresh {
		t.Fatalf("unexpected defaults %+v", gs)
	}

	cfg := baseConfig()
	cfg.Gifts.Refresh = "90m"
	gs, err = mapGifts(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if gs.Schedule != "@every 1h30m0s" {
		t.Fatalf("expected bare duration to become a descriptor, got %q", gs.Schedule)
	}

	cfg.Gifts.RoomURL = "https://example.invalid/gifts"
	if _, err := mapGifts(cfg); err == nil {
		t.Fatalf("expected room_url without %%d to be rejected")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
		errHas string
	}{
		{"ok", func(*config.Config) {}, ""},
		{"discord only", func(c *config.Config) {
			c.Telegram.Token = ""
			c.Discord = &config.DiscordConfig{Token: "d"}
		}, ""},
		{"no transport", func(c *config.Config) { c.Telegram.Token = "" }, "no transport"},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "x" }, "telegram.poll_timeout"},
		{"bad timezone", func(c *config.Config) {
			c.Dispatch = &config.DispatchConfig{Timezone: "Mars/Olympus"}
		}, "dispatch.timezone"},
		{"negative retry", func(c *config.Config) {
			c.Dispatch = &config.DispatchConfig{RetryMax: -1}
		}, "dispatch"},
		{"bad server", func(c *config.Config) {
			c.Monitor.Servers = []string{"http://example.invalid"}
		}, "monitor.servers"},
		{"bad cooldown", func(c *config.Config) { c.Monitor.Cooldown = "-1s" }, "monitor.cooldown"},
		{"bad schedule", func(c *config.Config) { c.Gifts.Refresh = "every tuesday" }, "gifts.refresh"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			err := validateConfig(context.Background(), cfg)
			if tc.errHas == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errHas) {
				t.Fatalf("expected error containing %q, got %v", tc.errHas, err)
			}
		})
	}
}

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *notifyRecorder) notify(state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *notifyRecorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestSDNotifierWatchdog(t *testing.T) {
	t.Parallel()

	rec := &notifyRecorder{}
	n := &sdNotifier{
		log:      logx.Nop(),
		notify:   rec.notify,
		watchdog: func() (time.Duration, error) { return 40 * time.Millisecond, nil },
	}
	n.Ready()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	n.Watchdog(ctx)
	n.Stopping()

	if rec.count("READY=1") != 1 || rec.count("STOPPING=1") != 1 {
		t.Fatalf("expected one READY and one STOPPING, got %v", rec.states)
	}
	if rec.count("WATCHDOG=1") < 2 {
		t.Fatalf("expected watchdog pings, got %v", rec.states)
	}
}

func TestSDNotifierWatchdogDisabled(t *testing.T) {
	t.Parallel()

	rec := &notifyRecorder{}
	n := &sdNotifier{
		log:      logx.Nop(),
		notify:   rec.notify,
		watchdog: func() (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") },
	}
	done := make(chan struct{})
	go func() {
		n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Watchdog to return when disabled")
	}
	if len(rec.states) != 0 {
		t.Fatalf("expected no pings, got %v", rec.states)
	}
}

func TestStepperBoundsSlowSteps(t *testing.T) {
	t.Parallel()

	a := &App{log: logx.Nop()}
	step := a.stepper(context.Background())

	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	step("slow", 50*time.Millisecond, func(c context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("expected step to be cut off, took %v", took)
	}

	ran := false
	step("fast", time.Second, func(context.Context) error { ran = true; return nil })
	if !ran {
		t.Fatalf("expected fast step to run")
	}
}
