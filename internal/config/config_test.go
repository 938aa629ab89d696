package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "file-token"
  owner_user_ids: [42]
  poll_timeout: 15s
discord:
  token: ""
  owner_user_ids: ["777"]
logging:
  level: debug
  console: true
  chat:
    enabled: true
    target: "telegram:-100:7"
    min_level: warn
    rate_per_sec: 1
storage:
  driver: sqlite
  path: ./livebot.db
monitor:
  stabilization: 0s
  cooldown: 45s
dispatch:
  retry_max: 5
  timezone: Asia/Shanghai
gifts:
  refresh: 6h
  high_value: 10000
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.getenv = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || cfg.Telegram.PollTimeout != "15s" {
		t.Fatalf("unexpected telegram section: %+v", cfg.Telegram)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("expected sqlite storage, got %+v", cfg.Storage)
	}
	if cfg.Dispatch == nil || cfg.Dispatch.Timezone != "Asia/Shanghai" {
		t.Fatalf("expected dispatch timezone, got %+v", cfg.Dispatch)
	}
	if cfg.Gifts.HighValue != 10000 {
		t.Fatalf("expected high_value 10000, got %d", cfg.Gifts.HighValue)
	}
	if cfg.Logging.Chat.Target != "telegram:-100:7" {
		t.Fatalf("expected chat target, got %q", cfg.Logging.Chat.Target)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, file, body string
	}{
		{"unknown yaml key", "c.yaml", "telegram:\n  token: x\n  tokne: y\n"},
		{"unknown json section", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing json", "c.json", `{"telegram":{"token":"x"}} {"telegram":{}}`},
		{"second yaml document", "c.yml", "telegram:\n  token: x\n---\ntelegram:\n  token: y\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tc.file, tc.body))
			if _, err := m.Parse(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEnvOverridesTokens(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"from-file"}}`))
	env := map[string]string{
		EnvTelegramToken: "from-env",
		EnvDiscordToken:  " dc-env ",
	}
	m.getenv = func(k string) string { return env[k] }
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("expected env telegram token, got %q", cfg.Telegram.Token)
	}
	if cfg.Discord == nil || cfg.Discord.Token != "dc-env" {
		t.Fatalf("expected discord section created from env, got %+v", cfg.Discord)
	}
}

func TestOwnerIDs(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Telegram: TelegramConfig{OwnerUserIDs: []int64{1, 2}},
		Discord:  &DiscordConfig{OwnerUserIDs: []string{"99", " "}},
	}
	got := strings.Join(cfg.OwnerIDs(), ",")
	if got != "telegram:1,telegram:2,discord:99" {
		t.Fatalf("unexpected owners %q", got)
	}
	var nilCfg *Config
	if len(nilCfg.OwnerIDs()) != 0 {
		t.Fatalf("expected no owners for nil config")
	}
}

func TestParseDurationKeepZero(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 10 * time.Second, false},
		{"0s", 0, false},
		{"3s", 3 * time.Second, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationKeepZero("monitor.stabilization", tc.raw, 10*time.Second)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: unexpected err %v", tc.raw, err)
		}
		if err == nil && got != tc.want {
			t.Fatalf("%q: expected %v, got %v", tc.raw, tc.want, got)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Gifts: GiftsConfig{Refresh: "6h"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Gifts:    GiftsConfig{Refresh: "1h"},
		Dispatch: &DispatchConfig{RetryMax: 3},
		Storage:  &StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(sections, ","); got != "dispatch,gifts,storage" {
		t.Fatalf("unexpected sections %q", got)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := strings.Join(RestartRequired(sections), ","); got != "storage" {
		t.Fatalf("expected storage to need a restart, got %q", got)
	}

	same, _ := SummarizeConfigChange(oldCfg, oldCfg)
	if len(same) != 0 {
		t.Fatalf("expected no changes, got %v", same)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"gifts":{"refresh":"6h"}}`)
	m := NewConfigManager(path)
	m.getenv = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Gifts.Refresh == "bad" {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"gifts":{"refresh":"bad"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"gifts":{"refresh":"1h"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Gifts.Refresh != "1h" {
			t.Fatalf("expected only the valid config to be published, got %q", cfg.Gifts.Refresh)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	if got := m.Get().Gifts.Refresh; got != "1h" {
		t.Fatalf("expected committed config, got %q", got)
	}
}
