package config

import (
	"os"
	"strings"
)

const (
	EnvTelegramToken = "LIVEBOT_TELEGRAM_TOKEN"
	EnvDiscordToken  = "LIVEBOT_DISCORD_TOKEN"
)

// applyEnv fills secrets from the environment. A non-empty variable wins over
// the file so tokens can stay out of the config.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDiscordToken)); v != "" {
		if cfg.Discord == nil {
			cfg.Discord = &DiscordConfig{}
		}
		cfg.Discord.Token = v
	}
}
