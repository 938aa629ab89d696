package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AlertMarker is prepended as its own line when a message asks to alert
	// everyone. Telegram has no @all, so the marker is plain text.
	AlertMarker string
}
