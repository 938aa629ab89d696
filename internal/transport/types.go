package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrBadSubscriber   = errors.New("malformed subscriber id")
)

// Update is an incoming chat message, normalized across platforms.
type Update struct {
	Platform string
	// Chat is the subscriber id of the conversation the message came from.
	Chat     string
	FromID   string // "<platform>:<user id>"
	FromName string
	Text     string
}

// Message is an outgoing notification.
type Message struct {
	Text string
	// AlertAll asks the platform to ping everyone in the conversation
	// (Telegram marker line, Discord @everyone).
	AlertAll       bool
	DisablePreview bool
}

// Sender delivers a message to a subscriber id.
type Sender interface {
	Send(ctx context.Context, to string, msg Message) error
}

type Adapter interface {
	Sender
	Platform() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// Address is a parsed subscriber id: "<platform>:<chat>[:<thread>]".
type Address struct {
	Platform string
	Chat     string
	Thread   string
}

func (a Address) String() string {
	if a.Thread == "" {
		return a.Platform + ":" + a.Chat
	}
	return a.Platform + ":" + a.Chat + ":" + a.Thread
}

func ParseAddress(id string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(id), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrBadSubscriber, id)
	}
	a := Address{Platform: strings.ToLower(parts[0]), Chat: parts[1]}
	if len(parts) == 3 {
		a.Thread = parts[2]
	}
	return a, nil
}

// UserID builds the FromID form used for owner checks.
func UserID(platform, id string) string { return strings.ToLower(platform) + ":" + id }

// BotCommand is a single entry of a platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
