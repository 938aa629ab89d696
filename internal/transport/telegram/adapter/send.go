package adapter

import (
	"context"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"livebot/internal/transport"
)

// textLimit stays under Telegram's 4096 character message cap.
const textLimit = 4000

// Send delivers msg to a "telegram:<chat>[:<thread>]" subscriber, splitting
// long text across several messages.
func (a *Adapter) Send(ctx context.Context, to string, msg transport.Message) error {
	chat, thread, err := parseTarget(to)
	if err != nil {
		return err
	}
	text := msg.Text
	if msg.AlertAll {
		text = a.cfg.AlertMarker + "\n" + text
	}
	opts := &tele.SendOptions{DisableWebPagePreview: msg.DisablePreview, ThreadID: thread}
	for _, part := range transport.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, part, opts); err != nil {
			return err
		}
	}
	return nil
}

func parseTarget(to string) (*tele.Chat, int, error) {
	addr, err := transport.ParseAddress(to)
	if err != nil {
		return nil, 0, err
	}
	if addr.Platform != transport.PlatformTelegram {
		return nil, 0, fmt.Errorf("%w: %s is not a telegram chat", transport.ErrUnknownPlatform, to)
	}
	id, err := strconv.ParseInt(addr.Chat, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: chat %q", transport.ErrBadSubscriber, addr.Chat)
	}
	thread := 0
	if addr.Thread != "" {
		if thread, err = strconv.Atoi(addr.Thread); err != nil {
			return nil, 0, fmt.Errorf("%w: thread %q", transport.ErrBadSubscriber, addr.Thread)
		}
	}
	return &tele.Chat{ID: id}, thread, nil
}
