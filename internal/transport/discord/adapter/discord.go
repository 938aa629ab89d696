package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"livebot/internal/transport"
	logx "livebot/pkg/logx"
)

const discordTextLimit = 2000

type Config struct {
	Token string
}

// channelSender is the slice of *discordgo.Session used for delivery.
type channelSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	send    channelSender

	out atomic.Value // stores (chan<- transport.Update)

	runMu   sync.Mutex
	running bool

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, session: s, send: s}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	s.AddHandler(a.onMessageCreate)
	return a, nil
}

func (a *Adapter) Platform() string { return transport.PlatformDiscord }

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	up := transport.Update{
		Platform: transport.PlatformDiscord,
		Chat:     transport.Address{Platform: transport.PlatformDiscord, Chat: m.ChannelID}.String(),
		FromID:   transport.UserID(transport.PlatformDiscord, m.Author.ID),
		FromName: m.Author.Username,
		Text:     m.Content,
	}
	select {
	case out <- up:
	default:
		if n := atomic.AddUint64(&a.droppedUpdates, 1); n%50 == 1 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
		}
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	_ = ctx
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(out)
	if err := a.session.Open(); err != nil {
		var nilOut chan<- transport.Update
		a.out.Store(nilOut)
		return fmt.Errorf("open discord gateway: %w", err)
	}
	a.running = true
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	a.runMu.Lock()
	defer a.runMu.Unlock()
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	if !a.running {
		return nil
	}
	a.running = false
	if err := a.session.Close(); err != nil {
		a.log.Warn("discord close failed", logx.Err(err))
		return err
	}
	a.log.Info("gateway closed", logx.Uint64("dropped_updates", atomic.LoadUint64(&a.droppedUpdates)))
	return nil
}

// Send delivers msg to a "discord:<channel id>" subscriber.
func (a *Adapter) Send(ctx context.Context, to string, msg transport.Message) error {
	addr, err := transport.ParseAddress(to)
	if err != nil {
		return err
	}
	if addr.Platform != transport.PlatformDiscord {
		return fmt.Errorf("%w: %s is not a discord channel", transport.ErrUnknownPlatform, to)
	}
	for i, part := range buildDiscordMessages(msg) {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		opts := []discordgo.RequestOption{}
		if ctx != nil {
			opts = append(opts, discordgo.WithContext(ctx))
		}
		if _, err := a.send.ChannelMessageSendComplex(addr.Chat, part, opts...); err != nil {
			return fmt.Errorf("discord send part %d: %w", i, err)
		}
	}
	return nil
}

// buildDiscordMessages renders msg into one or more sends. Only the first part
// may mention @everyone.
func buildDiscordMessages(msg transport.Message) []*discordgo.MessageSend {
	text := msg.Text
	if msg.AlertAll {
		text = "@everyone\n" + text
	}
	chunks := transport.SplitText(text, discordTextLimit)
	out := make([]*discordgo.MessageSend, 0, len(chunks))
	for i, c := range chunks {
		ms := &discordgo.MessageSend{
			Content:         c,
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
		}
		if i == 0 && msg.AlertAll {
			ms.AllowedMentions.Parse = []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone}
		}
		if msg.DisablePreview {
			ms.Flags = discordgo.MessageFlagsSuppressEmbeds
		}
		out = append(out, ms)
	}
	return out
}
