// Package adapter connects livebot to the Telegram Bot API through telebot.
package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "livebot/internal/runtime/supervisor"
	"livebot/internal/transport"
	logx "livebot/pkg/logx"
)

const (
	defaultAlertMarker = "📢 @all"
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

// Adapter is a transport.Adapter for Telegram. Incoming text messages become
// transport.Update values; outgoing messages are chunked to fit the API.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// out is swapped on Start/Stop; handlers read it on every update.
	out     atomic.Pointer[chan<- transport.Update]
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if strings.TrimSpace(cfg.AlertMarker) == "" {
		cfg.AlertMarker = defaultAlertMarker
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: bot}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Platform() string { return transport.PlatformTelegram }

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Sender == nil {
		return nil
	}
	chat := transport.Address{Platform: transport.PlatformTelegram, Chat: strconv.FormatInt(m.Chat.ID, 10)}
	if m.ThreadID != 0 {
		chat.Thread = strconv.Itoa(m.ThreadID)
	}
	a.forward(transport.Update{
		Platform: transport.PlatformTelegram,
		Chat:     chat.String(),
		FromID:   transport.UserID(transport.PlatformTelegram, strconv.FormatInt(m.Sender.ID, 10)),
		FromName: displayName(m.Sender),
		Text:     m.Text,
	})
	return nil
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// forward never blocks the poll loop. Updates are dropped when the consumer
// falls behind and reported in batches.
func (a *Adapter) forward(up transport.Update) {
	p := a.out.Load()
	if p == nil || *p == nil {
		return
	}
	out := *p
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	a.sup = sup

	sup.Go0("telegram.drop_report", func(ctx context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	// telebot's Start can return on its own; restart it until the adapter
	// stops.
	sup.GoRestart("telegram.poll", a.poll,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// poll runs one telebot polling session. bot.Stop blocks until Start
// acknowledges it, so it is only called while Start is running.
func (a *Adapter) poll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.bot.Stop()
		case <-done:
		}
	}()
	a.log.Info("polling started")
	a.bot.Start()
	close(done)
	a.log.Info("polling stopped")
	return nil
}

// Stop cancels polling and waits a short grace period. A long poll still in
// flight is abandoned rather than allowed to hold up shutdown.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.mu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
