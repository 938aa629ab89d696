package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livebot/internal/dispatch"
	"livebot/internal/gifts"
	"livebot/internal/monitor"
	"livebot/internal/registry"
	rtsup "livebot/internal/runtime/supervisor"
	"livebot/internal/storage"
	"livebot/internal/transport"
	logx "livebot/pkg/logx"
)

// Group is the command every subcommand hangs off: "/live <sub> ...".
const Group = "live"

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Watchers is the slice of the monitor supervisor the commands drive.
type Watchers interface {
	Start(ctx context.Context, room int64) error
	Stop(ctx context.Context, room int64) error
	Restart(ctx context.Context, room int64) error
	Running(room int64) bool
	Snapshot() []monitor.WatcherInfo
}

type GiftSource interface {
	Refresh(ctx context.Context) (int, error)
	RefreshRoom(ctx context.Context, room int64) (int, error)
	DropRoom(room int64)
	Stats() gifts.Stats
}

type DispatchStats interface {
	Stats() dispatch.Stats
}

// LookupFunc resolves a room's display name; used only by /live add.
type LookupFunc func(ctx context.Context, room int64) (string, error)

type Deps struct {
	Registry *registry.Registry
	Watchers Watchers
	Gifts    GiftSource
	Dispatch DispatchStats
	Lookup   LookupFunc
	// Audit is optional; owner actions are recorded when set.
	Audit  storage.Store
	Sender transport.Sender
	// HighValue is the threshold "/live giftfilter <room> on" applies.
	HighValue int64
	Owners    []string
	Now       func() time.Time
}

type Request struct {
	Update  transport.Update
	Command string
	Args    []string
	ReqID   string
	Owner   bool
	Logger  logx.Logger

	sender transport.Sender
}

// Reply answers in the chat the command came from. Failures are logged.
func (r *Request) Reply(ctx context.Context, text string) {
	if r.sender == nil || strings.TrimSpace(text) == "" {
		return
	}
	if err := r.sender.Send(ctx, r.Update.Chat, transport.Message{Text: text, DisablePreview: true}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

// Manager parses chat updates into /live commands and runs them on a
// bounded worker pool.
type Manager struct {
	deps Deps
	log  logx.Logger

	mu     sync.RWMutex
	owners map[string]struct{}

	cmds  map[string]Command
	order []string

	jobs    chan func()
	workers int
}

func New(deps Deps, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	m := &Manager{
		deps:    deps,
		log:     log,
		jobs:    make(chan func(), 256),
		workers: max(2, runtime.NumCPU()),
	}
	m.SetOwners(deps.Owners)
	m.register(m.liveCommands())
	return m
}

func (m *Manager) register(cmds []Command) {
	m.cmds = make(map[string]Command, len(cmds))
	m.order = m.order[:0]
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		m.cmds[c.Name] = c
		m.order = append(m.order, c.Name)
	}
}

// SetOwners replaces the owner list ("<platform>:<user id>"). Safe during
// hot reload.
func (m *Manager) SetOwners(owners []string) {
	set := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		if o = strings.TrimSpace(o); o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	m.mu.Lock()
	m.owners = set
	m.mu.Unlock()
}

func (m *Manager) IsOwner(fromID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owners[strings.ToLower(strings.TrimSpace(fromID))]
	return ok
}

// Commands lists the registered subcommands in registration order.
func (m *Manager) Commands() []Command {
	out := make([]Command, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.cmds[name])
	}
	return out
}

// MenuCommands builds a Telegram-style command menu: the group itself plus
// one "live_<sub>" shortcut per subcommand.
func (m *Manager) MenuCommands() []transport.BotCommand {
	out := []transport.BotCommand{{Command: Group, Description: "Douyu live room notifications"}}
	for _, c := range m.Commands() {
		out = append(out, transport.BotCommand{Command: Group + "_" + c.Name, Description: c.Description})
	}
	return out
}

// PublishMenu pushes MenuCommands to every adapter that supports menus.
func (m *Manager) PublishMenu(ctx context.Context, updaters ...transport.CommandMenuUpdater) {
	menu := m.MenuCommands()
	for _, up := range updaters {
		if up == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("command menu update failed", logx.Err(err))
		}
		cancel()
	}
}

// parse splits "/live sub 123", "/live@bot sub 123" and "/live_sub 123"
// into (sub, args). ok is false for text that is not addressed to us.
func parse(text string) (sub string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args = parts[1:]
	switch {
	case word == "help":
		return "help", args, true
	case word == Group:
		if len(args) == 0 {
			return "help", nil, true
		}
		return strings.ToLower(args[0]), args[1:], true
	case strings.HasPrefix(word, Group+"_"):
		return strings.TrimPrefix(word, Group+"_"), args, true
	}
	return "", nil, false
}

// Handle runs one update synchronously. DispatchLoop uses it from workers.
func (m *Manager) Handle(ctx context.Context, up transport.Update) {
	sub, args, ok := parse(up.Text)
	if !ok {
		return
	}
	req := &Request{
		Update:  up,
		Command: sub,
		Args:    args,
		ReqID:   uuid.NewString()[:8],
		Owner:   m.IsOwner(up.FromID),
		sender:  m.deps.Sender,
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.String("chat", up.Chat),
		logx.String("from", up.FromID),
		logx.String("cmd", sub),
	)

	cmd, found := m.cmds[sub]
	if !found {
		req.Reply(ctx, "❓ Unknown command. Try /"+Group+" help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !req.Owner {
		req.Reply(ctx, "⛔ This command is for bot owners only")
		return
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	final := chain(cmd.Handle,
		recoverPanic(m.log),
		logRequest(m.log),
		withTimeout(timeout),
	)
	_ = final(ctx, req)
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "commands.workers"))),
		rtsup.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if _, _, addressed := parse(up.Text); !addressed {
				continue
			}
			select {
			case m.jobs <- func() { m.Handle(ctx, up) }:
			default:
				m.log.Warn("command queue full; dropping", logx.String("chat", up.Chat))
				if m.deps.Sender != nil {
					_ = m.deps.Sender.Send(ctx, up.Chat, transport.Message{Text: "⏳ Busy, try again"})
				}
			}
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Manager) audit(ctx context.Context, req *Request, action, target string, err error) {
	if m.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      m.deps.Now(),
		ActorID: req.Update.FromID,
		Actor:   req.Update.FromName,
		Chat:    req.Update.Chat,
		Action:  Group + "." + action,
		Target:  target,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := m.deps.Audit.AppendAudit(ctx, e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}
