package gifts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "livebot/pkg/logx"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NormalizeSchedule accepts a cron spec, a descriptor ("@every 6h",
// "@daily") or a bare Go duration ("6h"), and returns a cron spec.
func NormalizeSchedule(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", fmt.Errorf("gifts: empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("gifts: schedule interval must be positive")
		}
		spec = "@every " + d.String()
	}
	if _, err := parser.Parse(spec); err != nil {
		return "", fmt.Errorf("gifts: schedule %q: %w", spec, err)
	}
	return spec, nil
}

// RoomSource lists the rooms whose per-room scope should be refreshed.
type RoomSource func() []int64

// Refresher runs Catalog refreshes on a cron schedule.
type Refresher struct {
	cat     *Catalog
	rooms   RoomSource
	timeout time.Duration
	log     logx.Logger

	mu     sync.Mutex
	spec   string
	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func NewRefresher(cat *Catalog, rooms RoomSource, timeout time.Duration, log logx.Logger) *Refresher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Refresher{cat: cat, rooms: rooms, timeout: timeout, log: log.With(logx.String("comp", "gifts.refresh"))}
}

// Start schedules refreshes. Calling it again with a different spec
// reschedules; the same spec is a no-op.
func (r *Refresher) Start(ctx context.Context, spec string) error {
	norm, err := NormalizeSchedule(spec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil && r.spec == norm {
		return nil
	}
	r.stopLocked()

	r.runCtx, r.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	runCtx := r.runCtx
	if _, err := c.AddFunc(norm, func() { r.RunOnce(runCtx) }); err != nil {
		r.cancel()
		return err
	}
	c.Start()
	r.c, r.spec = c, norm
	r.log.Info("gift refresh scheduled", logx.String("schedule", norm))
	return nil
}

// RunOnce refreshes the global scope and every room scope. Failures are
// logged by the catalog.
func (r *Refresher) RunOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, _ = r.cat.Refresh(cctx)
	if r.rooms == nil || r.cat.fetch == nil || r.cat.fetch.RoomURL == "" {
		return
	}
	for _, id := range r.rooms() {
		if cctx.Err() != nil {
			return
		}
		_, _ = r.cat.RefreshRoom(cctx, id)
	}
}

func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Refresher) stopLocked() {
	if r.c == nil {
		return
	}
	r.cancel()
	<-r.c.Stop().Done()
	r.c = nil
	r.spec = ""
}
