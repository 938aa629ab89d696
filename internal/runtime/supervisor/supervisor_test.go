package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoDoneClosesOnReturnAndPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	defer s.Cancel()

	ok := s.GoDone("clean", func(ctx context.Context) error { return nil })
	boom := s.GoDone("panics", func(ctx context.Context) error { panic("boom") })

	for name, ch := range map[string]<-chan struct{}{"clean": ok, "panics": boom} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: done channel not closed", name)
		}
	}

	// done closes while the panic is still unwinding; wait for the
	// goroutines to finish recording.
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	_ = s.Wait(wctx)

	snap := s.Snapshot()
	var panics uint64
	for _, g := range snap.Goroutines {
		if g.Name == "panics" {
			panics = g.Panics
		}
	}
	if panics != 1 {
		t.Fatalf("expected 1 recorded panic, got %d", panics)
	}
	if s.Err() == nil {
		t.Fatalf("expected first error to be recorded after panic")
	}
}

func TestCancelOnError(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("bad") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected supervisor context to be cancelled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected Wait to return the first error")
	}
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("expected 3 runs, got %d", got)
	}
}

func TestStopCancelsGoroutines(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("blocker", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("unexpected counters %+v", c)
	}
}
