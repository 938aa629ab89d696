package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Mux routes sends to the adapter owning the subscriber's platform and fans
// incoming updates from every adapter into one channel.
type Mux struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewMux(adapters ...Adapter) *Mux {
	m := &Mux{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		if a != nil {
			m.adapters[a.Platform()] = a
		}
	}
	return m
}

func (m *Mux) Platforms() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.adapters))
	for p := range m.adapters {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Mux) Send(ctx context.Context, to string, msg Message) error {
	addr, err := ParseAddress(to)
	if err != nil {
		return err
	}
	m.mu.RLock()
	a := m.adapters[addr.Platform]
	m.mu.RUnlock()
	if a == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, addr.Platform)
	}
	return a.Send(ctx, to, msg)
}

// Start starts every adapter. Adapters that were started before a failing one
// are stopped again.
func (m *Mux) Start(ctx context.Context, out chan<- Update) error {
	m.mu.RLock()
	list := make([]Adapter, 0, len(m.adapters))
	for _, p := range m.sortedLocked() {
		list = append(list, m.adapters[p])
	}
	m.mu.RUnlock()

	for i, a := range list {
		if err := a.Start(ctx, out); err != nil {
			for _, prev := range list[:i] {
				_ = prev.Stop(ctx)
			}
			return fmt.Errorf("%s: %w", a.Platform(), err)
		}
	}
	return nil
}

func (m *Mux) Stop(ctx context.Context) error {
	m.mu.RLock()
	list := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		list = append(list, a)
	}
	m.mu.RUnlock()

	var errs []error
	for _, a := range list {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mux) sortedLocked() []string {
	out := make([]string, 0, len(m.adapters))
	for p := range m.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
