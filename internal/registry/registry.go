package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"livebot/internal/storage"
	logx "livebot/pkg/logx"
)

// Options configures a Registry.
type Options struct {
	// HighValue is the gift threshold legacy high_value_only rooms migrate to.
	HighValue int64
	// Defaults is the config a new subscription starts with.
	Defaults SubscriptionConfig
}

// Registry is the room and subscription store.
//
// Every mutation persists the whole document before it becomes visible: the
// change is applied to a copy, the copy is written through storage, and only
// then swapped in. A failed write leaves memory untouched.
type Registry struct {
	store storage.Store
	log   logx.Logger
	opts  Options

	mu sync.RWMutex
	st state
}

// Open loads the registry from store. A legacy layout is migrated and the
// migrated document is written back before Open returns.
func Open(ctx context.Context, store storage.Store, opts Options, log logx.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry: store is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	raw, err := store.ReadDocument(ctx, DocumentName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	doc, migrated, err := Decode(raw, opts.HighValue)
	if err != nil {
		return nil, err
	}
	st, err := stateFromDocument(doc)
	if err != nil {
		return nil, err
	}

	r := &Registry{store: store, log: log, opts: opts, st: st}
	if migrated {
		if err := r.persist(ctx, st); err != nil {
			return nil, fmt.Errorf("registry: persist migrated document: %w", err)
		}
		log.Info("registry migrated to current layout",
			logx.Int("version", CurrentVersion),
			logx.Int("rooms", len(st.rooms)),
			logx.Int("subscriptions", st.total()),
		)
	}
	return r, nil
}

func (r *Registry) persist(ctx context.Context, st state) error {
	b, err := Encode(st.document())
	if err != nil {
		return err
	}
	return r.store.WriteDocument(ctx, DocumentName, b)
}

// mutate applies fn to a copy of the state and commits it once persisted.
func (r *Registry) mutate(ctx context.Context, fn func(st *state) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.st.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := r.persist(ctx, next); err != nil {
		return fmt.Errorf("registry: persist: %w", err)
	}
	r.st = next
	return nil
}

// ---- rooms ----

func (r *Registry) AddRoom(ctx context.Context, id int64, room Room) error {
	return r.mutate(ctx, func(st *state) error {
		if _, ok := st.rooms[id]; ok {
			return ErrRoomExists
		}
		st.rooms[id] = room
		st.subs[id] = map[string]SubscriptionConfig{}
		return nil
	})
}

// UpdateRoom edits a room's metadata in place.
func (r *Registry) UpdateRoom(ctx context.Context, id int64, fn func(*Room)) error {
	return r.mutate(ctx, func(st *state) error {
		room, ok := st.rooms[id]
		if !ok {
			return ErrRoomNotFound
		}
		fn(&room)
		st.rooms[id] = room
		return nil
	})
}

// RemoveRoom deletes a room and all of its subscriptions.
func (r *Registry) RemoveRoom(ctx context.Context, id int64) error {
	return r.mutate(ctx, func(st *state) error {
		if _, ok := st.rooms[id]; !ok {
			return ErrRoomNotFound
		}
		delete(st.rooms, id)
		delete(st.subs, id)
		return nil
	})
}

func (r *Registry) Room(id int64) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.st.rooms[id]
	return room, ok
}

func (r *Registry) HasRoom(id int64) bool {
	_, ok := r.Room(id)
	return ok
}

// Rooms lists rooms ordered by id.
func (r *Registry) Rooms() []RoomEntry {
	r.mu.RLock()
	out := make([]RoomEntry, 0, len(r.st.rooms))
	for id, room := range r.st.rooms {
		out = append(out, RoomEntry{ID: id, Room: room, Subscribers: len(r.st.subs[id])})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomIDs lists room ids in ascending order.
func (r *Registry) RoomIDs() []int64 {
	rooms := r.Rooms()
	out := make([]int64, len(rooms))
	for i, e := range rooms {
		out[i] = e.ID
	}
	return out
}

// ---- subscriptions ----

// Subscribe creates sub's config for room id with the configured defaults.
// Subscribing twice returns ErrAlreadySubscribed and keeps the existing config.
func (r *Registry) Subscribe(ctx context.Context, id int64, sub string) (SubscriptionConfig, error) {
	var cfg SubscriptionConfig
	err := r.mutate(ctx, func(st *state) error {
		if _, ok := st.rooms[id]; !ok {
			return ErrRoomNotFound
		}
		m := st.subs[id]
		if _, ok := m[sub]; ok {
			return ErrAlreadySubscribed
		}
		cfg = r.opts.Defaults.clone()
		m[sub] = cfg
		return nil
	})
	return cfg.clone(), err
}

func (r *Registry) Unsubscribe(ctx context.Context, id int64, sub string) error {
	return r.mutate(ctx, func(st *state) error {
		if _, ok := st.rooms[id]; !ok {
			return ErrRoomNotFound
		}
		m := st.subs[id]
		if _, ok := m[sub]; !ok {
			return ErrNotSubscribed
		}
		delete(m, sub)
		return nil
	})
}

// Config returns sub's config for room id; ok is false when not subscribed.
func (r *Registry) Config(id int64, sub string) (SubscriptionConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.st.subs[id][sub]
	return c.clone(), ok
}

// UpdateConfig edits only sub's config; other subscribers are never touched.
func (r *Registry) UpdateConfig(ctx context.Context, id int64, sub string, fn func(*SubscriptionConfig)) (SubscriptionConfig, error) {
	var out SubscriptionConfig
	err := r.mutate(ctx, func(st *state) error {
		if _, ok := st.rooms[id]; !ok {
			return ErrRoomNotFound
		}
		c, ok := st.subs[id][sub]
		if !ok {
			return ErrNotSubscribed
		}
		fn(&c)
		st.subs[id][sub] = c.clone()
		out = c
		return nil
	})
	return out.clone(), err
}

// Subscribers returns a copy of every subscriber config of room id.
func (r *Registry) Subscribers(id int64) map[string]SubscriptionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.st.subs[id]
	out := make(map[string]SubscriptionConfig, len(m))
	for sub, c := range m {
		out[sub] = c.clone()
	}
	return out
}

// SubscriptionsOf lists the rooms sub follows, ascending.
func (r *Registry) SubscriptionsOf(sub string) []int64 {
	r.mu.RLock()
	out := make([]int64, 0, 4)
	for id, m := range r.st.subs {
		if _, ok := m[sub]; ok {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) TotalSubscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.total()
}

// Document returns the current state in persisted form.
func (r *Registry) Document() Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.document()
}

func (st state) total() int {
	n := 0
	for _, m := range st.subs {
		n += len(m)
	}
	return n
}
