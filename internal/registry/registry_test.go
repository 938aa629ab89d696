package registry

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"livebot/internal/storage"
	logx "livebot/pkg/logx"
)

// memStore is an in-memory storage.Store with an injectable write failure.
type memStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	writes  int
	failErr error
}

func newMemStore() *memStore { return &memStore{docs: map[string][]byte{}} }

func (m *memStore) ReadDocument(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memStore) WriteDocument(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.writes++
	m.docs[name] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (m *memStore) Close() error                                          { return nil }

const legacyFixture = `{
  "subscriptions": {"5": ["umoA", "umoB"], "9": ["umoA"]},
  "room_info": {
    "5": {"name": "Five", "added_by": "owner", "added_time": "2024-01-02 03:04:05", "at_all": true, "gift_notify": false},
    "9": {"name": "Nine", "at_all": false, "gift_notify": true, "high_value_only": false}
  }
}`

func TestMigrateCopiesRoomFlagsToEverySubscriber(t *testing.T) {
	t.Parallel()
	legacy := LegacyDocument{
		RoomInfo:      map[string]LegacyRoom{"5": {Name: "Five", AtAll: true, GiftNotify: false}},
		Subscriptions: map[string][]string{"5": {"umoA", "umoB"}},
	}
	doc := Migrate(legacy, 10000)

	if doc.Version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, doc.Version)
	}
	subs := doc.Subscriptions["5"]
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}
	for _, id := range []string{"umoA", "umoB"} {
		c, ok := subs[id]
		if !ok {
			t.Fatalf("missing subscriber %s", id)
		}
		if !c.AtAll || c.GiftNotify {
			t.Fatalf("%s: expected at_all=true gift_notify=false, got %+v", id, c)
		}
		// high_value_only absent means true in the legacy layout.
		if c.GiftMinValue == nil || *c.GiftMinValue != 10000 {
			t.Fatalf("%s: expected threshold 10000, got %v", id, c.GiftMinValue)
		}
	}
	// Configs must not share the threshold pointer.
	a, b := subs["umoA"], subs["umoB"]
	if a.GiftMinValue == b.GiftMinValue {
		t.Fatalf("migrated configs share threshold storage")
	}
}

func TestMigrateHighValueOff(t *testing.T) {
	t.Parallel()
	off := false
	doc := Migrate(LegacyDocument{
		RoomInfo:      map[string]LegacyRoom{"9": {Name: "Nine", GiftNotify: true, HighValueOnly: &off}},
		Subscriptions: map[string][]string{"9": {"x"}},
	}, 10000)
	if c := doc.Subscriptions["9"]["x"]; c.GiftMinValue != nil || !c.GiftNotify {
		t.Fatalf("expected no threshold and gifts on, got %+v", c)
	}
}

func TestMigrateOrphanSubscriptions(t *testing.T) {
	t.Parallel()
	doc := Migrate(LegacyDocument{Subscriptions: map[string][]string{"7": {"x"}}}, 1)
	if _, ok := doc.RoomInfo["7"]; !ok {
		t.Fatalf("expected placeholder room for orphan subscription list")
	}
}

func TestDecodeDetectsLayouts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		in           string
		wantMigrated bool
		wantErr      bool
	}{
		{name: "empty", in: "", wantMigrated: false},
		{name: "current", in: `{"version":2,"room_info":{"1":{"name":"a"}},"subscriptions":{"1":{"s":{"at_all":true,"gift_notify":false,"gift_min_value":null}}}}`},
		{name: "unversioned objects", in: `{"room_info":{"1":{"name":"a"}},"subscriptions":{"1":{"s":{"at_all":true}}}}`, wantMigrated: true},
		{name: "legacy lists", in: legacyFixture, wantMigrated: true},
		{name: "legacy explicit v1", in: `{"version":1,"room_info":{},"subscriptions":{"1":["a"]}}`, wantMigrated: true},
		{name: "mixed", in: `{"subscriptions":{"1":["a"],"2":{"b":{}}}}`, wantErr: true},
		{name: "future", in: `{"version":3}`, wantErr: true},
		{name: "garbage", in: `{`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, migrated, err := Decode([]byte(tt.in), 100)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if migrated != tt.wantMigrated {
				t.Fatalf("expected migrated=%v, got %v", tt.wantMigrated, migrated)
			}
		})
	}
}

func TestOpenPersistsMigrationBeforeReturning(t *testing.T) {
	st := newMemStore()
	st.docs[DocumentName] = []byte(legacyFixture)

	r, err := Open(context.Background(), st, Options{HighValue: 10000}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st.writes != 1 {
		t.Fatalf("expected exactly one write during open, got %d", st.writes)
	}

	var persisted Document
	if err := json.Unmarshal(st.docs[DocumentName], &persisted); err != nil {
		t.Fatalf("persisted document is not current layout: %v", err)
	}
	if persisted.Version != CurrentVersion {
		t.Fatalf("expected persisted version %d, got %d", CurrentVersion, persisted.Version)
	}
	c, ok := persisted.Subscriptions["5"]["umoB"]
	if !ok || !c.AtAll || c.GiftNotify {
		t.Fatalf("unexpected persisted config for umoB: %+v (ok=%v)", c, ok)
	}

	if got := r.Subscribers(5); len(got) != 2 {
		t.Fatalf("expected 2 subscribers for room 5, got %d", len(got))
	}
	if got := r.Subscribers(9)["umoA"]; !got.GiftNotify || got.GiftMinValue != nil {
		t.Fatalf("unexpected config for room 9: %+v", got)
	}
}

func TestOpenFailsWhenMigrationCannotPersist(t *testing.T) {
	st := newMemStore()
	st.docs[DocumentName] = []byte(legacyFixture)
	st.failErr = errors.New("disk full")
	if _, err := Open(context.Background(), st, Options{}, logx.Nop()); err == nil {
		t.Fatalf("expected open to fail when the migrated document cannot be written")
	}
}

func TestSubscribeTwiceKeepsExistingConfig(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, newMemStore(), Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.AddRoom(ctx, 5, Room{Name: "Five"}); err != nil {
		t.Fatalf("add room: %v", err)
	}
	if _, err := r.Subscribe(ctx, 5, "umoA"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := r.UpdateConfig(ctx, 5, "umoA", func(c *SubscriptionConfig) { c.AtAll = true }); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := r.Subscribe(ctx, 5, "umoA"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
	c, ok := r.Config(5, "umoA")
	if !ok || !c.AtAll {
		t.Fatalf("existing config was modified: %+v", c)
	}
	if n := r.TotalSubscriptions(); n != 1 {
		t.Fatalf("expected 1 subscription, got %d", n)
	}
}

func TestUpdateConfigIsolatedPerSubscriber(t *testing.T) {
	ctx := context.Background()
	r, _ := Open(ctx, newMemStore(), Options{}, logx.Nop())
	_ = r.AddRoom(ctx, 1, Room{Name: "One"})
	_, _ = r.Subscribe(ctx, 1, "a")
	_, _ = r.Subscribe(ctx, 1, "b")

	if _, err := r.UpdateConfig(ctx, 1, "a", func(c *SubscriptionConfig) {
		c.GiftNotify = true
		c.GiftMinValue = Int64(5000)
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	b, _ := r.Config(1, "b")
	if b.GiftNotify || b.GiftMinValue != nil {
		t.Fatalf("subscriber b changed: %+v", b)
	}
	if _, err := r.UpdateConfig(ctx, 1, "nobody", func(*SubscriptionConfig) {}); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	r, _ := Open(ctx, st, Options{}, logx.Nop())
	_ = r.AddRoom(ctx, 1, Room{Name: "One"})

	st.failErr = errors.New("io")
	if _, err := r.Subscribe(ctx, 1, "a"); err == nil {
		t.Fatalf("expected subscribe to fail")
	}
	if _, ok := r.Config(1, "a"); ok {
		t.Fatalf("subscription visible despite failed write")
	}
	if err := r.RemoveRoom(ctx, 1); err == nil {
		t.Fatalf("expected remove to fail")
	}
	if !r.HasRoom(1) {
		t.Fatalf("room removed despite failed write")
	}
}

func TestRemoveRoomCascades(t *testing.T) {
	ctx := context.Background()
	r, _ := Open(ctx, newMemStore(), Options{}, logx.Nop())
	_ = r.AddRoom(ctx, 1, Room{Name: "One"})
	_ = r.AddRoom(ctx, 2, Room{Name: "Two"})
	_, _ = r.Subscribe(ctx, 1, "a")
	_, _ = r.Subscribe(ctx, 2, "a")

	if err := r.RemoveRoom(ctx, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := r.SubscriptionsOf("a"); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("expected [2], got %v", got)
	}
	if err := r.RemoveRoom(ctx, 1); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := r.Subscribe(ctx, 1, "a"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound on subscribe, got %v", err)
	}
}

func TestRoundTripThroughFileStore(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	r, err := Open(ctx, st, Options{Defaults: SubscriptionConfig{GiftMinValue: Int64(10000)}}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = r.AddRoom(ctx, 5, Room{Name: "Five", AddedBy: "telegram:1", AddedTime: "2024-01-02 03:04:05"})
	_ = r.AddRoom(ctx, 6, Room{Name: "Six"})
	_, _ = r.Subscribe(ctx, 5, "telegram:-100:3")
	_, _ = r.Subscribe(ctx, 5, "discord:42")
	_, _ = r.UpdateConfig(ctx, 5, "discord:42", func(c *SubscriptionConfig) {
		c.AtAll = true
		c.GiftMinValue = nil
	})
	want := r.Document()

	r2, err := Open(ctx, st, Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := r2.Document(); !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	if ids := r2.RoomIDs(); !reflect.DeepEqual(ids, []int64{5, 6}) {
		t.Fatalf("unexpected room ids %v", ids)
	}
}
