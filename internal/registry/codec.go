package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Document is the persisted registry layout (version 2). Map keys are room
// ids and subscriber ids serialized as strings.
type Document struct {
	Version       int                                      `json:"version"`
	RoomInfo      map[string]Room                          `json:"room_info"`
	Subscriptions map[string]map[string]SubscriptionConfig `json:"subscriptions"`
}

// LegacyRoom is a version 1 room entry: display flags lived on the room.
type LegacyRoom struct {
	Name       string `json:"name"`
	AddedBy    string `json:"added_by"`
	AddedTime  string `json:"added_time"`
	AtAll      bool   `json:"at_all"`
	GiftNotify bool   `json:"gift_notify"`
	// HighValueOnly defaults to true when absent.
	HighValueOnly *bool `json:"high_value_only,omitempty"`
}

// LegacyDocument is the version 1 layout: a flat subscriber list per room.
type LegacyDocument struct {
	RoomInfo      map[string]LegacyRoom `json:"room_info"`
	Subscriptions map[string][]string   `json:"subscriptions"`
}

// Migrate converts a legacy document. Each subscriber of a room receives a
// copy of that room's flags; high_value_only becomes a gift threshold of
// highValue. Subscriber lists for rooms without room_info get a placeholder
// room named after the id.
func Migrate(legacy LegacyDocument, highValue int64) Document {
	doc := Document{
		Version:       CurrentVersion,
		RoomInfo:      make(map[string]Room, len(legacy.RoomInfo)),
		Subscriptions: make(map[string]map[string]SubscriptionConfig, len(legacy.Subscriptions)),
	}
	for id, lr := range legacy.RoomInfo {
		doc.RoomInfo[id] = Room{Name: lr.Name, AddedBy: lr.AddedBy, AddedTime: lr.AddedTime}
	}
	for id, subs := range legacy.Subscriptions {
		lr, ok := legacy.RoomInfo[id]
		if !ok {
			doc.RoomInfo[id] = Room{Name: id}
		}
		cfg := SubscriptionConfig{AtAll: lr.AtAll, GiftNotify: lr.GiftNotify}
		if lr.HighValueOnly == nil || *lr.HighValueOnly {
			cfg.GiftMinValue = Int64(highValue)
		}
		m := make(map[string]SubscriptionConfig, len(subs))
		for _, sub := range subs {
			if sub == "" {
				continue
			}
			m[sub] = cfg.clone()
		}
		doc.Subscriptions[id] = m
	}
	for id := range doc.RoomInfo {
		if _, ok := doc.Subscriptions[id]; !ok {
			doc.Subscriptions[id] = map[string]SubscriptionConfig{}
		}
	}
	return doc
}

// Decode parses a persisted registry. It tries the current layout first and
// falls back to Migrate when the subscription values are lists. migrated is
// true when the caller must persist doc to upgrade the stored layout.
func Decode(data []byte, highValue int64) (doc Document, migrated bool, err error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return emptyDocument(), false, nil
	}

	var probe struct {
		Version       *int                       `json:"version"`
		Subscriptions map[string]json.RawMessage `json:"subscriptions"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Document{}, false, fmt.Errorf("registry: %w", err)
	}

	if probe.Version != nil && *probe.Version >= CurrentVersion {
		if *probe.Version > CurrentVersion {
			return Document{}, false, fmt.Errorf("registry: unsupported version %d", *probe.Version)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, false, fmt.Errorf("registry: %w", err)
		}
		return normalize(doc), false, nil
	}

	lists, objects := 0, 0
	for _, raw := range probe.Subscriptions {
		switch firstByte(raw) {
		case '[':
			lists++
		case '{':
			objects++
		case 'n': // null
		default:
			return Document{}, false, fmt.Errorf("registry: unexpected subscription shape %s", raw)
		}
	}
	if lists > 0 && objects > 0 {
		return Document{}, false, fmt.Errorf("registry: mixed subscription layouts")
	}

	if objects > 0 {
		// Current shape without a version stamp.
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, false, fmt.Errorf("registry: %w", err)
		}
		return normalize(doc), true, nil
	}

	var legacy LegacyDocument
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Document{}, false, fmt.Errorf("registry: legacy: %w", err)
	}
	return normalize(Migrate(legacy, highValue)), true, nil
}

// Encode renders doc with stable indentation.
func Encode(doc Document) ([]byte, error) {
	doc.Version = CurrentVersion
	return json.MarshalIndent(doc, "", "  ")
}

func emptyDocument() Document {
	return Document{
		Version:       CurrentVersion,
		RoomInfo:      map[string]Room{},
		Subscriptions: map[string]map[string]SubscriptionConfig{},
	}
}

func normalize(doc Document) Document {
	doc.Version = CurrentVersion
	if doc.RoomInfo == nil {
		doc.RoomInfo = map[string]Room{}
	}
	if doc.Subscriptions == nil {
		doc.Subscriptions = map[string]map[string]SubscriptionConfig{}
	}
	for id, m := range doc.Subscriptions {
		if m == nil {
			doc.Subscriptions[id] = map[string]SubscriptionConfig{}
		}
	}
	return doc
}

func firstByte(raw json.RawMessage) byte {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return 0
	}
	return t[0]
}

// state is the in-memory form of Document, keyed by numeric room id.
type state struct {
	rooms map[int64]Room
	subs  map[int64]map[string]SubscriptionConfig
}

func stateFromDocument(doc Document) (state, error) {
	st := state{
		rooms: make(map[int64]Room, len(doc.RoomInfo)),
		subs:  make(map[int64]map[string]SubscriptionConfig, len(doc.Subscriptions)),
	}
	for k, r := range doc.RoomInfo {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return state{}, fmt.Errorf("registry: room id %q: %w", k, err)
		}
		st.rooms[id] = r
	}
	for k, m := range doc.Subscriptions {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return state{}, fmt.Errorf("registry: room id %q: %w", k, err)
		}
		if _, ok := st.rooms[id]; !ok {
			st.rooms[id] = Room{Name: k}
		}
		cp := make(map[string]SubscriptionConfig, len(m))
		for sub, c := range m {
			cp[sub] = c.clone()
		}
		st.subs[id] = cp
	}
	for id := range st.rooms {
		if st.subs[id] == nil {
			st.subs[id] = map[string]SubscriptionConfig{}
		}
	}
	return st, nil
}

func (st state) document() Document {
	doc := emptyDocument()
	for id, r := range st.rooms {
		doc.RoomInfo[strconv.FormatInt(id, 10)] = r
	}
	for id, m := range st.subs {
		cp := make(map[string]SubscriptionConfig, len(m))
		for sub, c := range m {
			cp[sub] = c.clone()
		}
		doc.Subscriptions[strconv.FormatInt(id, 10)] = cp
	}
	return doc
}

func (st state) clone() state {
	cp := state{
		rooms: make(map[int64]Room, len(st.rooms)),
		subs:  make(map[int64]map[string]SubscriptionConfig, len(st.subs)),
	}
	for id, r := range st.rooms {
		cp.rooms[id] = r
	}
	for id, m := range st.subs {
		mm := make(map[string]SubscriptionConfig, len(m))
		for sub, c := range m {
			mm[sub] = c.clone()
		}
		cp.subs[id] = mm
	}
	return cp
}
