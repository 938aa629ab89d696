package gifts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGlobalURL = "https://webconf.douyucdn.cn/resource/common/prop_gift_list/prop_gift_config.json"

	jsonpPrefix = "DYConfigCallback("
)

var ErrRoomSourceDisabled = errors.New("gifts: per-room source not configured")

// Fetcher downloads gift configurations.
type Fetcher struct {
	GlobalURL string
	// RoomURL is a printf template taking the room id. Empty disables
	// per-room refreshes.
	RoomURL string
	Client  *http.Client
}

func NewFetcher(globalURL, roomURL string, timeout time.Duration) *Fetcher {
	if strings.TrimSpace(globalURL) == "" {
		globalURL = DefaultGlobalURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{GlobalURL: globalURL, RoomURL: strings.TrimSpace(roomURL), Client: &http.Client{Timeout: timeout}}
}

func (f *Fetcher) Global(ctx context.Context) (map[string]Gift, error) {
	return f.get(ctx, f.GlobalURL)
}

func (f *Fetcher) Room(ctx context.Context, room int64) (map[string]Gift, error) {
	if f.RoomURL == "" {
		return nil, ErrRoomSourceDisabled
	}
	return f.get(ctx, fmt.Sprintf(f.RoomURL, room))
}

func (f *Fetcher) get(ctx context.Context, url string) (map[string]Gift, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gifts: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("gifts: fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("gifts: read: %w", err)
	}
	return Parse(body)
}

// StripJSONP removes a "DYConfigCallback(...)" style envelope.
func StripJSONP(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '{' {
		return b
	}
	b = bytes.TrimPrefix(b, []byte(jsonpPrefix))
	b = bytes.TrimSpace(bytes.TrimRight(b, "; \n\r\t"))
	if bytes.HasSuffix(b, []byte(")")) && bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		return bytes.TrimSpace(b[:len(b)-1])
	}
	start := bytes.IndexByte(b, '(')
	end := bytes.LastIndexByte(b, ')')
	if start != -1 && end > start {
		return bytes.TrimSpace(b[start+1 : end])
	}
	return b
}

// Parse decodes {"data":{"<id>":{"name":...,"devote":...}}}. Entries without
// a name are skipped; an empty result is ErrEmpty.
func Parse(payload []byte) (map[string]Gift, error) {
	var doc struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(StripJSONP(payload), &doc); err != nil {
		return nil, fmt.Errorf("gifts: decode: %w", err)
	}
	out := make(map[string]Gift, len(doc.Data))
	for id, raw := range doc.Data {
		var e struct {
			Name   string          `json:"name"`
			Devote json.RawMessage `json:"devote"`
		}
		if err := json.Unmarshal(raw, &e); err != nil || strings.TrimSpace(e.Name) == "" {
			continue
		}
		out[id] = Gift{ID: id, Name: strings.TrimSpace(e.Name), Value: parseDevote(e.Devote)}
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

func parseDevote(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}
