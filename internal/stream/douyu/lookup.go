package douyu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultLookupURL = "https://www.douyu.com/betard"

var ErrRoomUnavailable = errors.New("douyu: room info unavailable")

// RoomInfo is the subset of betard metadata used when registering a room.
type RoomInfo struct {
	OwnerName string `json:"owner_name"`
	Nickname  string `json:"nickname"`
	RoomName  string `json:"room_name"`
}

// DisplayName prefers the owner name, then the nickname.
func (r RoomInfo) DisplayName() string {
	if s := strings.TrimSpace(r.OwnerName); s != "" {
		return s
	}
	return strings.TrimSpace(r.Nickname)
}

// Lookup queries room metadata.
type Lookup struct {
	BaseURL string
	Client  *http.Client
}

func NewLookup(baseURL string, timeout time.Duration) *Lookup {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultLookupURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Lookup{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: timeout}}
}

func (l *Lookup) RoomInfo(ctx context.Context, roomID int64) (RoomInfo, error) {
	url := fmt.Sprintf("%s/%d", l.BaseURL, roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RoomInfo{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (livebot)")
	resp, err := l.Client.Do(req)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return RoomInfo{}, fmt.Errorf("%w: status %d", ErrRoomUnavailable, resp.StatusCode)
	}

	var body struct {
		Room *RoomInfo `json:"room"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return RoomInfo{}, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}
	if body.Room == nil {
		return RoomInfo{}, fmt.Errorf("%w: no room object", ErrRoomUnavailable)
	}
	return *body.Room, nil
}
