package eventbus

// Event types published by livebot components.
const (
	RoomWatchStarted = "room.watch.started"
	RoomWatchStopped = "room.watch.stopped"
	RoomWatchLost    = "room.watch.lost"
	RoomLiveStarted  = "room.live.started"
	RoomLiveEnded    = "room.live.ended"

	DispatchSent    = "dispatch.sent"
	DispatchQueued  = "dispatch.queued"
	DispatchRetry   = "dispatch.retry"
	DispatchDropped = "dispatch.dropped"

	GiftsRefreshed     = "gifts.refreshed"
	GiftsRefreshFailed = "gifts.refresh_failed"
)

// RoomEvent is the payload of room.* events.
type RoomEvent struct {
	RoomID   int64  `json:"room_id"`
	Duration int64  `json:"duration_s,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DispatchEvent is the payload of dispatch.* events.
type DispatchEvent struct {
	ID       string `json:"id"`
	RoomID   int64  `json:"room_id"`
	Kind     string `json:"kind"`
	Targets  int    `json:"targets"`
	Failed   int    `json:"failed,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// GiftsEvent is the payload of gifts.* events.
type GiftsEvent struct {
	Scope string `json:"scope"` // "global" or a room id
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}
