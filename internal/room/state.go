package room

// PlaybackState is the authoritative, timestamped description of what every
// client in a room should be playing: at UpdatedAt (epoch milliseconds,
// server clock) playback was at Position seconds, moving forward iff Playing.
// It is mutated only by the gateway on host-authorized messages.
type PlaybackState struct {
	Video     string  `json:"video,omitempty"`
	Playing   bool    `json:"playing"`
	Position  float64 `json:"time"`
	UpdatedAt int64   `json:"updatedAt"`
}

// ChatEntry is one room chat message. Entries are immutable once stamped.
type ChatEntry struct {
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"ts"`
}

// ViewerIdentity describes a connection as reported back to it on admission.
type ViewerIdentity struct {
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
}

// Action enumerates the host playback controls.
type Action string

const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionSeek  Action = "seek"
)
