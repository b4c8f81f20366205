package room

import (
	"encoding/json"
	"time"
)

// inboundMessage is the superset of every client-to-server payload. The
// Type field selects which of the remaining fields are meaningful; anything
// unrecognized or malformed is dropped without a reply.
type inboundMessage struct {
	Type   string  `json:"type"`
	Text   string  `json:"text"`
	Video  string  `json:"video"`
	Action string  `json:"action"`
	Time   float64 `json:"time"`
}

type helloMessage struct {
	Type        string         `json:"type"`
	Viewer      ViewerIdentity `json:"viewer"`
	ChatHistory []ChatEntry    `json:"chatHistory"`
	State       PlaybackState  `json:"state"`
}

type systemMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatMessage struct {
	Type  string    `json:"type"`
	Entry ChatEntry `json:"entry"`
}

type stateMessage struct {
	Type  string        `json:"type"`
	State PlaybackState `json:"state"`
}

type hostGrantedMessage struct {
	Type string `json:"type"`
}

func encodeHello(viewer ViewerIdentity, history []ChatEntry, state PlaybackState) []byte {
	if history == nil {
		history = []ChatEntry{}
	}
	return mustEncode(helloMessage{Type: "hello", Viewer: viewer, ChatHistory: history, State: state})
}

func encodeSystem(text string) []byte {
	return mustEncode(systemMessage{Type: "system", Text: text})
}

func encodeChat(entry ChatEntry) []byte {
	return mustEncode(chatMessage{Type: "chat", Entry: entry})
}

func encodeState(state PlaybackState) []byte {
	return mustEncode(stateMessage{Type: "state", State: state})
}

func encodeHostGranted() []byte {
	return mustEncode(hostGrantedMessage{Type: "hostGranted"})
}

func mustEncode(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

// ArchiveEvent is what the gateway hands to the chat archive queue for each
// chat message and presence change. Consumers receive it as JSON.
type ArchiveEvent struct {
	Kind       string     `json:"kind"`
	Room       string     `json:"room"`
	Entry      *ChatEntry `json:"entry,omitempty"`
	Viewer     string     `json:"viewer,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

const (
	ArchiveKindChat  = "chat"
	ArchiveKindJoin  = "join"
	ArchiveKindLeave = "leave"
)
