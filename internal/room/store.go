package room

import (
	"sync"
	"time"
)

const (
	// ChatHistoryLimit bounds each room's retained chat log. When an append
	// would exceed it the oldest entries are evicted.
	ChatHistoryLimit = 200

	// MaxChatRunes is the longest accepted chat message; longer input is
	// truncated, never rejected.
	MaxChatRunes = 2000

	// MaxNameRunes bounds a viewer's display name the same way.
	MaxNameRunes = 40
)

// roomState holds everything the server tracks for one room. Rooms are
// created on first join and live for the life of the process.
type roomState struct {
	state   PlaybackState
	chat    []ChatEntry
	members map[*client]struct{}
}

// Store owns every room. A single mutex guards the room map and the rooms
// themselves; all mutations stamp timestamps from the injected clock so the
// updatedAt sequence of a room never goes backwards.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*roomState
	clock func() time.Time
}

func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*roomState),
		clock: time.Now,
	}
}

func (s *Store) room(id string) *roomState {
	rm, ok := s.rooms[id]
	if !ok {
		rm = &roomState{members: make(map[*client]struct{})}
		s.rooms[id] = rm
	}
	return rm
}

// stamp returns the current epoch-millisecond timestamp, pinned so it never
// precedes the previous timestamp recorded for the room.
func (s *Store) stamp(rm *roomState) int64 {
	now := s.clock().UnixMilli()
	if now < rm.state.UpdatedAt {
		now = rm.state.UpdatedAt
	}
	return now
}

// Join registers a connection with its room and returns the admission
// snapshot: the playback state and chat history the client must replay.
func (s *Store) Join(roomID string, c *client) (PlaybackState, []ChatEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.room(roomID)
	rm.members[c] = struct{}{}
	history := make([]ChatEntry, len(rm.chat))
	copy(history, rm.chat)
	return rm.state, history
}

// Leave removes a connection. Empty rooms keep their state so a rejoining
// viewer sees the same playback position and chat log.
func (s *Store) Leave(roomID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[roomID]; ok {
		delete(rm.members, c)
	}
}

// AppendChat stamps and stores a chat entry, evicting the oldest entries
// beyond ChatHistoryLimit, and returns the finished entry.
func (s *Store) AppendChat(roomID, from, text string) ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.room(roomID)
	entry := ChatEntry{
		From:   truncateRunes(from, MaxNameRunes),
		Text:   truncateRunes(text, MaxChatRunes),
		SentAt: s.clock().UnixMilli(),
	}
	rm.chat = append(rm.chat, entry)
	if excess := len(rm.chat) - ChatHistoryLimit; excess > 0 {
		rm.chat = append(rm.chat[:0], rm.chat[excess:]...)
	}
	return entry
}

// SetVideo switches the room to a new video and resets playback to a paused
// zero position, returning the stamped state.
func (s *Store) SetVideo(roomID, video string) PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.room(roomID)
	rm.state = PlaybackState{
		Video:     video,
		Playing:   false,
		Position:  0,
		UpdatedAt: s.stamp(rm),
	}
	return rm.state
}

// ApplyControl applies a play, pause or seek to the room and reports whether
// the action was recognized. Positions are clamped at zero; seek leaves the
// playing flag untouched.
func (s *Store) ApplyControl(roomID string, action Action, position float64) (PlaybackState, bool) {
	if position < 0 || position != position {
		position = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.room(roomID)
	switch action {
	case ActionPlay:
		rm.state.Playing = true
		rm.state.Position = position
	case ActionPause:
		rm.state.Playing = false
		rm.state.Position = position
	case ActionSeek:
		rm.state.Position = position
	default:
		return rm.state, false
	}
	rm.state.UpdatedAt = s.stamp(rm)
	return rm.state, true
}

// State returns the room's current playback state without joining it.
func (s *Store) State(roomID string) PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room(roomID).state
}

// Broadcast queues a payload to every member of the room. Delivery is best
// effort: a member whose send buffer is full misses the message rather than
// stalling the room. Enqueueing happens under the store mutex so a member
// can never be handed a payload after Leave has released it; a disconnecting
// client closes its send channel only once Leave has returned.
func (s *Store) Broadcast(roomID string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[roomID]; ok {
		for c := range rm.members {
			c.enqueue(payload)
		}
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
