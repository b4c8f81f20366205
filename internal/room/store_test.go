package room

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(start time.Time) (*Store, *time.Time) {
	now := start
	store := NewStore()
	store.clock = func() time.Time { return now }
	return store, &now
}

func TestAppendChatEvictsOldest(t *testing.T) {
	store, _ := newTestStore(time.UnixMilli(1_000))
	for i := 0; i < ChatHistoryLimit+5; i++ {
		store.AppendChat("movie-night", "alice", fmt.Sprintf("message %d", i))
	}
	_, history := store.Join("movie-night", &client{send: make(chan []byte, 1)})
	if len(history) != ChatHistoryLimit {
		t.Fatalf("expected %d entries, got %d", ChatHistoryLimit, len(history))
	}
	if history[0].Text != "message 5" {
		t.Fatalf("expected oldest surviving entry to be message 5, got %q", history[0].Text)
	}
	if last := history[len(history)-1].Text; last != "message 204" {
		t.Fatalf("expected newest entry to be message 204, got %q", last)
	}
}

func TestAppendChatTruncatesTextAndName(t *testing.T) {
	store, _ := newTestStore(time.UnixMilli(1_000))
	entry := store.AppendChat("movie-night", strings.Repeat("n", MaxNameRunes+10), strings.Repeat("x", MaxChatRunes+100))
	if got := len([]rune(entry.From)); got != MaxNameRunes {
		t.Fatalf("expected name truncated to %d runes, got %d", MaxNameRunes, got)
	}
	if got := len([]rune(entry.Text)); got != MaxChatRunes {
		t.Fatalf("expected text truncated to %d runes, got %d", MaxChatRunes, got)
	}
}

func TestSetVideoResetsPlayback(t *testing.T) {
	store, now := newTestStore(time.UnixMilli(5_000))
	store.ApplyControl("movie-night", ActionPlay, 120)
	*now = now.Add(time.Second)
	state := store.SetVideo("movie-night", "/videos/heat/playlist.m3u8")
	if state.Video != "/videos/heat/playlist.m3u8" {
		t.Fatalf("unexpected video %q", state.Video)
	}
	if state.Playing || state.Position != 0 {
		t.Fatalf("expected paused state at zero, got playing=%v time=%v", state.Playing, state.Position)
	}
	if state.UpdatedAt != 6_000 {
		t.Fatalf("expected updatedAt 6000, got %d", state.UpdatedAt)
	}
}

func TestApplyControlSemantics(t *testing.T) {
	store, _ := newTestStore(time.UnixMilli(1_000))

	state, ok := store.ApplyControl("movie-night", ActionPlay, 10)
	if !ok || !state.Playing || state.Position != 10 {
		t.Fatalf("play: got ok=%v state=%+v", ok, state)
	}

	state, ok = store.ApplyControl("movie-night", ActionSeek, 42.5)
	if !ok || state.Position != 42.5 {
		t.Fatalf("seek: got ok=%v state=%+v", ok, state)
	}
	if !state.Playing {
		t.Fatal("seek must not change the playing flag")
	}

	state, ok = store.ApplyControl("movie-night", ActionPause, -3)
	if !ok || state.Playing || state.Position != 0 {
		t.Fatalf("pause with negative position: got ok=%v state=%+v", ok, state)
	}

	before := store.State("movie-night")
	state, ok = store.ApplyControl("movie-night", Action("rewind"), 5)
	if ok {
		t.Fatal("unknown action must be rejected")
	}
	if state != before {
		t.Fatalf("unknown action mutated state: %+v != %+v", state, before)
	}
}

func TestUpdatedAtNeverGoesBackwards(t *testing.T) {
	store, now := newTestStore(time.UnixMilli(10_000))
	store.ApplyControl("movie-night", ActionPlay, 1)
	// A clock step backwards must not produce an earlier timestamp.
	*now = time.UnixMilli(4_000)
	state, _ := store.ApplyControl("movie-night", ActionSeek, 2)
	if state.UpdatedAt != 10_000 {
		t.Fatalf("expected timestamp pinned at 10000, got %d", state.UpdatedAt)
	}
	*now = time.UnixMilli(11_000)
	state = store.SetVideo("movie-night", "/videos/x/playlist.m3u8")
	if state.UpdatedAt != 11_000 {
		t.Fatalf("expected timestamp to advance to 11000, got %d", state.UpdatedAt)
	}
}

func TestRoomStateSurvivesLastLeave(t *testing.T) {
	store, _ := newTestStore(time.UnixMilli(1_000))
	c := &client{send: make(chan []byte, 1)}
	store.Join("movie-night", c)
	store.SetVideo("movie-night", "/videos/heat/playlist.m3u8")
	store.AppendChat("movie-night", "alice", "hello")
	store.Leave("movie-night", c)

	state, history := store.Join("movie-night", &client{send: make(chan []byte, 1)})
	if state.Video != "/videos/heat/playlist.m3u8" {
		t.Fatalf("state lost after room emptied: %+v", state)
	}
	if len(history) != 1 || history[0].Text != "hello" {
		t.Fatalf("chat lost after room emptied: %+v", history)
	}
}

func TestBroadcastDuringDisconnectDoesNotPanic(t *testing.T) {
	store, _ := newTestStore(time.UnixMilli(1_000))
	const viewers = 64
	clients := make([]*client, viewers)
	for i := range clients {
		clients[i] = &client{send: make(chan []byte, 1)}
		store.Join("movie-night", clients[i])
	}

	stop := make(chan struct{})
	var broadcaster sync.WaitGroup
	broadcaster.Add(1)
	go func() {
		defer broadcaster.Done()
		for {
			select {
			case <-stop:
				return
			default:
				store.Broadcast("movie-night", []byte(`{"type":"system","text":"hi"}`))
			}
		}
	}()

	// Every client disconnects mid-broadcast using the same sequence the
	// gateway runs: leave the room, then close the send channel. A payload
	// handed to an already-closed channel would panic the broadcaster.
	var leavers sync.WaitGroup
	for _, c := range clients {
		leavers.Add(1)
		go func(c *client) {
			defer leavers.Done()
			store.Leave("movie-night", c)
			close(c.send)
		}(c)
	}
	leavers.Wait()
	close(stop)
	broadcaster.Wait()
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	store, _ := newTestStore(time.UnixMilli(1_000))
	slow := &client{send: make(chan []byte)}
	fast := &client{send: make(chan []byte, 4)}
	store.Join("movie-night", slow)
	store.Join("movie-night", fast)

	done := make(chan struct{})
	go func() {
		store.Broadcast("movie-night", []byte(`{"type":"system","text":"hi"}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	select {
	case payload := <-fast.send:
		if string(payload) != `{"type":"system","text":"hi"}` {
			t.Fatalf("unexpected payload %s", payload)
		}
	default:
		t.Fatal("fast client did not receive the broadcast")
	}
}
