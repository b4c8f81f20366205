package room_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"watchparty/internal/auth"
	"watchparty/internal/observability/metrics"
	"watchparty/internal/room"
	"watchparty/internal/ws"
)

type envelope struct {
	Type        string               `json:"type"`
	Text        string               `json:"text"`
	Viewer      *room.ViewerIdentity `json:"viewer"`
	ChatHistory []room.ChatEntry     `json:"chatHistory"`
	Entry       *room.ChatEntry      `json:"entry"`
	State       *room.PlaybackState  `json:"state"`
}

func startGateway(t *testing.T, secret string) (*httptest.Server, *room.Store) {
	t.Helper()
	store := room.NewStore()
	gateway := room.NewGateway(room.GatewayConfig{
		Store:   store,
		Queue:   room.NewMemoryQueue(8),
		Secret:  auth.NewSecret(secret),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})
	server := httptest.NewServer(http.HandlerFunc(gateway.HandleConnection))
	t.Cleanup(server.Close)
	return server, store
}

func dialRoom(t *testing.T, server *httptest.Server, query string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
	conn, err := ws.Dial(ctx, url, nil, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvEnvelope(t *testing.T, conn *ws.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
	return env
}

// recvType drains messages until one of the wanted type arrives.
func recvType(t *testing.T, conn *ws.Conn, want string) envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := recvEnvelope(t, conn)
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("no %s message within 10 reads", want)
	return envelope{}
}

func sendJSON(t *testing.T, conn *ws.Conn, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteText(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAdmissionHelloAndHostGrant(t *testing.T) {
	server, _ := startGateway(t, "1234")
	conn := dialRoom(t, server, "room=movie-night&name=Ana&pin=1234")

	hello := recvEnvelope(t, conn)
	if hello.Type != "hello" {
		t.Fatalf("expected hello first, got %q", hello.Type)
	}
	if hello.Viewer == nil || hello.Viewer.Name != "Ana" || !hello.Viewer.IsHost {
		t.Fatalf("unexpected viewer identity: %+v", hello.Viewer)
	}
	if hello.ChatHistory == nil || len(hello.ChatHistory) != 0 {
		t.Fatalf("expected empty chat history, got %+v", hello.ChatHistory)
	}
	if hello.State == nil || hello.State.Video != "" || hello.State.Playing {
		t.Fatalf("expected pristine state, got %+v", hello.State)
	}

	if env := recvEnvelope(t, conn); env.Type != "hostGranted" {
		t.Fatalf("expected hostGranted after hello, got %q", env.Type)
	}
	if env := recvType(t, conn, "system"); !strings.Contains(env.Text, "Ana joined") {
		t.Fatalf("unexpected join notice %q", env.Text)
	}
}

func TestAdmissionDefaultsAndWrongPin(t *testing.T) {
	server, _ := startGateway(t, "1234")
	conn := dialRoom(t, server, "pin=9999")

	hello := recvEnvelope(t, conn)
	if hello.Viewer == nil || hello.Viewer.Name != "Guest" || hello.Viewer.IsHost {
		t.Fatalf("expected non-host Guest, got %+v", hello.Viewer)
	}
	// The wrong pin downgrades silently; the next message is the join
	// notice, never hostGranted.
	if env := recvEnvelope(t, conn); env.Type == "hostGranted" {
		t.Fatal("wrong pin must not grant host")
	}
}

func TestChatFansOutToEveryone(t *testing.T) {
	server, _ := startGateway(t, "1234")
	host := dialRoom(t, server, "room=movie-night&name=Ana&pin=1234")
	guest := dialRoom(t, server, "room=movie-night&name=Ben")

	sendJSON(t, guest, map[string]any{"type": "chat", "text": "hello all"})

	for _, conn := range []*ws.Conn{host, guest} {
		env := recvType(t, conn, "chat")
		if env.Entry == nil || env.Entry.From != "Ben" || env.Entry.Text != "hello all" {
			t.Fatalf("unexpected chat entry %+v", env.Entry)
		}
		if env.Entry.SentAt <= 0 {
			t.Fatalf("chat entry missing timestamp: %+v", env.Entry)
		}
	}
}

func TestChatHistoryReplayedOnJoin(t *testing.T) {
	server, _ := startGateway(t, "1234")
	first := dialRoom(t, server, "room=movie-night&name=Ana")
	sendJSON(t, first, map[string]any{"type": "chat", "text": "early message"})
	recvType(t, first, "chat")

	late := dialRoom(t, server, "room=movie-night&name=Ben")
	hello := recvEnvelope(t, late)
	if len(hello.ChatHistory) != 1 || hello.ChatHistory[0].Text != "early message" {
		t.Fatalf("expected replayed history, got %+v", hello.ChatHistory)
	}
}

func TestNonHostControlIsSilentlyIgnored(t *testing.T) {
	server, store := startGateway(t, "1234")
	host := dialRoom(t, server, "room=movie-night&name=Ana&pin=1234")
	guest := dialRoom(t, server, "room=movie-night&name=Ben")

	sendJSON(t, guest, map[string]any{"type": "setVideo", "video": "/videos/heat/playlist.m3u8"})
	sendJSON(t, guest, map[string]any{"type": "control", "action": "play", "time": 30})
	sendJSON(t, guest, map[string]any{"type": "chat", "text": "marker"})

	// The chat marker arrives after the rejected messages were processed,
	// and no state broadcast may precede it.
	for i := 0; i < 10; i++ {
		env := recvEnvelope(t, host)
		if env.Type == "state" {
			t.Fatalf("non-host control triggered state broadcast: %+v", env.State)
		}
		if env.Type == "chat" && env.Entry != nil && env.Entry.Text == "marker" {
			break
		}
	}
	state := store.State("movie-night")
	if state.Video != "" || state.Playing || state.Position != 0 {
		t.Fatalf("non-host control mutated state: %+v", state)
	}
}

func TestHostControlsPlayback(t *testing.T) {
	server, store := startGateway(t, "1234")
	host := dialRoom(t, server, "room=movie-night&name=Ana&pin=1234")
	guest := dialRoom(t, server, "room=movie-night&name=Ben")

	sendJSON(t, host, map[string]any{"type": "setVideo", "video": "/videos/heat/playlist.m3u8"})
	for _, conn := range []*ws.Conn{host, guest} {
		env := recvType(t, conn, "state")
		if env.State == nil || env.State.Video != "/videos/heat/playlist.m3u8" {
			t.Fatalf("unexpected state %+v", env.State)
		}
		if env.State.Playing || env.State.Position != 0 {
			t.Fatalf("setVideo must reset playback, got %+v", env.State)
		}
	}

	sendJSON(t, host, map[string]any{"type": "control", "action": "play", "time": 30})
	env := recvType(t, guest, "state")
	if env.State == nil || !env.State.Playing || env.State.Position != 30 {
		t.Fatalf("unexpected state after play %+v", env.State)
	}
	if env.State.UpdatedAt <= 0 {
		t.Fatalf("state missing timestamp: %+v", env.State)
	}

	sendJSON(t, host, map[string]any{"type": "control", "action": "seek", "time": 95.5})
	env = recvType(t, guest, "state")
	if env.State == nil || env.State.Position != 95.5 {
		t.Fatalf("unexpected state after seek %+v", env.State)
	}
	if !env.State.Playing {
		t.Fatal("seek must not pause playback")
	}

	if state := store.State("movie-night"); state.Position != 95.5 || !state.Playing {
		t.Fatalf("store state out of sync: %+v", state)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	server, _ := startGateway(t, "1234")
	conn := dialRoom(t, server, "room=movie-night&name=Ana")

	if err := conn.WriteText([]byte("this is not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendJSON(t, conn, map[string]any{"type": "mystery"})
	sendJSON(t, conn, map[string]any{"type": "chat", "text": "still alive"})

	env := recvType(t, conn, "chat")
	if env.Entry == nil || env.Entry.Text != "still alive" {
		t.Fatalf("connection did not survive malformed input: %+v", env)
	}
}
