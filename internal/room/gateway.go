package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"watchparty/internal/auth"
	"watchparty/internal/observability/metrics"
	"watchparty/internal/ws"
)

const (
	// DefaultRoom is joined when the client names no room.
	DefaultRoom = "family"
	// DefaultName identifies viewers who give no display name.
	DefaultName = "Guest"
)

// GatewayConfig configures a room Gateway.
type GatewayConfig struct {
	Store   *Store
	Queue   Queue
	Secret  auth.Secret
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// HeartbeatInterval controls how often ping frames are sent to connected
	// clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway admits WebSocket viewers into rooms, fans room events out to them
// and applies the host-authority rules: any viewer may chat, only viewers
// admitted with the host secret may change the video or the playback state.
type Gateway struct {
	store   *Store
	queue   Queue
	secret  auth.Secret
	logger  *slog.Logger
	metrics *metrics.Recorder

	heartbeatInterval time.Duration
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Gateway{
		store:             cfg.Store,
		queue:             cfg.Queue,
		secret:            cfg.Secret,
		logger:            logger,
		metrics:           recorder,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// HandleConnection upgrades the request to a WebSocket connection and admits
// the viewer into the room named by the query string. Identity is fixed at
// admission: room, display name, and host status never change afterwards.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := query.Get("room")
	if roomID == "" {
		roomID = DefaultRoom
	}
	name := truncateRunes(query.Get("name"), MaxNameRunes)
	if name == "" {
		name = DefaultName
	}
	isHost := g.secret.Verify(query.Get("pin"))

	conn, err := ws.Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		gateway: g,
		conn:    conn,
		roomID:  roomID,
		name:    name,
		isHost:  isHost,
		send:    make(chan []byte, 16),
		cancel:  cancel,
	}

	state, history := g.store.Join(roomID, c)
	g.metrics.ViewerConnected()
	g.logger.Info("viewer joined", "room", roomID, "name", name, "host", isHost)

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}

	// The admission snapshot goes to the new connection alone; the room
	// only hears about the join.
	c.enqueue(encodeHello(ViewerIdentity{Name: name, IsHost: isHost}, history, state))
	if isHost {
		c.enqueue(encodeHostGranted())
	}
	g.store.Broadcast(roomID, encodeSystem(name+" joined."))
	g.publish(ctx, ArchiveEvent{Kind: ArchiveKindJoin, Room: roomID, Viewer: name, OccurredAt: time.Now().UTC()})

	go c.readLoop(ctx)
}

func (g *Gateway) publish(ctx context.Context, event ArchiveEvent) {
	if g.queue == nil {
		return
	}
	if err := g.queue.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish archive event", "error", err)
	}
}

type client struct {
	gateway *Gateway
	conn    *ws.Conn
	roomID  string
	name    string
	isHost  bool
	send    chan []byte
	closed  sync.Once
	cancel  context.CancelFunc
}

// enqueue hands a payload to the write loop without blocking. Slow consumers
// lose messages instead of backing up the room.
func (c *client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	defer c.close()
	for payload := range c.send {
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Malformed input is dropped without a reply.
			continue
		}
		switch msg.Type {
		case "chat":
			c.handleChat(ctx, msg.Text)
		case "setVideo":
			c.handleSetVideo(msg.Video)
		case "control":
			c.handleControl(msg)
		}
	}
}

func (c *client) handleChat(ctx context.Context, text string) {
	entry := c.gateway.store.AppendChat(c.roomID, c.name, text)
	c.gateway.store.Broadcast(c.roomID, encodeChat(entry))
	c.gateway.metrics.ObserveRoomMessage("chat")
	c.gateway.publish(ctx, ArchiveEvent{
		Kind:       ArchiveKindChat,
		Room:       c.roomID,
		Entry:      &entry,
		OccurredAt: time.Now().UTC(),
	})
}

func (c *client) handleSetVideo(video string) {
	if !c.isHost || video == "" {
		return
	}
	state := c.gateway.store.SetVideo(c.roomID, video)
	c.gateway.store.Broadcast(c.roomID, encodeState(state))
	c.gateway.metrics.ObserveRoomMessage("setVideo")
}

func (c *client) handleControl(msg inboundMessage) {
	if !c.isHost {
		return
	}
	state, ok := c.gateway.store.ApplyControl(c.roomID, Action(msg.Action), msg.Time)
	if !ok {
		return
	}
	c.gateway.store.Broadcast(c.roomID, encodeState(state))
	c.gateway.metrics.ObserveRoomMessage("control")
}

func (c *client) close() {
	c.closed.Do(func() {
		c.cancel()
		c.gateway.store.Leave(c.roomID, c)
		close(c.send)
		_ = c.conn.Close()
		c.gateway.metrics.ViewerDisconnected()
		c.gateway.store.Broadcast(c.roomID, encodeSystem(c.name+" left."))
		c.gateway.publish(context.Background(), ArchiveEvent{
			Kind:       ArchiveKindLeave,
			Room:       c.roomID,
			Viewer:     c.name,
			OccurredAt: time.Now().UTC(),
		})
		c.gateway.logger.Info("viewer left", "room", c.roomID, "name", c.name)
	})
}
