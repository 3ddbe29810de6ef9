package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/redis"
	"github.com/mossy-p/roomcall/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Membership is the room store the hub registers logins with.
type Membership interface {
	Join(ctx context.Context, room, user string) (models.Role, error)
	Leave(ctx context.Context, room, user string) (int, error)
	Room(ctx context.Context, room string) (*models.RoomInfo, error)
	Ping(ctx context.Context) error
}

var _ Membership = (*redis.Store)(nil)

// Room manages the connected members of one room
type Room struct {
	Name  string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	ID    string
	Conn  *websocket.Conn
	Send  chan []byte
	codec wire.Codec

	// identity and room are set once by login, on the read goroutine.
	identity models.Identity
	room     *Room
}

// Hub relays signaling messages between the members of each room.
type Hub struct {
	store    Membership
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewHub(store Membership, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store: store,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    wire.Subprotocols,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
		rooms: make(map[string]*Room),
	}
}

// HandleSignaling upgrades the request and serves one participant.
func (h *Hub) HandleSignaling(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		ID:    uuid.New().String(),
		Conn:  conn,
		Send:  make(chan []byte, sendBuffer),
		codec: wire.ForSubprotocol(conn.Subprotocol()),
	}
	h.log.Debug("connection opened", "client", client.ID, "codec", client.codec.Name())

	go client.writePump(h.log)
	go h.readPump(client)
}

func (h *Hub) getOrCreateRoom(name string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[name]
	if !exists {
		room = &Room{Name: name, Peers: make(map[string]*Client)}
		h.rooms[name] = room
		h.log.Debug("created room", "room", name)
	}
	return room
}

// Connected returns the number of logged-in connections in room.
func (h *Hub) Connected(name string) int {
	h.mu.RLock()
	room, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.Peers)
}

func (r *Room) addClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Peers[client.ID] = client
}

func (h *Hub) removeClient(r *Room, client *Client) {
	// Lock order: hub, then room.
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.Peers, client.ID)
	if len(r.Peers) == 0 && h.rooms[r.Name] == r {
		delete(h.rooms, r.Name)
		h.log.Debug("removed empty room", "room", r.Name)
	}
}

// broadcast sends event from sender to every other member, encoded with
// each recipient's own codec.
func (r *Room) broadcast(log *slog.Logger, event models.Event, sender *Client, payload any) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, peer := range r.Peers {
		if id == sender.ID {
			continue
		}
		peer.queue(log, event, 0, sender.identity.UserName, payload)
	}
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		// Leave first so no broadcast can reach the closed send channel.
		if c.room != nil {
			h.leave(c)
		}
		close(c.Send)
		c.Conn.Close()
		h.log.Debug("connection closed", "client", c.ID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("websocket error", "client", c.ID, "error", err)
			}
			return
		}

		frame, err := c.codec.DecodeFrame(message)
		if err != nil {
			h.log.Warn("failed to parse frame", "client", c.ID, "error", err)
			c.sendError(h.log, "malformed frame")
			continue
		}
		h.route(c, frame)
	}
}

func (h *Hub) route(c *Client, frame *wire.Frame) {
	msg := wire.NewMessage(c.codec, frame)

	switch {
	case frame.Event == models.EventLogin:
		h.login(c, frame.ID, msg)
	case !frame.Event.Relayed():
		h.log.Warn("unknown event", "client", c.ID, "event", frame.Event)
		c.sendError(h.log, "unknown event "+string(frame.Event))
	case c.room == nil:
		c.sendError(h.log, "login required")
	default:
		payload, err := decodeRelayed(msg)
		if err != nil {
			h.log.Warn("malformed payload", "client", c.ID, "event", frame.Event, "error", err)
			c.sendError(h.log, "malformed "+string(frame.Event)+" payload")
			return
		}
		c.room.broadcast(h.log, frame.Event, c, payload)
	}
}

// decodeRelayed decodes a relayed payload into its typed form so it can be
// re-encoded for recipients using another codec.
func decodeRelayed(msg wire.Message) (any, error) {
	switch msg.Event {
	case models.EventSendSDP:
		var desc webrtc.SessionDescription
		if err := msg.Decode(&desc); err != nil {
			return nil, err
		}
		if msg.IsNull() || desc.SDP == "" {
			return nil, errors.New("empty session description")
		}
		return desc, nil
	case models.EventCandidate:
		if msg.IsNull() {
			return nil, nil
		}
		var c webrtc.ICECandidateInit
		if err := msg.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return "", nil
	}
}

func (h *Hub) login(c *Client, id uint64, msg wire.Message) {
	reply := func(ack models.LoginAck) {
		c.queue(h.log, models.EventAck, id, "", ack)
	}

	if c.room != nil {
		reply(models.LoginAck{Reason: "already logged in"})
		return
	}

	var req models.LoginRequest
	if err := msg.Decode(&req); err != nil || req.UserName == "" || req.RoomName == "" {
		reply(models.LoginAck{Reason: "userName and roomName are required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	role, err := h.store.Join(ctx, req.RoomName, req.UserName)
	switch {
	case errors.Is(err, redis.ErrNameTaken), errors.Is(err, redis.ErrRoomFull):
		reply(models.LoginAck{Reason: err.Error()})
		return
	case err != nil:
		h.log.Error("failed to join room", "room", req.RoomName, "error", err)
		reply(models.LoginAck{Reason: "internal error"})
		return
	}

	c.identity = models.Identity{UserName: req.UserName, RoomName: req.RoomName}
	c.room = h.getOrCreateRoom(req.RoomName)
	c.room.addClient(c)
	reply(models.LoginAck{Success: true, Role: role})

	h.log.Info("peer joined room", "room", req.RoomName, "user", req.UserName, "role", role, "client", c.ID)
}

func (h *Hub) leave(c *Client) {
	h.removeClient(c.room, c)

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	remaining, err := h.store.Leave(ctx, c.identity.RoomName, c.identity.UserName)
	if err != nil {
		h.log.Error("failed to leave room", "room", c.identity.RoomName, "error", err)
	}

	// Notify other peers
	c.room.broadcast(h.log, models.EventLeave, c, nil)

	h.log.Info("peer left room", "room", c.identity.RoomName, "user", c.identity.UserName, "remaining", remaining)
}

func (c *Client) writePump(log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(c.codec.MessageType(), message); err != nil {
				log.Debug("failed to write message", "client", c.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queue encodes a frame for c and buffers it without blocking.
func (c *Client) queue(log *slog.Logger, event models.Event, id uint64, sender string, payload any) {
	frame, err := wire.NewFrame(c.codec, event, id, sender, payload)
	if err != nil {
		log.Error("failed to encode payload", "event", event, "error", err)
		return
	}
	data, err := c.codec.EncodeFrame(frame)
	if err != nil {
		log.Error("failed to encode frame", "event", event, "error", err)
		return
	}

	select {
	case c.Send <- data:
	default:
		log.Warn("failed to send message, buffer full", "client", c.ID, "event", event)
	}
}

func (c *Client) sendError(log *slog.Logger, reason string) {
	c.queue(log, models.EventError, 0, "", models.ErrorPayload{Error: reason})
}
