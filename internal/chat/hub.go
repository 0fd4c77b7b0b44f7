package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go-support/internal/staff"
)

// NoticeChannel is the redis pub/sub channel shared by every instance.
const NoticeChannel = "support-notices"

const presenceTimeout = 5 * time.Second

// Presence is what the hub needs from the staff registry.
type Presence interface {
	SetOnline(ctx context.Context, staffID string, online bool) (staff.Load, error)
	Touch(ctx context.Context, staffID string) (staff.Load, error)
}

// BroadcastMessage is the envelope published to redis. TargetID is the staff
// member whose sockets should receive Payload.
type BroadcastMessage struct {
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Hub keeps the staff websocket connections of this instance and fans notices
// out to them. Only Run touches clients.
type Hub struct {
	clients    map[string]map[*Client]bool
	broadcast  chan BroadcastMessage // From Redis (or local Notify) -> Clients
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	redis    *redis.Client
	presence Presence

	connMu sync.Mutex
	conns  map[string]int
}

var _ Notifier = &Hub{}

// NewHub creates a hub. With a nil redis client notices are delivered to this
// instance only.
func NewHub(redisClient *redis.Client, presence Presence) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      redisClient,
		presence:   presence,
		conns:      make(map[string]int),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			set, ok := h.clients[client.StaffID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.StaffID] = set
			}
			set[client] = true

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			for client := range h.clients[msg.TargetID] {
				select {
				case client.send <- msg.Payload:
				default:
					log.Warn().Str("staff_id", client.StaffID).Msg("staff socket too slow, dropping connection")
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.StaffID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.StaffID)
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		for _, set := range h.clients {
			for client := range set {
				close(client.send)
			}
		}
		h.clients = make(map[string]map[*Client]bool)
	})
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Notify publishes n for staffID. It implements Notifier.
func (h *Hub) Notify(ctx context.Context, staffID string, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "encode notice")
	}
	msg := BroadcastMessage{TargetID: staffID, Payload: payload}

	if h.redis == nil {
		return h.deliver(ctx, msg)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode broadcast")
	}
	return errors.Wrap(h.redis.Publish(ctx, NoticeChannel, data).Err(), "publish notice")
}

func (h *Hub) deliver(ctx context.Context, msg BroadcastMessage) error {
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return errors.New("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeToRedis forwards notices published by any instance to the local
// clients. It returns when ctx is cancelled.
func (h *Hub) SubscribeToRedis(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}
	pubsub := h.redis.Subscribe(ctx, NoticeChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg BroadcastMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Warn().Err(err).Msg("dropping malformed notice")
				continue
			}
			if err := h.deliver(ctx, msg); err != nil {
				return nil
			}
		}
	}
}

// Connect counts a new socket for staffID and marks the staff member online;
// first reports the zero to one transition.
func (h *Hub) Connect(ctx context.Context, staffID string) (first bool, err error) {
	h.connMu.Lock()
	h.conns[staffID]++
	first = h.conns[staffID] == 1
	h.connMu.Unlock()

	if err := h.syncPresence(ctx, staffID); err != nil {
		h.Disconnect(staffID)
		return false, errors.Wrap(err, "staff online")
	}
	if first {
		log.Info().Str("staff_id", staffID).Msg("staff online")
	}
	return first, nil
}

// Disconnect undoes Connect. The last socket going away marks the staff
// member offline.
func (h *Hub) Disconnect(staffID string) {
	h.connMu.Lock()
	n := h.conns[staffID] - 1
	if n <= 0 {
		delete(h.conns, staffID)
	} else {
		h.conns[staffID] = n
	}
	h.connMu.Unlock()

	if n > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.syncPresence(ctx, staffID); err != nil {
		log.Error().Err(err).Str("staff_id", staffID).Msg("failed to mark staff offline")
		return
	}
	log.Info().Str("staff_id", staffID).Msg("staff offline")
}

// syncPresence writes the online flag implied by the connection count, then
// re-reads the count and writes again if it flipped meanwhile. The caller whose
// write lands last always re-checks, so concurrent connects and disconnects
// converge without holding a lock across the store call.
func (h *Hub) syncPresence(ctx context.Context, staffID string) error {
	want := h.Connections(staffID) > 0
	for {
		if _, err := h.presence.SetOnline(ctx, staffID, want); err != nil {
			return err
		}
		now := h.Connections(staffID) > 0
		if now == want {
			return nil
		}
		want = now
	}
}

// Touch records a heartbeat from one of staffID's sockets.
func (h *Hub) Touch(staffID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if _, err := h.presence.Touch(ctx, staffID); err != nil {
		log.Warn().Err(err).Str("staff_id", staffID).Msg("failed to record staff heartbeat")
	}
}

// Connections returns how many sockets staffID has on this instance.
func (h *Hub) Connections(staffID string) int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.conns[staffID]
}
