package transport

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// Connection limits, carried over from the teacher's DoS-protection
// convention.
const (
	MaxConnectionsPerUser = 10
	MaxTotalConnections   = 10000
)

var hubLogger = log.New(os.Stdout, "[TRANSPORT-HUB] ", log.Ldate|log.Ltime|log.LUTC)

// Hub is the relay's WebSocket fan-out point. It never inspects envelope
// plaintext — it only routes already-sealed Envelope values to whichever
// connection (local or on another relay instance, via PubSub) holds the
// recipient, or to the offline inbox if nobody does.
type Hub struct {
	serverID string

	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	relay      chan *Envelope

	pubsub *PubSub
	inbox  *OfflineInbox

	mu               sync.RWMutex
	totalConnections int32

	shutdown chan struct{}
}

// NewHub wires a relay hub to its cross-instance pubsub and offline inbox.
func NewHub(serverID string, pubsub *PubSub, inbox *OfflineInbox) *Hub {
	return &Hub{
		serverID:   serverID,
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		relay:      make(chan *Envelope, 256),
		pubsub:     pubsub,
		inbox:      inbox,
		shutdown:   make(chan struct{}),
	}
}

// Run is the hub's event loop; call it from its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.pubsub.SubscribeEnvelopes(ctx, h.deliverFromPubSub)

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case env := <-h.relay:
			h.routeEnvelope(env)
		case <-h.shutdown:
			h.closeAllClients()
			return
		case <-ctx.Done():
			h.closeAllClients()
			return
		}
	}
}

// Shutdown stops the hub's event loop and closes every connection.
func (h *Hub) Shutdown() { close(h.shutdown) }

// Register enqueues client for admission to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister enqueues client's removal from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Relay enqueues env for routing to its recipient.
func (h *Hub) Relay(env *Envelope) { h.relay <- env }

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConnections >= MaxTotalConnections {
		hubLogger.Printf("max total connections reached, rejecting user=%s", client.UserID)
		close(client.send)
		return
	}
	if userClients, ok := h.clients[client.UserID]; ok && len(userClients) >= MaxConnectionsPerUser {
		hubLogger.Printf("max connections per user reached, rejecting user=%s", client.UserID)
		close(client.send)
		return
	}

	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true
	atomic.AddInt32(&h.totalConnections, 1)

	ctx := context.Background()
	if err := h.pubsub.RegisterConnection(ctx, client.UserID); err != nil {
		hubLogger.Printf("connection registry update failed for user=%s: %v", client.UserID, err)
	}

	go h.deliverPendingEnvelopes(client)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := userClients[client]; !ok {
		return
	}
	delete(userClients, client)
	close(client.send)
	atomic.AddInt32(&h.totalConnections, -1)

	if len(userClients) == 0 {
		delete(h.clients, client.UserID)
		ctx := context.Background()
		if err := h.pubsub.UnregisterConnection(ctx, client.UserID); err != nil {
			hubLogger.Printf("connection registry cleanup failed for user=%s: %v", client.UserID, err)
		}
	}
}

// routeEnvelope delivers env locally if its recipient holds a connection
// on this instance, forwards it cross-instance via pubsub if they're
// connected elsewhere, and falls back to the offline inbox otherwise.
func (h *Hub) routeEnvelope(env *Envelope) {
	h.mu.RLock()
	localClients, onThisServer := h.clients[env.Receiver]
	h.mu.RUnlock()

	if onThisServer && len(localClients) > 0 {
		data := mustMarshalEnvelope(env)
		for client := range localClients {
			select {
			case client.send <- data:
			default:
				go h.unregisterClient(client)
			}
		}
		return
	}

	ctx := context.Background()
	targetServer, online, err := h.pubsub.LocateUser(ctx, env.Receiver)
	if err != nil {
		hubLogger.Printf("connection lookup failed for user=%s: %v", env.Receiver, err)
	}
	if online && targetServer != "" {
		if err := h.pubsub.PublishEnvelope(ctx, targetServer, env); err != nil {
			hubLogger.Printf("cross-instance publish failed for user=%s: %v", env.Receiver, err)
		}
		return
	}

	if err := h.inbox.Enqueue(ctx, env.Receiver, env); err != nil {
		hubLogger.Printf("offline inbox enqueue failed for user=%s: %v", env.Receiver, err)
	}
}

// deliverFromPubSub handles an envelope another relay instance forwarded
// for one of this instance's locally-connected users.
func (h *Hub) deliverFromPubSub(env *Envelope) {
	h.mu.RLock()
	localClients, ok := h.clients[env.Receiver]
	h.mu.RUnlock()
	if !ok {
		return
	}
	data := mustMarshalEnvelope(env)
	for client := range localClients {
		select {
		case client.send <- data:
		default:
			go h.unregisterClient(client)
		}
	}
}

// deliverPendingEnvelopes flushes client.UserID's offline inbox the moment
// they reconnect.
func (h *Hub) deliverPendingEnvelopes(client *Client) {
	ctx := context.Background()
	envelopes, err := h.inbox.Drain(ctx, client.UserID)
	if err != nil {
		hubLogger.Printf("inbox drain failed for user=%s: %v", client.UserID, err)
		return
	}
	for _, env := range envelopes {
		select {
		case client.send <- mustMarshalEnvelope(env):
		default:
			return
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			close(client.send)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}

func mustMarshalEnvelope(env *Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		hubLogger.Printf("envelope marshal failed: %v", err)
		return []byte("{}")
	}
	return data
}
