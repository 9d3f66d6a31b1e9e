package notification

import (
	"log/slog"
	"sync"

	"github.com/keyverify-api/internal/domain"
	"github.com/keyverify-api/internal/infrastructure/metrics"
)

// Hub is a per-process topic registry. A topic is a session jti; its members
// are the connections that joined it.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe/Disconnect are safe under concurrent Publish.
// - Publish never blocks: a full subscriber queue drops the event.
// - Nothing is persisted; late subscribers rely on the status endpoint.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // jti -> connID -> subscriber
	joined map[string]map[string]struct{}    // connID -> set of jti
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		topics: make(map[string]map[string]*Subscriber),
		joined: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds sub to the topic jti. Subscribing twice is a no-op.
func (h *Hub) Subscribe(sub *Subscriber, jti string) {
	if sub == nil || sub.ID == "" || jti == "" {
		return
	}
	h.mu.Lock()
	members, ok := h.topics[jti]
	if !ok {
		members = make(map[string]*Subscriber)
		h.topics[jti] = members
	}
	members[sub.ID] = sub
	topics, ok := h.joined[sub.ID]
	if !ok {
		topics = make(map[string]struct{})
		h.joined[sub.ID] = topics
	}
	topics[jti] = struct{}{}
	h.mu.Unlock()

	h.log.Info("hub.subscribe", "jti", jti, "conn_id", sub.ID)
}

// Unsubscribe removes connID from the topic jti.
func (h *Hub) Unsubscribe(connID, jti string) {
	h.mu.Lock()
	h.removeLocked(connID, jti)
	h.mu.Unlock()

	h.log.Info("hub.unsubscribe", "jti", jti, "conn_id", connID)
}

// Disconnect removes connID from every topic it joined.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	for jti := range h.joined[connID] {
		h.removeLocked(connID, jti)
	}
	delete(h.joined, connID)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(connID, jti string) {
	if members, ok := h.topics[jti]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.topics, jti)
		}
	}
	if topics, ok := h.joined[connID]; ok {
		delete(topics, jti)
		if len(topics) == 0 {
			delete(h.joined, connID)
		}
	}
}

// Publish queues ev to every current member of jti and returns how many
// members received it.
func (h *Hub) Publish(jti string, ev domain.StatusEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.topics[jti] {
		select {
		case <-sub.Done():
			continue
		default:
		}

		select {
		case sub.Send <- ev:
			delivered++
		default:
			metrics.HubDrops.Inc()
			h.log.Warn("hub.drop", "jti", jti, "conn_id", sub.ID)
		}
	}
	metrics.HubDeliveries.Add(float64(delivered))
	return delivered
}

// Subscribers returns the number of members of jti.
func (h *Hub) Subscribers(jti string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[jti])
}
