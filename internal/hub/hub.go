package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
)

const (
	EventNew          = "queue.new"
	EventStatus       = "queue.status"
	EventCalled       = "queue.called"
	EventRecalled     = "queue.recalled"
	EventClearServing = "queue.clear_serving"
	EventError        = "queue.error"
)

const replaySendTimeout = 5 * time.Second

// Event is the versioned envelope pushed to subscribers. Version carries the
// entry's department-scoped mutation version so clients can dedupe and ask
// for catch-up from the last one they saw.
type Event struct {
	Type         string             `json:"type"`
	DepartmentID string             `json:"department_id"`
	Entry        *models.QueueEntry `json:"entry,omitempty"`
	CounterID    int                `json:"counter_id,omitempty"`
	Version      int64              `json:"version"`
	Timestamp    time.Time          `json:"timestamp"`
}

type Subscription struct {
	DepartmentID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu            sync.RWMutex
	clients       map[string]*Client
	replayTimeout time.Duration
}

type ClientMessage struct {
	Action       string `json:"action"`
	DepartmentID string `json:"department_id"`
	LastVersion  int64  `json:"last_version"`
}

func New() *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		replayTimeout: replaySendTimeout,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Publish fans the event out to every subscriber of its department. Slow
// consumers are skipped, not waited on; delivery is best-effort and clients
// recover gaps by version.
func (h *Hub) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("hub marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		// Clients with no subscription receive nothing.
		if client.Subscription.DepartmentID != event.DepartmentID {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop event for client %s", client.ID)
		}
	}
}

// Replay serializes a catch-up batch for one client in version order. Unlike
// live publishing, replay is the mechanism clients use to repair gaps, so a
// slow consumer is waited on up to a timeout rather than skipped; a timeout
// aborts the batch and returns false so the caller can tell the client to
// retry instead of leaving it silently gapped.
func (h *Hub) Replay(client *Client, departmentID string, entries []models.QueueEntry) bool {
	for i := range entries {
		event := Event{
			Type:         EventStatus,
			DepartmentID: departmentID,
			Entry:        &entries[i],
			Version:      entries[i].Version,
			Timestamp:    time.Now().UTC(),
		}
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("hub marshal error: %v", err)
			continue
		}
		select {
		case client.Send <- payload:
		case <-time.After(h.replayTimeout):
			log.Printf("replay to client %s timed out after %d of %d events", client.ID, i, len(entries))
			return false
		}
	}
	return true
}

// ErrorEvent tells a client that a requested action failed; it must retry
// rather than assume it is caught up.
type ErrorEvent struct {
	Type         string `json:"type"`
	Action       string `json:"action"`
	DepartmentID string `json:"department_id"`
	Message      string `json:"message"`
}

func (h *Hub) SendError(client *Client, action, departmentID, message string) {
	payload, err := json.Marshal(ErrorEvent{
		Type:         EventError,
		Action:       action,
		DepartmentID: departmentID,
		Message:      message,
	})
	if err != nil {
		log.Printf("hub marshal error: %v", err)
		return
	}
	select {
	case client.Send <- payload:
	default:
		log.Printf("drop error event for client %s", client.ID)
	}
}

func ParseMessage(data []byte) (ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, false
	}
	switch msg.Action {
	case "subscribe", "unsubscribe", "recover", "sync":
		return msg, true
	}
	return ClientMessage{}, false
}
