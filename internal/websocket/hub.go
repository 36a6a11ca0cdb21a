package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/modelpanel/api/internal/model"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Client is one WebSocket subscriber, pinned to a single job
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// StatusSource lets the hub fetch a job's current state so a subscriber
// that connects mid-job gets a snapshot instead of waiting for the next
// progress update.
type StatusSource func(jobID string) (*model.Job, bool)

// Hub fans job events out to the WebSocket subscribers of each job
type Hub struct {
	// Subscribers grouped by job ID
	subscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan *jobEvent

	status StatusSource

	mu sync.RWMutex
}

// jobEvent is one serialized message addressed to a job's subscribers
type jobEvent struct {
	jobID   string
	payload []byte
}

// NewHub creates an empty hub. Run must be started before any broadcast.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		events:      make(chan *jobEvent, 256),
	}
}

// SetStatusSource wires the job status lookup used for connect-time
// snapshots. Called once during startup, before connections arrive.
func (h *Hub) SetStatusSource(src StatusSource) {
	h.status = src
}

// Run is the hub's event loop. It owns the subscriber map.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.subscribers[client.JobID] == nil {
				h.subscribers[client.JobID] = make(map[*Client]bool)
			}
			h.subscribers[client.JobID][client] = true
			h.mu.Unlock()
			log.Printf("Subscriber attached to job %s", client.JobID)

			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.subscribers[client.JobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.subscribers, client.JobID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("Subscriber detached from job %s", client.JobID)

		case ev := <-h.events:
			h.mu.RLock()
			for client := range h.subscribers[ev.jobID] {
				select {
				case client.Send <- ev.payload:
				default:
					// Slow subscriber, drop it rather than block the loop
					close(client.Send)
					delete(h.subscribers[ev.jobID], client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// sendSnapshot pushes the job's current progress to a fresh subscriber
func (h *Hub) sendSnapshot(client *Client) {
	if h.status == nil {
		return
	}
	job, ok := h.status(client.JobID)
	if !ok {
		return
	}

	msg := model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       job.ID,
		Progress:    job.Progress,
		Status:      job.Status,
		CurrentStep: job.CurrentStep,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case client.Send <- data:
	default:
	}
}

// BroadcastProgress sends a progress update to the job's subscribers
func (h *Hub) BroadcastProgress(jobID string, progress int, status model.JobStatus, step string) {
	h.emit(jobID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       jobID,
		Progress:    progress,
		Status:      status,
		CurrentStep: step,
	})
}

// BroadcastComplete sends the aggregate result to the job's subscribers
func (h *Hub) BroadcastComplete(jobID string, result interface{}) {
	h.emit(jobID, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
}

// BroadcastError reports a failed job to its subscribers
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.emit(jobID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

func (h *Hub) emit(jobID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal event for job %s: %v", jobID, err)
		return
	}
	h.events <- &jobEvent{jobID: jobID, payload: data}
}

// HandleConnection runs a subscriber's read/write loops until the peer
// disconnects. Blocks for the lifetime of the connection.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.register <- client
	defer func() { h.unregister <- client }()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on job %s: %v", jobID, err)
			}
			break
		}

		// Only client-initiated pings are expected inbound
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			client.Send <- pong
		}
	}
}
