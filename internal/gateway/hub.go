// Package gateway fans build log lines out to live viewers over WebSocket.
// Viewers subscribe to job topics; nothing is persisted or replayed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/launchpad/internal/eventbus"
	"github.com/kiranshivaraju/launchpad/internal/metrics"
)

const DefaultSendBuffer = 256

var (
	ErrInvalidTopic = errors.New("invalid topic")
	ErrHubClosed    = errors.New("hub closed")
)

const (
	EventLog          = "log"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

// Event is a server-to-viewer frame.
type Event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client is one viewer. Its outbound queue is bounded; a viewer that lets it
// fill up is disconnected.
type Client struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *Client) ID() string { return c.id }

// Events yields encoded frames queued for the viewer.
func (c *Client) Events() <-chan []byte { return c.send }

// Done is closed once the hub has dropped the client.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// Hub tracks which clients watch which topics.
type Hub struct {
	sendBuffer int

	mu      sync.RWMutex
	topics  map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}
	closed  bool
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sendBuffer: DefaultSendBuffer,
		topics:     make(map[string]map[*Client]struct{}),
		clients:    make(map[*Client]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewClient registers a client with no subscriptions.
func (h *Hub) NewClient() (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	c := &Client{
		id:   uuid.NewString(),
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.clients[c] = make(map[string]struct{})
	metrics.GatewayConnected()
	return c, nil
}

// Subscribe adds c to topic. Subscribing to a topic nobody publishes on yet is fine.
func (h *Hub) Subscribe(c *Client, topic string) error {
	if _, ok := eventbus.JobIDFromTopic(topic); !ok {
		return ErrInvalidTopic
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	subs, ok := h.clients[c]
	if !ok {
		return ErrHubClosed
	}
	subs[topic] = struct{}{}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.clients[c]; ok {
		delete(subs, topic)
	}
	h.removeFromTopic(c, topic)
}

// Remove drops c from every topic and closes it. Safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	subs, ok := h.clients[c]
	if ok {
		for topic := range subs {
			h.removeFromTopic(c, topic)
		}
		delete(h.clients, c)
	}
	h.mu.Unlock()

	c.close()
	if ok {
		metrics.GatewayDisconnected()
	}
}

// removeFromTopic runs with h.mu held.
func (h *Hub) removeFromTopic(c *Client, topic string) {
	subs := h.topics[topic]
	if subs == nil {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Publish queues a log event for every subscriber of topic without blocking.
// Subscribers whose queue is full are disconnected.
func (h *Hub) Publish(topic, jobID, message string) {
	frame, err := json.Marshal(Event{Type: EventLog, JobID: jobID, Message: message})
	if err != nil {
		slog.Error("encode gateway event", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		delivered := c.enqueue(frame)
		metrics.ObserveDelivery(delivered)
		if !delivered {
			h.dropSlow(c, topic)
		}
	}
}

// Send queues a single event for c, disconnecting it if its queue is full.
func (h *Hub) Send(c *Client, ev Event) bool {
	frame, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if c.enqueue(frame) {
		return true
	}
	h.dropSlow(c, ev.Topic)
	return false
}

func (h *Hub) dropSlow(c *Client, topic string) {
	select {
	case <-c.done:
		return
	default:
	}
	metrics.ObserveSlowConsumer()
	slog.Warn("disconnecting slow viewer", "client_id", c.id, "topic", topic)
	h.Remove(c)
}

// Run publishes every bus message to its topic until msgs closes or ctx ends.
func (h *Hub) Run(ctx context.Context, msgs <-chan eventbus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			h.Publish(msg.Topic, msg.JobID, msg.Text)
		}
	}
}

// Subscribers returns the number of clients watching topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.topics = make(map[string]map[*Client]struct{})
	h.clients = make(map[*Client]map[string]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		metrics.GatewayDisconnected()
	}
}
