// Package stream pushes deployment snapshots to watching clients.
package stream

import (
	"encoding/json"

	"log/slog"

	"github.com/launchkit-dev/launchkit/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// subscription defines attach/detach requests.
type subscription struct {
	deploymentID string
	client       Subscriber
}

// event couples a payload with its deployment and terminality.
type event struct {
	deploymentID string
	payload      []byte
	terminal     bool
}

// Hub manages snapshot streams, one subscriber per deployment id. A second
// subscriber for the same deployment supersedes the first, whose stream is
// closed. Subscribers observe; they never influence orchestration.
type Hub struct {
	logger *slog.Logger

	attach  chan subscription
	detach  chan subscription
	publish chan event
	done    chan struct{}

	clients map[string]Subscriber
	latest  map[string][]byte
}

// NewHub creates a running Hub.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:  logger,
		attach:  make(chan subscription),
		detach:  make(chan subscription),
		publish: make(chan event, 64),
		done:    make(chan struct{}),
		clients: make(map[string]Subscriber),
		latest:  make(map[string][]byte),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			return

		case sub := <-h.attach:
			if prev, ok := h.clients[sub.deploymentID]; ok {
				prev.Close()
				h.logger.Debug("stream subscriber superseded", "deployment_id", sub.deploymentID)
			}
			h.clients[sub.deploymentID] = sub.client
			// Replay the last snapshot so a late subscriber starts current.
			if payload, ok := h.latest[sub.deploymentID]; ok {
				if err := sub.client.Send(payload); err != nil {
					sub.client.Close()
					delete(h.clients, sub.deploymentID)
				}
			}

		case sub := <-h.detach:
			// Only the registered instance may detach itself; a superseded
			// client must not evict its successor.
			if current, ok := h.clients[sub.deploymentID]; ok && current == sub.client {
				delete(h.clients, sub.deploymentID)
			}
			sub.client.Close()

		case ev := <-h.publish:
			h.latest[ev.deploymentID] = ev.payload
			if client, ok := h.clients[ev.deploymentID]; ok {
				if err := client.Send(ev.payload); err != nil {
					client.Close()
					delete(h.clients, ev.deploymentID)
				}
			}
			if ev.terminal {
				if client, ok := h.clients[ev.deploymentID]; ok {
					client.Close()
					delete(h.clients, ev.deploymentID)
				}
				delete(h.latest, ev.deploymentID)
			}
		}
	}
}

// Subscribe attaches a client to a deployment's snapshot stream.
func (h *Hub) Subscribe(deploymentID string, client Subscriber) {
	select {
	case h.attach <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unsubscribe detaches a client. Orchestration continues unaffected.
func (h *Hub) Unsubscribe(deploymentID string, client Subscriber) {
	select {
	case h.detach <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.done:
	}
}

// Publish delivers a snapshot to the deployment's subscriber, if any.
func (h *Hub) Publish(deploymentID string, snap domain.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("encode snapshot failed", "deployment_id", deploymentID, "error", err)
		return
	}
	select {
	case h.publish <- event{deploymentID: deploymentID, payload: payload, terminal: domain.IsTerminalState(snap.Status)}:
	case <-h.done:
	}
}

// Close shuts the hub down and closes every subscriber.
func (h *Hub) Close() {
	close(h.done)
}
