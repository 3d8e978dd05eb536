package ws

import "sync"

// Subscriber receives events for one project stream.
type Subscriber interface {
	Send(Event) error
	Close()
}

// Hub fans control-plane events out to per-project subscriber sets. A
// subscriber that fails a send is evicted and closed; a dead connection
// never blocks a publisher.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[Subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[string]map[Subscriber]struct{})}
}

// Register adds a subscriber to the project stream.
func (h *Hub) Register(projectID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[projectID]
	if !ok {
		stream = make(map[Subscriber]struct{})
		h.streams[projectID] = stream
	}
	stream[sub] = struct{}{}
}

// Unregister drops a subscriber; the last one removes the stream.
func (h *Hub) Unregister(projectID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[projectID]
	if !ok {
		return
	}
	delete(stream, sub)
	if len(stream) == 0 {
		delete(h.streams, projectID)
	}
}

// Publish delivers the event to every subscriber of the project stream,
// evicting any that fail.
func (h *Hub) Publish(projectID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[projectID]
	if !ok {
		return
	}
	for sub := range stream {
		if err := sub.Send(event); err != nil {
			sub.Close()
			delete(stream, sub)
		}
	}
	if len(stream) == 0 {
		delete(h.streams, projectID)
	}
}

// Subscribers reports the size of a project stream.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[projectID])
}
