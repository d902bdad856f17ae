package hub

import (
	"log/slog"
	"sync"

	"github.com/zxbdzh/new-year/domain"
)

// Hub is the directory of live connections. Sends never block: a connection
// whose buffer is full is dropped and closed so the others keep receiving.
type Hub struct {
	conns map[string]domain.Connection
	mu    sync.RWMutex
}

func New() *Hub {
	return &Hub{
		conns: make(map[string]domain.Connection),
	}
}

func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	count := len(h.conns)
	h.mu.Unlock()

	slog.Info("client connected", "clientId", conn.ID(), "clients", count)
}

func (h *Hub) Unregister(conn domain.Connection) {
	h.mu.Lock()
	current, exists := h.conns[conn.ID()]
	if !exists || current != conn {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID())
	count := len(h.conns)
	h.mu.Unlock()

	slog.Info("client disconnected", "clientId", conn.ID(), "clients", count)
}

func (h *Hub) SendTo(id string, data []byte) bool {
	h.mu.RLock()
	conn, exists := h.conns[id]
	h.mu.RUnlock()

	if !exists {
		return false
	}
	if err := conn.Send(data); err != nil {
		h.drop(conn, err)
		return false
	}
	return true
}

func (h *Hub) Broadcast(ids []string, exceptID string, data []byte) {
	h.mu.RLock()
	targets := make([]domain.Connection, 0, len(ids))
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		if conn, ok := h.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			h.drop(conn, err)
		}
	}
}

func (h *Hub) drop(conn domain.Connection, err error) {
	slog.Warn("dropping slow client", "clientId", conn.ID(), "error", err)
	h.Unregister(conn)
	go conn.Close()
}

func (h *Hub) Stats() (connections int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
