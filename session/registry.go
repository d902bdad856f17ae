package session

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zxbdzh/new-year/domain"
)

const DefaultIdleTimeout = 5 * time.Minute

// nameCounter is the collision state for one original name. refs counts the
// live sessions carrying that original name; the counter dies with the last one.
type nameCounter struct {
	next int
	refs int
}

type Registry struct {
	sessions map[string]*domain.Session
	names    map[string]*nameCounter
	now      func() time.Time
	mu       sync.RWMutex
}

func New() *Registry {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Registry {
	return &Registry{
		sessions: make(map[string]*domain.Session),
		names:    make(map[string]*nameCounter),
		now:      now,
	}
}

// Create stores a session for connID under a display name no other live
// session uses. An existing session for connID is replaced.
func (r *Registry) Create(connID, requestedName string) domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connID]; exists {
		r.removeLocked(connID)
	}

	display := r.uniqueNameLocked(requestedName)
	counter, ok := r.names[requestedName]
	if !ok {
		counter = &nameCounter{}
		r.names[requestedName] = counter
	}
	counter.refs++

	now := r.now()
	s := &domain.Session{
		ID:           connID,
		DisplayName:  display,
		OriginalName: requestedName,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
	r.sessions[connID] = s

	if display != requestedName {
		slog.Info("session created", "sessionId", connID, "name", display, "requested", requestedName)
	} else {
		slog.Info("session created", "sessionId", connID, "name", display)
	}
	return *s
}

func (r *Registry) uniqueNameLocked(requested string) string {
	if !r.nameInUseLocked(requested) {
		return requested
	}

	n := 2
	if c, ok := r.names[requested]; ok && c.next > 0 {
		n = c.next
	}
	candidate := requested + strconv.Itoa(n)
	for r.nameInUseLocked(candidate) {
		n++
		candidate = requested + strconv.Itoa(n)
	}

	c, ok := r.names[requested]
	if !ok {
		c = &nameCounter{}
		r.names[requested] = c
	}
	c.next = n + 1
	return candidate
}

func (r *Registry) nameInUseLocked(name string) bool {
	for _, s := range r.sessions {
		if s.DisplayName == name {
			return true
		}
	}
	return false
}

func (r *Registry) Get(connID string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// SetRoom binds the session to roomID; an empty roomID clears the binding.
func (r *Registry) SetRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[connID]; ok {
		s.RoomID = roomID
		s.LastActiveAt = r.now()
	}
}

func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[connID]; ok {
		s.LastActiveAt = r.now()
	}
}

func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.removeLocked(connID)
	return ok
}

func (r *Registry) removeLocked(connID string) (domain.Session, bool) {
	s, ok := r.sessions[connID]
	if !ok {
		return domain.Session{}, false
	}
	delete(r.sessions, connID)

	if c, ok := r.names[s.OriginalName]; ok {
		c.refs--
		if c.refs <= 0 {
			delete(r.names, s.OriginalName)
		}
	}

	slog.Debug("session removed", "sessionId", connID, "name", s.DisplayName)
	return *s, true
}

// SweepIdle removes every session inactive for longer than threshold and
// returns them as they were at removal, room binding included.
func (r *Registry) SweepIdle(now time.Time, threshold time.Duration) []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActiveAt) > threshold {
			idle = append(idle, id)
		}
	}

	removed := make([]domain.Session, 0, len(idle))
	for _, id := range idle {
		if s, ok := r.removeLocked(id); ok {
			removed = append(removed, s)
		}
	}

	if len(removed) > 0 {
		slog.Info("idle sessions evicted", "count", len(removed))
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Stats(now time.Time, threshold time.Duration) domain.SessionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.SessionStats{TotalSessions: len(r.sessions)}
	for _, s := range r.sessions {
		if now.Sub(s.LastActiveAt) < threshold {
			stats.ActiveSessions++
		}
		if s.RoomID != "" {
			stats.SessionsInRooms++
		}
	}
	return stats
}
