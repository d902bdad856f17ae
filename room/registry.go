package room

import (
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zxbdzh/new-year/domain"
)

const (
	DefaultCapacity    = 20
	DefaultIdleTimeout = 30 * time.Minute

	codeMin   = 1000
	codeMax   = 9999
	codeSpace = codeMax - codeMin + 1
)

type room struct {
	id             string
	kind           domain.RoomKind
	code           string
	members        map[string]*domain.PlayerInfo
	order          []string
	capacity       int
	createdAt      time.Time
	lastActivityAt time.Time
}

func (r *room) full() bool {
	return len(r.members) >= r.capacity
}

func (r *room) snapshot() domain.Room {
	members := make(map[string]domain.PlayerInfo, len(r.members))
	for id, p := range r.members {
		members[id] = *p
	}
	order := make([]string, len(r.order))
	copy(order, r.order)
	return domain.Room{
		ID:             r.id,
		Kind:           r.kind,
		Code:           r.code,
		Members:        members,
		Order:          order,
		Capacity:       r.capacity,
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}
}

func (r *room) players() []domain.PlayerInfo {
	out := make([]domain.PlayerInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.members[id])
	}
	return out
}

type Registry struct {
	rooms    map[string]*room
	order    []string
	codes    map[string]string
	// drawable counts live codes inside the range CreateRoom draws from.
	drawable int
	capacity int
	now      func() time.Time
	randCode func() int
	mu       sync.RWMutex
}

func New(capacity int) *Registry {
	return NewWithClock(capacity, time.Now)
}

func NewWithClock(capacity int, now func() time.Time) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		rooms:    make(map[string]*room),
		codes:    make(map[string]string),
		capacity: capacity,
		now:      now,
		randCode: func() int { return codeMin + rand.Intn(codeSpace) },
	}
}

// CreateRoom creates an empty room. Private rooms get a fresh code that no
// live room holds. It reports false only when every code is taken.
func (r *Registry) CreateRoom(kind domain.RoomKind) (domain.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := ""
	if kind == domain.RoomPrivate {
		if r.drawable >= codeSpace {
			slog.Warn("room codes exhausted")
			return domain.Room{}, false
		}
		code = strconv.Itoa(r.randCode())
		for r.codes[code] != "" {
			code = strconv.Itoa(r.randCode())
		}
	}
	return r.createLocked(kind, code).snapshot(), true
}

// CreateRoomWithCode creates a private room under a caller-chosen code.
// It reports false when a live room already holds the code.
func (r *Registry) CreateRoomWithCode(code string) (domain.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.codes[code] != "" {
		return domain.Room{}, false
	}
	return r.createLocked(domain.RoomPrivate, code).snapshot(), true
}

func (r *Registry) createLocked(kind domain.RoomKind, code string) *room {
	now := r.now()
	rm := &room{
		id:             uuid.New().String(),
		kind:           kind,
		code:           code,
		members:        make(map[string]*domain.PlayerInfo),
		capacity:       r.capacity,
		createdAt:      now,
		lastActivityAt: now,
	}
	r.rooms[rm.id] = rm
	r.order = append(r.order, rm.id)
	if code != "" {
		r.codes[code] = rm.id
		if drawableCode(code) {
			r.drawable++
		}
	}

	slog.Info("room created", "room", rm.id, "kind", kind, "code", code)
	return rm
}

func (r *Registry) Get(roomID string) (domain.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return domain.Room{}, false
	}
	return rm.snapshot(), true
}

func (r *Registry) FindByCode(code string) (domain.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.codes[code]
	if !ok {
		return domain.Room{}, false
	}
	return r.rooms[id].snapshot(), true
}

// FindAvailablePublic returns the oldest public room with a free slot.
func (r *Registry) FindAvailablePublic() (domain.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		rm := r.rooms[id]
		if rm.kind == domain.RoomPublic && !rm.full() {
			return rm.snapshot(), true
		}
	}
	return domain.Room{}, false
}

// AddMember inserts player into the room. It reports false, leaving the room
// untouched, when the room is missing or full. Re-adding a member replaces it.
func (r *Registry) AddMember(roomID string, player domain.PlayerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := rm.members[player.ID]; !member {
		if rm.full() {
			return false
		}
		rm.order = append(rm.order, player.ID)
	}
	p := player
	rm.members[player.ID] = &p
	rm.lastActivityAt = r.now()
	return true
}

func (r *Registry) RemoveMember(roomID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := rm.members[sessionID]; !member {
		return false
	}
	delete(rm.members, sessionID)
	for i, id := range rm.order {
		if id == sessionID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	rm.lastActivityAt = r.now()
	return true
}

// RecordAction bumps the member's action counter and returns the updated info.
func (r *Registry) RecordAction(roomID, sessionID string, at time.Time) (domain.PlayerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return domain.PlayerInfo{}, false
	}
	p, ok := rm.members[sessionID]
	if !ok {
		return domain.PlayerInfo{}, false
	}
	p.ActionCount++
	p.LastActionAt = domain.UnixMilli(at)
	rm.lastActivityAt = r.now()
	return *p, true
}

func (r *Registry) IsFull(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	return ok && rm.full()
}

// ListMembers returns a copy of the members in join order.
func (r *Registry) ListMembers(roomID string) []domain.PlayerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return []domain.PlayerInfo{}
	}
	return rm.players()
}

func (r *Registry) MemberIDs(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, len(rm.order))
	copy(ids, rm.order)
	return ids
}

func (r *Registry) Leaderboard(roomID string, topN int) []domain.PlayerInfo {
	return domain.Leaderboard(r.ListMembers(roomID), topN)
}

func (r *Registry) Info(roomID string) (domain.RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return domain.RoomInfo{}, false
	}
	return domain.RoomInfo{
		ID:        rm.id,
		Kind:      rm.kind,
		Code:      rm.code,
		Players:   rm.players(),
		Capacity:  rm.capacity,
		CreatedAt: domain.UnixMilli(rm.createdAt),
	}, true
}

func (r *Registry) Touch(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok {
		rm.lastActivityAt = r.now()
	}
}

// DeleteRoom removes the room and frees its code for reuse.
// drawableCode reports whether code is one CreateRoom could generate.
// Caller-chosen codes such as "0042" are valid but outside that range.
func drawableCode(code string) bool {
	n, err := strconv.Atoi(code)
	if err != nil || strconv.Itoa(n) != code {
		return false
	}
	return n >= codeMin && n < codeMin+codeSpace
}

func (r *Registry) DeleteRoom(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deleteLocked(roomID)
}

func (r *Registry) deleteLocked(roomID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(r.rooms, roomID)
	if rm.code != "" {
		delete(r.codes, rm.code)
		if drawableCode(rm.code) {
			r.drawable--
		}
	}
	for i, id := range r.order {
		if id == roomID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	slog.Info("room deleted", "room", roomID, "kind", rm.kind)
	return true
}

// SweepEmpty deletes rooms that have had no members and no activity for
// longer than threshold. Occupied rooms are never deleted.
func (r *Registry) SweepEmpty(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for _, id := range r.order {
		rm := r.rooms[id]
		if len(rm.members) == 0 && now.Sub(rm.lastActivityAt) > threshold {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.deleteLocked(id)
	}
	return stale
}

func (r *Registry) Stats() domain.RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.RoomStats
	for _, rm := range r.rooms {
		stats.TotalRooms++
		if rm.kind == domain.RoomPrivate {
			stats.PrivateRooms++
		} else {
			stats.PublicRooms++
		}
		stats.TotalPlayers += len(rm.members)
	}
	return stats
}
