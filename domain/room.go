package domain

import (
	"sort"
	"time"
)

type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomPrivate RoomKind = "private"
)

func (k RoomKind) Valid() bool {
	return k == RoomPublic || k == RoomPrivate
}

// Session is the server-side record of one connected participant.
// An empty RoomID means the session is not in a room.
type Session struct {
	ID           string
	DisplayName  string
	OriginalName string
	RoomID       string
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

// PlayerInfo is the room-scoped projection of a session.
type PlayerInfo struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	ActionCount  int    `json:"actionCount"`
	LastActionAt int64  `json:"lastActionAt"`
}

// Room is a registry snapshot. Order lists member ids in join order.
type Room struct {
	ID             string
	Kind           RoomKind
	Code           string
	Members        map[string]PlayerInfo
	Order          []string
	Capacity       int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// RoomInfo is the projection sent to clients.
type RoomInfo struct {
	ID        string       `json:"id"`
	Kind      RoomKind     `json:"kind"`
	Code      string       `json:"code,omitempty"`
	Players   []PlayerInfo `json:"players"`
	Capacity  int          `json:"capacity"`
	CreatedAt int64        `json:"createdAt"`
}

type RoomStats struct {
	TotalRooms   int `json:"totalRooms"`
	PublicRooms  int `json:"publicRooms"`
	PrivateRooms int `json:"privateRooms"`
	TotalPlayers int `json:"totalPlayers"`
}

type SessionStats struct {
	TotalSessions   int `json:"totalSessions"`
	ActiveSessions  int `json:"activeSessions"`
	SessionsInRooms int `json:"sessionsInRooms"`
}

const DefaultLeaderboardSize = 3

// Leaderboard ranks players by ActionCount, highest first. Ties keep the
// order of the input. The input slice is not modified.
func Leaderboard(players []PlayerInfo, topN int) []PlayerInfo {
	if topN <= 0 {
		topN = DefaultLeaderboardSize
	}
	ranked := make([]PlayerInfo, len(players))
	copy(ranked, players)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ActionCount > ranked[j].ActionCount
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// UnixMilli converts t to wire milliseconds, mapping the zero time to 0.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
