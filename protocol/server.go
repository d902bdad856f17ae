package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/zxbdzh/new-year/domain"
	"github.com/zxbdzh/new-year/room"
	"github.com/zxbdzh/new-year/session"
	"github.com/zxbdzh/new-year/validate"
)

type Options struct {
	SessionIdleTimeout time.Duration
	RoomIdleTimeout    time.Duration
	LeaderboardSize    int
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SessionIdleTimeout <= 0 {
		o.SessionIdleTimeout = session.DefaultIdleTimeout
	}
	if o.RoomIdleTimeout <= 0 {
		o.RoomIdleTimeout = room.DefaultIdleTimeout
	}
	if o.LeaderboardSize <= 0 {
		o.LeaderboardSize = domain.DefaultLeaderboardSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Server turns client events into registry operations and fans the resulting
// room projections out through the broadcaster. Every event and every sweep
// runs under mu, so check-then-act pairs on the registries are atomic.
type Server struct {
	broadcaster domain.Broadcaster
	sessions    *session.Registry
	rooms       *room.Registry
	opts        Options
	mu          sync.Mutex
}

func NewServer(b domain.Broadcaster, sessions *session.Registry, rooms *room.Registry, opts Options) *Server {
	return &Server{
		broadcaster: b,
		sessions:    sessions,
		rooms:       rooms,
		opts:        opts.withDefaults(),
	}
}

func (s *Server) OnConnect(conn domain.Connection) {
	s.broadcaster.Register(conn)
	s.send(conn.ID(), domain.EventConnected, domain.ConnectedPayload{
		SessionID: conn.ID(),
		Timestamp: s.opts.Now().UnixMilli(),
	})
}

func (s *Server) OnDisconnect(conn domain.Connection) {
	s.mu.Lock()
	s.leaveLocked(conn.ID())
	s.sessions.Remove(conn.ID())
	s.mu.Unlock()

	s.broadcaster.Unregister(conn)
}

func (s *Server) Handle(conn domain.Connection, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		s.sendError(conn.ID(), domain.ErrInvalidMessage, "malformed message")
		return
	}

	switch env.Type {
	case domain.EventPing:
		s.handlePing(conn, env.Data)
	case domain.EventJoinRoom:
		s.handleJoin(conn, env.Data)
	case domain.EventLeaveRoom:
		s.mu.Lock()
		s.leaveLocked(conn.ID())
		s.mu.Unlock()
	case domain.EventFireworkAction:
		s.handleAction(conn, env.Data)
	case domain.EventChatMessage:
		s.handleChat(conn, env.Data)
	default:
		slog.Warn("unknown message type", "clientId", conn.ID(), "type", env.Type)
		s.sendError(conn.ID(), domain.ErrInvalidMessage, "unknown message type")
	}
}

func (s *Server) handlePing(conn domain.Connection, raw json.RawMessage) {
	var ping domain.PingPayload
	if err := decode(raw, &ping); err != nil {
		s.sendError(conn.ID(), domain.ErrInvalidMessage, "malformed ping")
		return
	}
	s.send(conn.ID(), domain.EventPong, domain.PingPayload{Timestamp: ping.Timestamp})
}

func (s *Server) handleJoin(conn domain.Connection, raw json.RawMessage) {
	id := conn.ID()

	var req domain.JoinRoomPayload
	if err := decode(raw, &req); err != nil {
		s.joinError(id, domain.ErrInvalidMessage, "malformed join request")
		return
	}
	if err := validate.Name(req.Name); err != nil {
		s.joinError(id, domain.ErrInvalidName, err.Error())
		return
	}
	if !req.Kind.Valid() {
		s.joinError(id, domain.ErrInvalidKind, "room kind must be public or private")
		return
	}
	if req.Kind == domain.RoomPrivate && req.Code != "" {
		if err := validate.RoomCode(req.Code); err != nil {
			s.joinError(id, domain.ErrInvalidCode, err.Error())
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, created, ok := s.resolveRoomLocked(req)
	if !ok {
		s.joinError(id, domain.ErrRoomFull, "no room available")
		return
	}

	current, hasSession := s.sessions.Get(id)
	if hasSession && current.RoomID == target.ID && current.OriginalName == req.Name {
		info, _ := s.rooms.Info(target.ID)
		s.send(id, domain.EventRoomJoined, domain.RoomJoinedPayload{Room: info, SessionID: id})
		return
	}

	if current.RoomID != target.ID && s.rooms.IsFull(target.ID) {
		slog.Info("join rejected, room full", "clientId", id, "room", target.ID)
		s.joinError(id, domain.ErrRoomFull, "room is full")
		return
	}

	if hasSession {
		s.leaveLocked(id)
	}
	sess := current
	if !hasSession || current.OriginalName != req.Name {
		sess = s.sessions.Create(id, req.Name)
	}

	player := domain.PlayerInfo{ID: id, DisplayName: sess.DisplayName}
	if !s.rooms.AddMember(target.ID, player) {
		if created {
			s.rooms.DeleteRoom(target.ID)
		}
		s.joinError(id, domain.ErrRoomFull, "room is full")
		return
	}
	s.sessions.SetRoom(id, target.ID)

	info, _ := s.rooms.Info(target.ID)
	s.send(id, domain.EventRoomJoined, domain.RoomJoinedPayload{Room: info, SessionID: id})
	s.broadcast(s.rooms.MemberIDs(target.ID), id, domain.EventPlayerJoined, domain.PlayerJoinedPayload{Player: player})
	s.broadcastRoomStateLocked(target.ID)

	slog.Info("player joined", "clientId", id, "name", sess.DisplayName, "room", target.ID, "kind", target.Kind, "players", len(info.Players))
}

// resolveRoomLocked picks the join target. A private code nobody holds creates
// a room under that code: joining by code doubles as creating by code.
func (s *Server) resolveRoomLocked(req domain.JoinRoomPayload) (target domain.Room, created, ok bool) {
	switch {
	case req.Kind == domain.RoomPublic:
		if rm, found := s.rooms.FindAvailablePublic(); found {
			return rm, false, true
		}
		rm, made := s.rooms.CreateRoom(domain.RoomPublic)
		return rm, made, made
	case req.Code != "":
		if rm, found := s.rooms.FindByCode(req.Code); found {
			return rm, false, true
		}
		rm, made := s.rooms.CreateRoomWithCode(req.Code)
		return rm, made, made
	default:
		rm, made := s.rooms.CreateRoom(domain.RoomPrivate)
		return rm, made, made
	}
}

func (s *Server) leaveLocked(id string) {
	sess, ok := s.sessions.Get(id)
	if !ok || sess.RoomID == "" {
		return
	}
	s.removeFromRoomLocked(sess)
	s.sessions.SetRoom(id, "")
}

func (s *Server) removeFromRoomLocked(sess domain.Session) {
	if !s.rooms.RemoveMember(sess.RoomID, sess.ID) {
		return
	}
	s.broadcast(s.rooms.MemberIDs(sess.RoomID), "", domain.EventPlayerLeft, domain.PlayerLeftPayload{
		SessionID:   sess.ID,
		DisplayName: sess.DisplayName,
		Timestamp:   s.opts.Now().UnixMilli(),
	})
	s.broadcastRoomStateLocked(sess.RoomID)

	slog.Info("player left", "clientId", sess.ID, "name", sess.DisplayName, "room", sess.RoomID)
}

func (s *Server) broadcastRoomStateLocked(roomID string) {
	ids := s.rooms.MemberIDs(roomID)
	if len(ids) == 0 {
		return
	}
	players := s.rooms.ListMembers(roomID)
	s.broadcast(ids, "", domain.EventPlayerUpdate, domain.PlayersPayload{Players: players})
	s.broadcast(ids, "", domain.EventLeaderboardUpdate, domain.PlayersPayload{
		Players: domain.Leaderboard(players, s.opts.LeaderboardSize),
	})
}

func (s *Server) handleAction(conn domain.Connection, raw json.RawMessage) {
	id := conn.ID()

	var action domain.FireworkAction
	if err := decode(raw, &action); err != nil {
		s.sendError(id, domain.ErrInvalidMessage, "malformed firework action")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions.Get(id)
	if !ok || sess.RoomID == "" {
		s.sendError(id, domain.ErrNotInRoom, "join a room first")
		return
	}
	now := s.opts.Now()
	if _, ok := s.rooms.RecordAction(sess.RoomID, id, now); !ok {
		s.sendError(id, domain.ErrNotInRoom, "join a room first")
		return
	}
	s.sessions.Touch(id)

	s.broadcast(s.rooms.MemberIDs(sess.RoomID), id, domain.EventFireworkBroadcast, domain.FireworkBroadcast{
		SenderID:   id,
		SenderName: sess.DisplayName,
		X:          action.X,
		Y:          action.Y,
		TypeTag:    action.TypeTag,
		Timestamp:  now.UnixMilli(),
	})
	s.broadcastRoomStateLocked(sess.RoomID)
}

func (s *Server) handleChat(conn domain.Connection, raw json.RawMessage) {
	id := conn.ID()

	var msg domain.ChatMessage
	if err := decode(raw, &msg); err != nil {
		s.sendError(id, domain.ErrInvalidMessage, "malformed chat message")
		return
	}
	text, err := validate.ChatText(msg.Message)
	if err != nil {
		s.sendError(id, domain.ErrInvalidChat, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions.Get(id)
	if !ok || sess.RoomID == "" {
		s.sendError(id, domain.ErrNotInRoom, "join a room first")
		return
	}
	s.sessions.Touch(id)
	s.rooms.Touch(sess.RoomID)

	s.broadcast(s.rooms.MemberIDs(sess.RoomID), id, domain.EventChatBroadcast, domain.ChatBroadcast{
		SenderID:   id,
		SenderName: sess.DisplayName,
		Message:    text,
		Timestamp:  s.opts.Now().UnixMilli(),
	})
}

type SweepResult struct {
	EvictedSessions []string
	DeletedRooms    []string
}

// Sweep evicts idle sessions, removing them from their rooms, and then
// reclaims rooms that have stayed empty past the room timeout.
func (s *Server) Sweep(now time.Time) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	for _, sess := range s.sessions.SweepIdle(now, s.opts.SessionIdleTimeout) {
		result.EvictedSessions = append(result.EvictedSessions, sess.ID)
		if sess.RoomID != "" {
			s.removeFromRoomLocked(sess)
		}
		s.sendError(sess.ID, domain.ErrSessionExpired, "session expired after inactivity")
	}
	result.DeletedRooms = s.rooms.SweepEmpty(now, s.opts.RoomIdleTimeout)
	return result
}

type Stats struct {
	Rooms       domain.RoomStats    `json:"rooms"`
	Sessions    domain.SessionStats `json:"sessions"`
	Connections int                 `json:"connections"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Rooms:       s.rooms.Stats(),
		Sessions:    s.sessions.Stats(s.opts.Now(), s.opts.SessionIdleTimeout),
		Connections: s.broadcaster.Stats(),
	}
}

func (s *Server) joinError(id string, code domain.ErrorCode, message string) {
	s.send(id, domain.EventJoinRoomError, domain.ErrorPayload{Error: code, Message: message})
}

func (s *Server) sendError(id string, code domain.ErrorCode, message string) {
	s.send(id, domain.EventError, domain.ErrorPayload{Error: code, Message: message})
}

func (s *Server) send(id, eventType string, payload any) {
	data, err := domain.Encode(eventType, payload)
	if err != nil {
		slog.Warn("marshal error", "clientId", id, "type", eventType, "error", err)
		return
	}
	s.broadcaster.SendTo(id, data)
}

func (s *Server) broadcast(ids []string, exceptID, eventType string, payload any) {
	if len(ids) == 0 {
		return
	}
	data, err := domain.Encode(eventType, payload)
	if err != nil {
		slog.Warn("marshal error", "type", eventType, "error", err)
		return
	}
	s.broadcaster.Broadcast(ids, exceptID, data)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(raw, v)
}
