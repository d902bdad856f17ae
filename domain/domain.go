package domain

import "encoding/json"

const (
	EventConnected         = "connected"
	EventJoinRoom          = "join_room"
	EventRoomJoined        = "room_joined"
	EventJoinRoomError     = "join_room_error"
	EventLeaveRoom         = "leave_room"
	EventFireworkAction    = "firework_action"
	EventFireworkBroadcast = "firework_broadcast"
	EventChatMessage       = "chat_message"
	EventChatBroadcast     = "chat_broadcast"
	EventPlayerJoined      = "player_joined"
	EventPlayerLeft        = "player_left"
	EventPlayerUpdate      = "player_update"
	EventLeaderboardUpdate = "leaderboard_update"
	EventPing              = "ping"
	EventPong              = "pong"
	EventError             = "error"
)

// ErrorCode is the machine-readable reason carried by join_room_error and error events.
type ErrorCode string

const (
	ErrRoomFull       ErrorCode = "room_full"
	ErrInvalidName    ErrorCode = "invalid_name"
	ErrInvalidCode    ErrorCode = "invalid_code"
	ErrInvalidKind    ErrorCode = "invalid_kind"
	ErrInvalidMessage ErrorCode = "invalid_message"
	ErrInvalidChat    ErrorCode = "invalid_chat"
	ErrNotInRoom      ErrorCode = "not_in_room"
	ErrSessionExpired ErrorCode = "session_expired"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into an Envelope of the given type and marshals it.
func Encode(eventType string, payload any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

type JoinRoomPayload struct {
	Name string   `json:"name"`
	Kind RoomKind `json:"kind"`
	Code string   `json:"code,omitempty"`
}

type RoomJoinedPayload struct {
	Room      RoomInfo `json:"room"`
	SessionID string   `json:"sessionId"`
}

type ErrorPayload struct {
	Error   ErrorCode `json:"error"`
	Message string    `json:"message"`
}

// FireworkAction is opaque to this layer: TypeTag is never interpreted.
type FireworkAction struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	TypeTag string  `json:"typeTag"`
}

type FireworkBroadcast struct {
	SenderID   string  `json:"senderId"`
	SenderName string  `json:"senderName"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	TypeTag    string  `json:"typeTag"`
	Timestamp  int64   `json:"timestamp"`
}

type ChatMessage struct {
	Message string `json:"message"`
}

type ChatBroadcast struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

type PlayerJoinedPayload struct {
	Player PlayerInfo `json:"player"`
}

type PlayerLeftPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type PlayersPayload struct {
	Players []PlayerInfo `json:"players"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type Broadcaster interface {
	Register(conn Connection)
	Unregister(conn Connection)
	SendTo(id string, data []byte) bool
	Broadcast(ids []string, exceptID string, data []byte)
	Stats() (connections int)
}

type MessageHandler interface {
	OnConnect(conn Connection)
	Handle(conn Connection, data []byte)
	OnDisconnect(conn Connection)
}
