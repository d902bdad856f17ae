package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zxbdzh/new-year/domain"
	"github.com/zxbdzh/new-year/validate"
)

type joinResult struct {
	room domain.RoomInfo
	err  error
}

type pendingJoin struct {
	req  domain.JoinRoomPayload
	done chan joinResult
}

func (p *pendingJoin) resolve(r joinResult) {
	select {
	case p.done <- r:
	default:
	}
}

// Synchronizer owns one logical connection to the room server. It keeps the
// last server-confirmed room projection, queues outbound actions while the
// link is down and fans inbound events out to subscribers.
//
// Subscriber callbacks run on the link's read goroutine and must not block.
type Synchronizer struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	link       Link
	gen        uint64
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	runCancel  context.CancelFunc
	sessionID  string
	room       *domain.RoomInfo
	rejoin     *domain.JoinRoomPayload
	pending    *pendingJoin
	queue      []domain.Envelope
	latency    latencyWindow

	// writeMu serializes link writes so a flush cannot interleave with
	// another flush or a direct write.
	writeMu sync.Mutex

	onRoomUpdate  listeners[domain.RoomInfo]
	onAction      listeners[domain.FireworkBroadcast]
	onChat        listeners[domain.ChatBroadcast]
	onPlayerJoin  listeners[domain.PlayerInfo]
	onPlayerLeave listeners[domain.PlayerLeftPayload]
	onLeaderboard listeners[[]domain.PlayerInfo]
	onLatency     listeners[LatencyInfo]
	onStateChange listeners[StateChange]
	onError       listeners[error]
}

func New(cfg Config) *Synchronizer {
	cfg = cfg.withDefaults()
	return &Synchronizer{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "synchronizer"),
		state:   StateDisconnected,
		latency: latencyWindow{size: cfg.LatencyWindow},
	}
}

// Subscriptions return a func that removes the callback.

// OnRoomUpdate fires whenever the room projection changes. An empty
// RoomInfo means the client is no longer in a room.
func (s *Synchronizer) OnRoomUpdate(fn func(domain.RoomInfo)) func() {
	return s.onRoomUpdate.add(fn)
}

func (s *Synchronizer) OnAction(fn func(domain.FireworkBroadcast)) func() {
	return s.onAction.add(fn)
}

func (s *Synchronizer) OnChat(fn func(domain.ChatBroadcast)) func() {
	return s.onChat.add(fn)
}

func (s *Synchronizer) OnPlayerJoin(fn func(domain.PlayerInfo)) func() {
	return s.onPlayerJoin.add(fn)
}

func (s *Synchronizer) OnPlayerLeave(fn func(domain.PlayerLeftPayload)) func() {
	return s.onPlayerLeave.add(fn)
}

func (s *Synchronizer) OnLeaderboardUpdate(fn func([]domain.PlayerInfo)) func() {
	return s.onLeaderboard.add(fn)
}

func (s *Synchronizer) OnLatencyUpdate(fn func(LatencyInfo)) func() {
	return s.onLatency.add(fn)
}

func (s *Synchronizer) OnConnectionStateChange(fn func(StateChange)) func() {
	return s.onStateChange.add(fn)
}

func (s *Synchronizer) OnError(fn func(error)) func() {
	return s.onError.add(fn)
}

// Connect dials the server and waits for its handshake. It returns nil at
// once when already connected.
func (s *Synchronizer) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	change, _ := s.transitionLocked(StateConnecting, nil)
	s.mu.Unlock()
	s.onStateChange.emit(change)

	link, sessionID, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		change, ok := s.transitionIfLocked(StateConnecting, StateDisconnected, err)
		s.mu.Unlock()
		if ok {
			s.onStateChange.emit(change)
		}
		return fmt.Errorf("connect: %w", err)
	}
	return s.attach(link, sessionID, StateConnecting)
}

// dial opens a link and waits for the server's connected event.
func (s *Synchronizer) dial(ctx context.Context) (Link, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	link, err := s.cfg.Dial(ctx, s.cfg.URL)
	if err != nil {
		return nil, "", err
	}
	env, err := link.Read(ctx)
	if err != nil {
		link.Close()
		return nil, "", fmt.Errorf("handshake: %w", err)
	}
	if env.Type != domain.EventConnected {
		link.Close()
		return nil, "", fmt.Errorf("handshake: unexpected %q event", env.Type)
	}
	var ack domain.ConnectedPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		link.Close()
		return nil, "", fmt.Errorf("handshake: %w", err)
	}
	return link, ack.SessionID, nil
}

// attach installs a freshly dialled link and moves from -> connected. It
// re-issues the last room request, then flushes the outbound queue.
func (s *Synchronizer) attach(link Link, sessionID string, from State) error {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		link.Close()
		return ErrDisconnected
	}
	s.gen++
	gen := s.gen
	s.link = link
	s.sessionID = sessionID
	runCtx, cancel := context.WithCancel(s.lifeCtx)
	s.runCancel = cancel
	change, _ := s.transitionLocked(StateConnected, nil)

	var first *domain.Envelope
	if s.rejoin != nil {
		if env, err := newEnvelope(domain.EventJoinRoom, *s.rejoin); err == nil {
			first = &env
		}
	}
	s.mu.Unlock()

	s.log.Info("connected", "sessionId", sessionID)
	s.onStateChange.emit(change)

	go s.readLoop(runCtx, link, gen)
	go s.pingLoop(runCtx, link)
	s.flush(first)
	return nil
}

// JoinRoom asks the server for a room and waits for the answer. A join
// error comes back as *ServerError.
func (s *Synchronizer) JoinRoom(ctx context.Context, name string, kind domain.RoomKind, code string) (domain.RoomInfo, error) {
	req := domain.JoinRoomPayload{Name: name, Kind: kind, Code: code}
	env, err := newEnvelope(domain.EventJoinRoom, req)
	if err != nil {
		return domain.RoomInfo{}, err
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return domain.RoomInfo{}, ErrNotConnected
	}
	if s.pending != nil {
		s.pending.resolve(joinResult{err: ErrJoinSuperseded})
	}
	p := &pendingJoin{req: req, done: make(chan joinResult, 1)}
	s.pending = p
	link := s.link
	s.mu.Unlock()

	if err := s.write(ctx, link, env); err != nil {
		s.clearPending(p)
		return domain.RoomInfo{}, fmt.Errorf("join room: %w", err)
	}

	select {
	case r := <-p.done:
		return r.room, r.err
	case <-ctx.Done():
		s.clearPending(p)
		return domain.RoomInfo{}, ctx.Err()
	}
}

func (s *Synchronizer) clearPending(p *pendingJoin) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

// LeaveRoom drops the local room projection and tells the server when
// connected. It is a no-op outside a room.
func (s *Synchronizer) LeaveRoom() {
	s.mu.Lock()
	inRoom := s.room != nil
	s.room = nil
	s.rejoin = nil
	connected := s.state == StateConnected
	link := s.link
	s.mu.Unlock()

	if !inRoom || !connected {
		return
	}
	env, _ := newEnvelope(domain.EventLeaveRoom, nil)
	if err := s.write(context.Background(), link, env); err != nil {
		s.log.Warn("leave room", "error", err)
	}
}

// SendAction sends a firework launch, or queues it until the link is back.
func (s *Synchronizer) SendAction(x, y float64, typeTag string) {
	env, err := newEnvelope(domain.EventFireworkAction, domain.FireworkAction{X: x, Y: y, TypeTag: typeTag})
	if err != nil {
		s.log.Warn("encode action", "error", err)
		return
	}
	s.enqueue(env)
}

// SendChat validates text, then sends or queues it like SendAction.
func (s *Synchronizer) SendChat(text string) error {
	text, err := validate.ChatText(text)
	if err != nil {
		return err
	}
	env, err := newEnvelope(domain.EventChatMessage, domain.ChatMessage{Message: text})
	if err != nil {
		return err
	}
	s.enqueue(env)
	return nil
}

// enqueue appends to the outbound queue and flushes when connected, so
// every send goes out in call order.
func (s *Synchronizer) enqueue(env domain.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected {
		s.flush(nil)
	}
}

// flush writes first, if given, then drains the queue front to back. A
// failed write puts the message back at the front.
func (s *Synchronizer) flush(first *domain.Envelope) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if first != nil {
		s.mu.Lock()
		link := s.link
		s.mu.Unlock()
		if link != nil {
			if err := s.writeLink(link, *first); err != nil {
				s.log.Warn("rejoin failed", "error", err)
				return
			}
		}
	}

	for {
		s.mu.Lock()
		if s.state != StateConnected || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		link := s.link
		s.mu.Unlock()

		if err := s.writeLink(link, env); err != nil {
			s.log.Warn("flush interrupted", "type", env.Type, "error", err)
			s.mu.Lock()
			s.queue = append([]domain.Envelope{env}, s.queue...)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Synchronizer) write(ctx context.Context, link Link, env domain.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.writeLink(link, env)
}

// writeLink must be called with writeMu held.
func (s *Synchronizer) writeLink(link Link, env domain.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return link.Write(ctx, env)
}

// Disconnect tears the connection down and clears the session and room
// projection before returning. A JoinRoom in flight fails with
// ErrDisconnected. Queued outbound messages are kept for the next Connect.
func (s *Synchronizer) Disconnect() {
	s.mu.Lock()
	s.sessionID = ""
	s.room = nil
	s.rejoin = nil
	if s.pending != nil {
		s.pending.resolve(joinResult{err: ErrDisconnected})
		s.pending = nil
	}
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	s.gen++
	link := s.link
	s.link = nil
	s.latency.reset()
	change, changed := s.transitionLocked(StateDisconnected, nil)
	s.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if changed {
		s.log.Info("disconnected")
		s.onStateChange.emit(change)
	}
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Synchronizer) RoomInfo() (domain.RoomInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return domain.RoomInfo{}, false
	}
	return copyRoom(*s.room), true
}

// Leaderboard ranks the players of the current room projection.
func (s *Synchronizer) Leaderboard() []domain.PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	return domain.Leaderboard(s.room.Players, domain.DefaultLeaderboardSize)
}

func (s *Synchronizer) Latency() LatencyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency.info()
}

// QueueLen reports how many outbound messages wait for a connection.
func (s *Synchronizer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Synchronizer) transitionLocked(to State, cause error) (StateChange, bool) {
	from := s.state
	if from == to {
		return StateChange{}, false
	}
	if !canTransition(from, to) {
		s.log.Warn("illegal state transition", "from", from, "to", to)
		return StateChange{}, false
	}
	s.state = to
	return StateChange{From: from, To: to, Err: cause}, true
}

func (s *Synchronizer) transitionIfLocked(from, to State, cause error) (StateChange, bool) {
	if s.state != from {
		return StateChange{}, false
	}
	return s.transitionLocked(to, cause)
}

func (s *Synchronizer) readLoop(ctx context.Context, link Link, gen uint64) {
	for {
		env, err := link.Read(ctx)
		if err != nil {
			s.linkLost(gen, err)
			return
		}
		if !s.current(gen) {
			return
		}
		s.dispatch(gen, env)
	}
}

func (s *Synchronizer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Synchronizer) pingLoop(ctx context.Context, link Link) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := newEnvelope(domain.EventPing, domain.PingPayload{Timestamp: s.cfg.Now().UnixMilli()})
			if err != nil {
				continue
			}
			if err := s.write(ctx, link, env); err != nil {
				s.log.Debug("ping failed", "error", err)
			}
		}
	}
}

// linkLost handles a read failure on the live link: it moves to
// reconnecting and starts the retry loop.
func (s *Synchronizer) linkLost(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.runCancel != nil {
		s.runCancel()
	}
	link := s.link
	s.link = nil
	if s.pending != nil {
		s.pending.resolve(joinResult{err: ErrDisconnected})
		s.pending = nil
	}
	change, _ := s.transitionLocked(StateReconnecting, err)
	lifeCtx := s.lifeCtx
	s.mu.Unlock()

	link.Close()
	if isExpectedClose(err) {
		s.log.Info("link closed", "error", err)
	} else {
		s.log.Warn("link lost", "error", err)
	}
	s.onStateChange.emit(change)
	go s.reconnect(lifeCtx)
}

func (s *Synchronizer) reconnect(ctx context.Context) {
	delay := s.cfg.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		link, sessionID, err := s.dial(ctx)
		if err == nil {
			if err := s.attach(link, sessionID, StateReconnecting); err != nil {
				s.log.Debug("reconnect abandoned", "error", err)
			}
			return
		}
		lastErr = err
		s.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		delay = min(delay*2, s.cfg.MaxReconnectDelay)
	}

	if lastErr == nil {
		lastErr = errors.New("reconnect disabled")
	}
	failure := &ReconnectError{Attempts: max(s.cfg.MaxReconnectAttempts, 0), Err: lastErr}
	s.mu.Lock()
	change, ok := s.transitionIfLocked(StateReconnecting, StateFailed, failure)
	hadRoom := false
	if ok {
		hadRoom = s.clearRoomLocked()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Error("giving up on reconnect", "attempts", failure.Attempts, "error", lastErr)
	s.onStateChange.emit(change)
	if hadRoom {
		s.onRoomUpdate.emit(domain.RoomInfo{})
	}
	s.onError.emit(failure)
}

// dispatch applies one inbound event read on link generation gen. State
// is only mutated while gen is still current, so a loop that outlived
// Disconnect or a reconnect cannot resurrect the room projection.
func (s *Synchronizer) dispatch(gen uint64, env domain.Envelope) {
	switch env.Type {
	case domain.EventRoomJoined:
		var p domain.RoomJoinedPayload
		if s.decode(env, &p) {
			s.handleRoomJoined(gen, p)
		}
	case domain.EventJoinRoomError:
		var p domain.ErrorPayload
		if s.decode(env, &p) {
			s.handleJoinError(gen, p)
		}
	case domain.EventPlayerJoined:
		var p domain.PlayerJoinedPayload
		if s.decode(env, &p) {
			room, ok, live := s.updateRoom(gen, func(r *domain.RoomInfo) {
				for _, existing := range r.Players {
					if existing.ID == p.Player.ID {
						return
					}
				}
				r.Players = append(r.Players, p.Player)
			})
			if !live {
				return
			}
			s.onPlayerJoin.emit(p.Player)
			if ok {
				s.onRoomUpdate.emit(room)
			}
		}
	case domain.EventPlayerLeft:
		var p domain.PlayerLeftPayload
		if s.decode(env, &p) {
			room, ok, live := s.updateRoom(gen, func(r *domain.RoomInfo) {
				players := r.Players[:0]
				for _, existing := range r.Players {
					if existing.ID != p.SessionID {
						players = append(players, existing)
					}
				}
				r.Players = players
			})
			if !live {
				return
			}
			s.onPlayerLeave.emit(p)
			if ok {
				s.onRoomUpdate.emit(room)
			}
		}
	case domain.EventPlayerUpdate:
		var p domain.PlayersPayload
		if s.decode(env, &p) {
			room, ok, _ := s.updateRoom(gen, func(r *domain.RoomInfo) {
				r.Players = p.Players
			})
			if ok {
				s.onRoomUpdate.emit(room)
			}
		}
	case domain.EventLeaderboardUpdate:
		var p domain.PlayersPayload
		if s.decode(env, &p) {
			s.onLeaderboard.emit(p.Players)
		}
	case domain.EventFireworkBroadcast:
		var p domain.FireworkBroadcast
		if s.decode(env, &p) {
			s.onAction.emit(p)
		}
	case domain.EventChatBroadcast:
		var p domain.ChatBroadcast
		if s.decode(env, &p) {
			s.onChat.emit(p)
		}
	case domain.EventPong:
		var p domain.PingPayload
		if s.decode(env, &p) {
			s.handlePong(p)
		}
	case domain.EventError:
		var p domain.ErrorPayload
		if s.decode(env, &p) {
			s.mu.Lock()
			live := s.gen == gen
			hadRoom := false
			if live && p.Error == domain.ErrSessionExpired {
				hadRoom = s.clearRoomLocked()
			}
			s.mu.Unlock()
			if !live {
				return
			}
			if hadRoom {
				s.onRoomUpdate.emit(domain.RoomInfo{})
			}
			s.onError.emit(&ServerError{Code: p.Error, Message: p.Message})
		}
	case domain.EventConnected:
	default:
		s.log.Debug("ignoring event", "type", env.Type)
	}
}

func (s *Synchronizer) decode(env domain.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.log.Warn("malformed event", "type", env.Type, "error", err)
		s.onError.emit(fmt.Errorf("decode %s: %w", env.Type, err))
		return false
	}
	return true
}

func (s *Synchronizer) handleRoomJoined(gen uint64, p domain.RoomJoinedPayload) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	room := copyRoom(p.Room)
	s.room = &room
	if p.SessionID != "" {
		s.sessionID = p.SessionID
	}
	pending := s.pending
	s.pending = nil
	if pending != nil {
		req := pending.req
		if req.Kind == domain.RoomPrivate {
			req.Code = room.Code
		}
		s.rejoin = &req
	}
	s.mu.Unlock()

	if pending != nil {
		pending.resolve(joinResult{room: copyRoom(room)})
	}
	s.onRoomUpdate.emit(copyRoom(room))
}

// handleJoinError fails the pending join. With no join pending the error
// answers the automatic rejoin after a reconnect, so the room is gone.
func (s *Synchronizer) handleJoinError(gen uint64, p domain.ErrorPayload) {
	err := &ServerError{Code: p.Error, Message: p.Message}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	hadRoom := false
	if pending == nil {
		hadRoom = s.clearRoomLocked()
	}
	s.mu.Unlock()

	if pending != nil {
		pending.resolve(joinResult{err: err})
		return
	}
	s.log.Warn("rejoin rejected", "code", p.Error)
	if hadRoom {
		s.onRoomUpdate.emit(domain.RoomInfo{})
	}
	s.onError.emit(err)
}

// clearRoomLocked drops the room projection and the rejoin request. It
// reports whether a room was held.
func (s *Synchronizer) clearRoomLocked() bool {
	had := s.room != nil
	s.room = nil
	s.rejoin = nil
	return had
}

func (s *Synchronizer) handlePong(p domain.PingPayload) {
	rtt := s.cfg.Now().Sub(time.UnixMilli(p.Timestamp))
	if rtt < 0 {
		rtt = 0
	}

	s.mu.Lock()
	info := s.latency.add(rtt)
	s.mu.Unlock()

	s.onLatency.emit(info)
	if rtt > s.cfg.LatencyWarnThreshold {
		s.log.Warn("high latency", "rttMs", rtt.Milliseconds())
		s.onError.emit(&LatencyError{RTT: rtt, Threshold: s.cfg.LatencyWarnThreshold})
	}
}

// updateRoom applies fn to the room projection, if any, and returns a copy
// of the result. live is false when gen is stale; nothing is touched then.
func (s *Synchronizer) updateRoom(gen uint64, fn func(*domain.RoomInfo)) (room domain.RoomInfo, ok, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return domain.RoomInfo{}, false, false
	}
	if s.room == nil {
		return domain.RoomInfo{}, false, true
	}
	fn(s.room)
	return copyRoom(*s.room), true, true
}

func copyRoom(r domain.RoomInfo) domain.RoomInfo {
	r.Players = append([]domain.PlayerInfo(nil), r.Players...)
	return r
}

func newEnvelope(eventType string, payload any) (domain.Envelope, error) {
	env := domain.Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	env.Data = data
	return env, nil
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
