// Package manager implements the Manager actor: the single owner of the
// online-user registry and the broker for room and direct endpoint
// establishment between Client tasks.
package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spitfire4040/chatcore/internal/metrics"
	"github.com/spitfire4040/chatcore/internal/protocol"
)

// ClientHandle is what a Client task registers with the Manager: its
// identity and an inbox the Manager may forward control messages into.
// Inbox carries GetRoomTransmitterMsg and EstablishDirectMsg values.
type ClientHandle struct {
	User  protocol.User
	Inbox chan<- any
}

// GetRoomTransmitterMsg asks a Client task to hand back its (lazily
// created) broadcast sender for RoomID, replying on Ack.
type GetRoomTransmitterMsg struct {
	RoomID uuid.UUID
	Ack    chan<- *Broadcaster
}

// DirectChannelTransit carries a direct-endpoint establishment request
// from the Manager to the target Client task. SenderForPeer is the
// requester's inbound sender (so the target can push replies back);
// Ack is where the target should send its own inbound sender.
type DirectChannelTransit struct {
	From          protocol.User
	To            uuid.UUID
	SenderForPeer chan<- []byte
	Ack           chan<- chan<- []byte
}

// EstablishDirectMsg wraps a DirectChannelTransit as delivered to a
// Client task's inbox.
type EstablishDirectMsg struct {
	Transit DirectChannelTransit
}

type clientConnectedCmd struct{ handle ClientHandle }
type clientDroppedCmd struct{ id uuid.UUID }
type isOnlineCmd struct {
	username string
	ack      chan<- bool
}
type isOnlineByIDCmd struct {
	id  uuid.UUID
	ack chan<- bool
}
type establishRoomCommCmd struct {
	roomID  uuid.UUID
	members []protocol.User
	ack     chan<- *Broadcaster
}
type establishDirectCmd struct{ transit DirectChannelTransit }
type userRegisteredCmd struct{ user protocol.User }
type updateRoomCmd struct {
	room protocol.RoomView
	ack  chan<- protocol.RoomView
}
type updateMultipleRoomsCmd struct {
	rooms []protocol.RoomView
	ack   chan<- []protocol.RoomView
}

// Manager is the actor handle. Construct with NewManager and run its
// loop with Run in its own goroutine.
type Manager struct {
	inbox            chan any
	online           map[uuid.UUID]ClientHandle
	roomCapacity     int
	publicRoomID     uuid.UUID
	log              *zap.Logger
}

// Config carries the tunables Manager needs at construction.
type Config struct {
	RoomCapacity int
	PublicRoomID uuid.UUID
}

// NewManager creates a Manager actor with a bounded inbox of the given
// capacity.
func NewManager(capacity int, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		inbox:        make(chan any, capacity),
		online:       make(map[uuid.UUID]ClientHandle),
		roomCapacity: cfg.RoomCapacity,
		publicRoomID: cfg.PublicRoomID,
		log:          log.Named("manager"),
	}
}

// Run processes commands until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

func (m *Manager) handle(msg any) {
	switch c := msg.(type) {
	case clientConnectedCmd:
		m.online[c.handle.User.ID] = c.handle
		metrics.OnlineUsers.Set(float64(len(m.online)))
	case clientDroppedCmd:
		delete(m.online, c.id)
		metrics.OnlineUsers.Set(float64(len(m.online)))
	case isOnlineCmd:
		c.ack <- m.isOnline(c.username)
	case isOnlineByIDCmd:
		_, ok := m.online[c.id]
		c.ack <- ok
	case establishRoomCommCmd:
		m.handleEstablishRoomComm(c)
	case establishDirectCmd:
		m.handleEstablishDirect(c.transit)
	case userRegisteredCmd:
		m.handleUserRegistered(c.user)
	case updateRoomCmd:
		m.updateRoomOnlineMembers(&c.room)
		c.ack <- c.room
	case updateMultipleRoomsCmd:
		for i := range c.rooms {
			m.updateRoomOnlineMembers(&c.rooms[i])
		}
		c.ack <- c.rooms
	default:
		m.log.Warn("unhandled manager command", zap.Any("type", fmt.Sprintf("%T", msg)))
	}
}

func (m *Manager) isOnline(username string) bool {
	for _, h := range m.online {
		if h.User.Username == username {
			return true
		}
	}
	return false
}

func (m *Manager) handleEstablishRoomComm(c establishRoomCommCmd) {
	for _, member := range c.members {
		handle, ok := m.online[member.ID]
		if !ok {
			continue
		}
		m.sendToClient(handle, GetRoomTransmitterMsg{RoomID: c.roomID, Ack: c.ack})
		return
	}
	// None of the listed members is online: seed a fresh one.
	// RoomEndpoints is a lower bound — Manager only observes endpoint
	// creation, not the lifetime of delegated endpoints it never owns.
	metrics.RoomEndpoints.Inc()
	c.ack <- NewBroadcaster(m.roomCapacity, m.log)
}

func (m *Manager) handleEstablishDirect(t DirectChannelTransit) {
	handle, ok := m.online[t.To]
	if !ok {
		m.log.Warn("establish-direct target is not online", zap.String("to", t.To.String()))
		return
	}
	m.sendToClient(handle, EstablishDirectMsg{Transit: t})
}

// handleUserRegistered notifies any currently-online client of the
// public room that a new user has joined it, by asking that client for
// the room's broadcast sender and pushing a UserJoinedRoom notification
// through it. If nobody is online, there is nobody to notify.
func (m *Manager) handleUserRegistered(user protocol.User) {
	for _, handle := range m.online {
		ack := make(chan *Broadcaster, 1)
		m.sendToClient(handle, GetRoomTransmitterMsg{RoomID: m.publicRoomID, Ack: ack})
		bc, ok := <-ack
		if !ok || bc == nil {
			continue
		}
		notif := protocol.UserJoinedRoomMsg{User: user, RoomID: m.publicRoomID}
		raw, err := protocol.EncodeServerMsg(notif)
		if err != nil {
			m.log.Error("encode UserJoinedRoom notification", zap.Error(err))
			return
		}
		bc.Send(raw)
		return
	}
}

func (m *Manager) updateRoomOnlineMembers(room *protocol.RoomView) {
	online := make([]protocol.User, 0, len(room.Members))
	for _, u := range room.Members {
		if _, ok := m.online[u.ID]; ok {
			online = append(online, u)
		}
	}
	room.OnlineMembers = online
}

// sendToClient forwards msg into handle's inbox without blocking; a full
// inbox downgrades to a logged warning, per the Manager's non-blocking
// invariant.
func (m *Manager) sendToClient(handle ClientHandle, msg any) {
	select {
	case handle.Inbox <- msg:
	default:
		m.log.Warn("client inbox full, dropping manager message",
			zap.String("user", handle.User.ID.String()))
	}
}

// ---------------------------------------------------------------------------
// public, context-aware API
// ---------------------------------------------------------------------------

func (m *Manager) send(ctx context.Context, msg any) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientConnected registers a newly authenticated client as online.
func (m *Manager) ClientConnected(ctx context.Context, handle ClientHandle) error {
	return m.send(ctx, clientConnectedCmd{handle: handle})
}

// ClientDropped removes id from the online registry.
func (m *Manager) ClientDropped(ctx context.Context, id uuid.UUID) error {
	return m.send(ctx, clientDroppedCmd{id: id})
}

// IsOnline reports whether username currently has a connected session.
func (m *Manager) IsOnline(ctx context.Context, username string) (bool, error) {
	ack := make(chan bool, 1)
	if err := m.send(ctx, isOnlineCmd{username: username, ack: ack}); err != nil {
		return false, err
	}
	select {
	case online := <-ack:
		return online, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ClientOnline reports whether id currently has a connected session, for
// callers that hold a cached direct-endpoint sender and need to notice a
// peer's disconnect before attempting to use it.
func (m *Manager) ClientOnline(ctx context.Context, id uuid.UUID) (bool, error) {
	ack := make(chan bool, 1)
	if err := m.send(ctx, isOnlineByIDCmd{id: id, ack: ack}); err != nil {
		return false, err
	}
	select {
	case online := <-ack:
		return online, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// EstablishRoomComm returns roomID's broadcast sender. If any user in
// members is online, the request is forwarded to the first such user's
// Client task, which replies with the sender it holds, or nil if it holds
// none; the Manager does not check which member holds one. If no user in
// members is online, a fresh Broadcaster is created.
func (m *Manager) EstablishRoomComm(ctx context.Context, roomID uuid.UUID, members []protocol.User) (*Broadcaster, error) {
	ack := make(chan *Broadcaster, 1)
	if err := m.send(ctx, establishRoomCommCmd{roomID: roomID, members: members, ack: ack}); err != nil {
		return nil, err
	}
	select {
	case bc := <-ack:
		return bc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EstablishDirect forwards a direct-endpoint establishment request to
// its target Client task.
func (m *Manager) EstablishDirect(ctx context.Context, transit DirectChannelTransit) error {
	return m.send(ctx, establishDirectCmd{transit: transit})
}

// UserRegistered arranges for a newly registered user to be announced
// into the public room.
func (m *Manager) UserRegistered(ctx context.Context, user protocol.User) error {
	return m.send(ctx, userRegisteredCmd{user: user})
}

// UpdateRoom overwrites room's OnlineMembers with the intersection of
// its Members and the currently-online set.
func (m *Manager) UpdateRoom(ctx context.Context, room protocol.RoomView) (protocol.RoomView, error) {
	ack := make(chan protocol.RoomView, 1)
	if err := m.send(ctx, updateRoomCmd{room: room, ack: ack}); err != nil {
		return protocol.RoomView{}, err
	}
	select {
	case updated := <-ack:
		return updated, nil
	case <-ctx.Done():
		return protocol.RoomView{}, ctx.Err()
	}
}

// UpdateMultipleRooms is the batch form of UpdateRoom.
func (m *Manager) UpdateMultipleRooms(ctx context.Context, rooms []protocol.RoomView) ([]protocol.RoomView, error) {
	ack := make(chan []protocol.RoomView, 1)
	if err := m.send(ctx, updateMultipleRoomsCmd{rooms: rooms, ack: ack}); err != nil {
		return nil, err
	}
	select {
	case updated := <-ack:
		return updated, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
