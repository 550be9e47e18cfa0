// Package client implements the Client task: the per-connection state
// machine that owns a single authenticated session, from the first
// ClientAuthMsg frame through however many rooms and direct peers it
// ends up talking to.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spitfire4040/chatcore/internal/config"
	"github.com/spitfire4040/chatcore/internal/manager"
	"github.com/spitfire4040/chatcore/internal/metrics"
	"github.com/spitfire4040/chatcore/internal/persistence"
	"github.com/spitfire4040/chatcore/internal/protocol"
	"github.com/spitfire4040/chatcore/internal/wire"
)

// CloseReason names why a Session loop exited.
type CloseReason int

const (
	// ReasonDrop means the transport failed or a decoder error occurred;
	// the connection is finished for good.
	ReasonDrop CloseReason = iota
	// ReasonLogout means the client asked to return to Unauthenticated;
	// the connection stays open for a new auth attempt.
	ReasonLogout
)

type frameResult struct {
	data []byte
	err  error
}

type endpointKind int

const (
	endpointRoom endpointKind = iota
	endpointDirect
)

type endpointDropNotice struct {
	kind endpointKind
	id   uuid.UUID
}

type roomSub struct {
	broadcaster *manager.Broadcaster
	sub         *manager.Subscription
	cancel      context.CancelFunc
}

type directSub struct {
	cancel context.CancelFunc
}

// Client drives one TCP connection's lifecycle: Unauthenticated,
// Initializing, Session, Teardown, and back to Unauthenticated on
// Logout.
type Client struct {
	conn     net.Conn
	maxFrame int
	caps     config.Capacities

	mgr     *manager.Manager
	persist *persistence.Persistence
	log     *zap.Logger

	user protocol.User

	transportIn chan frameResult
	inbox       chan any // manager.GetRoomTransmitterMsg / manager.EstablishDirectMsg
	fanin       chan []byte
	endpointDrop chan endpointDropNotice
	closeCh     chan CloseReason

	roomSubs  map[uuid.UUID]*roomSub
	directOut map[uuid.UUID]chan<- []byte
	directIn  map[uuid.UUID]*directSub
}

// New constructs a Client task bound to conn. Call Run in the
// connection's own goroutine.
func New(conn net.Conn, mgr *manager.Manager, persist *persistence.Persistence, caps config.Capacities, maxFrame int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		conn:         conn,
		maxFrame:     maxFrame,
		caps:         caps,
		mgr:          mgr,
		persist:      persist,
		log:          log.Named("client"),
		transportIn:  make(chan frameResult, 1),
		inbox:        make(chan any, caps.ManagerClient),
		fanin:        make(chan []byte, caps.ClientComm),
		endpointDrop: make(chan endpointDropNotice, 4),
		closeCh:      make(chan CloseReason, 1),
		roomSubs:     make(map[uuid.UUID]*roomSub),
		directOut:    make(map[uuid.UUID]chan<- []byte),
		directIn:     make(map[uuid.UUID]*directSub),
	}
}

// RequestClose asks the Session loop to terminate with reason, without
// blocking if nobody is listening yet.
func (c *Client) RequestClose(reason CloseReason) {
	select {
	case c.closeCh <- reason:
	default:
	}
}

// Run drives the full connection lifecycle until the transport closes
// for good or ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	defer c.conn.Close()

	readerDone := make(chan struct{})
	defer close(readerDone)
	dec := wire.NewDecoder(c.conn, c.maxFrame)
	go func() {
		for {
			data, err := dec.Next()
			select {
			case c.transportIn <- frameResult{data: data, err: err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		authMsg, err := c.readAuthMsg(ctx)
		if err != nil {
			return
		}

		switch m := authMsg.(type) {
		case protocol.RegisterMsg:
			c.handleRegister(ctx, m)
			continue
		case protocol.LoginMsg:
			user, ok := c.handleLogin(ctx, m)
			if !ok {
				continue
			}
			c.user = user
			if err := c.initializing(ctx); err != nil {
				c.log.Warn("initializing session failed", zap.Error(err))
				c.teardown()
				return
			}
			reason, err := c.sessionLoop(ctx)
			if err != nil {
				c.log.Debug("session loop ended", zap.Error(err))
			}
			c.teardown()
			if reason == ReasonDrop {
				return
			}
			// ReasonLogout: loop back to Unauthenticated on the same connection.
		default:
			c.log.Warn("unexpected message in Unauthenticated state", zap.String("type", fmt.Sprintf("%T", authMsg)))
			return
		}
	}
}

func (c *Client) readAuthMsg(ctx context.Context) (protocol.ClientAuthMsg, error) {
	select {
	case res := <-c.transportIn:
		if res.err != nil {
			return nil, res.err
		}
		return protocol.DecodeClientAuthMsg(res.data)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) handleRegister(ctx context.Context, m protocol.RegisterMsg) {
	user, err := c.persist.Register(ctx, m.Username, m.Password)
	if err != nil {
		c.writeServerMsg(protocol.RegisterResponseMsg{OK: false, Err: err.Error()})
		return
	}
	c.writeServerMsg(protocol.RegisterResponseMsg{OK: true, User: user})
	if err := c.mgr.UserRegistered(ctx, user); err != nil {
		c.log.Warn("announce new user to manager", zap.Error(err))
	}
}

func (c *Client) handleLogin(ctx context.Context, m protocol.LoginMsg) (protocol.User, bool) {
	online, err := c.mgr.IsOnline(ctx, m.Username)
	if err != nil {
		c.writeServerMsg(protocol.AuthResponseMsg{OK: false, Err: "internal error"})
		return protocol.User{}, false
	}
	if online {
		c.writeServerMsg(protocol.AuthResponseMsg{OK: false, Err: "user is already logged in"})
		return protocol.User{}, false
	}

	user, err := c.persist.Authenticate(ctx, m.Username, m.Password)
	if err != nil {
		c.writeServerMsg(protocol.AuthResponseMsg{OK: false, Err: err.Error()})
		return protocol.User{}, false
	}

	if err := c.mgr.ClientConnected(ctx, manager.ClientHandle{User: user, Inbox: c.inbox}); err != nil {
		c.writeServerMsg(protocol.AuthResponseMsg{OK: false, Err: "internal error"})
		return protocol.User{}, false
	}

	c.writeServerMsg(protocol.AuthResponseMsg{OK: true, User: user})
	metrics.ConnectionsAccepted.Inc()
	return user, true
}

func (c *Client) initializing(ctx context.Context) error {
	rooms, err := c.persist.GetUserData(ctx, c.user.ID)
	if err != nil {
		return fmt.Errorf("client: fetch user rooms: %w", err)
	}
	rooms, err = c.mgr.UpdateMultipleRooms(ctx, rooms)
	if err != nil {
		return fmt.Errorf("client: update room online membership: %w", err)
	}

	for _, room := range rooms {
		announce := protocol.ServerMsg(protocol.UserConnectedMsg{User: c.user})
		if err := c.subscribeToRoom(ctx, room, announce); err != nil {
			c.log.Warn("subscribe to room during initialization", zap.String("room", room.ID.String()), zap.Error(err))
		}
	}

	c.writeServerMsg(protocol.InitMsg{Rooms: rooms})
	return nil
}

// subscribeToRoom asks the Manager for roomID's broadcast sender,
// subscribes, spawns its forwarder, and broadcasts announce into it.
func (c *Client) subscribeToRoom(ctx context.Context, room protocol.RoomView, announce protocol.ServerMsg) error {
	// This client holds no sender for the room yet and cannot answer the
	// Manager while it waits here, so it is left out of the members the
	// Manager may delegate to.
	others := make([]protocol.User, 0, len(room.Members))
	for _, m := range room.Members {
		if m.ID != c.user.ID {
			others = append(others, m)
		}
	}
	bc, err := c.mgr.EstablishRoomComm(ctx, room.ID, others)
	if err != nil {
		return err
	}
	if bc == nil {
		return fmt.Errorf("client: no broadcast sender for room %s", room.ID)
	}
	sub := bc.Subscribe()
	fctx, cancel := context.WithCancel(context.Background())
	go c.forwardRoom(fctx, room.ID, sub)
	c.roomSubs[room.ID] = &roomSub{broadcaster: bc, sub: sub, cancel: cancel}

	raw, err := protocol.EncodeServerMsg(announce)
	if err != nil {
		return err
	}
	bc.Send(raw)
	return nil
}

// sessionLoop drives the five-source select for an authenticated
// connection until Logout, a transport error, or ctx cancellation.
func (c *Client) sessionLoop(ctx context.Context) (CloseReason, error) {
	for {
		select {
		case <-ctx.Done():
			return ReasonDrop, ctx.Err()

		case res := <-c.transportIn:
			if res.err != nil {
				return ReasonDrop, res.err
			}
			msg, err := protocol.DecodeClientSessionMsg(res.data)
			if err != nil {
				return ReasonDrop, err
			}
			reason, done, err := c.handleSessionMsg(ctx, msg)
			if err != nil {
				c.log.Warn("handling session message", zap.Error(err))
			}
			if done {
				return reason, nil
			}

		case ctrl := <-c.inbox:
			c.handleManagerMsg(ctx, ctrl)

		case data := <-c.fanin:
			if err := c.writeRaw(data); err != nil {
				return ReasonDrop, err
			}

		case notice := <-c.endpointDrop:
			c.handleEndpointDrop(notice)

		case reason := <-c.closeCh:
			return reason, nil
		}
	}
}

func (c *Client) handleSessionMsg(ctx context.Context, msg protocol.ClientSessionMsg) (CloseReason, bool, error) {
	switch m := msg.(type) {
	case protocol.TextMsg:
		m.From = c.user
		return 0, false, c.routeServerMsg(ctx, m, m.To)
	case protocol.FileMetadataMsg:
		m.From = c.user
		return 0, false, c.routeServerMsg(ctx, m, m.To)
	case protocol.FileChunkMsg:
		m.From = c.user
		return 0, false, c.routeServerMsg(ctx, m, m.To)
	case protocol.AsciiImageMsg:
		m.From = c.user
		return 0, false, c.routeServerMsg(ctx, m, m.To)
	case protocol.CreateRoomMsg:
		c.handleCreateRoom(ctx, m)
		return 0, false, nil
	case protocol.JoinRoomMsg:
		c.handleJoinRoom(ctx, m)
		return 0, false, nil
	case protocol.LogoutMsg:
		return ReasonLogout, true, nil
	default:
		return 0, false, fmt.Errorf("client: unhandled session message %T", msg)
	}
}

func (c *Client) routeServerMsg(ctx context.Context, msg protocol.ServerMsg, target protocol.Channel) error {
	raw, err := protocol.EncodeServerMsg(msg)
	if err != nil {
		return err
	}
	return c.sendData(ctx, raw, target)
}

func (c *Client) handleCreateRoom(ctx context.Context, m protocol.CreateRoomMsg) {
	room, err := c.persist.CreateRoom(ctx, m.Name, m.Password, c.user)
	if err != nil {
		c.writeServerMsg(protocol.CreateRoomResponseMsg{OK: false, Err: err.Error()})
		return
	}
	c.finishJoin(ctx, room, func() {
		c.writeServerMsg(protocol.CreateRoomResponseMsg{OK: true, Room: room})
	})
}

func (c *Client) handleJoinRoom(ctx context.Context, m protocol.JoinRoomMsg) {
	room, err := c.persist.JoinRoom(ctx, m.Name, m.Password, c.user)
	if err != nil {
		c.writeServerMsg(protocol.JoinRoomResponseMsg{OK: false, Err: err.Error()})
		return
	}
	c.finishJoin(ctx, room, func() {
		c.writeServerMsg(protocol.JoinRoomResponseMsg{OK: true, Room: room})
	})
}

// finishJoin performs the shared tail of CreateRoom/JoinRoom success:
// inform Persistence the membership now holds, subscribe, broadcast the
// join, then let the caller send its own response frame.
func (c *Client) finishJoin(ctx context.Context, room protocol.RoomView, reply func()) {
	if err := c.persist.UserJoinedRoom(ctx, c.user, room.ID); err != nil {
		c.log.Warn("record room membership", zap.Error(err))
	}
	room, err := c.mgr.UpdateRoom(ctx, room)
	if err != nil {
		c.log.Warn("update room online membership", zap.Error(err))
	}
	announce := protocol.ServerMsg(protocol.UserJoinedRoomMsg{User: c.user, RoomID: room.ID})
	if err := c.subscribeToRoom(ctx, room, announce); err != nil {
		c.log.Warn("subscribe to joined room", zap.Error(err))
	}
	reply()
}

// sendData implements the routing algorithm: broadcast to a room
// endpoint, or deliver to a cached or freshly-established direct
// endpoint.
func (c *Client) sendData(ctx context.Context, data []byte, target protocol.Channel) error {
	switch target.Kind {
	case protocol.ChannelRoom:
		sub, ok := c.roomSubs[target.ID]
		if !ok {
			return fmt.Errorf("client: send to unsubscribed room %s", target.ID)
		}
		sub.broadcaster.Send(data)
		metrics.MessagesRouted.WithLabelValues("room").Inc()
		return nil

	case protocol.ChannelUser:
		tx, cached := c.directOut[target.ID]
		if cached {
			online, err := c.mgr.ClientOnline(ctx, target.ID)
			if err != nil {
				return err
			}
			if !online {
				// Peer disconnected since the endpoint was established; the
				// cached sender is stale and nothing drains it anymore.
				// Don't re-run the establishment handshake here — the
				// Manager just told us the peer isn't online, so it would
				// only time out the same way a first-time send to an
				// offline user does.
				c.dropDirectPeer(target.ID)
				c.log.Debug("direct peer disconnected, dropping send", zap.String("peer", target.ID.String()))
				return nil
			}
		} else {
			established, err := c.establishDirect(ctx, target.ID)
			if err != nil {
				c.log.Debug("direct peer unreachable, dropping send", zap.String("peer", target.ID.String()), zap.Error(err))
				return nil
			}
			tx = established
			c.directOut[target.ID] = tx
		}
		select {
		case tx <- data:
			metrics.MessagesRouted.WithLabelValues("user").Inc()
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.log.Debug("direct endpoint full, dropping send", zap.String("peer", target.ID.String()))
			c.dropDirectPeer(target.ID)
		}
		return nil

	default:
		return fmt.Errorf("client: unknown channel kind %d", target.Kind)
	}
}

// establishDirect runs the direct-endpoint establishment protocol as
// the initiating side (A talking to peer B).
func (c *Client) establishDirect(ctx context.Context, peer uuid.UUID) (chan<- []byte, error) {
	myRx := make(chan []byte, c.caps.Direct)
	fctx, cancel := context.WithCancel(context.Background())
	go c.forwardDirect(fctx, peer, myRx)
	c.directIn[peer] = &directSub{cancel: cancel}

	ack := make(chan chan<- []byte, 1)
	transit := manager.DirectChannelTransit{
		From:          c.user,
		To:            peer,
		SenderForPeer: myRx,
		Ack:           ack,
	}
	if err := c.mgr.EstablishDirect(ctx, transit); err != nil {
		cancel()
		delete(c.directIn, peer)
		return nil, err
	}

	select {
	case tx, ok := <-ack:
		if !ok || tx == nil {
			cancel()
			delete(c.directIn, peer)
			return nil, fmt.Errorf("client: peer %s did not establish a direct endpoint", peer)
		}
		return tx, nil
	case <-time.After(5 * time.Second):
		cancel()
		delete(c.directIn, peer)
		return nil, fmt.Errorf("client: timed out establishing direct endpoint with %s", peer)
	case <-ctx.Done():
		cancel()
		delete(c.directIn, peer)
		return nil, ctx.Err()
	}
}

// handleManagerMsg answers control traffic forwarded by the Manager.
func (c *Client) handleManagerMsg(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case manager.GetRoomTransmitterMsg:
		if sub, ok := c.roomSubs[m.RoomID]; ok {
			m.Ack <- sub.broadcaster
		} else {
			c.log.Warn("asked for a room transmitter this client does not hold", zap.String("room", m.RoomID.String()))
			m.Ack <- nil
		}
	case manager.EstablishDirectMsg:
		c.handleEstablishDirectIncoming(ctx, m.Transit)
	default:
		c.log.Warn("unhandled manager-forwarded message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// handleEstablishDirectIncoming is the responding side (B) of the
// direct-endpoint establishment protocol.
func (c *Client) handleEstablishDirectIncoming(ctx context.Context, t manager.DirectChannelTransit) {
	myRx := make(chan []byte, c.caps.Direct)
	fctx, cancel := context.WithCancel(context.Background())
	go c.forwardDirect(fctx, t.From.ID, myRx)

	if existing, ok := c.directIn[t.From.ID]; ok {
		existing.cancel()
	}
	c.directIn[t.From.ID] = &directSub{cancel: cancel}
	c.directOut[t.From.ID] = t.SenderForPeer

	t.Ack <- myRx
}

// dropDirectPeer discards both halves of a direct endpoint to peer:
// our own forwarder reading peer's inbound channel, and the cached
// sender used to write to peer.
func (c *Client) dropDirectPeer(peer uuid.UUID) {
	if d, ok := c.directIn[peer]; ok {
		d.cancel()
		delete(c.directIn, peer)
	}
	delete(c.directOut, peer)
}

func (c *Client) handleEndpointDrop(notice endpointDropNotice) {
	switch notice.kind {
	case endpointRoom:
		delete(c.roomSubs, notice.id)
	case endpointDirect:
		delete(c.directIn, notice.id)
		delete(c.directOut, notice.id)
	}
}

// forwardRoom reads a room subscription and forwards onto the fan-in
// inbox until the subscription closes or ctx is canceled.
func (c *Client) forwardRoom(ctx context.Context, roomID uuid.UUID, sub *manager.Subscription) {
	for {
		select {
		case data, ok := <-sub.Messages:
			if !ok {
				select {
				case c.endpointDrop <- endpointDropNotice{kind: endpointRoom, id: roomID}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case c.fanin <- data:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// forwardDirect reads a direct peer's inbound channel and forwards onto
// the fan-in inbox until ctx is canceled.
func (c *Client) forwardDirect(ctx context.Context, peer uuid.UUID, rx <-chan []byte) {
	for {
		select {
		case data, ok := <-rx:
			if !ok {
				select {
				case c.endpointDrop <- endpointDropNotice{kind: endpointDirect, id: peer}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case c.fanin <- data:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// teardown broadcasts departure, informs the Manager, and cancels every
// per-endpoint forwarder. It is infallible: failures are logged, not
// propagated, since the connection is going away regardless.
func (c *Client) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := protocol.EncodeServerMsg(protocol.UserDisconnectedMsg{User: c.user})
	if err == nil {
		for _, sub := range c.roomSubs {
			sub.broadcaster.Send(raw)
		}
	}

	for _, sub := range c.roomSubs {
		sub.cancel()
		sub.sub.Unsubscribe()
	}
	for _, d := range c.directIn {
		d.cancel()
	}

	c.roomSubs = make(map[uuid.UUID]*roomSub)
	c.directIn = make(map[uuid.UUID]*directSub)
	c.directOut = make(map[uuid.UUID]chan<- []byte)

	if c.user.ID != uuid.Nil {
		if err := c.mgr.ClientDropped(ctx, c.user.ID); err != nil {
			c.log.Warn("announce client dropped to manager", zap.Error(err))
		}
	}
}

func (c *Client) writeServerMsg(msg protocol.ServerMsg) {
	raw, err := protocol.EncodeServerMsg(msg)
	if err != nil {
		c.log.Error("encode server message", zap.Error(err))
		return
	}
	if err := c.writeRaw(raw); err != nil {
		c.log.Debug("write server message", zap.Error(err))
	}
}

func (c *Client) writeRaw(payload []byte) error {
	return wire.WriteFrame(c.conn, payload)
}
