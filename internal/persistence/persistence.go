// Package persistence implements the Persistence actor: a single
// goroutine that owns the user/room store exclusively and answers
// requests over channels, narrowing every caller down to the command set
// named in the component design.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spitfire4040/chatcore/internal/config"
	"github.com/spitfire4040/chatcore/internal/protocol"
)

// Sentinel errors surfaced to callers as *Response(Err(reason)) wire
// messages.
var (
	ErrUsernameTaken    = errors.New("username is already taken")
	ErrInvalidUsername  = errors.New("username does not satisfy the username policy")
	ErrInvalidPassword  = errors.New("password does not satisfy the password policy")
	ErrUnknownUser      = errors.New("user not found")
	ErrBadCredentials   = errors.New("incorrect password")
	ErrRoomNameTaken    = errors.New("room name is already taken")
	ErrRoomNotFound     = errors.New("room not found")
	ErrBadRoomPassword  = errors.New("incorrect room password")
	ErrRoomHasPassword  = errors.New("room requires a password")
)

type registerCmd struct {
	username, password string
	ack                chan<- registerResult
}
type registerResult struct {
	user protocol.User
	err  error
}

type authenticateCmd struct {
	username, password string
	ack                chan<- registerResult
}

type getUserDataCmd struct {
	userID uuid.UUID
	ack    chan<- getUserDataResult
}
type getUserDataResult struct {
	rooms []protocol.RoomView
	err   error
}

type createRoomCmd struct {
	name     string
	password *string
	owner    protocol.User
	ack      chan<- roomResult
}
type joinRoomCmd struct {
	name     string
	password *string
	user     protocol.User
	ack      chan<- roomResult
}
type roomResult struct {
	room protocol.RoomView
	err  error
}

type userJoinedRoomCmd struct {
	user   protocol.User
	roomID uuid.UUID
	done   chan<- error
}
type userLeftRoomCmd struct {
	user   protocol.User
	roomID uuid.UUID
	done   chan<- error
}

// Persistence is the actor handle. Construct with NewPersistence and start
// its loop with Run in its own goroutine.
type Persistence struct {
	store Store
	inbox chan any
	log   *zap.Logger
}

// NewPersistence creates a Persistence actor backed by store, with a
// bounded inbox of the given capacity.
func NewPersistence(store Store, capacity int, log *zap.Logger) *Persistence {
	if log == nil {
		log = zap.NewNop()
	}
	return &Persistence{
		store: store,
		inbox: make(chan any, capacity),
		log:   log.Named("persistence"),
	}
}

// Run processes commands until ctx is canceled. It must be launched as a
// goroutine; it is the sole caller into the Store.
func (p *Persistence) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.inbox:
			p.handle(msg)
		}
	}
}

func (p *Persistence) handle(msg any) {
	switch m := msg.(type) {
	case registerCmd:
		user, err := p.register(m.username, m.password)
		m.ack <- registerResult{user: user, err: err}
	case authenticateCmd:
		user, err := p.authenticate(m.username, m.password)
		m.ack <- registerResult{user: user, err: err}
	case getUserDataCmd:
		rooms, err := p.getUserData(m.userID)
		m.ack <- getUserDataResult{rooms: rooms, err: err}
	case createRoomCmd:
		room, err := p.createRoom(m.name, m.password, m.owner)
		m.ack <- roomResult{room: room, err: err}
	case joinRoomCmd:
		room, err := p.joinRoom(m.name, m.password, m.user)
		m.ack <- roomResult{room: room, err: err}
	case userJoinedRoomCmd:
		m.done <- p.store.AddRoomMember(m.roomID, m.user.ID)
	case userLeftRoomCmd:
		m.done <- p.store.RemoveRoomMember(m.roomID, m.user.ID)
	default:
		p.log.Warn("unhandled persistence command", zap.Any("type", fmt.Sprintf("%T", msg)))
	}
}

// send delivers msg and reports whether the actor is still reachable.
func (p *Persistence) send(ctx context.Context, msg any) error {
	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register validates and creates a new account, joined to the public room.
func (p *Persistence) Register(ctx context.Context, username, password string) (protocol.User, error) {
	ack := make(chan registerResult, 1)
	if err := p.send(ctx, registerCmd{username: username, password: password, ack: ack}); err != nil {
		return protocol.User{}, err
	}
	select {
	case res := <-ack:
		return res.user, res.err
	case <-ctx.Done():
		return protocol.User{}, ctx.Err()
	}
}

// Authenticate verifies credentials for an existing account.
func (p *Persistence) Authenticate(ctx context.Context, username, password string) (protocol.User, error) {
	ack := make(chan registerResult, 1)
	if err := p.send(ctx, authenticateCmd{username: username, password: password, ack: ack}); err != nil {
		return protocol.User{}, err
	}
	select {
	case res := <-ack:
		return res.user, res.err
	case <-ctx.Done():
		return protocol.User{}, ctx.Err()
	}
}

// GetUserData fetches the rooms userID belongs to (members only; online
// status is the Manager's responsibility, not Persistence's).
func (p *Persistence) GetUserData(ctx context.Context, userID uuid.UUID) ([]protocol.RoomView, error) {
	ack := make(chan getUserDataResult, 1)
	if err := p.send(ctx, getUserDataCmd{userID: userID, ack: ack}); err != nil {
		return nil, err
	}
	select {
	case res := <-ack:
		return res.rooms, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateRoom creates a new room with owner as its sole initial member.
func (p *Persistence) CreateRoom(ctx context.Context, name string, password *string, owner protocol.User) (protocol.RoomView, error) {
	ack := make(chan roomResult, 1)
	if err := p.send(ctx, createRoomCmd{name: name, password: password, owner: owner, ack: ack}); err != nil {
		return protocol.RoomView{}, err
	}
	select {
	case res := <-ack:
		return res.room, res.err
	case <-ctx.Done():
		return protocol.RoomView{}, ctx.Err()
	}
}

// JoinRoom adds user to an existing room, checking its password if set.
func (p *Persistence) JoinRoom(ctx context.Context, name string, password *string, user protocol.User) (protocol.RoomView, error) {
	ack := make(chan roomResult, 1)
	if err := p.send(ctx, joinRoomCmd{name: name, password: password, user: user, ack: ack}); err != nil {
		return protocol.RoomView{}, err
	}
	select {
	case res := <-ack:
		return res.room, res.err
	case <-ctx.Done():
		return protocol.RoomView{}, ctx.Err()
	}
}

// UserJoinedRoom adds user to roomID's member list. The Client task calls
// it after a successful CreateRoom/JoinRoom, which have already recorded
// the membership, so there it repeats an idempotent insert.
func (p *Persistence) UserJoinedRoom(ctx context.Context, user protocol.User, roomID uuid.UUID) error {
	done := make(chan error, 1)
	if err := p.send(ctx, userJoinedRoomCmd{user: user, roomID: roomID, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserLeftRoom records a membership edit removing user from roomID.
func (p *Persistence) UserLeftRoom(ctx context.Context, user protocol.User, roomID uuid.UUID) error {
	done := make(chan error, 1)
	if err := p.send(ctx, userLeftRoomCmd{user: user, roomID: roomID, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// handlers (run only inside the actor goroutine)
// ---------------------------------------------------------------------------

func (p *Persistence) register(username, password string) (protocol.User, error) {
	if !config.ValidateUsername(username) {
		return protocol.User{}, ErrInvalidUsername
	}
	if !config.ValidatePassword(password) {
		return protocol.User{}, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return protocol.User{}, fmt.Errorf("persistence: hash password: %w", err)
	}

	u, err := p.store.CreateUser(username, string(hash), config.PublicRoomID)
	if err != nil {
		return protocol.User{}, ErrUsernameTaken
	}
	return protocol.User{ID: u.ID, Username: u.Username}, nil
}

func (p *Persistence) authenticate(username, password string) (protocol.User, error) {
	u, ok, err := p.store.UserByUsername(username)
	if err != nil {
		return protocol.User{}, fmt.Errorf("persistence: lookup user: %w", err)
	}
	if !ok {
		return protocol.User{}, ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return protocol.User{}, ErrBadCredentials
	}
	return protocol.User{ID: u.ID, Username: u.Username}, nil
}

func (p *Persistence) getUserData(userID uuid.UUID) ([]protocol.RoomView, error) {
	rooms, err := p.store.RoomsForUser(userID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.RoomView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, p.roomViewOf(r))
	}
	return out, nil
}

func (p *Persistence) createRoom(name string, password *string, owner protocol.User) (protocol.RoomView, error) {
	var hash *string
	if password != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			return protocol.RoomView{}, fmt.Errorf("persistence: hash room password: %w", err)
		}
		s := string(h)
		hash = &s
	}

	r, err := p.store.CreateRoom(name, hash, owner.ID)
	if err != nil {
		return protocol.RoomView{}, ErrRoomNameTaken
	}
	if err := p.store.AddRoomMembership(owner.ID, r.ID); err != nil {
		return protocol.RoomView{}, err
	}
	return p.roomViewOf(r), nil
}

func (p *Persistence) joinRoom(name string, password *string, user protocol.User) (protocol.RoomView, error) {
	r, ok, err := p.store.RoomByName(name)
	if err != nil {
		return protocol.RoomView{}, err
	}
	if !ok {
		return protocol.RoomView{}, ErrRoomNotFound
	}

	if r.PasswordHash != nil {
		if password == nil {
			return protocol.RoomView{}, ErrRoomHasPassword
		}
		if bcrypt.CompareHashAndPassword([]byte(*r.PasswordHash), []byte(*password)) != nil {
			return protocol.RoomView{}, ErrBadRoomPassword
		}
	}

	if err := p.store.AddRoomMember(r.ID, user.ID); err != nil {
		return protocol.RoomView{}, err
	}
	if err := p.store.AddRoomMembership(user.ID, r.ID); err != nil {
		return protocol.RoomView{}, err
	}

	r.Members = append(r.Members, user.ID)
	return p.roomViewOf(r), nil
}

// roomViewOf converts a roomRecord to a RoomView with member usernames
// resolved. OnlineMembers is left empty; the Manager fills it in via
// UpdateRoom/UpdateMultipleRooms.
func (p *Persistence) roomViewOf(r roomRecord) protocol.RoomView {
	members := make([]protocol.User, 0, len(r.Members))
	for _, id := range r.Members {
		if u, ok, _ := p.store.UserByID(id); ok {
			members = append(members, protocol.User{ID: u.ID, Username: u.Username})
		}
	}
	return protocol.RoomView{ID: r.ID, Name: r.Name, Members: members}
}
