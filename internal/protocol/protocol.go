// Package protocol defines the wire schema exchanged over the framed
// transport: the pre-auth ClientAuthMsg union, the post-auth
// ClientSessionMsg union, and the server-originating ServerMsg union. Every
// message is encoded as a one-byte tag followed by fixed-layout,
// big-endian fields — a stable binary form chosen so the 8192-byte
// FileChunk buffer and the Channel tagged union carry over the wire
// without an intermediate text encoding.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// ChunkSize is the fixed size, in bytes, of every FileChunk payload.
const ChunkSize = 8192

// User identifies a registered, possibly-online account.
type User struct {
	ID       uuid.UUID
	Username string
}

// ChannelKind discriminates a Channel's target.
type ChannelKind byte

const (
	ChannelRoom ChannelKind = iota
	ChannelUser
)

// Channel names either a room or a single peer user as a message target.
type Channel struct {
	Kind ChannelKind
	ID   uuid.UUID
}

// RoomChannel builds a Channel targeting a room.
func RoomChannel(id uuid.UUID) Channel { return Channel{Kind: ChannelRoom, ID: id} }

// UserChannel builds a Channel targeting a user.
func UserChannel(id uuid.UUID) Channel { return Channel{Kind: ChannelUser, ID: id} }

// RoomView is the client-facing snapshot of a room.
type RoomView struct {
	ID            uuid.UUID
	Name          string
	Members       []User
	OnlineMembers []User
}

// ---------------------------------------------------------------------------
// ClientAuthMsg — pre-authentication union
// ---------------------------------------------------------------------------

// ClientAuthMsg is sent once, as the first frame of a connection (or after a
// Logout returns the session to Unauthenticated).
type ClientAuthMsg interface {
	isClientAuthMsg()
}

type LoginMsg struct {
	Username string
	Password string
}

type RegisterMsg struct {
	Username string
	Password string
}

func (LoginMsg) isClientAuthMsg()    {}
func (RegisterMsg) isClientAuthMsg() {}

const (
	tagLogin byte = iota
	tagRegister
)

// EncodeClientAuthMsg serializes msg to its wire form.
func EncodeClientAuthMsg(msg ClientAuthMsg) ([]byte, error) {
	switch m := msg.(type) {
	case LoginMsg:
		e := newEncoder(tagLogin)
		e.putString(m.Username)
		e.putString(m.Password)
		return e.bytes(), nil
	case RegisterMsg:
		e := newEncoder(tagRegister)
		e.putString(m.Username)
		e.putString(m.Password)
		return e.bytes(), nil
	default:
		return nil, fmt.Errorf("protocol: unknown ClientAuthMsg type %T", msg)
	}
}

// DecodeClientAuthMsg parses a ClientAuthMsg from its wire form.
func DecodeClientAuthMsg(payload []byte) (ClientAuthMsg, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	switch d.tag {
	case tagLogin:
		username, err := d.getString()
		if err != nil {
			return nil, err
		}
		password, err := d.getString()
		if err != nil {
			return nil, err
		}
		return LoginMsg{Username: username, Password: password}, nil
	case tagRegister:
		username, err := d.getString()
		if err != nil {
			return nil, err
		}
		password, err := d.getString()
		if err != nil {
			return nil, err
		}
		return RegisterMsg{Username: username, Password: password}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown ClientAuthMsg tag %d", d.tag)
	}
}

// ---------------------------------------------------------------------------
// ClientSessionMsg — post-auth, client -> server
// ---------------------------------------------------------------------------

// ClientSessionMsg is any message a Client task may receive from its
// transport once authenticated.
type ClientSessionMsg interface {
	isClientSessionMsg()
}

// TextMsg carries a user's chat message. It is also forwarded verbatim (in
// shape) as part of ServerMsg.
type TextMsg struct {
	Text string
	From User
	To   Channel
}

// FileMetadataMsg announces an incoming file stream.
type FileMetadataMsg struct {
	Filename string
	StreamID uuid.UUID
	Size     uint64
	From     User
	To       Channel
}

// FileChunkMsg carries one fixed-size slice of a file stream.
type FileChunkMsg struct {
	StreamID uuid.UUID
	Data     [ChunkSize]byte
	From     User
	To       Channel
}

// AsciiImageMsg carries a pre-rendered ASCII-art frame.
type AsciiImageMsg struct {
	Cache string
	From  User
	To    Channel
}

// LogoutMsg requests the session return to Unauthenticated.
type LogoutMsg struct{}

// CreateRoomMsg requests creation (and, per this spec, implicit join) of a
// new room.
type CreateRoomMsg struct {
	Name     string
	Password *string
}

// JoinRoomMsg requests joining an existing room.
type JoinRoomMsg struct {
	Name     string
	Password *string
}

func (TextMsg) isClientSessionMsg()         {}
func (FileMetadataMsg) isClientSessionMsg() {}
func (FileChunkMsg) isClientSessionMsg()    {}
func (AsciiImageMsg) isClientSessionMsg()   {}
func (LogoutMsg) isClientSessionMsg()       {}
func (CreateRoomMsg) isClientSessionMsg()   {}
func (JoinRoomMsg) isClientSessionMsg()     {}

const (
	tagText byte = iota
	tagFileMetadata
	tagFileChunk
	tagAsciiImage
	tagLogout
	tagCreateRoom
	tagJoinRoom
)

// EncodeClientSessionMsg serializes msg to its wire form.
func EncodeClientSessionMsg(msg ClientSessionMsg) ([]byte, error) {
	switch m := msg.(type) {
	case TextMsg:
		e := newEncoder(tagText)
		e.putString(m.Text)
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case FileMetadataMsg:
		e := newEncoder(tagFileMetadata)
		e.putString(m.Filename)
		e.putUUID(m.StreamID)
		e.putUint64(m.Size)
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case FileChunkMsg:
		e := newEncoder(tagFileChunk)
		e.putUUID(m.StreamID)
		e.putRaw(m.Data[:])
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case AsciiImageMsg:
		e := newEncoder(tagAsciiImage)
		e.putString(m.Cache)
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case LogoutMsg:
		e := newEncoder(tagLogout)
		return e.bytes(), nil
	case CreateRoomMsg:
		e := newEncoder(tagCreateRoom)
		e.putString(m.Name)
		e.putOptionalString(m.Password)
		return e.bytes(), nil
	case JoinRoomMsg:
		e := newEncoder(tagJoinRoom)
		e.putString(m.Name)
		e.putOptionalString(m.Password)
		return e.bytes(), nil
	default:
		return nil, fmt.Errorf("protocol: unknown ClientSessionMsg type %T", msg)
	}
}

// DecodeClientSessionMsg parses a ClientSessionMsg from its wire form.
func DecodeClientSessionMsg(payload []byte) (ClientSessionMsg, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	switch d.tag {
	case tagText:
		text, err := d.getString()
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		return TextMsg{Text: text, From: from, To: to}, nil
	case tagFileMetadata:
		name, err := d.getString()
		if err != nil {
			return nil, err
		}
		sid, err := d.getUUID()
		if err != nil {
			return nil, err
		}
		size, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		return FileMetadataMsg{Filename: name, StreamID: sid, Size: size, From: from, To: to}, nil
	case tagFileChunk:
		sid, err := d.getUUID()
		if err != nil {
			return nil, err
		}
		data, err := d.getRaw(ChunkSize)
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		var fixed [ChunkSize]byte
		copy(fixed[:], data)
		return FileChunkMsg{StreamID: sid, Data: fixed, From: from, To: to}, nil
	case tagAsciiImage:
		cache, err := d.getString()
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		return AsciiImageMsg{Cache: cache, From: from, To: to}, nil
	case tagLogout:
		return LogoutMsg{}, nil
	case tagCreateRoom:
		name, err := d.getString()
		if err != nil {
			return nil, err
		}
		pw, err := d.getOptionalString()
		if err != nil {
			return nil, err
		}
		return CreateRoomMsg{Name: name, Password: pw}, nil
	case tagJoinRoom:
		name, err := d.getString()
		if err != nil {
			return nil, err
		}
		pw, err := d.getOptionalString()
		if err != nil {
			return nil, err
		}
		return JoinRoomMsg{Name: name, Password: pw}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown ClientSessionMsg tag %d", d.tag)
	}
}

// ---------------------------------------------------------------------------
// ServerMsg — server -> client
// ---------------------------------------------------------------------------

// ServerMsg is any message a Client task sends to its transport.
type ServerMsg interface {
	isServerMsg()
}

func (TextMsg) isServerMsg()         {}
func (FileMetadataMsg) isServerMsg() {}
func (FileChunkMsg) isServerMsg()    {}
func (AsciiImageMsg) isServerMsg()   {}

// AuthResponseMsg answers a LoginMsg.
type AuthResponseMsg struct {
	OK   bool
	User User
	Err  string
}

// RegisterResponseMsg answers a RegisterMsg.
type RegisterResponseMsg struct {
	OK   bool
	User User
	Err  string
}

// InitMsg is sent once a session is established, describing the user's
// rooms and their current online membership.
type InitMsg struct {
	Rooms []RoomView
}

// UserConnectedMsg announces a user joining a shared room endpoint.
type UserConnectedMsg struct {
	User User
}

// UserDisconnectedMsg announces a user leaving every shared room endpoint.
type UserDisconnectedMsg struct {
	User User
}

// UserJoinedRoomMsg announces a membership change within a specific room.
type UserJoinedRoomMsg struct {
	User   User
	RoomID uuid.UUID
}

// UserLeftRoomMsg is the symmetric departure notification.
type UserLeftRoomMsg struct {
	User   User
	RoomID uuid.UUID
}

// CreateRoomResponseMsg answers a CreateRoomMsg.
type CreateRoomResponseMsg struct {
	OK   bool
	Room RoomView
	Err  string
}

// JoinRoomResponseMsg answers a JoinRoomMsg.
type JoinRoomResponseMsg struct {
	OK   bool
	Room RoomView
	Err  string
}

func (AuthResponseMsg) isServerMsg()       {}
func (RegisterResponseMsg) isServerMsg()   {}
func (InitMsg) isServerMsg()               {}
func (UserConnectedMsg) isServerMsg()      {}
func (UserDisconnectedMsg) isServerMsg()   {}
func (UserJoinedRoomMsg) isServerMsg()     {}
func (UserLeftRoomMsg) isServerMsg()       {}
func (CreateRoomResponseMsg) isServerMsg() {}
func (JoinRoomResponseMsg) isServerMsg()   {}

const (
	tagSvAuthResponse byte = iota + 64 // offset from ClientSessionMsg tags for readability; namespace is independent
	tagSvRegisterResponse
	tagSvInit
	tagSvText
	tagSvFileMetadata
	tagSvFileChunk
	tagSvAsciiImage
	tagSvUserConnected
	tagSvUserDisconnected
	tagSvUserJoinedRoom
	tagSvUserLeftRoom
	tagSvCreateRoomResponse
	tagSvJoinRoomResponse
)

func putAuthResult(e *encoder, ok bool, user User, errMsg string) {
	e.putBool(ok)
	if ok {
		e.putUser(user)
	} else {
		e.putString(errMsg)
	}
}

func getAuthResult(d *decoder) (ok bool, user User, errMsg string, err error) {
	ok, err = d.getBool()
	if err != nil {
		return false, User{}, "", err
	}
	if ok {
		user, err = d.getUser()
		return ok, user, "", err
	}
	errMsg, err = d.getString()
	return ok, User{}, errMsg, err
}

func putRoomResult(e *encoder, ok bool, room RoomView, errMsg string) {
	e.putBool(ok)
	if ok {
		e.putRoomView(room)
	} else {
		e.putString(errMsg)
	}
}

func getRoomResult(d *decoder) (ok bool, room RoomView, errMsg string, err error) {
	ok, err = d.getBool()
	if err != nil {
		return false, RoomView{}, "", err
	}
	if ok {
		room, err = d.getRoomView()
		return ok, room, "", err
	}
	errMsg, err = d.getString()
	return ok, RoomView{}, errMsg, err
}

// EncodeServerMsg serializes msg to its wire form.
func EncodeServerMsg(msg ServerMsg) ([]byte, error) {
	switch m := msg.(type) {
	case AuthResponseMsg:
		e := newEncoder(tagSvAuthResponse)
		putAuthResult(e, m.OK, m.User, m.Err)
		return e.bytes(), nil
	case RegisterResponseMsg:
		e := newEncoder(tagSvRegisterResponse)
		putAuthResult(e, m.OK, m.User, m.Err)
		return e.bytes(), nil
	case InitMsg:
		e := newEncoder(tagSvInit)
		e.putUint16(uint16(len(m.Rooms)))
		for _, r := range m.Rooms {
			e.putRoomView(r)
		}
		return e.bytes(), nil
	case TextMsg:
		e := newEncoder(tagSvText)
		e.putString(m.Text)
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case FileMetadataMsg:
		e := newEncoder(tagSvFileMetadata)
		e.putString(m.Filename)
		e.putUUID(m.StreamID)
		e.putUint64(m.Size)
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case FileChunkMsg:
		e := newEncoder(tagSvFileChunk)
		e.putUUID(m.StreamID)
		e.putRaw(m.Data[:])
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case AsciiImageMsg:
		e := newEncoder(tagSvAsciiImage)
		e.putString(m.Cache)
		e.putUser(m.From)
		e.putChannel(m.To)
		return e.bytes(), nil
	case UserConnectedMsg:
		e := newEncoder(tagSvUserConnected)
		e.putUser(m.User)
		return e.bytes(), nil
	case UserDisconnectedMsg:
		e := newEncoder(tagSvUserDisconnected)
		e.putUser(m.User)
		return e.bytes(), nil
	case UserJoinedRoomMsg:
		e := newEncoder(tagSvUserJoinedRoom)
		e.putUUID(m.RoomID)
		e.putUser(m.User)
		return e.bytes(), nil
	case UserLeftRoomMsg:
		e := newEncoder(tagSvUserLeftRoom)
		e.putUUID(m.RoomID)
		e.putUser(m.User)
		return e.bytes(), nil
	case CreateRoomResponseMsg:
		e := newEncoder(tagSvCreateRoomResponse)
		putRoomResult(e, m.OK, m.Room, m.Err)
		return e.bytes(), nil
	case JoinRoomResponseMsg:
		e := newEncoder(tagSvJoinRoomResponse)
		putRoomResult(e, m.OK, m.Room, m.Err)
		return e.bytes(), nil
	default:
		return nil, fmt.Errorf("protocol: unknown ServerMsg type %T", msg)
	}
}

// DecodeServerMsg parses a ServerMsg from its wire form.
func DecodeServerMsg(payload []byte) (ServerMsg, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	switch d.tag {
	case tagSvAuthResponse:
		ok, user, errMsg, err := getAuthResult(d)
		if err != nil {
			return nil, err
		}
		return AuthResponseMsg{OK: ok, User: user, Err: errMsg}, nil
	case tagSvRegisterResponse:
		ok, user, errMsg, err := getAuthResult(d)
		if err != nil {
			return nil, err
		}
		return RegisterResponseMsg{OK: ok, User: user, Err: errMsg}, nil
	case tagSvInit:
		n, err := d.getUint16()
		if err != nil {
			return nil, err
		}
		rooms := make([]RoomView, n)
		for i := range rooms {
			rooms[i], err = d.getRoomView()
			if err != nil {
				return nil, err
			}
		}
		return InitMsg{Rooms: rooms}, nil
	case tagSvText:
		text, err := d.getString()
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		return TextMsg{Text: text, From: from, To: to}, nil
	case tagSvFileMetadata:
		name, err := d.getString()
		if err != nil {
			return nil, err
		}
		sid, err := d.getUUID()
		if err != nil {
			return nil, err
		}
		size, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		return FileMetadataMsg{Filename: name, StreamID: sid, Size: size, From: from, To: to}, nil
	case tagSvFileChunk:
		sid, err := d.getUUID()
		if err != nil {
			return nil, err
		}
		data, err := d.getRaw(ChunkSize)
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		var fixed [ChunkSize]byte
		copy(fixed[:], data)
		return FileChunkMsg{StreamID: sid, Data: fixed, From: from, To: to}, nil
	case tagSvAsciiImage:
		cache, err := d.getString()
		if err != nil {
			return nil, err
		}
		from, err := d.getUser()
		if err != nil {
			return nil, err
		}
		to, err := d.getChannel()
		if err != nil {
			return nil, err
		}
		return AsciiImageMsg{Cache: cache, From: from, To: to}, nil
	case tagSvUserConnected:
		u, err := d.getUser()
		if err != nil {
			return nil, err
		}
		return UserConnectedMsg{User: u}, nil
	case tagSvUserDisconnected:
		u, err := d.getUser()
		if err != nil {
			return nil, err
		}
		return UserDisconnectedMsg{User: u}, nil
	case tagSvUserJoinedRoom:
		roomID, err := d.getUUID()
		if err != nil {
			return nil, err
		}
		u, err := d.getUser()
		if err != nil {
			return nil, err
		}
		return UserJoinedRoomMsg{RoomID: roomID, User: u}, nil
	case tagSvUserLeftRoom:
		roomID, err := d.getUUID()
		if err != nil {
			return nil, err
		}
		u, err := d.getUser()
		if err != nil {
			return nil, err
		}
		return UserLeftRoomMsg{RoomID: roomID, User: u}, nil
	case tagSvCreateRoomResponse:
		ok, room, errMsg, err := getRoomResult(d)
		if err != nil {
			return nil, err
		}
		return CreateRoomResponseMsg{OK: ok, Room: room, Err: errMsg}, nil
	case tagSvJoinRoomResponse:
		ok, room, errMsg, err := getRoomResult(d)
		if err != nil {
			return nil, err
		}
		return JoinRoomResponseMsg{OK: ok, Room: room, Err: errMsg}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown ServerMsg tag %d", d.tag)
	}
}
