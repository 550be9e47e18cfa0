package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// encoder builds a binary wire payload field by field. Scalars are
// big-endian; strings are length-prefixed with a uint16; identifiers use
// their 16-byte canonical form.
type encoder struct {
	buf bytes.Buffer
}

func newEncoder(tag byte) *encoder {
	e := &encoder{}
	e.buf.WriteByte(tag)
	return e
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

func (e *encoder) putByte(b byte) { e.buf.WriteByte(b) }

func (e *encoder) putBool(b bool) {
	if b {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *encoder) putUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) putUUID(id uuid.UUID) {
	e.buf.Write(id[:])
}

func (e *encoder) putString(s string) {
	e.putUint16(uint16(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) putOptionalString(s *string) {
	if s == nil {
		e.putBool(false)
		return
	}
	e.putBool(true)
	e.putString(*s)
}

func (e *encoder) putRaw(b []byte) {
	e.buf.Write(b)
}

func (e *encoder) putUser(u User) {
	e.putUUID(u.ID)
	e.putString(u.Username)
}

func (e *encoder) putChannel(c Channel) {
	e.putByte(byte(c.Kind))
	e.putUUID(c.ID)
}

func (e *encoder) putRoomView(r RoomView) {
	e.putUUID(r.ID)
	e.putString(r.Name)
	e.putUint16(uint16(len(r.Members)))
	for _, m := range r.Members {
		e.putUser(m)
	}
	e.putUint16(uint16(len(r.OnlineMembers)))
	for _, m := range r.OnlineMembers {
		e.putUser(m)
	}
}

// decoder reads a binary wire payload field by field.
type decoder struct {
	r   *bytes.Reader
	tag byte
}

func newDecoder(payload []byte) (*decoder, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("protocol: empty payload")
	}
	return &decoder{r: bytes.NewReader(payload[1:]), tag: payload[0]}, nil
}

func (d *decoder) getByte() (byte, error) {
	return d.r.ReadByte()
}

func (d *decoder) getBool() (bool, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (d *decoder) getUint16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (d *decoder) getUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (d *decoder) getUUID() (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(d.r, id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (d *decoder) getString() (string, error) {
	n, err := d.getUint16()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (d *decoder) getOptionalString() (*string, error) {
	present, err := d.getBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	s, err := d.getString()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *decoder) getRaw(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *decoder) getUser() (User, error) {
	id, err := d.getUUID()
	if err != nil {
		return User{}, err
	}
	name, err := d.getString()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Username: name}, nil
}

func (d *decoder) getChannel() (Channel, error) {
	kindByte, err := d.getByte()
	if err != nil {
		return Channel{}, err
	}
	id, err := d.getUUID()
	if err != nil {
		return Channel{}, err
	}
	return Channel{Kind: ChannelKind(kindByte), ID: id}, nil
}

func (d *decoder) getRoomView() (RoomView, error) {
	id, err := d.getUUID()
	if err != nil {
		return RoomView{}, err
	}
	name, err := d.getString()
	if err != nil {
		return RoomView{}, err
	}
	memberCount, err := d.getUint16()
	if err != nil {
		return RoomView{}, err
	}
	members := make([]User, memberCount)
	for i := range members {
		members[i], err = d.getUser()
		if err != nil {
			return RoomView{}, err
		}
	}
	onlineCount, err := d.getUint16()
	if err != nil {
		return RoomView{}, err
	}
	online := make([]User, onlineCount)
	for i := range online {
		online[i], err = d.getUser()
		if err != nil {
			return RoomView{}, err
		}
	}
	return RoomView{ID: id, Name: name, Members: members, OnlineMembers: online}, nil
}
