// Package wire implements the length-prefixed frame codec shared by every
// endpoint on the transport: a 4-byte big-endian length N followed by N
// bytes of payload. The codec is symmetric — the same type decodes what the
// other side's Encode produced.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured maximum, per the "protocol error" policy in the error
// handling design.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Encode returns payload wrapped in a length-prefixed frame.
func Encode(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// WriteFrame writes one frame of payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

// Decoder pulls complete frame payloads out of a byte stream, buffering
// partial frames across reads. It never reads past the end of the frame
// it returns, so a Decoder may be dropped and a new one made on the same
// stream without losing data.
type Decoder struct {
	r       io.Reader
	maxSize int
}

// NewDecoder wraps r with a frame decoder. maxSize bounds the accepted
// payload length; exceeding it is a protocol error that should close the
// connection.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	return &Decoder{r: r, maxSize: maxSize}
}

// Next reads and returns the next complete frame's payload. It returns
// io.EOF when the underlying stream is closed cleanly between frames.
func (d *Decoder) Next() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("wire: truncated frame header: %w", err)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if d.maxSize > 0 && int(n) > d.maxSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("wire: truncated frame payload: %w", err)
	}
	return payload, nil
}
