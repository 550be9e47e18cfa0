package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte{0xAA}, 8192),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}

	dec := NewDecoder(&buf, 0)
	for _, want := range payloads {
		got, err := dec.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDecoderBuffersPartialFrames(t *testing.T) {
	frame := Encode([]byte("partial-frame-payload"))

	pr, pw := io.Pipe()
	go func() {
		for _, b := range frame {
			pw.Write([]byte{b})
		}
		pw.Close()
	}()

	dec := NewDecoder(pr, 0)
	got, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("partial-frame-payload"), got)
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))

	dec := NewDecoder(&buf, 10)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderReturnsEOFOnCleanClose(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil), 0)
	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
}
