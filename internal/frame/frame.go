// ABOUTME: Fixed-size frame codec for the agent control channel
// ABOUTME: Encodes messages as NUL-padded 1024-byte frames and reads/writes them on streams

package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Size is the fixed frame size in bytes. Both ends agree on it out of band.
const Size = 1024

var (
	// ErrFrameTooLarge indicates a message whose UTF-8 encoding exceeds Size.
	ErrFrameTooLarge = errors.New("message exceeds frame size")

	// ErrNULByte indicates a message containing a NUL byte. NUL is the padding
	// byte, so such a message could not be recovered by Decode.
	ErrNULByte = errors.New("message contains NUL byte")
)

// Encode packs msg into a frame of exactly Size bytes, right-padded with NUL.
// It never truncates: oversize messages fail with ErrFrameTooLarge.
func Encode(msg string) ([]byte, error) {
	if len(msg) > Size {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(msg), Size)
	}
	if strings.IndexByte(msg, 0) >= 0 {
		return nil, ErrNULByte
	}

	buf := make([]byte, Size)
	copy(buf, msg)
	return buf, nil
}

// Decode strips trailing NUL padding and returns the message text. Each
// byte that does not start a valid UTF-8 sequence becomes one U+FFFD.
func Decode(frame []byte) string {
	trimmed := bytes.TrimRight(frame, "\x00")
	if utf8.Valid(trimmed) {
		return string(trimmed)
	}

	var b strings.Builder
	b.Grow(len(trimmed) + 2)
	for len(trimmed) > 0 {
		r, size := utf8.DecodeRune(trimmed)
		b.WriteRune(r)
		trimmed = trimmed[size:]
	}
	return b.String()
}

// Write encodes msg and writes the whole frame to w.
func Write(w io.Writer, msg string) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Read blocks until one complete frame is available on r and returns its
// decoded message. A stream closed before the first byte yields io.EOF; a
// stream closed mid-frame yields io.ErrUnexpectedEOF.
func Read(r io.Reader) (string, error) {
	var buf [Size]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	return Decode(buf[:]), nil
}
