package protocol

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/devrev/lakelink/internal/errors"
)

const (
	// FrameHeaderSize is the size of the length prefix
	FrameHeaderSize = 4

	// MaxFrameSize bounds a single payload; larger prefixes are treated as corruption
	MaxFrameSize = 256 << 20
)

// ByteOrder of the length prefix. Both peers run on the same host.
var ByteOrder = binary.NativeEndian

// ErrEOF signals that the peer went away, cleanly or mid-frame.
// It ends a session normally and is not an application error.
var ErrEOF = stderrors.New("protocol: peer disconnected")

// WriteFrame writes one length-prefixed frame in a single write
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.ProtocolViolation(fmt.Sprintf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize), nil)
	}

	buf := make([]byte, FrameHeaderSize+len(payload))
	ByteOrder.PutUint32(buf, uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return classify(err)
	}
	return nil
}

// ReadFrame reads exactly one frame, assembling it across partial reads
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, classify(err)
	}

	size := ByteOrder.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, errors.ProtocolViolation(fmt.Sprintf("frame of %d bytes exceeds limit %d", size, MaxFrameSize), nil)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, classify(err)
	}
	return payload, nil
}

// IsDisconnect reports whether err is an orderly end of session
func IsDisconnect(err error) bool {
	return stderrors.Is(err, ErrEOF)
}

// IsProtocolError reports whether err is a fatal framing or decoding error
func IsProtocolError(err error) bool {
	return errors.GetCode(err) == errors.ErrCodeProtocolViolation && errors.IsLakeError(err)
}

// classify maps transport errors caused by the peer leaving onto ErrEOF
func classify(err error) error {
	switch {
	case stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, io.ErrClosedPipe),
		stderrors.Is(err, net.ErrClosed),
		stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.EPIPE):
		return ErrEOF
	default:
		return fmt.Errorf("protocol: transport: %w", err)
	}
}
