// Package wire implements the two frame formats the proxy speaks: the
// PostgreSQL frontend/backend protocol (v2 and v3) toward clients and
// backends, and the fixed watchdog frame toward peer proxy instances.
//
// Grounded on the teacher's internal/protocol/frame.go (fixed-header
// marshal/unmarshal via encoding/binary, ReadFrame/WriteFrame helpers) and
// on the hand-rolled startup-packet/message framing shown in the
// db-bouncer-style proxy reference files.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message is one length-prefixed PostgreSQL protocol message: a one-byte
// kind plus payload. The startup packet and SSLRequest/CancelRequest have
// no kind byte and are handled separately by ReadStartupPacket.
type Message struct {
	Kind    byte
	Payload []byte
}

// Well-known message kinds the proxy cares about directly; everything else
// is forwarded opaquely.
const (
	KindQuery            = 'Q'
	KindParse            = 'P'
	KindBind             = 'B'
	KindExecute          = 'E'
	KindSync             = 'S'
	KindTerminate        = 'X'
	KindErrorResponse    = 'E' // backend->frontend, same byte as Execute frontend->backend
	KindNoticeResponse   = 'N'
	KindReadyForQuery    = 'Z'
	KindParameterStatus  = 'S' // backend->frontend, same byte as Sync frontend->backend
	KindBackendKeyData   = 'K'
	KindAuthentication   = 'R'
	KindCommandComplete  = 'C'
	KindCopyData         = 'd'
	KindCopyDone         = 'c'
	KindCopyFail         = 'f'
	KindPasswordMessage  = 'p'
	KindFunctionCall     = 'F'
	KindCloseComplete    = '3'
)

// Transaction states reported in ReadyForQuery, cached per BackendSlot.
const (
	TxIdle         byte = 'I'
	TxInBlock      byte = 'T'
	TxFailedBlock  byte = 'E'
)

var ErrProtocolViolation = errors.New("wire: protocol violation")

// Codec wraps a net.Conn-like stream with the three buffers the spec
// requires: a buffered reader (pending inbound), a buffered writer
// (write-side), and a single-byte pushback slot used to replay the kind
// byte already consumed while probing ("peekByte"/"pushback" in §4.A).
type Codec struct {
	r    *bufio.Reader
	w    *bufio.Writer
	conn io.ReadWriteCloser

	pushedBack bool
	pushedByte byte
}

// NewCodec wraps conn with buffered I/O sized for typical PostgreSQL message
// traffic.
func NewCodec(conn io.ReadWriteCloser) *Codec {
	return &Codec{
		r:    bufio.NewReaderSize(conn, 16*1024),
		w:    bufio.NewWriterSize(conn, 16*1024),
		conn: conn,
	}
}

// Close closes the underlying stream.
func (c *Codec) Close() error { return c.conn.Close() }

// PeekByte returns the next byte without consuming it (one-byte lookahead of
// message kind), per §4.A.
func (c *Codec) PeekByte() (byte, error) {
	if c.pushedBack {
		return c.pushedByte, nil
	}
	b, err := c.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Pushback replays an already-consumed byte as the next read. Only one byte
// of pushback is supported, matching the pool_push/pool_pop discipline in
// §4.A — callers that need to re-read a full message kind use this after a
// ReadByte, not after a full ReadMessage.
func (c *Codec) Pushback(b byte) {
	c.pushedBack = true
	c.pushedByte = b
}

// ReadByte reads a single byte, honoring any pushed-back byte first.
func (c *Codec) ReadByte() (byte, error) {
	if c.pushedBack {
		c.pushedBack = false
		return c.pushedByte, nil
	}
	return c.r.ReadByte()
}

// Pending reports whether there is buffered input ready to read without
// blocking — the proxy loop's non-blocking pending() probe, used to decide
// whether a backend's reply can be drained before accepting more frontend
// input.
func (c *Codec) Pending() bool {
	return c.pushedBack || c.r.Buffered() > 0
}

// Read reads exactly n bytes.
func (c *Codec) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadUntilNull reads bytes up to and including the next NUL, returning the
// bytes read excluding the terminator.
func (c *Codec) ReadUntilNull() ([]byte, error) {
	var out []byte
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return out, nil
		}
		out = append(out, b)
	}
}

// Write buffers bytes for later Flush.
func (c *Codec) Write(p []byte) error {
	_, err := c.w.Write(p)
	return err
}

// Flush flushes the write-side buffer.
func (c *Codec) Flush() error { return c.w.Flush() }

// ReadMessage reads one length-prefixed message: kind byte, int32 length
// (including itself), payload. EOF on the kind byte is distinguished from a
// mid-message error: callers branch on errors.Is(err, io.EOF) because EOF
// here means the client quit cleanly between messages, which is routine.
func (c *Codec) ReadMessage() (*Message, error) {
	kind, err := c.ReadByte()
	if err != nil {
		return nil, err // may be io.EOF; caller's responsibility to branch
	}
	lenBuf, err := c.Read(4)
	if err != nil {
		return nil, fmt.Errorf("wire: reading message length for %q: %w", kind, err)
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if msgLen < 0 || msgLen > 1<<24 {
		return nil, fmt.Errorf("%w: implausible message length %d for kind %q", ErrProtocolViolation, msgLen, kind)
	}
	var payload []byte
	if msgLen > 0 {
		payload, err = c.Read(msgLen)
		if err != nil {
			return nil, fmt.Errorf("wire: reading message payload for %q: %w", kind, err)
		}
	}
	return &Message{Kind: kind, Payload: payload}, nil
}

// WriteMessage buffers (but does not flush) one length-prefixed message.
func (c *Codec) WriteMessage(m *Message) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Payload)+4))
	if err := c.Write([]byte{m.Kind}); err != nil {
		return err
	}
	if err := c.Write(lenBuf[:]); err != nil {
		return err
	}
	return c.Write(m.Payload)
}

// WriteRaw buffers arbitrary already-framed bytes (used to forward a message
// verbatim without re-parsing the payload).
func (c *Codec) WriteRaw(p []byte) error { return c.Write(p) }

// MarshalMessage renders a message to a standalone byte slice, used by
// callers (e.g. the cancel-request forwarder) that need a frame to send on
// a one-shot connection rather than through a Codec.
func MarshalMessage(kind byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	return buf
}
