// Package backendpool implements the per-(user,database,protoMajor)
// backend connection pool described in spec.md §4.B.
//
// Grounded on the teacher's internal/ghostpool/{pool_manager,pool_backend}.go
// shape — a fixed-capacity resource pool with explicit acquire/release and a
// background maintenance goroutine — generalized from recyclable sandbox
// containers to recyclable authenticated PostgreSQL backend connections.
package backendpool

import (
	"net"
	"time"

	"github.com/ocx/pgproxy/internal/wire"
)

// TxState mirrors the transaction-status byte PostgreSQL reports in
// ReadyForQuery, cached per slot so a reused connection can be handed back
// to a new frontend with the correct state (§3, BackendSlot).
type TxState byte

const (
	TxIdle        TxState = TxState(wire.TxIdle)
	TxInBlock     TxState = TxState(wire.TxInBlock)
	TxFailedBlock TxState = TxState(wire.TxFailedBlock)
)

// BackendSlot is one authenticated connection to one backend node, plus the
// bookkeeping the pool and cancel-routing path need (§3).
type BackendSlot struct {
	NodeID       int
	Conn         net.Conn
	Codec        *wire.Codec
	BackendPID   uint32
	CancelKey    uint32
	CloseTime    time.Time // zero value ⇒ in use; non-zero ⇒ idle since that instant
	TxState      TxState
	Params       map[string]string // cached ParameterStatus key/value pairs
}

// InUse reports whether the slot is currently checked out (invariant 1: at
// most one non-in-use slot per (user,database,protoMajor,node) pool entry).
func (s *BackendSlot) InUse() bool { return s.CloseTime.IsZero() }

// MarkIdle records that the slot was cleanly returned to the pool.
func (s *BackendSlot) MarkIdle(now time.Time) { s.CloseTime = now }

// MarkInUse clears the idle marker when a slot is reacquired.
func (s *BackendSlot) MarkInUse() { s.CloseTime = time.Time{} }

// IdleSince reports whether the slot has been idle at least since t.
func (s *BackendSlot) IdleSince(t time.Time) bool {
	return !s.CloseTime.IsZero() && s.CloseTime.Before(t)
}

// socketHalfClosed does a non-blocking zero-byte-ish read probe to detect a
// silently-dead TCP connection — the "checkSocket" verification in Acquire.
// A real implementation relies on the net.Conn's underlying fd supporting
// SetReadDeadline with an immediate deadline; any read error other than a
// timeout indicates the peer is gone.
func socketHalfClosed(conn net.Conn) bool {
	if conn == nil {
		return true
	}
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	one := make([]byte, 1)
	_, err := conn.Read(one)
	conn.SetReadDeadline(time.Time{})
	if err == nil {
		return false // unexpected data; treat the connection as live
	}
	ne, ok := err.(net.Error)
	if ok && ne.Timeout() {
		return false // no data pending, connection alive
	}
	return true // EOF or hard error: peer closed
}

// Terminate sends a wire-level Terminate ('X') message and closes the
// socket, the cleanup §4.B "Discard" performs per slot.
func (s *BackendSlot) Terminate() error {
	if s.Codec == nil {
		if s.Conn != nil {
			return s.Conn.Close()
		}
		return nil
	}
	_ = s.Codec.WriteMessage(&wire.Message{Kind: 'X'})
	_ = s.Codec.Flush()
	return s.Codec.Close()
}
