package backendpool

import (
	"sync"
	"time"

	"github.com/ocx/pgproxy/internal/wire"
)

// Entry is a BackendPoolEntry (§3): a set of authenticated backend
// connections, one per live backend node, sharing a single startup packet.
// The "master slot" is the slot for the lowest-indexed configured node,
// used by §4.B's reuse/LRU-eviction rules.
type Entry struct {
	mu       sync.Mutex
	Startup  *wire.StartupPacket
	Slots    map[int]*BackendSlot // keyed by backend node id
	masterID int
}

// NewEntry builds an entry around a startup packet and a set of freshly
// authenticated slots, keyed by node id.
func NewEntry(sp *wire.StartupPacket, slots map[int]*BackendSlot, masterID int) *Entry {
	return &Entry{Startup: sp, Slots: slots, masterID: masterID}
}

// Master returns the master slot (lowest-indexed backend node), whose
// close-time governs reuse and LRU eviction per §4.B.
func (e *Entry) Master() *BackendSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Slots[e.masterID]
}

// MatchesStartup reports byte-identity after canonicalization — invariant 2.
func (e *Entry) MatchesStartup(sp *wire.StartupPacket) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Startup.Equal(sp)
}

// Idle marks every slot idle as of now — called when a session ends cleanly
// and the entry is returned to the pool.
func (e *Entry) Idle(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.Slots {
		s.MarkIdle(now)
	}
}

// Acquire marks every slot in-use, for the reuse path.
func (e *Entry) Acquire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.Slots {
		s.MarkInUse()
	}
}

// IsIdle reports whether the master slot is currently idle (closetime != 0).
func (e *Entry) IsIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.Slots[e.masterID]
	return m != nil && !m.InUse()
}

// IdleAge returns how long the master slot has been idle; zero if in use.
func (e *Entry) IdleAge(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.Slots[e.masterID]
	if m == nil || m.InUse() {
		return 0
	}
	return now.Sub(m.CloseTime)
}

// Discard terminates every slot's connection (wire message 'X' + close),
// per §4.B Discard.
func (e *Entry) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.Slots {
		_ = s.Terminate()
	}
	e.Slots = nil
}

// ReplayParameterStatus replays the master slot's cached ParameterStatus
// key/value pairs and a ReadyForQuery with the cached transaction state
// toward the frontend, so a reused connection looks indistinguishable from
// a fresh one — the reuse contract in §4.B.
func (e *Entry) ReplayParameterStatus(out *wire.Codec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.Slots[e.masterID]
	if m == nil {
		return nil
	}
	for k, v := range m.Params {
		payload := append(append([]byte(k), 0), append([]byte(v), 0)...)
		if err := out.WriteMessage(&wire.Message{Kind: wire.KindParameterStatus, Payload: payload}); err != nil {
			return err
		}
	}
	return out.WriteMessage(&wire.Message{Kind: wire.KindReadyForQuery, Payload: []byte{byte(m.TxState)}})
}
