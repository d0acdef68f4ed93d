package backendpool

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ocx/pgproxy/internal/metrics"
	"github.com/ocx/pgproxy/internal/wire"
)

// BackendTarget is the dial target for one configured backend node, the
// minimal view Pool needs of the shared cluster registry (§4.C) without
// importing it directly.
type BackendTarget struct {
	NodeID  int
	Address string // host:port
	Up      bool
}

// Authenticator performs the startup+authentication handshake against a
// freshly dialed backend connection, delegated out of the pool per §4.B
// ("performing authentication (delegated)").
type Authenticator interface {
	Authenticate(codec *wire.Codec, sp *wire.StartupPacket) (backendPID, cancelKey uint32, params map[string]string, txState TxState, err error)
}

// Pool is the fixed-size backend connection pool of §4.B: a vector of size
// maxPool, each slot owning one Entry keyed by the (user,database,protoMajor)
// of the startup packet it was created for.
//
// Grounded on the teacher's internal/ghostpool/pool_manager.go: a mutex
// guarded slice with linear-scan acquire and LRU eviction when full.
type Pool struct {
	mu         sync.Mutex
	workerID   int
	maxPool    int
	entries    []*poolItem
	auth       Authenticator
	connLife   time.Duration
	log        *slog.Logger
	dialTimeout time.Duration
	metrics    *metrics.Recorder
}

// WithMetrics attaches a Prometheus recorder; nil is valid and leaves the
// pool uninstrumented.
func (p *Pool) WithMetrics(m *metrics.Recorder) *Pool {
	p.metrics = m
	return p
}

type poolItem struct {
	key   poolKey
	entry *Entry
}

type poolKey struct {
	user       string
	database   string
	protoMajor uint16
}

// NewPool constructs an empty pool; Init materializes it for a given worker.
func NewPool(maxPool int, auth Authenticator, connLife time.Duration, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		maxPool:     maxPool,
		auth:        auth,
		connLife:    connLife,
		log:         log,
		dialTimeout: 5 * time.Second,
	}
}

// Init materializes the pool vector for workerId, per §4.B Init. The shared
// ConnectionInfo region is attached by the caller (the frontend session
// worker), not here — Pool only owns the per-worker connection vector.
func (p *Pool) Init(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workerID = workerID
	p.entries = p.entries[:0]
}

func keyFor(sp *wire.StartupPacket) poolKey {
	return poolKey{user: sp.User, database: sp.Database, protoMajor: sp.ProtoMajor}
}

// Acquire searches for an entry whose cached startup packet matches sp. If
// checkSocket is set, every slot's TCP half-close state is probed first and
// the whole entry is discarded on first sign of a dead connection, per
// §4.B's reuse contract (all live nodes still Up, master slot idle).
func (p *Pool) Acquire(sp *wire.StartupPacket, checkSocket bool) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := keyFor(sp)
	for i, item := range p.entries {
		if item.key != k {
			continue
		}
		if !item.entry.MatchesStartup(sp) {
			continue
		}
		if !item.entry.IsIdle() {
			continue
		}
		if checkSocket && p.anySlotDead(item.entry) {
			p.log.Warn("backendpool: discarding entry with dead slot on acquire",
				slog.String("user", sp.User), slog.String("database", sp.Database))
			item.entry.Discard()
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			p.metrics.RecordPoolDiscard("dead_socket")
			p.metrics.RecordPoolAcquire(false)
			p.metrics.SetPoolSize(len(p.entries))
			return nil
		}
		item.entry.Acquire()
		p.metrics.RecordPoolAcquire(true)
		return item.entry
	}
	p.metrics.RecordPoolAcquire(false)
	return nil
}

func (p *Pool) anySlotDead(e *Entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.Slots {
		if socketHalfClosed(s.Conn) {
			return true
		}
	}
	return false
}

// Create dials every currently-valid backend target, performs the startup +
// authentication handshake via the configured Authenticator, and installs a
// fresh Entry into the pool, evicting the least-recently-used idle entry by
// closetime if the pool is already full, per §4.B Create.
func (p *Pool) Create(sp *wire.StartupPacket, targets []BackendTarget) (*Entry, error) {
	masterID := -1
	slots := make(map[int]*BackendSlot, len(targets))

	for _, t := range targets {
		if !t.Up {
			continue
		}
		slot, err := p.dialAndAuth(t, sp)
		if err != nil {
			for _, s := range slots {
				_ = s.Terminate()
			}
			p.metrics.RecordPoolCreate(err)
			return nil, fmt.Errorf("backendpool: creating entry for node %d: %w", t.NodeID, err)
		}
		slots[t.NodeID] = slot
		if masterID == -1 || t.NodeID < masterID {
			masterID = t.NodeID
		}
	}
	if masterID == -1 {
		err := fmt.Errorf("backendpool: no live backend targets to connect")
		p.metrics.RecordPoolCreate(err)
		return nil, err
	}

	entry := NewEntry(sp, slots, masterID)
	entry.Acquire()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.maxPool {
		p.evictLRULocked()
	}
	p.entries = append(p.entries, &poolItem{key: keyFor(sp), entry: entry})
	p.metrics.RecordPoolCreate(nil)
	p.metrics.SetPoolSize(len(p.entries))
	return entry, nil
}

func (p *Pool) dialAndAuth(t BackendTarget, sp *wire.StartupPacket) (*BackendSlot, error) {
	conn, err := net.DialTimeout("tcp", t.Address, p.dialTimeout)
	if err != nil {
		return nil, err
	}
	codec := wire.NewCodec(conn)

	if err := codec.Write(wire.MarshalV3(sp)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := codec.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	pid, key, params, tx, err := p.auth.Authenticate(codec, sp)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &BackendSlot{
		NodeID:     t.NodeID,
		Conn:       conn,
		Codec:      codec,
		BackendPID: pid,
		CancelKey:  key,
		TxState:    tx,
		Params:     params,
	}, nil
}

// evictLRULocked discards the idle entry with the oldest master closetime.
// Entries still in use are never evicted. Callers must hold p.mu.
func (p *Pool) evictLRULocked() {
	oldest := -1
	var oldestTime time.Time
	for i, item := range p.entries {
		m := item.entry.Master()
		if m == nil || m.InUse() {
			continue
		}
		if oldest == -1 || m.CloseTime.Before(oldestTime) {
			oldest = i
			oldestTime = m.CloseTime
		}
	}
	if oldest == -1 {
		return // pool full of in-use entries; Create proceeds over capacity rather than evict a live session
	}
	p.entries[oldest].entry.Discard()
	p.entries = append(p.entries[:oldest], p.entries[oldest+1:]...)
	p.metrics.RecordPoolEviction()
	p.metrics.RecordPoolDiscard("evicted")
}

// Discard terminates and removes the entry matching (user,db,protoMajor), if
// any, per §4.B Discard.
func (p *Pool) Discard(user, database string, protoMajor uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := poolKey{user: user, database: database, protoMajor: protoMajor}
	for i, item := range p.entries {
		if item.key != k {
			continue
		}
		item.entry.Discard()
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
		p.metrics.RecordPoolDiscard("explicit")
		p.metrics.SetPoolSize(len(p.entries))
		return
	}
}

// Release returns an entry to the pool as idle, recording the given instant
// as its closetime so Timer/LRU logic can act on it.
func (p *Pool) Release(entry *Entry, now time.Time) {
	entry.Idle(now)
}

// Timer performs the periodic sweep of §4.B: any entry whose master has been
// idle for at least connLife is discarded.
func (p *Pool) Timer(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connLife <= 0 {
		return
	}
	var kept []*poolItem
	for _, item := range p.entries {
		if item.entry.IdleAge(now) >= p.connLife {
			item.entry.Discard()
			p.metrics.RecordPoolDiscard("idle_timeout")
			continue
		}
		kept = append(kept, item)
	}
	p.entries = kept
	p.metrics.SetPoolSize(len(p.entries))
}

// CloseIdle discards every currently idle entry, invoked on an asynchronous
// signal per §4.B.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []*poolItem
	for _, item := range p.entries {
		if item.entry.IsIdle() {
			item.entry.Discard()
			p.metrics.RecordPoolDiscard("close_idle")
			continue
		}
		kept = append(kept, item)
	}
	p.entries = kept
	p.metrics.SetPoolSize(len(p.entries))
}

// Len reports the current number of live entries, for metrics/tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns a stable-ordered copy of the pool keys, for admin/debug
// surfaces.
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for _, item := range p.entries {
		out = append(out, fmt.Sprintf("%s/%s/%d", item.key.user, item.key.database, item.key.protoMajor))
	}
	sort.Strings(out)
	return out
}
