package backendpool

import (
	"net"
	"testing"
	"time"

	"github.com/ocx/pgproxy/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuth authenticates every connection immediately without touching the
// wire, so these tests exercise pool bookkeeping rather than the real
// startup/auth exchange (covered separately in internal/auth and
// internal/frontend tests).
type fakeAuth struct{}

func (fakeAuth) Authenticate(codec *wire.Codec, sp *wire.StartupPacket) (uint32, uint32, map[string]string, TxState, error) {
	return 4242, 9999, map[string]string{"client_encoding": "UTF8"}, TxIdle, nil
}

func startFakeBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func testStartup(user, db string) *wire.StartupPacket {
	sp := &wire.StartupPacket{ProtoMajor: 3, User: user, Database: db, Options: map[string]string{}}
	sp.Raw = wire.CanonicalizeStartupPacket(sp)
	return sp
}

func TestPoolCreateThenAcquireReusesSameEntry(t *testing.T) {
	addr := startFakeBackend(t)
	p := NewPool(4, fakeAuth{}, time.Hour, nil)
	p.Init(0)

	sp := testStartup("alice", "app")
	targets := []BackendTarget{{NodeID: 0, Address: addr, Up: true}}

	created, err := p.Create(sp, targets)
	require.NoError(t, err)
	require.NotNil(t, created)

	p.Release(created, time.Now())

	got := p.Acquire(sp, false)
	require.NotNil(t, got)
	assert.Same(t, created.Master(), got.Master())
}

func TestPoolAcquireMissWhenInUse(t *testing.T) {
	addr := startFakeBackend(t)
	p := NewPool(4, fakeAuth{}, time.Hour, nil)
	p.Init(0)

	sp := testStartup("bob", "app")
	targets := []BackendTarget{{NodeID: 0, Address: addr, Up: true}}

	_, err := p.Create(sp, targets)
	require.NoError(t, err)

	// Not released yet: master slot is still in use, so Acquire must miss.
	got := p.Acquire(sp, false)
	assert.Nil(t, got)
}

func TestPoolAcquireMissOnDifferentStartup(t *testing.T) {
	addr := startFakeBackend(t)
	p := NewPool(4, fakeAuth{}, time.Hour, nil)
	p.Init(0)

	sp := testStartup("carol", "app")
	targets := []BackendTarget{{NodeID: 0, Address: addr, Up: true}}
	created, err := p.Create(sp, targets)
	require.NoError(t, err)
	p.Release(created, time.Now())

	other := testStartup("carol", "otherdb")
	got := p.Acquire(other, false)
	assert.Nil(t, got)
}

func TestPoolDiscardRemovesEntry(t *testing.T) {
	addr := startFakeBackend(t)
	p := NewPool(4, fakeAuth{}, time.Hour, nil)
	p.Init(0)

	sp := testStartup("dave", "app")
	targets := []BackendTarget{{NodeID: 0, Address: addr, Up: true}}
	created, err := p.Create(sp, targets)
	require.NoError(t, err)
	p.Release(created, time.Now())

	p.Discard("dave", "app", 3)
	assert.Equal(t, 0, p.Len())
	assert.Nil(t, p.Acquire(sp, false))
}

func TestPoolTimerEvictsExpiredIdleEntries(t *testing.T) {
	addr := startFakeBackend(t)
	p := NewPool(4, fakeAuth{}, 10*time.Millisecond, nil)
	p.Init(0)

	sp := testStartup("erin", "app")
	targets := []BackendTarget{{NodeID: 0, Address: addr, Up: true}}
	created, err := p.Create(sp, targets)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	p.Release(created, past)

	p.Timer(time.Now())
	assert.Equal(t, 0, p.Len())
}

func TestPoolCloseIdleDiscardsOnlyIdleEntries(t *testing.T) {
	addr := startFakeBackend(t)
	p := NewPool(4, fakeAuth{}, time.Hour, nil)
	p.Init(0)

	idleSp := testStartup("frank", "app")
	inUseSp := testStartup("grace", "app")
	targets := []BackendTarget{{NodeID: 0, Address: addr, Up: true}}

	idleEntry, err := p.Create(idleSp, targets)
	require.NoError(t, err)
	p.Release(idleEntry, time.Now())

	inUseEntry, err := p.Create(inUseSp, targets)
	require.NoError(t, err)

	p.CloseIdle()

	assert.Equal(t, 1, p.Len())
	assert.Nil(t, p.Acquire(idleSp, false))
	// Acquire only hands out idle entries: release the surviving one first.
	p.Release(inUseEntry, time.Now())
	assert.NotNil(t, p.Acquire(inUseSp, false))
}

func TestPoolCreateEvictsLRUWhenFull(t *testing.T) {
	addr := startFakeBackend(t)
	p := NewPool(1, fakeAuth{}, time.Hour, nil)
	p.Init(0)
	targets := []BackendTarget{{NodeID: 0, Address: addr, Up: true}}

	first := testStartup("henry", "app")
	firstEntry, err := p.Create(first, targets)
	require.NoError(t, err)
	p.Release(firstEntry, time.Now())
	require.Equal(t, 1, p.Len())

	second := testStartup("iris", "app")
	_, err = p.Create(second, targets)
	require.NoError(t, err)

	// Pool capacity is 1: creating the second entry must have evicted the
	// first, idle one.
	assert.Equal(t, 1, p.Len())
	assert.Nil(t, p.Acquire(first, false))
}
