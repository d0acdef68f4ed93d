package healthcheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ocx/pgproxy/internal/failover"
	"github.com/ocx/pgproxy/internal/registry"
	"github.com/ocx/pgproxy/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRespondingBackend(t *testing.T) string {
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
				codec := wire.NewCodec(c)
				if _, _, err := wire.ReadStartupEnvelope(codec); err != nil {
					return
				}
				_ = codec.WriteMessage(&wire.Message{Kind: wire.KindErrorResponse, Payload: []byte{'S', 'F', 'A', 'T', 'A', 'L', 0, 0}})
				_ = codec.Flush()
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func testRegistry() *registry.Registry {
	return registry.New([]registry.BackendDescriptor{
		{NodeID: 0, Status: registry.StatusUp},
	})
}

func TestProbeSucceedsAgainstRespondingBackend(t *testing.T) {
	addr := startRespondingBackend(t)
	c := New(Config{Period: time.Hour, Timeout: time.Second, MaxRetries: 1}, testRegistry(), nil, nil)
	assert.True(t, c.probe(addr))
}

func TestProbeFailsAgainstUnreachableAddress(t *testing.T) {
	c := New(Config{Period: time.Hour, Timeout: 200 * time.Millisecond, MaxRetries: 1}, testRegistry(), nil, nil)
	assert.False(t, c.probe("127.0.0.1:1")) // port 1 reliably refuses
}

func TestMonitorNodeRequestsDownAfterMaxRetries(t *testing.T) {
	reg := testRegistry()
	ch := failover.NewChannel(reg)
	c := New(Config{Period: 20 * time.Millisecond, Timeout: 10 * time.Millisecond, MaxRetries: 2}, reg, ch, nil)
	c.dial = func(address string, timeout time.Duration) (net.Conn, error) {
		return nil, assertErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.monitorNode(ctx, 0, "unused")

	desc, ok := reg.Descriptor(0)
	require.True(t, ok)
	assert.Equal(t, registry.StatusDown, desc.Status)
	assert.Equal(t, 1, reg.QueueLen())
}

var assertErr = &net.OpError{Op: "dial", Err: errConnRefused{}}

type errConnRefused struct{}

func (errConnRefused) Error() string   { return "connection refused" }
func (errConnRefused) Timeout() bool   { return false }
func (errConnRefused) Temporary() bool { return false }
