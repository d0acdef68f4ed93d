package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ocx/pgproxy/internal/auth"
	"github.com/ocx/pgproxy/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerAcceptsValidAddNodeHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	listener := NewListener(addr, "sharedsecret", func() int { return 2 }, 9000, nil)
	node := NewNode(Identity{Hostname: "127.0.0.1", WdPort: 9001}, nil)
	identityHash := auth.WatchdogIdentityHash(2, 9001, "sharedsecret")
	listener.RegisterExpected(identityHash, node)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteWdFrame(conn, &wire.WdFrame{Type: wire.WdAddNode, Data: []byte(identityHash)}))

	reply, err := wire.ReadWdFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.WdAccept), reply.Type)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, node.Authenticated())
}

func TestListenerRejectsUnknownIdentity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	listener := NewListener(addr, "sharedsecret", func() int { return 2 }, 9000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteWdFrame(conn, &wire.WdFrame{Type: wire.WdAddNode, Data: []byte("bogus")}))

	reply, err := wire.ReadWdFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.WdReject), reply.Type)
}

func TestNodeSendPrefersClientSocket(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	defer clientSide.Close()
	defer clientPeer.Close()

	node := NewNode(Identity{Hostname: "peer", WdPort: 9001}, nil)
	node.clientConn = clientSide
	node.clientState = Connected

	done := make(chan *wire.WdFrame, 1)
	go func() {
		f, _ := wire.ReadWdFrame(clientPeer)
		done <- f
	}()

	require.NoError(t, node.Send(&wire.WdFrame{Type: wire.WdInfo, Data: []byte("hi")}))
	got := <-done
	assert.Equal(t, byte(wire.WdInfo), got.Type)
}
