// Package transport implements the Watchdog Peer Transport of spec.md §4.G:
// per-peer dual-socket (outbound "client" / inbound "server") connections
// carrying watchdog frames, with an authenticated ADD_NODE handshake and
// backoff-governed reconnection.
//
// Grounded on the teacher's internal/federation/{handshake,protocol}.go peer
// handshake model, generalized from service-mesh peer handshakes to
// watchdog peer identity exchange.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ocx/pgproxy/internal/auth"
	"github.com/ocx/pgproxy/internal/wire"
)

// SocketState is one directional socket's connection state (§3/§4.G).
type SocketState int

const (
	Uninitialized SocketState = iota
	WaitingForConnect
	Connected
	SocketError
	Closed
)

func (s SocketState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case WaitingForConnect:
		return "waiting_for_connect"
	case Connected:
		return "connected"
	case SocketError:
		return "error"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is a peer's configured identity, used both to dial it and to
// build the canonical string the ADD_NODE handshake hash is computed over.
type Identity struct {
	Hostname   string
	WdPort     int
	PgpoolPort int
	Priority   int
}

func (id Identity) addr() string {
	return fmt.Sprintf("%s:%d", id.Hostname, id.WdPort)
}

// Node is one remote watchdog peer, tracked with two independent socket
// identities: clientSocket (we dialed out) and serverSocket (they dialed
// in). Either may carry traffic; Send prefers the outbound connection,
// falling back to the inbound one, per §4.G.
type Node struct {
	mu sync.Mutex

	Identity Identity

	clientConn  net.Conn
	clientState SocketState
	serverConn  net.Conn
	serverState SocketState

	authenticated bool
	lastRcv       time.Time
	lastSent      time.Time

	log *slog.Logger
}

// NewNode builds a Node for a configured peer, not yet connected.
func NewNode(id Identity, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	return &Node{Identity: id, log: log, clientState: Uninitialized, serverState: Uninitialized}
}

// AttachServerConn records an inbound connection from this peer, once its
// ADD_NODE handshake has authenticated.
func (n *Node) AttachServerConn(conn net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.serverConn = conn
	n.serverState = Connected
	n.authenticated = true
}

// Authenticated reports whether this peer has completed a valid ADD_NODE
// handshake on either socket direction.
func (n *Node) Authenticated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.authenticated
}

// Send writes a frame preferring the outbound (client) socket, falling back
// to the inbound (server) socket, per §4.G.
func (n *Node) Send(f *wire.WdFrame) error {
	n.mu.Lock()
	client, clientState := n.clientConn, n.clientState
	server, serverState := n.serverConn, n.serverState
	n.mu.Unlock()

	var err error
	if clientState == Connected && client != nil {
		if err = wire.WriteWdFrame(client, f); err == nil {
			n.markSent()
			return nil
		}
	}
	if serverState == Connected && server != nil {
		if err = wire.WriteWdFrame(server, f); err == nil {
			n.markSent()
			return nil
		}
	}
	if err == nil {
		err = fmt.Errorf("transport: no connected socket to peer %s", n.Identity.addr())
	}
	return err
}

func (n *Node) markSent() {
	n.mu.Lock()
	n.lastSent = time.Now()
	n.mu.Unlock()
}

// MarkReceived records that a frame just arrived from this peer — the
// global rule in §4.H that updates `lastRcv` on every PacketReceived event.
func (n *Node) MarkReceived(t time.Time) {
	n.mu.Lock()
	n.lastRcv = t
	n.mu.Unlock()
}

// LastReceived returns the last time a frame arrived from this peer.
func (n *Node) LastReceived() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastRcv
}

// MarkLost closes both socket directions and resets authentication state —
// the global RemoteNodeLost handling in §4.H.
func (n *Node) MarkLost() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.clientConn != nil {
		n.clientConn.Close()
	}
	if n.serverConn != nil {
		n.serverConn.Close()
	}
	n.clientConn, n.serverConn = nil, nil
	n.clientState, n.serverState = Closed, Closed
	n.authenticated = false
}

// ClientState and ServerState expose the two socket states for diagnostics.
func (n *Node) ClientState() SocketState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clientState
}

func (n *Node) ServerState() SocketState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.serverState
}

// minReconnectInterval is MIN_SECS_CONNECTION_RETRY (§4.G, 10s default).
const minReconnectInterval = 10 * time.Second

// Dialer opens the outbound (client) connection and runs the ADD_NODE
// handshake, reconnecting with exponential backoff floored at
// minReconnectInterval, per §4.G / §5.
type Dialer struct {
	node       *Node
	localState func() int // current local watchdog FSM state, for the ADD_NODE payload
	wdPort     int
	authKey    string
	log        *slog.Logger

	// OnFrame is invoked for every frame received on the outbound connection
	// once authenticated; the watchdog fsm/cmdbus packages wire in dispatch
	// here. Nil is valid and simply discards inbound frames.
	OnFrame func(*wire.WdFrame)

	// TLSConfig, when set, dials the peer over mTLS instead of plaintext TCP.
	TLSConfig *tls.Config
}

// NewDialer binds a Dialer to the node it maintains an outbound connection
// to.
func NewDialer(node *Node, localState func() int, localWdPort int, authKey string, log *slog.Logger) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{node: node, localState: localState, wdPort: localWdPort, authKey: authKey, log: log}
}

// Run maintains the outbound connection until ctx is cancelled, redialing
// on failure with backoff never faster than minReconnectInterval.
func (d *Dialer) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minReconnectInterval
	b.RandomizationFactor = 0 // jitter would allow waits below the floor
	b.MaxInterval = minReconnectInterval * 6
	b.MaxElapsedTime = 0 // retry forever until ctx is cancelled

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := d.connectOnce(ctx); err != nil {
			d.log.Warn("watchdog: outbound connect failed",
				slog.String("peer", d.node.Identity.addr()), slog.Any("error", err))
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
	}
}

func (d *Dialer) connectOnce(ctx context.Context) error {
	d.node.mu.Lock()
	d.node.clientState = WaitingForConnect
	d.node.mu.Unlock()

	dialer := net.Dialer{}
	var conn net.Conn
	var err error
	if d.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", d.node.Identity.addr(), d.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", d.node.Identity.addr())
	}
	if err != nil {
		d.node.mu.Lock()
		d.node.clientState = SocketError
		d.node.mu.Unlock()
		return err
	}

	identityHash := auth.WatchdogIdentityHash(d.localState(), d.wdPort, d.authKey)
	addNode := &wire.WdFrame{Type: wire.WdAddNode, Data: []byte(identityHash)}
	if err := wire.WriteWdFrame(conn, addNode); err != nil {
		conn.Close()
		return err
	}

	reply, err := wire.ReadWdFrame(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if reply.Type != wire.WdAccept {
		conn.Close()
		d.node.mu.Lock()
		d.node.clientState = SocketError
		d.node.mu.Unlock()
		return fmt.Errorf("transport: peer %s rejected handshake", d.node.Identity.addr())
	}

	d.node.mu.Lock()
	d.node.clientConn = conn
	d.node.clientState = Connected
	d.node.authenticated = true
	d.node.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		default:
		}
		frame, err := wire.ReadWdFrame(conn)
		if err != nil {
			d.node.mu.Lock()
			d.node.clientState = SocketError
			d.node.clientConn = nil
			d.node.mu.Unlock()
			return err
		}
		d.node.MarkReceived(time.Now())
		if d.OnFrame != nil {
			d.OnFrame(frame)
		}
	}
}
