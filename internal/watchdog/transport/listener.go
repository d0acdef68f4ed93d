package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/pgproxy/internal/wire"
)

// Listener accepts inbound peer connections on the local wdPort and runs the
// ADD_NODE authentication handshake before handing an authenticated
// connection off to the matching Node, per §4.G: "the incoming connection is
// in the unidentified set until an ADD_NODE is received with a valid
// authentication hash".
type Listener struct {
	addr       string
	authKey    string
	localState func() int
	wdPort     int
	nodesByKey map[string]*Node // keyed by the peer identity hash expected from ADD_NODE
	log        *slog.Logger

	// OnFrame is invoked for every frame received on an accepted connection
	// after authentication, keyed by the identity hash that authenticated it.
	OnFrame func(identityHash string, f *wire.WdFrame)

	// TLSConfig, when set, wraps the accept socket in mTLS (SPIFFE peer
	// identity verification lives in the workload API source that builds
	// this config; the listener itself only needs a stdlib *tls.Config).
	TLSConfig *tls.Config
}

// NewListener builds a Listener that authenticates inbound peers against
// the given set of expected identity hashes (one per configured peer,
// recomputed as each peer's local state changes — callers refresh
// nodesByKey via RegisterExpected as needed).
func NewListener(addr, authKey string, localState func() int, wdPort int, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		addr:       addr,
		authKey:    authKey,
		localState: localState,
		wdPort:     wdPort,
		nodesByKey: make(map[string]*Node),
		log:        log,
	}
}

// RegisterExpected associates an expected ADD_NODE identity hash with the
// Node it should authenticate into, recomputed by the caller whenever that
// peer's advertised state changes (the hash is a function of peer state).
func (l *Listener) RegisterExpected(identityHash string, node *Node) {
	l.nodesByKey[identityHash] = node
}

// Run accepts connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	var ln net.Listener
	var err error
	if l.TLSConfig != nil {
		ln, err = tls.Listen("tcp", l.addr, l.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", l.addr)
	}
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.log.Warn("watchdog: accept failed", slog.Any("error", err))
				continue
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := wire.ReadWdFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil || frame.Type != wire.WdAddNode {
		l.log.Warn("watchdog: rejecting inbound connection without valid ADD_NODE", slog.Any("error", err))
		_ = wire.WriteWdFrame(conn, &wire.WdFrame{Type: wire.WdReject})
		conn.Close()
		return
	}

	node, ok := l.nodesByKey[string(frame.Data)]
	if !ok {
		l.log.Warn("watchdog: ADD_NODE identity hash not recognized")
		_ = wire.WriteWdFrame(conn, &wire.WdFrame{Type: wire.WdReject})
		conn.Close()
		return
	}

	if err := wire.WriteWdFrame(conn, &wire.WdFrame{Type: wire.WdAccept}); err != nil {
		conn.Close()
		return
	}
	node.AttachServerConn(conn)

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		default:
		}
		f, err := wire.ReadWdFrame(conn)
		if err != nil {
			node.MarkLost()
			return
		}
		node.MarkReceived(time.Now())
		if l.OnFrame != nil {
			l.OnFrame(string(frame.Data), f)
		}
	}
}
