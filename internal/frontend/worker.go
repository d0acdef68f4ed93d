// Package frontend implements the Frontend Session Worker of spec.md §4.D:
// per-client accept, startup-packet handling, backend acquisition via the
// pool and load balancer, and the inner query proxy loop.
//
// The source system is a pre-forked, cooperative single-threaded-per-worker
// model (§5); this rework adopts the idiomatic Go equivalent — one goroutine
// per accepted connection — since that is how every example repo in the
// pack structures a connection handler (see db-bouncer's proxy loop and the
// teacher's internal/protocol/session.go). connCounter admission control and
// the pool/registry locking discipline (§4.C) still apply globally across
// goroutines exactly as they would across forked workers; this substitution
// is recorded in DESIGN.md as a structural model substitution.
package frontend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/pgproxy/internal/backendpool"
	"github.com/ocx/pgproxy/internal/lb"
	"github.com/ocx/pgproxy/internal/pgerror"
	"github.com/ocx/pgproxy/internal/registry"
	"github.com/ocx/pgproxy/internal/wire"
)

// SSLNegotiator performs the out-of-scope SSL negotiation collaborator
// (§1's "Out of scope" list): given the raw connection, it either upgrades
// it in place and returns a new net.Conn, or returns the same connection
// unchanged if SSL was declined. The default DenyAllSSL implementation
// always sends 'N' (no SSL), matching a minimal non-TLS deployment.
type SSLNegotiator interface {
	Negotiate(conn net.Conn) (net.Conn, error)
}

// DenyAllSSL always declines SSL, telling the client to retry in cleartext.
type DenyAllSSL struct{}

func (DenyAllSSL) Negotiate(conn net.Conn) (net.Conn, error) {
	if err := wire.WriteSSLDenied(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// HBAChecker is the out-of-scope HBA ACL evaluation collaborator. The
// default AllowAllHBA implementation performs no check.
type HBAChecker interface {
	Allow(user, database, clientAddr string) bool
}

// AllowAllHBA allows every connection.
type AllowAllHBA struct{}

func (AllowAllHBA) Allow(string, string, string) bool { return true }

// Authenticator performs the frontend-facing authentication handshake
// (cleartext/MD5/SASL) independent of backendpool.Authenticator, which
// authenticates the proxy itself *to* a backend. The default TrustAuth
// accepts any client, matching pgpool's "trust" HBA method.
type Authenticator interface {
	AuthenticateFrontend(codec *wire.Codec) error
}

// TrustAuth sends AuthenticationOk immediately.
type TrustAuth struct{}

func (TrustAuth) AuthenticateFrontend(codec *wire.Codec) error {
	if err := codec.WriteMessage(&wire.Message{Kind: wire.KindAuthentication, Payload: []byte{0, 0, 0, 0}}); err != nil {
		return err
	}
	return codec.Flush()
}

// Config bundles the admission-control and lifetime tunables §4.D names.
type Config struct {
	MaxChildren         int
	ReservedConnections int
	ChildMaxConnections int // carried from pool.child_max_connections; the Worker does not consult it and never recycles
	AuthTimeout         time.Duration
	TemplateDatabases   map[string]bool
}

// DefaultTemplateDatabases mirrors PostgreSQL's reserved database names that
// must never be cached back into the pool after use (§7).
func DefaultTemplateDatabases() map[string]bool {
	return map[string]bool{
		"template0": true, "template1": true, "postgres": true, "regression": true,
	}
}

// Worker serves accepted frontend connections against one backendpool.Pool.
type Worker struct {
	ID        int
	cfg       Config
	pool      *backendpool.Pool
	reg       *registry.Registry
	connInfo  *registry.ConnectionInfo
	ssl       SSLNegotiator
	hba       HBAChecker
	auth      Authenticator
	resolver  func(nodeID int) (backendpool.BackendTarget, bool)
	log       *slog.Logger
}

// New builds a Worker bound to the shared pool/registry/connection-info
// state and a resolver mapping node ids to dial targets.
func New(id int, cfg Config, pool *backendpool.Pool, reg *registry.Registry, connInfo *registry.ConnectionInfo,
	resolver func(nodeID int) (backendpool.BackendTarget, bool), log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		ID: id, cfg: cfg, pool: pool, reg: reg, connInfo: connInfo,
		ssl: DenyAllSSL{}, hba: AllowAllHBA{}, auth: TrustAuth{},
		resolver: resolver, log: log,
	}
}

// WithSSL overrides the SSL negotiator (default declines SSL).
func (w *Worker) WithSSL(n SSLNegotiator) *Worker { w.ssl = n; return w }

// WithHBA overrides the HBA checker (default allows all).
func (w *Worker) WithHBA(h HBAChecker) *Worker { w.hba = h; return w }

// WithAuth overrides the frontend authenticator (default trusts all).
func (w *Worker) WithAuth(a Authenticator) *Worker { w.auth = a; return w }

// Serve runs the accept loop against ln until ctx is cancelled, spawning one
// goroutine per session per the package doc's model substitution.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
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
				return err
			}
		}
		go w.handleSession(conn)
	}
}

// handleSession implements §4.D steps 3-9 for one accepted connection.
func (w *Worker) handleSession(conn net.Conn) {
	defer conn.Close()

	count := w.reg.IncConn()
	defer w.reg.DecConn()

	if count > w.cfg.MaxChildren-w.cfg.ReservedConnections {
		w.rejectTooManyClients(conn)
		return
	}

	if w.cfg.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(w.cfg.AuthTimeout))
	}

	codec := wire.NewCodec(conn)
	sp, cancelKey, isCancel, err := w.readStartup(codec, conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			w.log.Warn("frontend: reading startup packet failed", slog.Any("error", err))
		}
		return
	}
	if isCancel {
		w.handleCancelRequest(cancelKey)
		return
	}
	if sp == nil {
		return // SSL-only probe with no follow-up, or a rejected/incomplete handshake
	}

	if len(w.reg.LiveNodeIDs()) == 0 {
		w.sendFatal(codec, pgerror.NoLiveBackend())
		return
	}

	if !w.hba.Allow(sp.User, sp.Database, conn.RemoteAddr().String()) {
		w.sendFatal(codec, pgerror.New(pgerror.SeverityFatal, pgerror.CodeInvalidAuthSpec,
			"no pg_hba.conf entry for host %q, user %q, database %q", conn.RemoteAddr(), sp.User, sp.Database))
		return
	}

	if err := w.auth.AuthenticateFrontend(codec); err != nil {
		w.log.Warn("frontend: client authentication failed", slog.Any("error", err))
		return
	}
	if w.cfg.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Time{}) // auth window closed; query loop has no deadline of its own
	}

	entry, fresh, err := w.acquireOrCreate(sp)
	if err != nil {
		w.sendFatal(codec, pgerror.New(pgerror.SeverityFatal, pgerror.CodeConnectionException, "%v", err))
		return
	}

	master := entry.Master()
	if err := w.sendBackendKeyData(codec, master); err != nil {
		return
	}
	target := CancelTargetFor(entry)
	w.connInfo.Publish(master.BackendPID, master.CancelKey, target)
	defer w.connInfo.Unpublish(master.BackendPID, master.CancelKey)

	if !fresh {
		err := entry.ReplayParameterStatus(codec)
		if err == nil {
			err = codec.Flush()
		}
		if err != nil {
			entry.Discard()
			return
		}
	} else {
		if err := w.sendReadyForQuery(codec, master); err != nil {
			entry.Discard()
			return
		}
	}

	outcome := w.queryLoop(codec, entry)
	w.finishSession(entry, sp, outcome)
}

// SessionOutcome is the inner-loop result that decides pool disposition.
type SessionOutcome int

const (
	OutcomeClean SessionOutcome = iota
	OutcomeError
	OutcomeFatal
)

func (w *Worker) finishSession(entry *backendpool.Entry, sp *wire.StartupPacket, outcome SessionOutcome) {
	if outcome == OutcomeFatal || w.cfg.TemplateDatabases[sp.Database] {
		entry.Discard()
		return
	}
	if outcome == OutcomeError {
		entry.Discard()
		return
	}
	w.pool.Release(entry, time.Now())
}

func (w *Worker) rejectTooManyClients(conn net.Conn) {
	codec := wire.NewCodec(conn)
	msg := pgerror.TooManyConnections()
	_ = codec.WriteMessage(&wire.Message{Kind: wire.KindErrorResponse, Payload: msg.V3Fields()})
	_ = codec.Flush()
}

func (w *Worker) sendFatal(codec *wire.Codec, e *pgerror.Error) {
	_ = codec.WriteMessage(&wire.Message{Kind: wire.KindErrorResponse, Payload: e.V3Fields()})
	_ = codec.Flush()
}

func (w *Worker) sendBackendKeyData(codec *wire.Codec, master *backendpool.BackendSlot) error {
	payload := make([]byte, 8)
	payload[0] = byte(master.BackendPID >> 24)
	payload[1] = byte(master.BackendPID >> 16)
	payload[2] = byte(master.BackendPID >> 8)
	payload[3] = byte(master.BackendPID)
	payload[4] = byte(master.CancelKey >> 24)
	payload[5] = byte(master.CancelKey >> 16)
	payload[6] = byte(master.CancelKey >> 8)
	payload[7] = byte(master.CancelKey)
	if err := codec.WriteMessage(&wire.Message{Kind: wire.KindBackendKeyData, Payload: payload}); err != nil {
		return err
	}
	return codec.Flush()
}

func (w *Worker) sendReadyForQuery(codec *wire.Codec, master *backendpool.BackendSlot) error {
	if err := codec.WriteMessage(&wire.Message{Kind: wire.KindReadyForQuery, Payload: []byte{byte(master.TxState)}}); err != nil {
		return err
	}
	return codec.Flush()
}

// acquireOrCreate implements §4.D step 7: try the reuse path, else dial the
// fresh path via the load balancer's chosen backend set (here, all live
// backends — replication-mode fan-out is the pool's concern, node *selection*
// for read/write routing is lb.SelectNode's, consulted by callers that only
// need one node, e.g. a pure read-replica session type not modeled here).
func (w *Worker) acquireOrCreate(sp *wire.StartupPacket) (*backendpool.Entry, bool, error) {
	if entry := w.pool.Acquire(sp, true); entry != nil {
		return entry, false, nil
	}

	var targets []backendpool.BackendTarget
	for _, id := range w.reg.LiveNodeIDs() {
		if t, ok := w.resolver(id); ok {
			targets = append(targets, t)
		}
	}
	entry, err := w.pool.Create(sp, targets)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// SelectReadNode exposes lb.SelectNode for callers (e.g. a future read/write
// splitting ProcessQuery) that need a single node instead of the full
// replication-mode backend set.
func (w *Worker) SelectReadNode(database, appName string, rules lb.Inputs) (int, bool) {
	rules.Descriptors = w.reg.Descriptors()
	rules.PrimaryNodeID = w.reg.PrimaryNodeID()
	rules.Database = database
	rules.ApplicationName = appName
	return lb.SelectNode(rules)
}

// CancelTargetFor builds the cross-worker cancel-routing record for an
// entry, §4.D's cancel-request lookup table.
func CancelTargetFor(entry *backendpool.Entry) *registry.CancelTarget {
	target := &registry.CancelTarget{}
	for nodeID, slot := range entry.Slots {
		addr := ""
		if slot.Conn != nil {
			addr = slot.Conn.RemoteAddr().String()
		}
		target.Backends = append(target.Backends, registry.CancelBackend{
			NodeID: nodeID, Address: addr, PID: slot.BackendPID, Key: slot.CancelKey,
		})
	}
	return target
}

// readStartup reads the startup envelope, handling SSLRequest (negotiate,
// then re-read) and CancelRequest (return immediately) before parsing a
// normal V2/V3 startup packet, per §4.D step 5.
func (w *Worker) readStartup(codec *wire.Codec, conn net.Conn) (sp *wire.StartupPacket, cancelKey wire.CancelKey, isCancel bool, err error) {
	for {
		code, body, err := wire.ReadStartupEnvelope(codec)
		if err != nil {
			return nil, wire.CancelKey{}, false, err
		}
		switch code {
		case uint32(wire.MagicCancelRequest):
			key, err := wire.ParseCancelRequest(body)
			if err != nil {
				return nil, wire.CancelKey{}, false, err
			}
			return nil, key, true, nil
		case uint32(wire.MagicSSLRequest):
			upgraded, err := w.ssl.Negotiate(conn)
			if err != nil {
				return nil, wire.CancelKey{}, false, err
			}
			codec = wire.NewCodec(upgraded)
			continue
		case uint32(wire.MagicGSSENCRequest):
			_, _ = conn.Write([]byte{'N'})
			continue
		default:
			sp, err := wire.ParseStartupPacket(code, body)
			if err != nil {
				return nil, wire.CancelKey{}, false, err
			}
			return sp, wire.CancelKey{}, false, nil
		}
	}
}

// handleCancelRequest implements §4.D's cancel-request forwarding: look up
// the frontend pid/key in the shared ConnectionInfo table, forward a
// CancelRequest to each of that session's backends with a deliberate 1s
// sleep between forwards (spec.md §9 Open Questions: this is preserved
// verbatim, not silently fixed, since the source's intent — back-pressure
// vs. oversight — is unclear).
func (w *Worker) handleCancelRequest(key wire.CancelKey) {
	target, ok := w.connInfo.Lookup(key.Pid, key.Key)
	if !ok {
		w.log.Info("frontend: cancel request for unknown pid/key", slog.Int("pid", int(key.Pid)))
		return
	}
	for i, backend := range target.Backends {
		w.forwardCancel(backend)
		if i != len(target.Backends)-1 {
			time.Sleep(time.Second)
		}
	}
}

// forwardCancel dials a one-shot connection to the backend and writes a
// standard 16-byte CancelRequest envelope: length(16), magic, pid, key.
func (w *Worker) forwardCancel(backend registry.CancelBackend) {
	conn, err := net.DialTimeout("tcp", backend.Address, 5*time.Second)
	if err != nil {
		w.log.Warn("frontend: cancel forward dial failed", slog.String("addr", backend.Address), slog.Any("error", err))
		return
	}
	defer conn.Close()

	var buf [16]byte
	putUint32(buf[0:4], 16)
	putUint32(buf[4:8], uint32(wire.MagicCancelRequest))
	putUint32(buf[8:12], backend.PID)
	putUint32(buf[12:16], backend.Key)
	if _, err := conn.Write(buf[:]); err != nil {
		w.log.Warn("frontend: cancel forward write failed", slog.Any("error", err))
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
