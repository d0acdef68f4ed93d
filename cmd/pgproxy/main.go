// Command pgproxy is the composition root: it loads configuration, wires
// the connection pool, frontend worker, health checker, watchdog cluster
// coordinator and admin HTTP/gRPC surfaces together, and blocks until an
// operating system signal requests shutdown.
//
// Grounded on the teacher's cmd/server/main.go: flat, sequential
// initialization of each component followed by wiring into a listening
// server and a blocking Start call, adapted from its single log.Fatalf-on-
// error shape into one that also tears things down on SIGTERM/SIGINT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/ocx/pgproxy/internal/admin"
	"github.com/ocx/pgproxy/internal/auth"
	"github.com/ocx/pgproxy/internal/backendpool"
	"github.com/ocx/pgproxy/internal/config"
	"github.com/ocx/pgproxy/internal/failover"
	"github.com/ocx/pgproxy/internal/frontend"
	"github.com/ocx/pgproxy/internal/healthcheck"
	"github.com/ocx/pgproxy/internal/metrics"
	"github.com/ocx/pgproxy/internal/registry"
	"github.com/ocx/pgproxy/internal/watchdog/cmdbus"
	"github.com/ocx/pgproxy/internal/watchdog/fsm"
	"github.com/ocx/pgproxy/internal/watchdog/pcp"
	"github.com/ocx/pgproxy/internal/watchdog/transport"
	"github.com/ocx/pgproxy/internal/wire"
)

func main() {
	_ = godotenv.Load() // optional dev-mode .env, absence is not an error

	cfg := config.Get()
	log := newLogger(cfg.Log)
	log.Info("pgproxy: starting", slog.String("listen", fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)))

	removePIDFile, err := writePIDFile(os.Getenv("PGPROXY_PID_FILE"))
	if err != nil {
		log.Error("pgproxy: pid file", slog.Any("error", err))
		os.Exit(1)
	}
	defer removePIDFile()

	rec := metrics.New()
	reg := registry.New(descriptorsFromConfig(cfg.Backends)).WithMetrics(rec)
	if cfg.Pool.SharedBackend == "redis" {
		reg = reg.WithMirror(registry.NewRedisMirror(redis.NewClient(&redis.Options{
			Addr: os.Getenv("PGPROXY_REDIS_ADDR"),
		}), "pgproxy", log))
	}
	connInfo := registry.NewConnectionInfo()

	targets := targetsFromConfig(cfg.Backends)
	pool := backendpool.NewPool(cfg.Pool.MaxPool, newAuthenticator(cfg), time.Duration(cfg.Pool.ConnectionLifeTimeSec)*time.Second, log).WithMetrics(rec)
	pool.Init(0)

	ch := failover.NewChannel(reg)
	consensus := failover.NewConsensus(failover.Policy{
		TotalPeers:     len(cfg.Watchdog.Peers) + 1,
		QuorumRequired: true,
		ObjectTimeout:  time.Duration(cfg.Watchdog.FailoverObjectTimeoutSec) * time.Second,
	}, reg).WithMetrics(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hc := healthcheck.New(healthcheck.Config{
		Period:     time.Duration(cfg.HealthCheck.PeriodSec) * time.Second,
		Timeout:    time.Duration(cfg.HealthCheck.TimeoutSec) * time.Second,
		MaxRetries: cfg.HealthCheck.MaxRetries,
	}, reg, ch, log)
	go hc.Run(ctx, addressesByNodeID(cfg.Backends))

	resolver := func(nodeID int) (backendpool.BackendTarget, bool) {
		for _, t := range targets {
			if t.NodeID == nodeID {
				return t, true
			}
		}
		return backendpool.BackendTarget{}, false
	}

	worker := frontend.New(0, frontend.Config{
		MaxChildren:         cfg.Pool.MaxChildren,
		ReservedConnections: cfg.Pool.ReservedConnections,
		ChildMaxConnections: cfg.Pool.ChildMaxConnections,
		AuthTimeout:         time.Duration(cfg.Pool.AuthTimeoutSec) * time.Second,
		TemplateDatabases:   frontend.DefaultTemplateDatabases(),
	}, pool, reg, connInfo, resolver, log)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port))
	if err != nil {
		log.Error("pgproxy: listen failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := worker.Serve(ctx, ln); err != nil {
			log.Error("pgproxy: frontend listener stopped", slog.Any("error", err))
		}
	}()

	var machine *fsm.Machine
	var wdBus *cmdbus.Bus
	var wdPeers []*transport.Node
	if cfg.Watchdog.Enabled {
		machine = fsm.New(cfg.Watchdog.Priority, nil, log).WithMetrics(rec)
		if err := machine.Start(); err != nil {
			log.Error("pgproxy: watchdog failed to start", slog.Any("error", err))
		}
		wdBus, wdPeers = runWatchdogTransport(ctx, cfg, machine, log)
	}

	adminSrv := admin.New(reg, machine, rec, log)
	stopWatch := make(chan struct{})
	go adminSrv.Run(stopWatch)

	go runAdminHTTP(ctx, cfg, adminSrv, log)
	go runPCP(ctx, cfg, reg, ch, log)

	go sweepLoop(ctx, pool, consensus)
	go bridgeStateToWatch(ctx, reg, machine, adminSrv)
	go runFailoverConsumer(ctx, ch, consensus, wdBus, wdPeers, log)

	waitForShutdown(log)
	cancel()
	close(stopWatch)
	log.Info("pgproxy: shutdown complete")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func descriptorsFromConfig(backends []config.BackendConfig) []registry.BackendDescriptor {
	out := make([]registry.BackendDescriptor, 0, len(backends))
	for _, b := range backends {
		role := registry.RoleStandby
		if b.IsPrimary {
			role = registry.RolePrimary
		}
		out = append(out, registry.BackendDescriptor{
			NodeID:   b.NodeID,
			Hostname: b.Hostname,
			Port:     b.Port,
			Weight:   b.Weight,
			Role:     role,
			Status:   registry.StatusUp,
		})
	}
	return out
}

func targetsFromConfig(backends []config.BackendConfig) []backendpool.BackendTarget {
	out := make([]backendpool.BackendTarget, 0, len(backends))
	for _, b := range backends {
		out = append(out, backendpool.BackendTarget{
			NodeID:  b.NodeID,
			Address: fmt.Sprintf("%s:%d", b.Hostname, b.Port),
			Up:      true,
		})
	}
	return out
}

func addressesByNodeID(backends []config.BackendConfig) map[int]string {
	out := make(map[int]string, len(backends))
	for _, b := range backends {
		out[b.NodeID] = fmt.Sprintf("%s:%d", b.Hostname, b.Port)
	}
	return out
}

// newAuthenticator resolves each startup packet's password against the
// environment, a minimal stand-in for pgpool's pool_passwd file until a
// credential store is configured.
func newAuthenticator(cfg *config.Config) backendpool.Authenticator {
	return backendpool.WireAuthenticator{
		Credentials: func(sp *wire.StartupPacket) (string, bool) {
			v, ok := os.LookupEnv("PGPROXY_BACKEND_PASSWORD_" + sp.User)
			return v, ok
		},
	}
}

// sweepLoop runs the periodic idle/lifetime maintenance §4.B and §4.I
// describe for the pool and the failover consensus tracker.
func sweepLoop(ctx context.Context, pool *backendpool.Pool, consensus *failover.Consensus) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pool.Timer(now)
			consensus.Sweep(now)
		}
	}
}

// runFailoverConsumer is the parent consumer goroutine of §4.F/§4.J: it
// drains the Failover Request Channel, resolves each surviving request
// through the Consensus engine using the current authenticated-peer count as
// the standby quorum sample, and on Proceed broadcasts the decision to every
// watchdog peer so standbys converge on the same view. wdBus/peers are nil
// when watchdog coordination is disabled; Decide still runs (a single-node
// deployment's Policy always reaches consensus on its own vote).
func runFailoverConsumer(ctx context.Context, ch *failover.Channel, consensus *failover.Consensus, wdBus *cmdbus.Bus, peers []*transport.Node, log *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			standbyCount := 0
			for _, p := range peers {
				if p.Authenticated() {
					standbyCount++
				}
			}
			for _, req := range ch.Drain() {
				decision := consensus.Decide(req, "local", standbyCount, time.Now())
				log.Info("pgproxy: failover decision",
					slog.Int("node_id", req.NodeID),
					slog.String("kind", req.Kind.String()),
					slog.String("decision", decision.String()),
				)
				if decision == failover.Proceed {
					broadcastFailover(wdBus, peers, req, log)
				}
			}
		}
	}
}

// broadcastFailover announces a locally-decided failover to every watchdog
// peer with WdFailoverStart immediately followed by WdFailoverEnd: by the
// time Decide returns Proceed the registry mutation has already happened via
// executeLocked, so there is no separate in-progress window for peers to
// observe, only the fact that it happened.
func broadcastFailover(wdBus *cmdbus.Bus, peers []*transport.Node, req registry.NodeOpRequest, log *slog.Logger) {
	if wdBus == nil || len(peers) == 0 {
		return
	}
	recipients := make([]string, len(peers))
	for i, p := range peers {
		recipients[i] = fmt.Sprintf("%s:%d", p.Identity.Hostname, p.Identity.WdPort)
	}
	cmd := wdBus.Issue(cmdbus.CmdFailoverIndication, recipients, 10*time.Second, nil)
	data := []byte(fmt.Sprintf("%d:%d", req.Kind, req.NodeID))
	start := &wire.WdFrame{Type: wire.WdFailoverStart, CommandID: cmd.ID, Data: data}
	end := &wire.WdFrame{Type: wire.WdFailoverEnd, CommandID: cmd.ID, Data: data}
	for _, p := range peers {
		if !p.Authenticated() {
			continue
		}
		if err := p.Send(start); err != nil {
			log.Warn("pgproxy: failover start broadcast failed", slog.String("peer", p.Identity.Hostname), slog.Any("error", err))
			continue
		}
		if err := p.Send(end); err != nil {
			log.Warn("pgproxy: failover end broadcast failed", slog.String("peer", p.Identity.Hostname), slog.Any("error", err))
		}
	}
}

// bridgeStateToWatch polls the registry and watchdog state machine for
// changes and republishes them as /watch events. Neither internal/registry
// nor internal/watchdog/fsm imports internal/admin (see DESIGN.md), so the
// composition root is what bridges state mutations to the operator stream.
func bridgeStateToWatch(ctx context.Context, reg *registry.Registry, machine *fsm.Machine, adminSrv *admin.Server) {
	lastStatus := make(map[int]string)
	for _, d := range reg.Descriptors() {
		lastStatus[d.NodeID] = d.Status.String()
	}
	lastState := ""
	if machine != nil {
		lastState = machine.State().String()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range reg.Descriptors() {
				if prev, ok := lastStatus[d.NodeID]; !ok || prev != d.Status.String() {
					adminSrv.PublishBackendTransition(d.NodeID, prev, d.Status.String())
					lastStatus[d.NodeID] = d.Status.String()
				}
			}
			if machine != nil {
				if cur := machine.State().String(); cur != lastState {
					adminSrv.PublishWatchdogTransition(lastState, cur)
					lastState = cur
				}
			}
		}
	}
}

func runAdminHTTP(ctx context.Context, cfg *config.Config, adminSrv *admin.Server, log *slog.Logger) {
	addr := cfg.Admin.HTTPAddr
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: adminSrv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("pgproxy: admin HTTP listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("pgproxy: admin HTTP server failed", slog.Any("error", err))
	}
}

func runPCP(ctx context.Context, cfg *config.Config, reg *registry.Registry, ch *failover.Channel, log *slog.Logger) {
	addr := cfg.Admin.GRPCAddr
	if addr == "" {
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pgproxy: pcp listen failed", slog.Any("error", err))
		return
	}
	gs := grpc.NewServer()
	pcp.Register(gs, pcp.New(reg, ch, log))
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	log.Info("pgproxy: pcp gRPC listening", slog.String("addr", addr))
	if err := gs.Serve(ln); err != nil {
		log.Error("pgproxy: pcp server failed", slog.Any("error", err))
	}
}

// runWatchdogTransport wires the local watchdog state machine to a dialer
// and listener per configured peer, dispatching inbound frames into the
// cluster command bus and failover request channel rather than any new
// protocol logic of its own. It returns the command bus and the per-peer
// Node handles so the failover consumer loop can sample peer liveness and
// broadcast decisions without duplicating this wiring.
func runWatchdogTransport(ctx context.Context, cfg *config.Config, machine *fsm.Machine, log *slog.Logger) (*cmdbus.Bus, []*transport.Node) {
	localState := func() int { return int(machine.State()) }
	bus := cmdbus.New()
	var nodes []*transport.Node

	listener := transport.NewListener(
		fmt.Sprintf("%s:%d", cfg.Watchdog.Hostname, cfg.Watchdog.WdPort),
		cfg.Watchdog.AuthKey, localState, cfg.Watchdog.WdPort, log,
	)
	listener.OnFrame = func(identityHash string, f *wire.WdFrame) {
		dispatchWdFrame(machine, bus, f, log)
	}

	if td := os.Getenv("PGPROXY_SPIFFE_TRUST_DOMAIN"); td != "" {
		tlsCfg, closeSource, err := transport.NewSPIFFEMTLSConfig(ctx, td)
		if err != nil {
			log.Error("pgproxy: spiffe mTLS setup failed, falling back to plaintext watchdog transport", slog.Any("error", err))
		} else {
			go func() { <-ctx.Done(); closeSource() }()
			listener.TLSConfig = tlsCfg
		}
	}

	for _, p := range cfg.Watchdog.Peers {
		id := transport.Identity{Hostname: p.Hostname, WdPort: p.WdPort, PgpoolPort: p.PgpoolPort}
		node := transport.NewNode(id, log)
		nodes = append(nodes, node)
		// The ADD_NODE hash covers the dialing peer's current state, so the
		// hash for every state is registered up front.
		for s := fsm.Dead; s <= fsm.AddMessageSent; s++ {
			listener.RegisterExpected(auth.WatchdogIdentityHash(int(s), p.WdPort, cfg.Watchdog.AuthKey), node)
		}

		dialer := transport.NewDialer(node, localState, cfg.Watchdog.WdPort, cfg.Watchdog.AuthKey, log)
		dialer.OnFrame = func(f *wire.WdFrame) {
			dispatchWdFrame(machine, bus, f, log)
		}
		dialer.TLSConfig = listener.TLSConfig
		go dialer.Run(ctx)
	}

	go func() {
		if err := listener.Run(ctx); err != nil {
			log.Error("pgproxy: watchdog listener stopped", slog.Any("error", err))
		}
	}()

	return bus, nodes
}

// dispatchWdFrame routes one inbound watchdog frame to the state machine or
// command bus depending on its type, per the frame table in §6.
func dispatchWdFrame(machine *fsm.Machine, bus *cmdbus.Bus, f *wire.WdFrame, log *slog.Logger) {
	switch f.Type {
	case wire.WdDeclareCoordinator, wire.WdIAmCoordinator:
		if err := machine.Transition(fsm.ParticipateInElection); err != nil {
			log.Debug("pgproxy: ignoring coordinator announcement", slog.Any("error", err))
		}
	case wire.WdFailoverStart:
		log.Info("pgproxy: peer announced failover start", slog.Int("command_id", int(f.CommandID)))
	case wire.WdCmdReplyInData:
		bus.MarkReplied(f.CommandID, "")
	case wire.WdError, wire.WdReject:
		bus.MarkError(f.CommandID, "")
	default:
		log.Debug("pgproxy: unhandled watchdog frame", slog.String("type", fmt.Sprintf("%q", f.Type)))
	}
}

func waitForShutdown(log *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("pgproxy: received shutdown signal", slog.String("signal", s.String()))
}
