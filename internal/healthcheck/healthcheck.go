// Package healthcheck implements the supplemented per-backend-node
// liveness worker (SPEC_FULL.md "Supplemented features"): spec.md lists the
// lifecheck heartbeat daemon as an out-of-scope external collaborator, but
// something has to actually produce most real RequestNodeOp(Down, ...)
// calls, so a minimal in-core version is built here instead of left as a
// bare interface.
//
// Grounded on the teacher's internal/probe worker-group polling loop shape
// (one goroutine per monitored target, a ticker, a failure counter that
// trips an action after a threshold), generalized from eBPF PID liveness
// polling to a PostgreSQL backend liveness probe.
package healthcheck

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/pgproxy/internal/failover"
	"github.com/ocx/pgproxy/internal/registry"
	"github.com/ocx/pgproxy/internal/wire"
)

// Config controls one node's probe cadence (config.HealthCheckConfig,
// converted to time.Duration at the call site).
type Config struct {
	Period     time.Duration
	Timeout    time.Duration
	MaxRetries int
}

// Checker runs one goroutine per configured backend node, each independently
// probing liveness and requesting a failover on repeated failure.
type Checker struct {
	cfg  Config
	reg  *registry.Registry
	ch   *failover.Channel
	log  *slog.Logger
	dial func(address string, timeout time.Duration) (net.Conn, error)
}

// New builds a Checker bound to the shared registry/failover channel.
func New(cfg Config, reg *registry.Registry, ch *failover.Channel, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Period <= 0 {
		cfg.Period = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Checker{
		cfg: cfg, reg: reg, ch: ch, log: log,
		dial: func(address string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", address, timeout)
		},
	}
}

// Run starts one monitor goroutine per node and blocks until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context, nodes map[int]string) {
	done := make(chan struct{}, len(nodes))
	for nodeID, address := range nodes {
		go func(nodeID int, address string) {
			c.monitorNode(ctx, nodeID, address)
			done <- struct{}{}
		}(nodeID, address)
	}
	for range nodes {
		<-done
	}
}

func (c *Checker) monitorNode(ctx context.Context, nodeID int, address string) {
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.probe(address) {
			if consecutiveFailures > 0 {
				c.log.Info("healthcheck: node recovered", slog.Int("node_id", nodeID))
			}
			consecutiveFailures = 0
			continue
		}

		consecutiveFailures++
		c.log.Warn("healthcheck: probe failed", slog.Int("node_id", nodeID), slog.Int("consecutive_failures", consecutiveFailures))
		if consecutiveFailures >= c.cfg.MaxRetries {
			c.reg.SetStatus(nodeID, registry.StatusDown)
			c.ch.RequestNodeOp(registry.OpDown, []int{nodeID}, registry.NodeOpRequest{FromWatchdog: false})
			consecutiveFailures = 0
		}
	}
}

// probe opens a one-shot connection, sends a disposable startup packet, and
// waits for any reply at all (an AuthenticationOk, an auth challenge, or
// even an ErrorResponse rejecting the bogus user) as the liveness signal —
// the real pgpool lifecheck sends a full query and checks for ReadyForQuery,
// but the liveness question this worker needs answered is only "is the
// postmaster accepting and answering connections", not "can this exact
// credential authenticate".
func (c *Checker) probe(address string) bool {
	conn, err := c.dial(address, c.cfg.Timeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	codec := wire.NewCodec(conn)

	probeStartup := &wire.StartupPacket{ProtoMajor: 3, User: "pgproxy_healthcheck", Database: "pgproxy_healthcheck"}
	if err := codec.Write(wire.MarshalV3(probeStartup)); err != nil {
		return false
	}
	if err := codec.Flush(); err != nil {
		return false
	}

	_, err = codec.ReadMessage()
	return err == nil
}
