package fsm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/pgproxy/internal/metrics"
)

// Escalator is the out-of-scope VIP-manipulation collaborator spec.md §1
// excludes; a logging-only default is provided so the coordinator state can
// still exercise "start escalation" / "de-escalate" without owning network
// interface manipulation.
type Escalator interface {
	Escalate()
	DeEscalate()
}

// NoopEscalator logs escalation requests instead of touching a VIP.
type NoopEscalator struct{ Log *slog.Logger }

func (e NoopEscalator) Escalate() {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("watchdog: escalation requested (no-op escalator)")
}

func (e NoopEscalator) DeEscalate() {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("watchdog: de-escalation requested (no-op escalator)")
}

// TransitionError reports an attempted move the transition table forbids.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("fsm: illegal transition %s -> %s", e.From, e.To)
}

// Machine is the watchdog state machine of §4.H. One Machine runs per
// pgproxy instance's watchdog process.
type Machine struct {
	mu sync.Mutex

	state       State
	history     []State
	priority    int
	startupTime time.Time
	escalated   bool
	quorumLost  bool
	escalator   Escalator
	log         *slog.Logger

	// stateEnteredAt backs Beacon.CurrentStateTime for outbound beacons and
	// the Standby "master silent" timers.
	stateEnteredAt time.Time
	lastCoordBeacon time.Time

	metrics *metrics.Recorder
}

// WithMetrics attaches a Prometheus recorder; nil is valid and leaves the
// machine uninstrumented.
func (m *Machine) WithMetrics(rec *metrics.Recorder) *Machine {
	m.metrics = rec
	return m
}

// New builds a Machine starting in Dead, matching the lifecycle note in §3
// ("WatchdogNode: created at configuration load").
func New(priority int, escalator Escalator, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	if escalator == nil {
		escalator = NoopEscalator{Log: log}
	}
	now := time.Now()
	return &Machine{
		state:          Dead,
		priority:       priority,
		startupTime:    now,
		stateEnteredAt: now,
		escalator:      escalator,
		log:            log,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition validates and applies from→to against the table in state.go,
// recording history — mirroring the teacher's federation state machine's
// Transition(from,to) call, generalized to watchdog states.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := transitions[m.state]
	ok := false
	for _, s := range allowed {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return &TransitionError{From: m.state, To: to}
	}
	m.log.Info("watchdog: state transition", slog.String("from", m.state.String()), slog.String("to", to.String()))
	m.metrics.RecordWatchdogTransition(m.state.String(), to.String())
	m.history = append(m.history, m.state)
	m.state = to
	m.stateEnteredAt = time.Now()
	return nil
}

// History returns the sequence of previously occupied states, for
// diagnostics/tests.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// StateEnteredAt returns when the current state was entered — the basis for
// Beacon.CurrentStateTime when this machine is Coordinator.
func (m *Machine) StateEnteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateEnteredAt
}

// Start moves Dead → Loading, the only edge out of the initial state.
func (m *Machine) Start() error {
	return m.Transition(Loading)
}

// HandleLoadingTimeout implements §4.H's Loading state timer: "On timer →
// Joining."
func (m *Machine) HandleLoadingTimeout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Loading {
		return nil
	}
	return m.transitionLocked(Joining)
}

// HandleStandForCoordinatorFromPeer implements Loading's contention rule:
// when the standing peer's priority is higher than ours we reply REJECT and
// go StandForCoordinator ourselves; otherwise we reply ACCEPT and go
// ParticipateInElection.
func (m *Machine) HandleStandForCoordinatorFromPeer(peerPriority int) (reply string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Loading {
		return "", fmt.Errorf("fsm: HandleStandForCoordinatorFromPeer called outside Loading (state=%s)", m.state)
	}
	if peerPriority > m.priority {
		if err := m.transitionLocked(StandForCoordinator); err != nil {
			return "", err
		}
		return "reject", nil
	}
	if err := m.transitionLocked(ParticipateInElection); err != nil {
		return "", err
	}
	return "accept", nil
}

// HandleJoiningComplete implements Joining's "on completion or timeout →
// Initializing".
func (m *Machine) HandleJoiningComplete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Joining {
		return nil
	}
	return m.transitionLocked(Initializing)
}

// InitializingDecision is the outcome of the 1-second Initializing timer.
type InitializingDecision int

const (
	DecideStandby InitializingDecision = iota
	DecideCoordinator
	DecideParticipateInElection
	DecideStandForCoordinator
)

// HandleInitializingTimeout implements §4.H's Initializing timer: "if a peer
// is already Coordinator → Standby; elif I am the only live node →
// Coordinator; elif some peer is in StandForCoordinator →
// ParticipateInElection; else → StandForCoordinator."
func (m *Machine) HandleInitializingTimeout(peerIsCoordinator, onlyLiveNode, peerIsStandingForCoordinator bool) (InitializingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Initializing {
		return 0, fmt.Errorf("fsm: HandleInitializingTimeout called outside Initializing (state=%s)", m.state)
	}

	switch {
	case peerIsCoordinator:
		return DecideStandby, m.transitionLocked(Standby)
	case onlyLiveNode:
		return DecideCoordinator, m.transitionLocked(Coordinator)
	case peerIsStandingForCoordinator:
		return DecideParticipateInElection, m.transitionLocked(ParticipateInElection)
	default:
		return DecideStandForCoordinator, m.transitionLocked(StandForCoordinator)
	}
}

// StandForCoordinatorOutcome is the result of the 4-second election command.
type StandForCoordinatorOutcome int

const (
	OutcomeAllAccepted StandForCoordinatorOutcome = iota
	OutcomeRejected
	OutcomeError
)

// HandleStandForCoordinatorOutcome implements §4.H: "If all replied ACCEPT
// or timed out → Coordinator. On REJECT → ParticipateInElection. On ERROR →
// Joining."
func (m *Machine) HandleStandForCoordinatorOutcome(outcome StandForCoordinatorOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StandForCoordinator {
		return nil
	}
	switch outcome {
	case OutcomeAllAccepted:
		return m.transitionLocked(Coordinator)
	case OutcomeRejected:
		return m.transitionLocked(ParticipateInElection)
	default:
		return m.transitionLocked(Joining)
	}
}

// ContendStandForCoordinator implements the priority-then-startup-time
// tie-break when two peers simultaneously stand for coordinator: returns
// true if the local peer should continue standing.
func (m *Machine) ContendStandForCoordinator(peerPriority int, peerStartupTime time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priority != peerPriority {
		return m.priority > peerPriority
	}
	return m.startupTime.Before(peerStartupTime)
}

// ParticipateOutcome is what ended a ParticipateInElection wait.
type ParticipateOutcome int

const (
	OutcomeDeclareCoordinatorAccepted ParticipateOutcome = iota
	OutcomeIAmCoordinatorSeen
	OutcomeTimeout
)

// HandleParticipateInElection implements §4.H: on DECLARE_COORDINATOR from
// an equal-or-higher priority peer, accept and go Initializing; on
// IAM_COORDINATOR, go Joining; on timeout, go Joining.
func (m *Machine) HandleParticipateInElection(outcome ParticipateOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ParticipateInElection {
		return nil
	}
	switch outcome {
	case OutcomeDeclareCoordinatorAccepted:
		return m.transitionLocked(Initializing)
	default:
		return m.transitionLocked(Joining)
	}
}

// CoordinatorElected marks the 4-second DECLARE_COORDINATOR command as
// having all-ACCEPTed or timed out: updates quorum and, iff quorum holds,
// starts escalation — §4.H's Coordinator entry rule.
func (m *Machine) CoordinatorElected(quorumHolds bool, standbyCount int) {
	m.mu.Lock()
	m.quorumLost = !quorumHolds
	m.lastCoordBeacon = time.Now()
	m.mu.Unlock()
	if quorumHolds {
		m.escalator.Escalate()
	} else {
		m.log.Warn("watchdog: elected coordinator without quorum, remaining passive")
	}
}

// ClusterQuorumChanged implements §4.H's Coordinator handler for
// ClusterQuorumChanged: de-escalate on loss, re-escalate on regain, staying
// Coordinator either way.
func (m *Machine) ClusterQuorumChanged(quorumHeld bool) {
	m.mu.Lock()
	wasLost := m.quorumLost
	m.quorumLost = !quorumHeld
	m.mu.Unlock()

	if quorumHeld && wasLost {
		m.escalator.Escalate()
	} else if !quorumHeld && !wasLost {
		m.escalator.DeEscalate()
	}
}

// Beacon builds the outbound IAM_COORDINATOR beacon for the current
// Coordinator state.
func (m *Machine) Beacon(standbyCount int) Beacon {
	m.mu.Lock()
	defer m.mu.Unlock()
	quorum := 1
	if m.quorumLost {
		quorum = 0
	}
	return Beacon{
		Escalated:        !m.quorumLost,
		QuorumStatus:     quorum,
		StandbyNodeCount: standbyCount,
		CurrentStateTime: m.stateEnteredAt,
	}
}

// HandleArbitration applies the outcome of Arbitrate when this Machine is
// Coordinator and a competing IAM_COORDINATOR was observed.
func (m *Machine) HandleArbitration(result ArbitrationResult) error {
	switch result {
	case StayCoordinator:
		return nil
	case YieldToRemote, NeedsElection:
		m.escalator.DeEscalate()
		return m.Transition(Joining)
	default:
		return nil
	}
}

// StandbyMasterSilentFor reports which of the two Standby silence
// thresholds (1x or 2x beacon interval) has been crossed since lastRcv.
func StandbyMasterSilentFor(lastRcv time.Time, beaconInterval time.Duration, now time.Time) (oneX, twoX bool) {
	since := now.Sub(lastRcv)
	return since >= beaconInterval, since >= 2*beaconInterval
}

// HandleStandbyMasterSilence implements §4.H's Standby rule: silent for 2x
// beacon → Joining; silent for 1x → caller should actively request info
// (handled by the cmdbus layer, signaled here only by the bool return).
func (m *Machine) HandleStandbyMasterSilence(oneX, twoX bool) (shouldRequestInfo bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Standby {
		return false, nil
	}
	if twoX {
		return false, m.transitionLocked(Joining)
	}
	return oneX, nil
}

// NetworkTroubleIsFatal implements the Open Questions note verbatim: on
// InNetworkTrouble or Lost, the watchdog terminates via a fatal exit; the
// spec explicitly calls out that a subsequently-scheduled timer branch in
// the original source is unreachable dead code, and instructs us to
// preserve the fatal exit and discard that dead code rather than resurrect
// a timer path that never actually fires.
func (m *Machine) NetworkTroubleIsFatal() bool { return true }

// HandleRemoteNodeLost implements the global rule fired before any
// per-state handler: peer state goes Lost (tracked by the transport Node,
// not this Machine), and any in-flight command requiring that peer must be
// cancelled by the cmdbus. The Machine records nothing and changes no state
// here: it returns nil in every state, including a Coordinator left with
// zero live peers.
func (m *Machine) HandleRemoteNodeLost(remainingLivePeers int) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state == Coordinator && remainingLivePeers == 0 {
		// Still coordinator — §4.H gives no rule forcing a step-down purely
		// on peer loss; quorum bookkeeping (ClusterQuorumChanged) is the
		// actual trigger for de-escalation.
		return nil
	}
	return nil
}
