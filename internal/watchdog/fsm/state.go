// Package fsm implements the Watchdog State Machine of spec.md §4.H: the
// twelve-state table-driven machine that elects a coordinator among peer
// pgproxy instances and arbitrates split-brain.
//
// Grounded on the teacher's internal/federation/state_machine.go: an
// explicit enum, a validated Transition(from,to) call, and a mutex-guarded
// history trail — the same shape, rewritten for watchdog semantics instead
// of peer-handshake semantics.
package fsm

import "time"

// State is one of the twelve watchdog states named in §4.H.
type State int

const (
	Dead State = iota
	Loading
	Joining
	Initializing
	Coordinator
	ParticipateInElection
	StandForCoordinator
	Standby
	Lost
	InNetworkTrouble
	Shutdown
	AddMessageSent
)

var stateNames = [...]string{
	"dead", "loading", "joining", "initializing", "coordinator",
	"participate_in_election", "stand_for_coordinator", "standby", "lost",
	"in_network_trouble", "shutdown", "add_message_sent",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Event is one of the asynchronous triggers named in §4.H.
type Event int

const (
	EvStateChanged Event = iota
	EvTimeout
	EvPacketReceived
	EvCommandFinished
	EvNewOutboundConnection
	EvNwIPRemoved
	EvNwIPAssigned
	EvNwLinkInactive
	EvNwLinkActive
	EvLocalNodeLost
	EvRemoteNodeLost
	EvRemoteNodeFound
	EvLocalNodeFound
	EvNodeConnectionLost
	EvNodeConnectionFound
	EvClusterQuorumChanged
)

// transitions is the table of states every state is allowed to move to,
// validated by Transition — mirroring the teacher's federation state
// machine's explicit table rather than an open "set State = x" call.
var transitions = map[State][]State{
	Dead:                   {Loading},
	Loading:                {Joining, StandForCoordinator, ParticipateInElection, Initializing},
	Joining:                {Initializing},
	Initializing:           {Standby, Coordinator, ParticipateInElection, StandForCoordinator},
	StandForCoordinator:    {Coordinator, ParticipateInElection, Joining},
	ParticipateInElection:  {Initializing, Joining},
	Coordinator:            {Joining, InNetworkTrouble, Lost},
	Standby:                {Joining, InNetworkTrouble, Lost},
	Lost:                   {Shutdown},
	InNetworkTrouble:       {Shutdown},
	Shutdown:               {},
	AddMessageSent:         {Initializing},
}

// Beacon is the set of fields a Coordinator advertises in its IAM_COORDINATOR
// broadcast and that peers compare during split-brain arbitration (§4.H).
type Beacon struct {
	Escalated        bool
	QuorumStatus     int
	StandbyNodeCount int
	CurrentStateTime time.Time
}

// HasSufficientData reports whether a beacon carries enough information for
// arbitration, per the Open Questions note: a beacon with a zero
// CurrentStateTime is "not enough data".
func (b Beacon) HasSufficientData() bool {
	return !b.CurrentStateTime.IsZero()
}
