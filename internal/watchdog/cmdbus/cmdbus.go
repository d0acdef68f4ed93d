// Package cmdbus implements the Watchdog Command Bus of spec.md §4.I:
// fresh monotonic command ids, per-peer NodeResult tracking, and completion
// detection that fires CommandFinished back to the state machine.
//
// Grounded on the teacher's internal/federation handshake completion
// tracking and the circuitbreaker's explicit state+timeout bookkeeping.
package cmdbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeResult is one recipient's progress on a cluster command (§3/§4.I).
type NodeResult int

const (
	ResultInit NodeResult = iota
	ResultSent
	ResultReplied
	ResultSendError
	ResultDoNotSend
)

// CommandKind enumerates the IPC-originated commands that are funneled
// through the cluster command bus when they require peer involvement
// (§4.I).
type CommandKind int

const (
	CmdFailoverCommand CommandKind = iota
	CmdOnlineRecovery
	CmdGetMasterData
	CmdFailoverIndication
	CmdNodeStatusChange
	CmdGetNodesList
	CmdGetRuntimeVariableValue
	CmdRegisterForNotification
)

// FinishReason explains why a ClusterCommand completed.
type FinishReason int

const (
	FinishedAllReplied FinishReason = iota
	FinishedTimeout
	FinishedRejectedOrError
)

// ClusterCommand is one outbound command with a fresh, monotonic commandID,
// tracked per-recipient until every non-DoNotSend peer has replied, the
// deadline passes, or a peer rejects/errors (§4.I, §5 cancellation rules).
type ClusterCommand struct {
	ID        uint32
	Kind      CommandKind
	TraceID   string // google/uuid correlation id, logged alongside the numeric ID
	Deadline  time.Time
	results   map[string]NodeResult // keyed by peer identity
	onFinish  func(FinishReason)
	finished  bool
}

// Bus issues fresh command ids and tracks in-flight ClusterCommands.
type Bus struct {
	mu       sync.Mutex
	nextID   uint32
	inFlight map[uint32]*ClusterCommand
}

// New builds an empty command bus.
func New() *Bus {
	return &Bus{inFlight: make(map[uint32]*ClusterCommand)}
}

// Issue allocates a new ClusterCommand with a fresh monotonic id and a UUID
// trace id, registers the given recipients at ResultInit, and arms its
// deadline.
func (b *Bus) Issue(kind CommandKind, recipients []string, timeout time.Duration, onFinish func(FinishReason)) *ClusterCommand {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	cmd := &ClusterCommand{
		ID:       b.nextID,
		Kind:     kind,
		TraceID:  uuid.NewString(),
		Deadline: time.Now().Add(timeout),
		results:  make(map[string]NodeResult, len(recipients)),
		onFinish: onFinish,
	}
	for _, peer := range recipients {
		cmd.results[peer] = ResultInit
	}
	b.inFlight[cmd.ID] = cmd
	return cmd
}

// MarkSent records that the frame for commandID was written to peer.
func (b *Bus) MarkSent(commandID uint32, peer string) {
	b.update(commandID, peer, ResultSent)
}

// MarkDoNotSend excludes a peer from completion accounting (e.g. a peer
// already known Lost when the command was issued).
func (b *Bus) MarkDoNotSend(commandID uint32, peer string) {
	b.update(commandID, peer, ResultDoNotSend)
}

// MarkReplied records a peer's reply and checks for completion.
func (b *Bus) MarkReplied(commandID uint32, peer string) {
	b.updateAndCheck(commandID, peer, ResultReplied)
}

// MarkError records a send error or an explicit REJECT/ERROR reply from a
// peer — either ends the command immediately per §4.I ("a peer returned
// REJECT/ERROR").
func (b *Bus) MarkError(commandID uint32, peer string) {
	b.mu.Lock()
	cmd, ok := b.inFlight[commandID]
	if !ok || cmd.finished {
		b.mu.Unlock()
		return
	}
	cmd.results[peer] = ResultSendError
	cmd.finished = true
	delete(b.inFlight, commandID)
	onFinish := cmd.onFinish
	b.mu.Unlock()
	if onFinish != nil {
		onFinish(FinishedRejectedOrError)
	}
}

func (b *Bus) update(commandID uint32, peer string, result NodeResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cmd, ok := b.inFlight[commandID]; ok {
		cmd.results[peer] = result
	}
}

func (b *Bus) updateAndCheck(commandID uint32, peer string, result NodeResult) {
	b.mu.Lock()
	cmd, ok := b.inFlight[commandID]
	if !ok || cmd.finished {
		b.mu.Unlock()
		return
	}
	cmd.results[peer] = result

	done := true
	for _, r := range cmd.results {
		if r != ResultReplied && r != ResultDoNotSend {
			done = false
			break
		}
	}
	if !done {
		b.mu.Unlock()
		return
	}
	cmd.finished = true
	delete(b.inFlight, commandID)
	onFinish := cmd.onFinish
	b.mu.Unlock()
	if onFinish != nil {
		onFinish(FinishedAllReplied)
	}
}

// SweepTimeouts retires commands past their deadline, firing
// CommandFinished(FinishedTimeout) for each — the cluster-command analogue
// of the failover object timeout sweep.
func (b *Bus) SweepTimeouts(now time.Time) {
	b.mu.Lock()
	var expired []*ClusterCommand
	for id, cmd := range b.inFlight {
		if cmd.finished {
			continue
		}
		if now.After(cmd.Deadline) {
			cmd.finished = true
			expired = append(expired, cmd)
			delete(b.inFlight, id)
		}
	}
	b.mu.Unlock()

	for _, cmd := range expired {
		if cmd.onFinish != nil {
			cmd.onFinish(FinishedTimeout)
		}
	}
}

// Cancel forcibly completes a command early — used when a RemoteNodeLost
// event (§4.H's global rule) invalidates an in-flight command that required
// the lost peer.
func (b *Bus) Cancel(commandID uint32, reason FinishReason) {
	b.mu.Lock()
	cmd, ok := b.inFlight[commandID]
	if !ok || cmd.finished {
		b.mu.Unlock()
		return
	}
	cmd.finished = true
	delete(b.inFlight, commandID)
	onFinish := cmd.onFinish
	b.mu.Unlock()
	if onFinish != nil {
		onFinish(reason)
	}
}

// InFlightCount reports the number of commands still awaiting completion,
// for metrics/admin.
func (b *Bus) InFlightCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}
