package fsm

// ArbitrationResult is the outcome of comparing two simultaneous Coordinator
// claims, §4.H "Split-brain arbitration".
type ArbitrationResult int

const (
	// StayCoordinator: the local peer keeps the role; the remote must resign.
	StayCoordinator ArbitrationResult = iota
	// YieldToRemote: the local peer resigns and goes to Joining.
	YieldToRemote
	// NeedsElection: data was insufficient on at least one side; both resign.
	NeedsElection
)

// Arbitrate implements the ordered tie-break rule of §4.H:
//
//  1. If remote.Escalated && !local.Escalated → remote wins (holds the VIP).
//  2. Else if QuorumStatus differ → higher quorum wins.
//  3. Else if StandbyNodeCount differ → higher count wins.
//  4. Else older CurrentStateTime wins.
//
// If either beacon lacks sufficient data (per spec.md §9's Open Questions
// note, a beacon with a zero CurrentStateTime is "not enough data"),
// NeedsElection is returned without inspecting the remaining fields — this
// preserves the documented possibly-buggy behavior verbatim rather than
// silently fixing the double-zero oscillation case.
func Arbitrate(local, remote Beacon) ArbitrationResult {
	if !local.HasSufficientData() || !remote.HasSufficientData() {
		return NeedsElection
	}

	if remote.Escalated && !local.Escalated {
		return YieldToRemote
	}
	if local.Escalated && !remote.Escalated {
		return StayCoordinator
	}

	if local.QuorumStatus != remote.QuorumStatus {
		if remote.QuorumStatus > local.QuorumStatus {
			return YieldToRemote
		}
		return StayCoordinator
	}

	if local.StandbyNodeCount != remote.StandbyNodeCount {
		if remote.StandbyNodeCount > local.StandbyNodeCount {
			return YieldToRemote
		}
		return StayCoordinator
	}

	if remote.CurrentStateTime.Before(local.CurrentStateTime) {
		return YieldToRemote
	}
	return StayCoordinator
}
