package consensus

import (
	"math"

	"reputation_consensus/pkg/data"
)

// Tolerances are the per-component comparison bands used to derive a vote.
type Tolerances struct {
	Component  float64 // behavior, economic, temporal
	WebOfTrust float64
	Final      float64
}

// DeriveDecision compares a claimed score against the validator's own
// computation and yields the vote decision.
//
// A validator with a web-of-trust edge verifies all four components plus
// the final score. One without an edge ignores the web-of-trust component
// entirely and compares the remaining three, with the claimed final
// renormalized over the non-WoT weights. A nil computed score means the
// validator lacked the data to verify anything: ABSTAIN.
func DeriveDecision(claimed, computed *data.TrustScore, tol Tolerances) data.VoteDecision {
	if computed == nil {
		return data.VoteAbstain
	}

	if math.Abs(claimed.Behavior-computed.Behavior) > tol.Component ||
		math.Abs(claimed.Economic-computed.Economic) > tol.Component ||
		math.Abs(claimed.Temporal-computed.Temporal) > tol.Component {
		return data.VoteReject
	}

	if computed.HasWoTEdge {
		if math.Abs(claimed.WebOfTrust-computed.WebOfTrust) > tol.WebOfTrust {
			return data.VoteReject
		}
		if math.Abs(claimed.Final-computed.Final) > tol.Final {
			return data.VoteReject
		}
		return data.VoteAccept
	}

	if math.Abs(claimed.RenormalizedFinal()-computed.Final) > tol.Final {
		return data.VoteReject
	}
	return data.VoteAccept
}
