package consensus

import (
	"reputation_consensus/pkg/data"
)

// Tally is the weighted vote breakdown for a session.
type Tally struct {
	WeightedAccept  float64
	WeightedReject  float64
	WeightedAbstain float64
	AcceptVotes     int
	RejectVotes     int
	AbstainVotes    int
	WoTVoters       int
}

// WeightedTotal is the decisive weight: abstentions count toward neither
// side but are retained as evidence.
func (t Tally) WeightedTotal() float64 {
	return t.WeightedAccept + t.WeightedReject
}

// WoTCoverage is the fraction of responding voters holding a web-of-trust
// edge to the subject.
func (t Tally) WoTCoverage() float64 {
	responses := t.AcceptVotes + t.RejectVotes + t.AbstainVotes
	if responses == 0 {
		return 0
	}
	return float64(t.WoTVoters) / float64(responses)
}

// AgreementFraction is the majority side's share of the decisive weight.
func (t Tally) AgreementFraction() float64 {
	total := t.WeightedTotal()
	if total == 0 {
		return 0
	}
	side := t.WeightedAccept
	if t.WeightedReject > side {
		side = t.WeightedReject
	}
	return side / total
}

// TallyVotes folds a vote set into a Tally. The result is independent of
// iteration order: addition over the same vote set commutes.
func TallyVotes(votes map[string]*data.Vote) Tally {
	var tally Tally
	for _, vote := range votes {
		if vote.HasWoTEdge {
			tally.WoTVoters++
		}
		switch vote.Decision {
		case data.VoteAccept:
			tally.AcceptVotes++
			tally.WeightedAccept += vote.Weight()
		case data.VoteReject:
			tally.RejectVotes++
			tally.WeightedReject += vote.Weight()
		case data.VoteAbstain:
			tally.AbstainVotes++
			tally.WeightedAbstain += vote.Weight()
		}
	}
	return tally
}

// Decider applies the weighted-agreement rule to a tally.
type Decider struct {
	AgreementThreshold   float64
	WoTCoverageThreshold float64
}

// Decide yields the session outcome for a vote set: VALIDATED or REJECTED
// when one side holds the threshold share of decisive weight and enough
// web-of-trust voters responded, DISPUTED otherwise.
func (d Decider) Decide(votes map[string]*data.Vote) (data.SessionState, Tally) {
	tally := TallyVotes(votes)

	if tally.WeightedTotal() == 0 {
		return data.SessionDisputed, tally
	}
	if tally.WoTCoverage() < d.WoTCoverageThreshold {
		return data.SessionDisputed, tally
	}

	total := tally.WeightedTotal()
	if tally.WeightedAccept/total >= d.AgreementThreshold {
		return data.SessionValidated, tally
	}
	if tally.WeightedReject/total >= d.AgreementThreshold {
		return data.SessionRejected, tally
	}
	return data.SessionDisputed, tally
}
