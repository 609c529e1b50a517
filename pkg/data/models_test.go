package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrustScore(t *testing.T) {
	ts, err := NewTrustScore("addr1", 80, 60, 40, 20)
	require.NoError(t, err)

	// 80*0.4 + 60*0.3 + 40*0.2 + 20*0.1 = 32 + 18 + 8 + 2
	assert.InDelta(t, 60.0, ts.Final, 1e-9)
	assert.True(t, ts.HasWoTEdge)

	_, err = NewTrustScore("addr1", 101, 60, 40, 20)
	require.Error(t, err)
}

func TestNewTrustScoreWithoutWoT(t *testing.T) {
	ts, err := NewTrustScoreWithoutWoT("addr1", 70, 70, 70)
	require.NoError(t, err)

	// All components equal: renormalized weights sum to 1.
	assert.InDelta(t, 70.0, ts.Final, 1e-9)
	assert.False(t, ts.HasWoTEdge)
}

func TestTrustScoreRenormalizedFinal(t *testing.T) {
	ts, err := NewTrustScore("addr1", 70, 0, 70, 70)
	require.NoError(t, err)

	// Dropping the zero WoT component must lift the renormalized final
	// back to the common component value.
	assert.InDelta(t, 70.0, ts.RenormalizedFinal(), 1e-9)
}

func TestChallengeNonceDeterministic(t *testing.T) {
	n1 := ChallengeNonce("tx1", 100)
	n2 := ChallengeNonce("tx1", 100)
	n3 := ChallengeNonce("tx1", 101)

	assert.Equal(t, n1, n2)
	assert.NotEqual(t, n1, n3)
}

func TestVoteWeight(t *testing.T) {
	score, err := NewTrustScore("subject", 50, 50, 50, 50)
	require.NoError(t, err)

	wot, err := NewVote("tx1", "v1", VoteAccept, score, true, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, wot.Weight(), 1e-9)

	nonWot, err := NewVote("tx1", "v2", VoteAccept, score, false, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, nonWot.Weight(), 1e-9)

	scaled, err := NewVote("tx1", "v3", VoteAccept, score, true, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, scaled.Weight(), 1e-9)
}

func TestVoteSigningPayloadBindsNonce(t *testing.T) {
	score, err := NewTrustScore("subject", 50, 50, 50, 50)
	require.NoError(t, err)

	vote, err := NewVote("tx1", "v1", VoteAccept, score, true, 1.0)
	require.NoError(t, err)

	vote.Nonce = "nonce-a"
	payloadA := vote.SigningPayload()
	vote.Nonce = "nonce-b"
	payloadB := vote.SigningPayload()

	assert.NotEqual(t, payloadA, payloadB)
}

func TestSessionParticipantsExcludeAbstain(t *testing.T) {
	claimed, err := NewTrustScore("subject", 50, 50, 50, 50)
	require.NoError(t, err)

	session, err := NewValidationSession("tx1", 10, claimed, []string{"v1", "v2", "v3"}, false, 30*time.Second)
	require.NoError(t, err)

	accept, _ := NewVote("tx1", "v1", VoteAccept, claimed, true, 1.0)
	abstain, _ := NewVote("tx1", "v2", VoteAbstain, nil, false, 1.0)
	reject, _ := NewVote("tx1", "v3", VoteReject, claimed, true, 1.0)
	session.Votes["v1"] = accept
	session.Votes["v2"] = abstain
	session.Votes["v3"] = reject

	assert.Equal(t, []string{"v1", "v3"}, session.Participants())
	assert.Len(t, session.CommitteeScores(), 2)
}

func TestValidatorReputationAndSlash(t *testing.T) {
	v, err := NewValidator("v1", []byte("pk"), 100, 5)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, v.Reputation, 1e-9)

	v.ApplyReputationDelta(-60)
	assert.InDelta(t, 0.0, v.Reputation, 1e-9)

	v.ApplyReputationDelta(120)
	assert.InDelta(t, 100.0, v.Reputation, 1e-9)

	slashed := v.SlashStake(0.10)
	assert.InDelta(t, 10.0, slashed, 1e-9)
	assert.InDelta(t, 90.0, v.Stake, 1e-9)
}

func TestAccountabilityAccuracy(t *testing.T) {
	acc := &ValidatorAccountability{ValidatorAddress: "v1"}

	acc.Record(NewAccountabilityEvent("v1", "tx1", VoteAccept, true))
	acc.Record(NewAccountabilityEvent("v1", "tx2", VoteReject, false))
	acc.Record(NewAccountabilityEvent("v1", "tx3", VoteAbstain, false))

	assert.Equal(t, uint64(3), acc.VotesCast)
	assert.Equal(t, uint64(1), acc.Abstentions)
	assert.InDelta(t, 0.5, acc.AccuracyRate, 1e-9)
}
