package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/registry"
)

func testTiers() []config.PenaltyTier {
	return []config.PenaltyTier{
		{MinDeviation: 10, ReputationPenalty: 5, StakeSlashFraction: 0},
		{MinDeviation: 30, ReputationPenalty: 15, StakeSlashFraction: 0.05},
		{MinDeviation: 50, ReputationPenalty: 30, StakeSlashFraction: 0.10},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		deviation float64
		tier      data.FraudTier
		slash     float64
	}{
		{0, data.FraudTierNone, 0},
		{9.9, data.FraudTierNone, 0},
		{10, data.FraudTierMinor, 0},
		{29.9, data.FraudTierMinor, 0},
		{30, data.FraudTierModerate, 0.05},
		{49.9, data.FraudTierModerate, 0.05},
		{50, data.FraudTierSevere, 0.10},
		{95, data.FraudTierSevere, 0.10},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("deviation_%.1f", tt.deviation), func(t *testing.T) {
			tier, penalty := Classify(tt.deviation, testTiers())
			assert.Equal(t, tt.tier, tier)
			assert.Equal(t, tt.slash, penalty.StakeSlashFraction)
		})
	}
}

type ledgerFixture struct {
	ledger *Ledger
	repo   *data.MemoryRepository
	reg    *registry.Registry
}

func newLedgerFixture(t *testing.T, addresses ...string) *ledgerFixture {
	t.Helper()
	ctx := context.Background()
	repo := data.NewMemoryRepository()

	for _, address := range addresses {
		v, err := data.NewValidator(address, []byte("pk:"+address), 100, 100)
		require.NoError(t, err)
		v.Reputation = 80
		require.NoError(t, repo.SaveValidator(ctx, v))
	}

	logger := zap.NewNop()
	reg, err := registry.NewRegistry(ctx, repo, registry.EligibilityRules{
		MinReputation: 70, MinStake: 1, MaxInactiveBlocks: 1000,
	}, logger)
	require.NoError(t, err)

	ledger := NewLedger(config.FraudConfig{Tiers: testTiers()}, reg, repo, logger)
	return &ledgerFixture{ledger: ledger, repo: repo, reg: reg}
}

// rejectedSession builds a session the committee rejected: the subject
// claimed 85 while every voter recomputed scores around 45.
func rejectedSession(t *testing.T, committee []string) *data.ValidationSession {
	t.Helper()
	claimed, err := data.NewTrustScore("subject", 85, 85, 85, 85)
	require.NoError(t, err)

	session, err := data.NewValidationSession("tx-1", 200, claimed, committee, false, time.Minute)
	require.NoError(t, err)

	for i, member := range committee {
		computed, err := data.NewTrustScore("subject", 45, 45, 45, 45)
		require.NoError(t, err)
		decision := data.VoteReject
		if i == len(committee)-1 {
			decision = data.VoteAccept
		}
		vote, err := data.NewVote("tx-1", member, decision, computed, true, 1.0)
		require.NoError(t, err)
		session.Votes[member] = vote
	}

	now := time.Now().UTC()
	session.State = data.SessionRejected
	session.ResolvedAt = &now
	return session
}

func TestSessionResolvedRecordsFraud(t *testing.T) {
	committee := []string{"val-a", "val-b", "val-c", "val-d"}
	f := newLedgerFixture(t, append([]string{"subject"}, committee...)...)
	ctx := context.Background()

	session := rejectedSession(t, committee)
	require.NoError(t, f.ledger.SessionResolved(ctx, session))

	// Claimed 85 against a committee median of 45: deviation 40 lands in
	// the moderate tier.
	record, err := f.ledger.Record(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "subject", record.FraudsterAddress)
	assert.Equal(t, data.FraudTierModerate, record.Tier)
	assert.InDelta(t, 40, record.Deviation, 1e-9)

	subject, err := f.reg.Get("subject")
	require.NoError(t, err)
	assert.InDelta(t, 65, subject.Reputation, 1e-9)
	assert.InDelta(t, 95, subject.Stake, 1e-9)

	// Voters who agreed with the outcome gain a point, the dissenter
	// loses two.
	agreed, err := f.reg.Get("val-a")
	require.NoError(t, err)
	assert.InDelta(t, 81, agreed.Reputation, 1e-9)

	dissenter, err := f.reg.Get("val-d")
	require.NoError(t, err)
	assert.InDelta(t, 78, dissenter.Reputation, 1e-9)

	acct, err := f.ledger.Accountability(ctx, "val-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.VotesCast)
	assert.Equal(t, uint64(1), acct.VotesAgreed)
}

// A session that arbitration settled still feeds voter accountability, but
// writes no fraud record: the committee never produced a usable actual.
func TestSessionArbitratedRecordsAccountability(t *testing.T) {
	committee := []string{"val-a", "val-b", "val-c", "val-d"}
	f := newLedgerFixture(t, append([]string{"subject"}, committee...)...)
	ctx := context.Background()

	session := rejectedSession(t, committee)
	require.NoError(t, f.ledger.SessionArbitrated(ctx, session))

	// No penalty touched the subject even though the claim was rejected.
	_, err := f.ledger.Record(ctx, "tx-1")
	assert.Error(t, err)
	subject, err := f.reg.Get("subject")
	require.NoError(t, err)
	assert.InDelta(t, 80, subject.Reputation, 1e-9)
	assert.InDelta(t, 100, subject.Stake, 1e-9)

	// Voters earned their accuracy feedback against the arbitrated outcome.
	agreed, err := f.reg.Get("val-a")
	require.NoError(t, err)
	assert.InDelta(t, 81, agreed.Reputation, 1e-9)

	dissenter, err := f.reg.Get("val-d")
	require.NoError(t, err)
	assert.InDelta(t, 78, dissenter.Reputation, 1e-9)

	acct, err := f.ledger.Accountability(ctx, "val-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.VotesCast)
	assert.Equal(t, uint64(1), acct.VotesAgreed)
}

func TestSessionArbitratedRejectsDisputed(t *testing.T) {
	f := newLedgerFixture(t, "subject")
	session := rejectedSession(t, []string{"a"})
	session.State = data.SessionDisputed

	assert.Error(t, f.ledger.SessionArbitrated(context.Background(), session))
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newLedgerFixture(t, "subject")
	ctx := context.Background()

	require.NoError(t, f.ledger.Evaluate(ctx, "tx-1", "subject", 200, 90, 30))
	require.NoError(t, f.ledger.Evaluate(ctx, "tx-1", "subject", 200, 90, 30))

	// Severe tier applied exactly once: 80-30 reputation, 10% slash.
	subject, err := f.reg.Get("subject")
	require.NoError(t, err)
	assert.InDelta(t, 50, subject.Reputation, 1e-9)
	assert.InDelta(t, 90, subject.Stake, 1e-9)

	stats := f.ledger.Stats()
	assert.Equal(t, int64(1), stats.FraudsRecorded)
}

func TestEvaluateBelowTierIsNoOp(t *testing.T) {
	f := newLedgerFixture(t, "subject")
	ctx := context.Background()

	require.NoError(t, f.ledger.Evaluate(ctx, "tx-1", "subject", 200, 52, 45))

	_, err := f.ledger.Record(ctx, "tx-1")
	assert.Error(t, err)

	subject, err := f.reg.Get("subject")
	require.NoError(t, err)
	assert.InDelta(t, 80, subject.Reputation, 1e-9)
	assert.InDelta(t, 100, subject.Stake, 1e-9)
}

func TestCommitteeActualMedian(t *testing.T) {
	claimed, err := data.NewTrustScore("subject", 50, 50, 50, 50)
	require.NoError(t, err)

	session, err := data.NewValidationSession("tx-m", 200, claimed,
		[]string{"a", "b", "c"}, false, time.Minute)
	require.NoError(t, err)

	for i, member := range []string{"a", "b", "c"} {
		computed, err := data.NewTrustScore("subject", float64(40+10*i), 50, 50, 50)
		require.NoError(t, err)
		vote, err := data.NewVote("tx-m", member, data.VoteAccept, computed, true, 1.0)
		require.NoError(t, err)
		session.Votes[member] = vote
	}

	actual, err := committeeActual(session)
	require.NoError(t, err)
	// Middle vote has behavior 50: final 50*0.4 + 50*0.3 + 50*0.2 + 50*0.1.
	assert.InDelta(t, 50, actual, 1e-9)
}

func TestSessionResolvedRejectsDisputed(t *testing.T) {
	f := newLedgerFixture(t, "subject")
	session := rejectedSession(t, []string{"a"})
	session.State = data.SessionDisputed

	assert.Error(t, f.ledger.SessionResolved(context.Background(), session))
}
