package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/registry"
)

type fakeOracle struct {
	scores map[string]*data.TrustScore
	err    error
}

func (f *fakeOracle) ComputeScore(_ context.Context, address string) (*data.TrustScore, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[address], nil
}

func (f *fakeOracle) ComputeScoreWithBreakdown(_ context.Context, address, _ string) (*data.TrustScore, error) {
	if f.err != nil {
		return nil, f.err
	}
	score, ok := f.scores[address]
	if !ok {
		return nil, fmt.Errorf("no data for %s", address)
	}
	return score, nil
}

type fakeGraph struct{ strength float64 }

func (f *fakeGraph) HasEdge(_, _ string) bool { return true }

func (f *fakeGraph) PathExcerpt(viewer, subject string) data.TrustPathExcerpt {
	return data.TrustPathExcerpt{
		ValidatorAddress: viewer,
		SubjectAddress:   subject,
		PathStrength:     f.strength,
	}
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	challenges []*Challenge
	votes      []*data.Vote
}

func (f *fakeBroadcaster) BroadcastChallenge(_ context.Context, c *Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges = append(f.challenges, c)
	return nil
}

func (f *fakeBroadcaster) BroadcastVote(_ context.Context, v *data.Vote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, v)
	return nil
}

func (f *fakeBroadcaster) lastVote() *data.Vote {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.votes) == 0 {
		return nil
	}
	return f.votes[len(f.votes)-1]
}

type fakeSigner struct{ address string }

func (f *fakeSigner) Address() string   { return f.address }
func (f *fakeSigner) PublicKey() []byte { return []byte("pk:" + f.address) }

func (f *fakeSigner) Sign(payload []byte) ([]byte, error) {
	return append([]byte("sig:"), payload...), nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(payload, signature, _ []byte) bool {
	return bytes.Equal(signature, append([]byte("sig:"), payload...))
}

func (fakeVerifier) AddressMatchesKey(address string, publicKey []byte) bool {
	return string(publicKey) == "pk:"+address
}

type fakeFraudSink struct {
	mu         sync.Mutex
	resolved   []*data.ValidationSession
	arbitrated []*data.ValidationSession
}

func (f *fakeFraudSink) SessionResolved(_ context.Context, s *data.ValidationSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, s)
	return nil
}

func (f *fakeFraudSink) SessionArbitrated(_ context.Context, s *data.ValidationSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arbitrated = append(f.arbitrated, s)
	return nil
}

func (f *fakeFraudSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolved)
}

func (f *fakeFraudSink) arbitratedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.arbitrated)
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeEscalator) Escalate(_ context.Context, _ *data.ValidationSession, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

type engineFixture struct {
	engine      *Engine
	repo        *data.MemoryRepository
	broadcaster *fakeBroadcaster
	fraud       *fakeFraudSink
	escalator   *fakeEscalator
	committee   []string
	self        string
	claimed     *data.TrustScore
}

func testConsensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		CommitteeSize:        10,
		SessionTimeout:       2 * time.Second,
		AgreementThreshold:   0.70,
		WoTCoverageThreshold: 0.30,
		ComponentTolerance:   3,
		WoTTolerance:         5,
		FinalTolerance:       8,
		MinReputation:        70,
		MinStake:             1,
		MaxInactiveBlocks:    1000,
		ChallengesPerMinute:  6000,
		ChallengeBurst:       100,
	}
}

func newEngineFixture(t *testing.T, cfg config.ConsensusConfig) *engineFixture {
	t.Helper()
	ctx := context.Background()
	repo := data.NewMemoryRepository()

	for i := 0; i < cfg.CommitteeSize; i++ {
		address := fmt.Sprintf("validator-%02d", i)
		v, err := data.NewValidator(address, []byte("pk:"+address), 100, 100)
		require.NoError(t, err)
		v.Reputation = 85
		require.NoError(t, repo.SaveValidator(ctx, v))
	}

	logger := zap.NewNop()
	reg, err := registry.NewRegistry(ctx, repo, registry.EligibilityRules{
		MinReputation:     cfg.MinReputation,
		MinStake:          cfg.MinStake,
		MaxInactiveBlocks: cfg.MaxInactiveBlocks,
	}, logger)
	require.NoError(t, err)

	selector := registry.NewCommitteeSelector(reg, cfg.CommitteeSize)
	committee, degraded := selector.SelectCommittee("tx-1", 200)
	require.False(t, degraded)
	require.Len(t, committee, cfg.CommitteeSize)
	self := committee[0]

	claimed, err := data.NewTrustScore("subject-1", 80, 60, 40, 20)
	require.NoError(t, err)

	oracle := &fakeOracle{scores: map[string]*data.TrustScore{"subject-1": claimed}}
	broadcaster := &fakeBroadcaster{}
	fraud := &fakeFraudSink{}
	escalator := &fakeEscalator{}

	engine := NewEngine(cfg, reg, selector, oracle, &fakeGraph{strength: 1.0},
		repo, fraud, escalator, broadcaster,
		&fakeSigner{address: self}, fakeVerifier{}, logger)

	return &engineFixture{
		engine:      engine,
		repo:        repo,
		broadcaster: broadcaster,
		fraud:       fraud,
		escalator:   escalator,
		committee:   committee,
		self:        self,
		claimed:     claimed,
	}
}

// signedVote builds a vote as a remote committee member would.
func (f *engineFixture) signedVote(t *testing.T, validator string, decision data.VoteDecision, hasWoT bool) *data.Vote {
	t.Helper()
	signer := &fakeSigner{address: validator}
	vote, err := data.NewVote("tx-1", validator, decision, f.claimed, hasWoT, 1.0)
	require.NoError(t, err)
	vote.Nonce = data.ChallengeNonce("tx-1", 200)
	vote.PublicKey = signer.PublicKey()
	vote.Signature, err = signer.Sign(vote.SigningPayload())
	require.NoError(t, err)
	return vote
}

func TestStartSessionBroadcastsChallenge(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)
	assert.Equal(t, data.SessionPending, session.State)
	assert.Equal(t, f.committee, session.Committee)

	require.Len(t, f.broadcaster.challenges, 1)
	challenge := f.broadcaster.challenges[0]
	assert.Equal(t, data.ChallengeNonce("tx-1", 200), challenge.Nonce)

	_, err = f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	assert.ErrorIs(t, err, ErrSessionExists)
}

// The starting node is on the committee itself here, and its vote must not
// depend on hearing its own challenge back from the network.
func TestStartSessionCastsCommitteeVote(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	vote := f.broadcaster.lastVote()
	require.NotNil(t, vote)
	assert.Equal(t, f.self, vote.ValidatorAddress)

	require.Contains(t, session.Votes, f.self)
	assert.Equal(t, data.VoteAccept, session.Votes[f.self].Decision)
}

func TestHandleChallengeEmitsVote(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	challenge := &Challenge{
		TxID:         "tx-1",
		BlockHeight:  200,
		Nonce:        data.ChallengeNonce("tx-1", 200),
		ClaimedScore: f.claimed,
	}
	require.NoError(t, f.engine.HandleChallenge(ctx, challenge))

	vote := f.broadcaster.lastVote()
	require.NotNil(t, vote)
	assert.Equal(t, f.self, vote.ValidatorAddress)
	assert.Equal(t, data.VoteAccept, vote.Decision)
	assert.True(t, vote.HasWoTEdge)
	assert.InDelta(t, 1.0, vote.Weight(), 1e-9)

	// The node's own vote feeds its tally immediately.
	session, err := f.engine.Session(ctx, "tx-1")
	require.NoError(t, err)
	assert.Len(t, session.Votes, 1)
}

func TestHandleChallengeRejectsBadNonce(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())

	challenge := &Challenge{
		TxID:         "tx-1",
		BlockHeight:  200,
		Nonce:        "forged",
		ClaimedScore: f.claimed,
	}
	err := f.engine.HandleChallenge(context.Background(), challenge)
	assert.ErrorIs(t, err, ErrNonceMismatch)
	assert.Nil(t, f.broadcaster.lastVote())
}

func TestIngestVoteValidation(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	t.Run("unknown session buffers", func(t *testing.T) {
		vote := f.signedVote(t, f.committee[1], data.VoteAccept, true)
		vote.TxID = "tx-unknown"
		assert.NoError(t, f.engine.IngestVote(ctx, vote))
		_, err := f.engine.SessionState(ctx, "tx-unknown")
		assert.Error(t, err)
	})

	t.Run("non-member", func(t *testing.T) {
		vote := f.signedVote(t, "outsider", data.VoteAccept, true)
		assert.ErrorIs(t, f.engine.IngestVote(ctx, vote), ErrNotCommitteeMember)
	})

	t.Run("bad signature", func(t *testing.T) {
		vote := f.signedVote(t, f.committee[1], data.VoteAccept, true)
		vote.Signature = []byte("tampered")
		assert.ErrorIs(t, f.engine.IngestVote(ctx, vote), ErrBadSignature)
	})

	t.Run("duplicate", func(t *testing.T) {
		vote := f.signedVote(t, f.committee[1], data.VoteAccept, true)
		require.NoError(t, f.engine.IngestVote(ctx, vote))
		assert.ErrorIs(t, f.engine.IngestVote(ctx, vote), ErrDuplicateVote)
	})
}

func TestSessionValidatesOnDecisiveTally(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	for _, member := range f.committee {
		if member == f.self {
			// Cast automatically at session start.
			continue
		}
		err := f.engine.IngestVote(ctx, f.signedVote(t, member, data.VoteAccept, true))
		require.NoError(t, err)
	}

	state, err := f.engine.SessionState(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, data.SessionValidated, state)
	assert.Equal(t, 1, f.fraud.count())
	assert.Equal(t, 0, f.escalator.count())
	assert.False(t, f.engine.HasPendingOrUnresolvedSession(ctx, "tx-1"))

	// Late votes after resolution are dropped silently.
	late := f.signedVote(t, f.committee[0], data.VoteReject, true)
	assert.NoError(t, f.engine.IngestVote(ctx, late))
}

func TestSplitCommitteeEscalates(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	// The starter's automatic vote is an accept; four more accepts and five
	// rejects split the committee down the middle.
	for i, member := range f.committee {
		if member == f.self {
			continue
		}
		decision := data.VoteAccept
		if i >= 5 {
			decision = data.VoteReject
		}
		require.NoError(t, f.engine.IngestVote(ctx, f.signedVote(t, member, decision, true)))
	}

	state, err := f.engine.SessionState(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, data.SessionDisputed, state)
	assert.Equal(t, 1, f.escalator.count())
	assert.Equal(t, 0, f.fraud.count())
	assert.True(t, f.engine.HasPendingOrUnresolvedSession(ctx, "tx-1"))
}

func TestSessionTimeoutDisputes(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.SessionTimeout = 50 * time.Millisecond
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := f.engine.SessionState(ctx, "tx-1")
		return err == nil && state == data.SessionDisputed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.escalator.count())
}

func TestResolveFromArbitration(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.SessionTimeout = 50 * time.Millisecond
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := f.engine.SessionState(ctx, "tx-1")
		return err == nil && state == data.SessionDisputed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, f.engine.ResolveFromArbitration(ctx, "tx-1", data.SessionDisputed))

	require.NoError(t, f.engine.ResolveFromArbitration(ctx, "tx-1", data.SessionRejected))
	state, err := f.engine.SessionState(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, data.SessionRejected, state)

	// The arbitrated session still feeds voter accountability, but never
	// the committee-median fraud path.
	assert.Equal(t, 1, f.fraud.arbitratedCount())
	assert.Equal(t, 0, f.fraud.count())

	// Only disputed sessions accept an arbitration outcome.
	assert.ErrorIs(t, f.engine.ResolveFromArbitration(ctx, "tx-1", data.SessionValidated), ErrSessionClosed)
	assert.Equal(t, 1, f.fraud.arbitratedCount())
}

// An arbitration outcome for a session that was forgotten from memory goes
// through the persisted copy, with the same disputed-only guard and the
// same accountability feed.
func TestResolveFromArbitrationAfterForget(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.SessionTimeout = 50 * time.Millisecond
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := f.engine.SessionState(ctx, "tx-1")
		return err == nil && state == data.SessionDisputed
	}, 2*time.Second, 10*time.Millisecond)

	f.engine.Forget("tx-1")

	require.NoError(t, f.engine.ResolveFromArbitration(ctx, "tx-1", data.SessionValidated))
	state, err := f.engine.SessionState(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, data.SessionValidated, state)
	assert.Equal(t, 1, f.fraud.arbitratedCount())

	assert.ErrorIs(t, f.engine.ResolveFromArbitration(ctx, "tx-1", data.SessionRejected), ErrSessionClosed)
	assert.Equal(t, 1, f.fraud.arbitratedCount())
}

// Snapshots returned to callers must not see votes ingested after the
// snapshot was taken.
func TestSessionSnapshotIsDetached(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	snapshot, err := f.engine.Session(ctx, "tx-1")
	require.NoError(t, err)
	before := len(snapshot.Votes)

	require.NoError(t, f.engine.IngestVote(ctx, f.signedVote(t, f.committee[1], data.VoteAccept, true)))
	require.NoError(t, f.engine.IngestVote(ctx, f.signedVote(t, f.committee[2], data.VoteAccept, true)))

	assert.Len(t, snapshot.Votes, before)

	current, err := f.engine.Session(ctx, "tx-1")
	require.NoError(t, err)
	assert.Len(t, current.Votes, before+2)
}

// Encoding a session snapshot while votes keep arriving must be safe; the
// race detector flags this when the snapshot aliases live state.
func TestSessionSnapshotSafeForConcurrentReads(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
	require.NoError(t, err)

	votes := make([]*data.Vote, 0, len(f.committee)-1)
	for _, member := range f.committee {
		if member == f.self {
			continue
		}
		votes = append(votes, f.signedVote(t, member, data.VoteAccept, true))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, v := range votes {
			_ = f.engine.IngestVote(ctx, v)
		}
	}()

	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
		}
		session, err := f.engine.Session(ctx, "tx-1")
		require.NoError(t, err)
		if _, err := json.Marshal(session); err != nil {
			t.Fatalf("encoding session snapshot: %v", err)
		}
	}

	state, err := f.engine.SessionState(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, data.SessionValidated, state)
}

// Gossip delivers challenge and vote topics independently, so a committee
// vote can arrive before this node tracks the session. It must be held and
// counted once the challenge lands.
func TestEarlyVoteBufferedUntilChallenge(t *testing.T) {
	f := newEngineFixture(t, testConsensusConfig())
	ctx := context.Background()

	early := f.signedVote(t, f.committee[1], data.VoteAccept, true)
	require.NoError(t, f.engine.IngestVote(ctx, early))

	// Still untracked: the vote is only buffered.
	_, err := f.engine.SessionState(ctx, "tx-1")
	assert.Error(t, err)

	challenge := &Challenge{
		TxID:         "tx-1",
		BlockHeight:  200,
		Nonce:        data.ChallengeNonce("tx-1", 200),
		ClaimedScore: f.claimed,
	}
	require.NoError(t, f.engine.HandleChallenge(ctx, challenge))

	session, err := f.engine.Session(ctx, "tx-1")
	require.NoError(t, err)
	assert.Contains(t, session.Votes, f.committee[1])
	assert.Contains(t, session.Votes, f.self)
}

// The terminal state is a function of the vote set, not of arrival order.
func TestVoteOrderDoesNotChangeOutcome(t *testing.T) {
	orders := [][]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8},
		{8, 7, 6, 5, 4, 3, 2, 1, 0},
		{4, 0, 8, 2, 6, 1, 7, 3, 5},
		{2, 5, 1, 8, 0, 6, 3, 7, 4},
	}

	allReject := map[int]bool{}
	for i := 0; i < 9; i++ {
		allReject[i] = true
	}

	cases := []struct {
		name    string
		rejects map[int]bool
		want    data.SessionState
	}{
		{"unanimous accept", nil, data.SessionValidated},
		{"three dissenters", map[int]bool{6: true, 7: true, 8: true}, data.SessionValidated},
		{"overwhelming reject", allReject, data.SessionRejected},
	}

	for _, tc := range cases {
		for oi, order := range orders {
			t.Run(fmt.Sprintf("%s/order-%d", tc.name, oi), func(t *testing.T) {
				f := newEngineFixture(t, testConsensusConfig())
				ctx := context.Background()

				_, err := f.engine.StartSession(ctx, "tx-1", 200, f.claimed)
				require.NoError(t, err)

				var members []string
				for _, member := range f.committee {
					if member != f.self {
						members = append(members, member)
					}
				}
				votes := make([]*data.Vote, len(members))
				for i, member := range members {
					decision := data.VoteAccept
					if tc.rejects[i] {
						decision = data.VoteReject
					}
					votes[i] = f.signedVote(t, member, decision, true)
				}

				for _, i := range order {
					require.NoError(t, f.engine.IngestVote(ctx, votes[i]))
				}

				state, err := f.engine.SessionState(ctx, "tx-1")
				require.NoError(t, err)
				assert.Equal(t, tc.want, state)
			})
		}
	}
}
