package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/registry"
)

var (
	ErrUnknownSession     = errors.New("unknown validation session")
	ErrSessionExists      = errors.New("validation session already exists")
	ErrSessionClosed      = errors.New("validation session is closed")
	ErrNonceMismatch      = errors.New("challenge nonce mismatch")
	ErrNotCommitteeMember = errors.New("voter is not a committee member")
	ErrDuplicateVote      = errors.New("validator already voted")
	ErrBadSignature       = errors.New("invalid vote signature")
	ErrRateLimited        = errors.New("validator rate limited")
)

// Engine drives validation sessions end-to-end: challenge broadcast, vote
// collection, tolerance comparison, and the exactly-once terminal
// transition. Sessions run independently in parallel; vote ingestion is
// serialized per session.
type Engine struct {
	cfg         config.ConsensusConfig
	registry    *registry.Registry
	selector    *registry.CommitteeSelector
	oracle      ScoreOracle
	graph       TrustGraphView
	store       SessionStore
	fraud       FraudSink
	escalator   DisputeEscalator
	broadcaster Broadcaster
	signer      Signer
	verifier    SignatureVerifier
	decider     Decider
	logger      *zap.Logger
	metrics     *EngineMetrics

	sessions     map[string]*sessionHandle
	limiters     map[string]*rate.Limiter
	pending      map[string][]*data.Vote
	pendingOrder []string
	voteLimiter  *rate.Limiter
	mu           sync.RWMutex
}

// Bounds on the buffer holding votes that arrive before their challenge.
const (
	maxPendingSessions = 128
	maxPendingVotes    = 32
)

// sessionHandle pairs a session with its serialization lock and deadline
// timer. All session mutation happens under mu.
type sessionHandle struct {
	session *data.ValidationSession
	timer   *time.Timer
	mu      sync.Mutex
}

// EngineMetrics tracks session throughput.
type EngineMetrics struct {
	SessionsStarted   int64
	SessionsValidated int64
	SessionsRejected  int64
	SessionsDisputed  int64
	VotesIngested     int64
	VotesDiscarded    int64
	LastUpdate        time.Time
	mu                sync.RWMutex
}

// NewEngine assembles an engine from its collaborators.
func NewEngine(
	cfg config.ConsensusConfig,
	reg *registry.Registry,
	selector *registry.CommitteeSelector,
	oracle ScoreOracle,
	graph TrustGraphView,
	store SessionStore,
	fraud FraudSink,
	escalator DisputeEscalator,
	broadcaster Broadcaster,
	signer Signer,
	verifier SignatureVerifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		registry:    reg,
		selector:    selector,
		oracle:      oracle,
		graph:       graph,
		store:       store,
		fraud:       fraud,
		escalator:   escalator,
		broadcaster: broadcaster,
		signer:      signer,
		verifier:    verifier,
		decider: Decider{
			AgreementThreshold:   cfg.AgreementThreshold,
			WoTCoverageThreshold: cfg.WoTCoverageThreshold,
		},
		logger:      logger,
		metrics:     &EngineMetrics{},
		sessions:    make(map[string]*sessionHandle),
		limiters:    make(map[string]*rate.Limiter),
		pending:     make(map[string][]*data.Vote),
		voteLimiter: rate.NewLimiter(rate.Limit(cfg.ChallengesPerMinute/60), cfg.ChallengeBurst),
	}
}

func (e *Engine) tolerances() Tolerances {
	return Tolerances{
		Component:  e.cfg.ComponentTolerance,
		WebOfTrust: e.cfg.WoTTolerance,
		Final:      e.cfg.FinalTolerance,
	}
}

// StartSession creates a session for a transaction's claimed score and
// broadcasts the challenge to all connected peers.
func (e *Engine) StartSession(ctx context.Context, txID string, height int64, claimed *data.TrustScore) (*data.ValidationSession, error) {
	committee, degraded := e.selector.SelectCommittee(txID, height)
	session, err := data.NewValidationSession(txID, height, claimed, committee, degraded, e.cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if err := e.trackSession(session); err != nil {
		return nil, err
	}
	if err := e.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	challenge := &Challenge{
		TxID:         txID,
		BlockHeight:  height,
		Nonce:        session.Nonce,
		ClaimedScore: claimed,
	}
	if err := e.broadcaster.BroadcastChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("broadcasting challenge: %w", err)
	}

	e.metrics.mu.Lock()
	e.metrics.SessionsStarted++
	e.metrics.LastUpdate = time.Now()
	e.metrics.mu.Unlock()

	e.logger.Info("Validation session started",
		zap.String("txID", txID),
		zap.Int64("height", height),
		zap.Int("committeeSize", len(committee)),
		zap.Bool("degraded", degraded))

	// The pubsub layer drops self-published messages, so the starting node
	// never hears its own challenge back. Cast the local committee vote
	// directly, and replay any votes that beat the challenge here.
	e.drainPending(ctx, txID)
	if err := e.castLocalVote(ctx, challenge); err != nil {
		e.logger.Warn("Casting local committee vote failed",
			zap.String("txID", txID), zap.Error(err))
	}

	return e.Session(ctx, txID)
}

// trackSession registers a handle and arms the deadline timer.
func (e *Engine) trackSession(session *data.ValidationSession) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sessions[session.TxID]; exists {
		return ErrSessionExists
	}
	handle := &sessionHandle{session: session}
	handle.timer = time.AfterFunc(time.Until(session.Deadline), func() {
		e.onTimeout(session.TxID)
	})
	e.sessions[session.TxID] = handle
	return nil
}

func (e *Engine) handleFor(txID string) (*sessionHandle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	handle, ok := e.sessions[txID]
	return handle, ok
}

// HandleChallenge processes a challenge received from the network. The node
// recomputes the nonce and its own committee membership; non-members track
// the session for mempool gating but stay silent.
func (e *Engine) HandleChallenge(ctx context.Context, challenge *Challenge) error {
	expected := data.ChallengeNonce(challenge.TxID, challenge.BlockHeight)
	if challenge.Nonce != expected {
		e.discard("nonce mismatch", challenge.TxID)
		return ErrNonceMismatch
	}
	if challenge.ClaimedScore == nil || challenge.ClaimedScore.Validate() != nil {
		e.discard("malformed claimed score", challenge.TxID)
		return fmt.Errorf("malformed challenge for tx %s", challenge.TxID)
	}

	// Track the session locally even when this node is not on the
	// committee: session state gates mempool and block inclusion on every
	// node.
	if _, tracked := e.handleFor(challenge.TxID); !tracked {
		committee, degraded := e.selector.SelectCommittee(challenge.TxID, challenge.BlockHeight)
		session, err := data.NewValidationSession(
			challenge.TxID, challenge.BlockHeight, challenge.ClaimedScore,
			committee, degraded, e.cfg.SessionTimeout)
		if err != nil {
			return fmt.Errorf("tracking session: %w", err)
		}
		if err := e.trackSession(session); err != nil && !errors.Is(err, ErrSessionExists) {
			return err
		}
		if err := e.store.SaveSession(ctx, session); err != nil {
			return fmt.Errorf("persisting session: %w", err)
		}
	}

	e.drainPending(ctx, challenge.TxID)
	return e.castLocalVote(ctx, challenge)
}

// castLocalVote derives, broadcasts, and ingests this node's own committee
// vote for a challenge. Non-members, ineligible validators, and nodes that
// already voted stay silent.
func (e *Engine) castLocalVote(ctx context.Context, challenge *Challenge) error {
	if e.signer == nil {
		return nil
	}
	self := e.signer.Address()

	handle, ok := e.handleFor(challenge.TxID)
	if !ok {
		return ErrUnknownSession
	}
	handle.mu.Lock()
	member := handle.session.HasCommitteeMember(self)
	_, voted := handle.session.Votes[self]
	handle.mu.Unlock()
	if !member || voted {
		return nil
	}

	// Eligibility and rate limiting are silent discards: neither is an
	// attack signal by itself.
	if !e.registry.IsEligible(self, challenge.BlockHeight) {
		return nil
	}
	if !e.voteLimiter.Allow() {
		return nil
	}

	vote, err := e.deriveVote(ctx, challenge, self)
	if err != nil {
		return fmt.Errorf("deriving vote: %w", err)
	}

	if err := e.broadcaster.BroadcastVote(ctx, vote); err != nil {
		return fmt.Errorf("broadcasting vote: %w", err)
	}
	if err := e.registry.MarkActive(ctx, self, challenge.BlockHeight); err != nil {
		e.logger.Warn("Marking validator active failed", zap.Error(err))
	}

	// The local vote also feeds this node's own tally.
	return e.IngestVote(ctx, vote)
}

// deriveVote recomputes the subject's score from this validator's view and
// applies the tolerance comparison.
func (e *Engine) deriveVote(ctx context.Context, challenge *Challenge, self string) (*data.Vote, error) {
	subject := challenge.ClaimedScore.Address

	computed, err := e.oracle.ComputeScoreWithBreakdown(ctx, subject, self)
	if err != nil {
		// Insufficient data to verify anything: abstain rather than guess.
		e.logger.Debug("Score computation failed, abstaining",
			zap.String("txID", challenge.TxID), zap.Error(err))
		computed = nil
	}

	decision := DeriveDecision(challenge.ClaimedScore, computed, e.tolerances())

	hasEdge := computed != nil && computed.HasWoTEdge
	confidence := 1.0
	if hasEdge {
		excerpt := e.graph.PathExcerpt(self, subject)
		confidence = 0.5 + 0.5*math.Max(0, math.Min(1, excerpt.PathStrength))
	}

	vote, err := data.NewVote(challenge.TxID, self, decision, computed, hasEdge, confidence)
	if err != nil {
		return nil, err
	}
	vote.Nonce = challenge.Nonce
	vote.PublicKey = e.signer.PublicKey()

	signature, err := e.signer.Sign(vote.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("signing vote: %w", err)
	}
	vote.Signature = signature
	return vote, nil
}

// IngestVote validates and records a committee vote, transitioning the
// session exactly once when the tally becomes decisive. Ingestion is
// serialized per session.
func (e *Engine) IngestVote(ctx context.Context, vote *data.Vote) error {
	handle, ok := e.handleFor(vote.TxID)
	if !ok {
		// Gossip gives no cross-topic ordering: a vote can beat its
		// challenge here. Hold it until the session is tracked.
		e.bufferPending(vote)
		return nil
	}

	if !e.allowVoter(vote.ValidatorAddress) {
		e.discard("voter rate limited", vote.TxID)
		return ErrRateLimited
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	session := handle.session

	if session.State != data.SessionPending {
		// Late vote after resolution: retained nowhere, not an error.
		return nil
	}
	if vote.Nonce != session.Nonce {
		e.discard("vote nonce mismatch", vote.TxID)
		return ErrNonceMismatch
	}
	if !session.HasCommitteeMember(vote.ValidatorAddress) {
		e.discard("non-member vote", vote.TxID)
		return ErrNotCommitteeMember
	}
	if _, voted := session.Votes[vote.ValidatorAddress]; voted {
		e.discard("duplicate vote", vote.TxID)
		return ErrDuplicateVote
	}
	if err := vote.Validate(); err != nil {
		e.discard("malformed vote", vote.TxID)
		return fmt.Errorf("validating vote: %w", err)
	}
	if !e.verifier.AddressMatchesKey(vote.ValidatorAddress, vote.PublicKey) ||
		!e.verifier.Verify(vote.SigningPayload(), vote.Signature, vote.PublicKey) {
		e.discard("bad signature", vote.TxID)
		return ErrBadSignature
	}

	session.Votes[vote.ValidatorAddress] = vote

	e.metrics.mu.Lock()
	e.metrics.VotesIngested++
	e.metrics.LastUpdate = time.Now()
	e.metrics.mu.Unlock()

	if state, decisive := e.evaluate(session); decisive {
		e.resolveLocked(ctx, handle, state)
	} else if err := e.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// bufferPending holds a vote whose session is not tracked yet. The buffer
// is bounded: the oldest buffered transaction is evicted whole when the
// session cap is hit, and per-transaction overflow is dropped.
func (e *Engine) bufferPending(vote *data.Vote) {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue, ok := e.pending[vote.TxID]
	if !ok {
		if len(e.pendingOrder) >= maxPendingSessions {
			oldest := e.pendingOrder[0]
			e.pendingOrder = e.pendingOrder[1:]
			delete(e.pending, oldest)
		}
		e.pendingOrder = append(e.pendingOrder, vote.TxID)
	}
	if len(queue) >= maxPendingVotes {
		e.discard("pending vote buffer full", vote.TxID)
		return
	}
	e.pending[vote.TxID] = append(queue, vote)
	e.logger.Debug("Vote buffered ahead of challenge",
		zap.String("txID", vote.TxID),
		zap.String("validator", vote.ValidatorAddress))
}

// drainPending replays buffered votes once their session is tracked. Votes
// go through the full ingestion checks; rejects are logged and dropped.
func (e *Engine) drainPending(ctx context.Context, txID string) {
	e.mu.Lock()
	queue := e.pending[txID]
	delete(e.pending, txID)
	for i, id := range e.pendingOrder {
		if id == txID {
			e.pendingOrder = append(e.pendingOrder[:i], e.pendingOrder[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	for _, vote := range queue {
		if err := e.IngestVote(ctx, vote); err != nil {
			e.logger.Debug("Replayed vote rejected",
				zap.String("txID", txID),
				zap.String("validator", vote.ValidatorAddress),
				zap.Error(err))
		}
	}
}

// evaluate reports whether the running tally is decisive. A side wins early
// only when outstanding committee votes can no longer overturn it; once the
// whole committee has voted the decider's verdict is final, including
// DISPUTED.
func (e *Engine) evaluate(session *data.ValidationSession) (data.SessionState, bool) {
	outstanding := len(session.Committee) - len(session.Votes)
	if outstanding <= 0 {
		state, _ := e.decider.Decide(session.Votes)
		return state, true
	}

	tally := TallyVotes(session.Votes)
	maxRemaining := float64(outstanding) * data.WoTVoteWeight
	decisiveFloor := e.cfg.AgreementThreshold * (tally.WeightedTotal() + maxRemaining)

	if tally.WeightedAccept >= decisiveFloor || tally.WeightedReject >= decisiveFloor {
		state, _ := e.decider.Decide(session.Votes)
		if state != data.SessionDisputed {
			return state, true
		}
	}
	return data.SessionPending, false
}

// resolveLocked performs the exactly-once terminal transition. Caller holds
// the session lock.
func (e *Engine) resolveLocked(ctx context.Context, handle *sessionHandle, state data.SessionState) {
	session := handle.session
	if session.State != data.SessionPending {
		return
	}

	if handle.timer != nil {
		handle.timer.Stop()
	}

	now := time.Now().UTC()
	session.State = state
	session.ResolvedAt = &now

	if err := e.store.SaveSession(ctx, session); err != nil {
		e.logger.Error("Persisting resolved session failed",
			zap.String("txID", session.TxID), zap.Error(err))
	}

	e.metrics.mu.Lock()
	switch state {
	case data.SessionValidated:
		e.metrics.SessionsValidated++
	case data.SessionRejected:
		e.metrics.SessionsRejected++
	case data.SessionDisputed:
		e.metrics.SessionsDisputed++
	}
	e.metrics.LastUpdate = time.Now()
	e.metrics.mu.Unlock()

	e.logger.Info("Validation session resolved",
		zap.String("txID", session.TxID),
		zap.String("state", string(state)),
		zap.Int("votes", len(session.Votes)))

	switch state {
	case data.SessionDisputed:
		if e.escalator != nil {
			if err := e.escalator.Escalate(ctx, session, "committee could not reach weighted agreement"); err != nil {
				e.logger.Error("Dispute escalation failed",
					zap.String("txID", session.TxID), zap.Error(err))
			}
		}
	default:
		if e.fraud != nil {
			if err := e.fraud.SessionResolved(ctx, session); err != nil {
				e.logger.Error("Fraud evaluation failed",
					zap.String("txID", session.TxID), zap.Error(err))
			}
		}
	}
}

// onTimeout moves a still-pending session to DISPUTED with whatever votes
// were collected. A transaction is never silently dropped.
func (e *Engine) onTimeout(txID string) {
	handle, ok := e.handleFor(txID)
	if !ok {
		return
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.session.State != data.SessionPending {
		return
	}

	e.logger.Warn("Validation session timed out",
		zap.String("txID", txID),
		zap.Int("votes", len(handle.session.Votes)))
	e.resolveLocked(context.Background(), handle, data.SessionDisputed)
}

// ResolveFromArbitration writes an arbitration outcome back to the
// originating session's terminal state.
func (e *Engine) ResolveFromArbitration(ctx context.Context, txID string, outcome data.SessionState) error {
	if outcome != data.SessionValidated && outcome != data.SessionRejected {
		return fmt.Errorf("invalid arbitration outcome: %s", outcome)
	}

	handle, ok := e.handleFor(txID)
	if !ok {
		// Session may have been pruned from memory; update the store copy.
		session, err := e.store.GetSession(ctx, txID)
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}
		if session.State != data.SessionDisputed {
			return ErrSessionClosed
		}
		now := time.Now().UTC()
		session.State = outcome
		session.ResolvedAt = &now
		if err := e.store.SaveSession(ctx, session); err != nil {
			return err
		}
		e.notifyArbitrated(ctx, session)
		return nil
	}

	handle.mu.Lock()
	if handle.session.State != data.SessionDisputed {
		handle.mu.Unlock()
		return ErrSessionClosed
	}
	now := time.Now().UTC()
	handle.session.State = outcome
	handle.session.ResolvedAt = &now
	session := handle.session.Clone()
	handle.mu.Unlock()

	if err := e.store.SaveSession(ctx, session); err != nil {
		return err
	}
	e.notifyArbitrated(ctx, session)
	return nil
}

// notifyArbitrated feeds an arbitration-resolved session through
// accountability recording. Fraud classification is skipped: the
// arbitration body, not the committee median, settled the score.
func (e *Engine) notifyArbitrated(ctx context.Context, session *data.ValidationSession) {
	if e.fraud == nil {
		return
	}
	if err := e.fraud.SessionArbitrated(ctx, session); err != nil {
		e.logger.Error("Arbitration accountability recording failed",
			zap.String("txID", session.TxID), zap.Error(err))
	}
}

// SessionState returns a session's current state.
func (e *Engine) SessionState(ctx context.Context, txID string) (data.SessionState, error) {
	if handle, ok := e.handleFor(txID); ok {
		handle.mu.Lock()
		defer handle.mu.Unlock()
		return handle.session.State, nil
	}
	session, err := e.store.GetSession(ctx, txID)
	if err != nil {
		return "", err
	}
	return session.State, nil
}

// Session returns a detached snapshot of the session for a transaction.
// The copy is safe to read and encode while ingestion continues.
func (e *Engine) Session(ctx context.Context, txID string) (*data.ValidationSession, error) {
	if handle, ok := e.handleFor(txID); ok {
		handle.mu.Lock()
		defer handle.mu.Unlock()
		return handle.session.Clone(), nil
	}
	return e.store.GetSession(ctx, txID)
}

// HasPendingOrUnresolvedSession reports whether block assembly must hold
// the transaction back. Only VALIDATED transactions are eligible for
// inclusion.
func (e *Engine) HasPendingOrUnresolvedSession(ctx context.Context, txID string) bool {
	state, err := e.SessionState(ctx, txID)
	if err != nil {
		return false
	}
	return state == data.SessionPending || state == data.SessionDisputed
}

// Forget drops a terminal session from the in-memory map. The persisted
// copy remains until pruned after the retention window.
func (e *Engine) Forget(txID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handle, ok := e.sessions[txID]; ok {
		handle.mu.Lock()
		terminal := handle.session.State.Terminal()
		handle.mu.Unlock()
		if terminal {
			delete(e.sessions, txID)
		}
	}
}

// allowVoter enforces a per-validator inbound rate limit.
func (e *Engine) allowVoter(address string) bool {
	e.mu.Lock()
	limiter, ok := e.limiters[address]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.ChallengesPerMinute/60), e.cfg.ChallengeBurst)
		e.limiters[address] = limiter
	}
	e.mu.Unlock()
	return limiter.Allow()
}

func (e *Engine) discard(reason, txID string) {
	e.metrics.mu.Lock()
	e.metrics.VotesDiscarded++
	e.metrics.mu.Unlock()
	e.logger.Debug("Message discarded",
		zap.String("reason", reason),
		zap.String("txID", txID))
}

// Stats returns a snapshot of engine metrics.
func (e *Engine) Stats() EngineStats {
	e.metrics.mu.RLock()
	defer e.metrics.mu.RUnlock()

	e.mu.RLock()
	active := len(e.sessions)
	e.mu.RUnlock()

	return EngineStats{
		ActiveSessions:    active,
		SessionsStarted:   e.metrics.SessionsStarted,
		SessionsValidated: e.metrics.SessionsValidated,
		SessionsRejected:  e.metrics.SessionsRejected,
		SessionsDisputed:  e.metrics.SessionsDisputed,
		VotesIngested:     e.metrics.VotesIngested,
		VotesDiscarded:    e.metrics.VotesDiscarded,
		LastUpdate:        e.metrics.LastUpdate,
	}
}

// EngineStats is a point-in-time metrics snapshot.
type EngineStats struct {
	ActiveSessions    int
	SessionsStarted   int64
	SessionsValidated int64
	SessionsRejected  int64
	SessionsDisputed  int64
	VotesIngested     int64
	VotesDiscarded    int64
	LastUpdate        time.Time
}
