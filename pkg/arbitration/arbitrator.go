package arbitration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/registry"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrDisputeResolved   = errors.New("dispute already resolved")
	ErrNotBodyMember     = errors.New("voter is not an arbitration body member")
	ErrDuplicateBallot   = errors.New("member already voted on dispute")
	ErrDisputeUnresolved = errors.New("dispute has no majority yet")
)

// Store is the persistence surface the arbitrator needs.
type Store interface {
	SaveDispute(ctx context.Context, dispute *data.DisputeCase) error
	GetDispute(ctx context.Context, txID string) (*data.DisputeCase, error)
	ListOpenDisputes(ctx context.Context) ([]*data.DisputeCase, error)
	GetSession(ctx context.Context, txID string) (*data.ValidationSession, error)
}

// SessionResolver writes arbitration outcomes back to the originating
// validation session.
type SessionResolver interface {
	ResolveFromArbitration(ctx context.Context, txID string, outcome data.SessionState) error
}

// FraudEvaluator receives the claimed/actual pair when arbitration upholds
// a rejection.
type FraudEvaluator interface {
	Evaluate(ctx context.Context, txID, subjectAddress string, height int64, claimedFinal, actualFinal float64) error
}

// Notifier broadcasts dispute cases to the arbitration body.
type Notifier interface {
	BroadcastDispute(ctx context.Context, dispute *data.DisputeCase) error
}

// Arbitrator runs stake-weighted arbitration over disputed sessions. The
// body is the set of eligible validators at the session's block height;
// each member's ballot carries its stake. A side wins once its stake
// exceeds half the body's total, so the outcome can never flip with more
// ballots. Exact ties resolve to REJECTED: an unverifiable claim does not
// enter a block.
type Arbitrator struct {
	cfg      config.ArbitrationConfig
	registry *registry.Registry
	store    Store
	resolver SessionResolver
	fraud    FraudEvaluator
	notifier Notifier
	logger   *zap.Logger
	metrics  *ArbitratorMetrics
	mu       sync.Mutex
}

// ArbitratorMetrics tracks dispute throughput.
type ArbitratorMetrics struct {
	DisputesOpened    int64
	DisputesValidated int64
	DisputesRejected  int64
	Renotifications   int64
	LastUpdate        time.Time
	mu                sync.RWMutex
}

// NewArbitrator assembles an arbitrator from its collaborators.
func NewArbitrator(cfg config.ArbitrationConfig, reg *registry.Registry, store Store, resolver SessionResolver, fraud FraudEvaluator, notifier Notifier, logger *zap.Logger) *Arbitrator {
	return &Arbitrator{
		cfg:      cfg,
		registry: reg,
		store:    store,
		resolver: resolver,
		fraud:    fraud,
		notifier: notifier,
		logger:   logger,
		metrics:  &ArbitratorMetrics{},
	}
}

// Escalate packages a disputed session as a dispute case, persists it, and
// notifies the arbitration body. Implements the consensus escalator hook.
func (a *Arbitrator) Escalate(ctx context.Context, session *data.ValidationSession, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, err := a.store.GetDispute(ctx, session.TxID); err == nil && existing != nil {
		// Replayed escalation after a crash or duplicate broadcast.
		return nil
	}

	dispute, err := data.NewDisputeCase(session, reason)
	if err != nil {
		return fmt.Errorf("building dispute case: %w", err)
	}
	if err := a.store.SaveDispute(ctx, dispute); err != nil {
		return fmt.Errorf("persisting dispute: %w", err)
	}

	a.metrics.mu.Lock()
	a.metrics.DisputesOpened++
	a.metrics.LastUpdate = time.Now()
	a.metrics.mu.Unlock()

	a.logger.Warn("Dispute escalated to arbitration",
		zap.String("txID", dispute.TxID),
		zap.String("subject", dispute.SubjectAddress),
		zap.String("reason", reason),
		zap.Bool("evidenceInsufficient", dispute.EvidenceInsufficient))

	if a.notifier != nil {
		if err := a.notifier.BroadcastDispute(ctx, dispute); err != nil {
			// Cron re-notification retries; the dispute is already durable.
			a.logger.Error("Dispute notification failed",
				zap.String("txID", dispute.TxID), zap.Error(err))
		}
	}
	return nil
}

// SubmitBallot records an arbitration body member's ballot and resolves
// the dispute once one side holds a stake majority.
func (a *Arbitrator) SubmitBallot(ctx context.Context, txID, memberAddress string, accept bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dispute, err := a.store.GetDispute(ctx, txID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDisputeNotFound, txID)
	}
	if dispute.Resolution != data.DisputePending {
		return ErrDisputeResolved
	}

	session, err := a.store.GetSession(ctx, txID)
	if err != nil {
		return fmt.Errorf("loading disputed session: %w", err)
	}
	if !a.registry.IsEligible(memberAddress, session.BlockHeight) {
		return ErrNotBodyMember
	}
	if _, voted := dispute.ArbitrationVotes[memberAddress]; voted {
		return ErrDuplicateBallot
	}

	dispute.ArbitrationVotes[memberAddress] = &data.ArbitrationVote{
		MemberAddress: memberAddress,
		Stake:         a.registry.Stake(memberAddress),
		Accept:        accept,
		Timestamp:     time.Now().UTC(),
	}

	body := a.registry.EligibleSet(session.BlockHeight)
	if resolution, decided := tallyBallots(dispute, body, a.registry.Stake); decided {
		return a.resolveLocked(ctx, dispute, session, resolution)
	}
	if err := a.store.SaveDispute(ctx, dispute); err != nil {
		return fmt.Errorf("persisting ballot: %w", err)
	}
	return nil
}

// tallyBallots reports the resolution once it is irreversible: a side
// whose stake exceeds half the body total cannot be overtaken, and once
// every member has voted the larger side wins with ties rejecting.
func tallyBallots(dispute *data.DisputeCase, body []string, stakeOf func(string) float64) (data.DisputeResolution, bool) {
	var acceptStake, rejectStake float64
	for _, ballot := range dispute.ArbitrationVotes {
		if ballot.Accept {
			acceptStake += ballot.Stake
		} else {
			rejectStake += ballot.Stake
		}
	}

	var totalStake float64
	for _, member := range body {
		totalStake += stakeOf(member)
	}

	switch {
	case acceptStake > totalStake/2:
		return data.DisputeValidated, true
	case rejectStake >= totalStake/2:
		return data.DisputeRejected, true
	case len(dispute.ArbitrationVotes) >= len(body):
		if acceptStake > rejectStake {
			return data.DisputeValidated, true
		}
		return data.DisputeRejected, true
	default:
		return data.DisputePending, false
	}
}

// resolveLocked finalizes the dispute, writes the outcome back to the
// session, and hands an upheld rejection to fraud evaluation. Caller holds
// the arbitrator lock.
func (a *Arbitrator) resolveLocked(ctx context.Context, dispute *data.DisputeCase, session *data.ValidationSession, resolution data.DisputeResolution) error {
	now := time.Now().UTC()
	dispute.Resolution = resolution
	dispute.ResolvedAt = &now
	if err := a.store.SaveDispute(ctx, dispute); err != nil {
		return fmt.Errorf("persisting resolution: %w", err)
	}

	outcome := data.SessionValidated
	if resolution == data.DisputeRejected {
		outcome = data.SessionRejected
	}
	if err := a.resolver.ResolveFromArbitration(ctx, dispute.TxID, outcome); err != nil {
		a.logger.Error("Session writeback failed",
			zap.String("txID", dispute.TxID), zap.Error(err))
	}

	a.metrics.mu.Lock()
	if resolution == data.DisputeValidated {
		a.metrics.DisputesValidated++
	} else {
		a.metrics.DisputesRejected++
	}
	a.metrics.LastUpdate = time.Now()
	a.metrics.mu.Unlock()

	a.logger.Info("Dispute resolved",
		zap.String("txID", dispute.TxID),
		zap.String("resolution", string(resolution)),
		zap.Int("ballots", len(dispute.ArbitrationVotes)))

	if resolution == data.DisputeRejected && a.fraud != nil {
		if actual, ok := evidenceActual(dispute); ok {
			if err := a.fraud.Evaluate(ctx, dispute.TxID, dispute.SubjectAddress,
				session.BlockHeight, dispute.ClaimedScore.Final, actual); err != nil {
				a.logger.Error("Fraud evaluation after arbitration failed",
					zap.String("txID", dispute.TxID), zap.Error(err))
			}
		}
	}
	return nil
}

// ReceiveDispute stores a dispute case broadcast by another node so this
// node's body members can ballot on it. Known disputes are left untouched:
// the local copy may already hold ballots.
func (a *Arbitrator) ReceiveDispute(ctx context.Context, dispute *data.DisputeCase) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, err := a.store.GetDispute(ctx, dispute.TxID); err == nil && existing != nil {
		return nil
	}
	if err := a.store.SaveDispute(ctx, dispute); err != nil {
		return fmt.Errorf("persisting received dispute: %w", err)
	}
	a.logger.Info("Dispute received from network",
		zap.String("txID", dispute.TxID),
		zap.String("subject", dispute.SubjectAddress))
	return nil
}

// Dispute returns the dispute case for a transaction.
func (a *Arbitrator) Dispute(ctx context.Context, txID string) (*data.DisputeCase, error) {
	return a.store.GetDispute(ctx, txID)
}

// RenotifyStale re-broadcasts open disputes whose last notification is
// older than the configured interval. Runs from the cron scheduler;
// disputes have no deadline, so this is what keeps a quiet body voting.
func (a *Arbitrator) RenotifyStale(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	disputes, err := a.store.ListOpenDisputes(ctx)
	if err != nil {
		return fmt.Errorf("listing open disputes: %w", err)
	}

	cutoff := time.Now().UTC().Add(-a.cfg.RenotifyInterval)
	for _, dispute := range disputes {
		if dispute.LastNotifiedAt.After(cutoff) {
			continue
		}
		if a.notifier != nil {
			if err := a.notifier.BroadcastDispute(ctx, dispute); err != nil {
				a.logger.Error("Dispute re-notification failed",
					zap.String("txID", dispute.TxID), zap.Error(err))
				continue
			}
		}
		dispute.LastNotifiedAt = time.Now().UTC()
		if err := a.store.SaveDispute(ctx, dispute); err != nil {
			return fmt.Errorf("persisting notification time: %w", err)
		}
		a.metrics.mu.Lock()
		a.metrics.Renotifications++
		a.metrics.mu.Unlock()
	}
	return nil
}

// Stats returns a snapshot of arbitration metrics.
func (a *Arbitrator) Stats() ArbitratorStats {
	a.metrics.mu.RLock()
	defer a.metrics.mu.RUnlock()
	return ArbitratorStats{
		DisputesOpened:    a.metrics.DisputesOpened,
		DisputesValidated: a.metrics.DisputesValidated,
		DisputesRejected:  a.metrics.DisputesRejected,
		Renotifications:   a.metrics.Renotifications,
		LastUpdate:        a.metrics.LastUpdate,
	}
}

// ArbitratorStats is a point-in-time metrics snapshot.
type ArbitratorStats struct {
	DisputesOpened    int64
	DisputesValidated int64
	DisputesRejected  int64
	Renotifications   int64
	LastUpdate        time.Time
}

// evidenceActual derives the actual score from the dispute's vote
// evidence. An evidence-insufficient dispute has nothing to measure a
// deviation against, so no fraud penalty can follow from it.
func evidenceActual(dispute *data.DisputeCase) (float64, bool) {
	scores := make([]float64, 0, len(dispute.Votes))
	for _, vote := range dispute.Votes {
		if vote.Decision != data.VoteAbstain && vote.ComputedScore != nil {
			scores = append(scores, vote.ComputedScore.Final)
		}
	}
	if len(scores) == 0 {
		return 0, false
	}

	sort.Float64s(scores)
	mid := len(scores) / 2
	if len(scores)%2 == 1 {
		return scores[mid], true
	}
	return (scores[mid-1] + scores[mid]) / 2, true
}
