package fraud

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/registry"
)

var ErrNoCommitteeScores = errors.New("no committee scores to derive actual from")

// Reputation feedback applied to committee members after a session
// resolves. The thresholds act on the running accuracy ratio over decisive
// votes: inaccuracy costs double what accuracy earns, so a coin-flipping
// validator bleeds reputation over time.
const (
	accuracyReward      = 1.0
	inaccuracyPenalty   = -2.0
	rewardAccuracyRate  = 0.95
	penaltyAccuracyRate = 0.70
)

// Store is the persistence surface the ledger needs.
type Store interface {
	SaveFraudRecord(ctx context.Context, record *data.FraudRecord) error
	GetFraudRecord(ctx context.Context, txID string) (*data.FraudRecord, error)
	ListFraudRecordsByAddress(ctx context.Context, address string) ([]*data.FraudRecord, error)
	SaveAccountabilityEvent(ctx context.Context, event *data.AccountabilityEvent) error
	GetAccountability(ctx context.Context, address string) (*data.ValidatorAccountability, error)
}

// Ledger turns resolved sessions into permanent fraud records, tiered
// penalties, and per-validator accountability history. Recording is
// idempotent per transaction: replays and crash recovery cannot double a
// penalty.
type Ledger struct {
	cfg      config.FraudConfig
	registry *registry.Registry
	store    Store
	logger   *zap.Logger
	metrics  *LedgerMetrics
}

// LedgerMetrics tracks fraud-detection activity.
type LedgerMetrics struct {
	SessionsEvaluated int64
	FraudsRecorded    int64
	PenaltiesApplied  int64
	StakeSlashed      float64
	LastUpdate        time.Time
	mu                sync.RWMutex
}

// NewLedger creates a fraud ledger.
func NewLedger(cfg config.FraudConfig, reg *registry.Registry, store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:      cfg,
		registry: reg,
		store:    store,
		logger:   logger,
		metrics:  &LedgerMetrics{},
	}
}

// SessionResolved evaluates a committee-resolved session: it feeds every
// vote into the accountability history, adjusts voter reputation by
// outcome agreement, and records fraud when the claimed score deviated
// from the committee's recomputed actual.
func (l *Ledger) SessionResolved(ctx context.Context, session *data.ValidationSession) error {
	if !session.State.Terminal() || session.State == data.SessionDisputed {
		return fmt.Errorf("session %s is not committee-resolved", session.TxID)
	}

	l.metrics.mu.Lock()
	l.metrics.SessionsEvaluated++
	l.metrics.LastUpdate = time.Now()
	l.metrics.mu.Unlock()

	if err := l.recordAccountability(ctx, session); err != nil {
		return err
	}

	actual, err := committeeActual(session)
	if err != nil {
		// An all-abstain session cannot reach VALIDATED or REJECTED, so a
		// resolved session always carries at least one recomputed score.
		return fmt.Errorf("session %s: %w", session.TxID, err)
	}

	return l.Evaluate(ctx, session.TxID, session.ClaimedScore.Address,
		session.BlockHeight, session.ClaimedScore.Final, actual)
}

// SessionArbitrated records accountability for a session that arbitration
// settled after the committee deadlocked. Voters still earn their accuracy
// feedback against the arbitrated outcome, but no fraud record is written:
// the committee never produced a trustworthy actual score, and the
// arbitration verdict already settled the subject's fate.
func (l *Ledger) SessionArbitrated(ctx context.Context, session *data.ValidationSession) error {
	if !session.State.Terminal() || session.State == data.SessionDisputed {
		return fmt.Errorf("session %s is not arbitration-resolved", session.TxID)
	}

	l.metrics.mu.Lock()
	l.metrics.SessionsEvaluated++
	l.metrics.LastUpdate = time.Now()
	l.metrics.mu.Unlock()

	return l.recordAccountability(ctx, session)
}

// recordAccountability appends one event per vote and applies the
// accuracy feedback to decisive voters.
func (l *Ledger) recordAccountability(ctx context.Context, session *data.ValidationSession) error {
	for _, vote := range session.Votes {
		agreed := (vote.Decision == data.VoteAccept && session.State == data.SessionValidated) ||
			(vote.Decision == data.VoteReject && session.State == data.SessionRejected)

		event := data.NewAccountabilityEvent(vote.ValidatorAddress, session.TxID, vote.Decision, agreed)
		if err := l.store.SaveAccountabilityEvent(ctx, event); err != nil {
			return fmt.Errorf("saving accountability event: %w", err)
		}

		if vote.Decision == data.VoteAbstain {
			continue
		}
		acct, err := l.store.GetAccountability(ctx, vote.ValidatorAddress)
		if err != nil {
			l.logger.Warn("Reading accountability failed",
				zap.String("validator", vote.ValidatorAddress),
				zap.Error(err))
			continue
		}

		var delta float64
		switch {
		case acct.AccuracyRate >= rewardAccuracyRate:
			delta = accuracyReward
		case acct.AccuracyRate < penaltyAccuracyRate:
			delta = inaccuracyPenalty
		default:
			continue
		}
		if err := l.registry.AdjustReputation(ctx, vote.ValidatorAddress, delta); err != nil {
			l.logger.Warn("Reputation feedback failed",
				zap.String("validator", vote.ValidatorAddress),
				zap.Error(err))
		}
	}
	return nil
}

// Evaluate classifies the deviation between a claimed and an actual final
// score and, when it reaches a penalty tier, writes the fraud record and
// applies the penalty. A duplicate record for the transaction means the
// penalty was already applied; the call is then a no-op.
func (l *Ledger) Evaluate(ctx context.Context, txID, subjectAddress string, height int64, claimedFinal, actualFinal float64) error {
	deviation := math.Abs(claimedFinal - actualFinal)
	tier, penalty := Classify(deviation, l.cfg.Tiers)
	if tier == data.FraudTierNone {
		return nil
	}

	record := &data.FraudRecord{
		TxID:               txID,
		FraudsterAddress:   subjectAddress,
		ClaimedFinal:       claimedFinal,
		ActualFinal:        actualFinal,
		Deviation:          deviation,
		Tier:               tier,
		ReputationPenalty:  penalty.ReputationPenalty,
		StakeSlashFraction: penalty.StakeSlashFraction,
		BlockHeight:        height,
		RecordedAt:         time.Now().UTC(),
	}

	if err := l.store.SaveFraudRecord(ctx, record); err != nil {
		if errors.Is(err, data.ErrDuplicate) {
			l.logger.Debug("Fraud record already exists",
				zap.String("txID", txID))
			return nil
		}
		return fmt.Errorf("saving fraud record: %w", err)
	}

	slashed, err := l.registry.ApplyPenalty(ctx, subjectAddress,
		penalty.ReputationPenalty, penalty.StakeSlashFraction)
	if err != nil {
		return fmt.Errorf("applying penalty to %s: %w", subjectAddress, err)
	}

	l.metrics.mu.Lock()
	l.metrics.FraudsRecorded++
	l.metrics.PenaltiesApplied++
	l.metrics.StakeSlashed += slashed
	l.metrics.LastUpdate = time.Now()
	l.metrics.mu.Unlock()

	l.logger.Warn("Fraud recorded",
		zap.String("txID", txID),
		zap.String("fraudster", subjectAddress),
		zap.Float64("claimed", claimedFinal),
		zap.Float64("actual", actualFinal),
		zap.Float64("deviation", deviation),
		zap.String("tier", tier.String()),
		zap.Float64("stakeSlashed", slashed))
	return nil
}

// Record returns the fraud record for a transaction, if any.
func (l *Ledger) Record(ctx context.Context, txID string) (*data.FraudRecord, error) {
	return l.store.GetFraudRecord(ctx, txID)
}

// History returns all fraud records attributed to an address.
func (l *Ledger) History(ctx context.Context, address string) ([]*data.FraudRecord, error) {
	return l.store.ListFraudRecordsByAddress(ctx, address)
}

// Accountability returns the derived voting statistic for a validator.
func (l *Ledger) Accountability(ctx context.Context, address string) (*data.ValidatorAccountability, error) {
	return l.store.GetAccountability(ctx, address)
}

// Stats returns a snapshot of ledger metrics.
func (l *Ledger) Stats() LedgerStats {
	l.metrics.mu.RLock()
	defer l.metrics.mu.RUnlock()
	return LedgerStats{
		SessionsEvaluated: l.metrics.SessionsEvaluated,
		FraudsRecorded:    l.metrics.FraudsRecorded,
		PenaltiesApplied:  l.metrics.PenaltiesApplied,
		StakeSlashed:      l.metrics.StakeSlashed,
		LastUpdate:        l.metrics.LastUpdate,
	}
}

// LedgerStats is a point-in-time metrics snapshot.
type LedgerStats struct {
	SessionsEvaluated int64
	FraudsRecorded    int64
	PenaltiesApplied  int64
	StakeSlashed      float64
	LastUpdate        time.Time
}

// Classify maps a deviation onto the highest penalty tier it reaches.
// Tiers must be sorted by ascending MinDeviation, which config validation
// enforces.
func Classify(deviation float64, tiers []config.PenaltyTier) (data.FraudTier, config.PenaltyTier) {
	tier := data.FraudTierNone
	var matched config.PenaltyTier
	for i, t := range tiers {
		if deviation >= t.MinDeviation {
			tier = data.FraudTier(i + 1)
			matched = t
		}
	}
	return tier, matched
}

// committeeActual derives the actual score from the committee's recomputed
// finals. The median resists the minority outliers a supermajority outcome
// already outvoted.
func committeeActual(session *data.ValidationSession) (float64, error) {
	scores := session.CommitteeScores()
	if len(scores) == 0 {
		return 0, ErrNoCommitteeScores
	}

	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	return (sorted[mid-1] + sorted[mid]) / 2, nil
}
