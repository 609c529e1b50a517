package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"reputation_consensus/pkg/data"
)

var ErrUnknownValidator = errors.New("unknown validator")

// EligibilityRules are the committee-membership requirements.
type EligibilityRules struct {
	MinReputation     float64
	MinStake          float64
	MaxInactiveBlocks int64
}

// Registry tracks candidate validators and answers eligibility queries.
// Mutations are serialized so concurrent penalty applications for the same
// address are never lost.
type Registry struct {
	validators map[string]*data.Validator
	repo       data.Repository
	rules      EligibilityRules
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewRegistry creates a registry and loads known validators from the
// repository.
func NewRegistry(ctx context.Context, repo data.Repository, rules EligibilityRules, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		validators: make(map[string]*data.Validator),
		repo:       repo,
		rules:      rules,
		logger:     logger,
	}

	known, err := repo.ListValidators(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading validators: %w", err)
	}
	for _, v := range known {
		r.validators[v.Address] = v
	}

	return r, nil
}

// Register adds or replaces a validator.
func (r *Registry) Register(ctx context.Context, validator *data.Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validators[validator.Address] = validator
	if err := r.repo.SaveValidator(ctx, validator); err != nil {
		return fmt.Errorf("persisting validator: %w", err)
	}

	r.logger.Info("Validator registered",
		zap.String("address", validator.Address),
		zap.Float64("stake", validator.Stake))
	return nil
}

// Get returns a copy of the validator record.
func (r *Registry) Get(address string) (*data.Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[address]
	if !ok {
		return nil, ErrUnknownValidator
	}
	copied := *v
	return &copied, nil
}

// IsEligible reports whether the address may serve on committees at the
// given height.
func (r *Registry) IsEligible(address string, height int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[address]
	if !ok {
		return false
	}
	return r.eligible(v, height)
}

func (r *Registry) eligible(v *data.Validator, height int64) bool {
	if v.Reputation < r.rules.MinReputation {
		return false
	}
	if v.Stake < r.rules.MinStake {
		return false
	}
	if height-v.LastActiveHeight > r.rules.MaxInactiveBlocks {
		return false
	}
	return true
}

// EligibleSet returns all eligible validator addresses at the given height,
// sorted by address. The canonical order is load-bearing: committee
// selection shuffles this exact sequence, so every node must derive it
// identically.
func (r *Registry) EligibleSet(height int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eligible := make([]string, 0, len(r.validators))
	for addr, v := range r.validators {
		if r.eligible(v, height) {
			eligible = append(eligible, addr)
		}
	}
	sort.Strings(eligible)
	return eligible
}

// MarkActive updates the validator's last-active height.
func (r *Registry) MarkActive(ctx context.Context, address string, height int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[address]
	if !ok {
		return ErrUnknownValidator
	}
	if height > v.LastActiveHeight {
		v.LastActiveHeight = height
	}
	return r.repo.SaveValidator(ctx, v)
}

// AdjustReputation applies a reputation delta, clamped to [0,100].
func (r *Registry) AdjustReputation(ctx context.Context, address string, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[address]
	if !ok {
		return ErrUnknownValidator
	}
	v.ApplyReputationDelta(delta)
	return r.repo.SaveValidator(ctx, v)
}

// ApplyPenalty deducts reputation points and slashes the given stake
// fraction in one serialized step. Returns the slashed amount.
func (r *Registry) ApplyPenalty(ctx context.Context, address string, reputationPenalty, slashFraction float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[address]
	if !ok {
		return 0, ErrUnknownValidator
	}

	v.ApplyReputationDelta(-reputationPenalty)
	slashed := v.SlashStake(slashFraction)

	if err := r.repo.SaveValidator(ctx, v); err != nil {
		return slashed, fmt.Errorf("persisting penalty: %w", err)
	}

	r.logger.Warn("Penalty applied",
		zap.String("address", address),
		zap.Float64("reputationPenalty", reputationPenalty),
		zap.Float64("stakeSlashed", slashed))
	return slashed, nil
}

// Stake returns the validator's current stake, or 0 if unknown. Used for
// stake-weighted arbitration voting.
func (r *Registry) Stake(address string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if v, ok := r.validators[address]; ok {
		return v.Stake
	}
	return 0
}
