package trust

import (
	"context"
	"errors"
	"fmt"
	"math"

	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/registry"
)

var ErrUnknownSubject = errors.New("subject has no scoreable history")

// neutral is the component score assigned when no evidence exists either
// way.
const neutral = 50.0

// stakePivot is the stake at which the economic component crosses 50.
const stakePivot = 100.0

// AccountabilityReader supplies a subject's voting history.
type AccountabilityReader interface {
	GetAccountability(ctx context.Context, address string) (*data.ValidatorAccountability, error)
}

// Oracle computes trust scores from this node's local evidence: registry
// state for the economic and temporal components, accountability history
// for behavior, and the trust graph for the web-of-trust component.
// Different nodes hold different graphs, so the oracle is explicitly a
// per-viewer computation.
type Oracle struct {
	registry *registry.Registry
	history  AccountabilityReader
	graph    *Graph
	height   func() int64
}

// NewOracle creates an oracle. The height function supplies the current
// block height for temporal scoring.
func NewOracle(reg *registry.Registry, history AccountabilityReader, graph *Graph, height func() int64) *Oracle {
	return &Oracle{registry: reg, history: history, graph: graph, height: height}
}

// ComputeScore returns the global-view score for an address, using the
// aggregate incoming trust instead of any single viewer's edge.
func (o *Oracle) ComputeScore(ctx context.Context, address string) (*data.TrustScore, error) {
	behavior, economic, temporal, err := o.baseComponents(ctx, address)
	if err != nil {
		return nil, err
	}
	webOfTrust := o.graph.IncomingStrength(address) * 100
	return data.NewTrustScore(address, behavior, webOfTrust, economic, temporal)
}

// ComputeScoreWithBreakdown returns the score as the given viewer sees it.
// Without a trust path from viewer to subject the web-of-trust component
// is unknowable and the score renormalizes over the rest.
func (o *Oracle) ComputeScoreWithBreakdown(ctx context.Context, address, viewerAddress string) (*data.TrustScore, error) {
	behavior, economic, temporal, err := o.baseComponents(ctx, address)
	if err != nil {
		return nil, err
	}

	excerpt := o.graph.PathExcerpt(viewerAddress, address)
	if excerpt.PathCount == 0 {
		return data.NewTrustScoreWithoutWoT(address, behavior, economic, temporal)
	}
	return data.NewTrustScore(address, behavior, excerpt.PathStrength*100, economic, temporal)
}

// baseComponents computes the three components every validator can verify
// from shared state.
func (o *Oracle) baseComponents(ctx context.Context, address string) (behavior, economic, temporal float64, err error) {
	validator, err := o.registry.Get(address)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrUnknownSubject, address)
	}

	behavior = neutral
	if acct, err := o.history.GetAccountability(ctx, address); err == nil && acct.VotesCast > acct.Abstentions {
		behavior = acct.AccuracyRate * 100
	}

	// Saturating stake curve: stake at the pivot scores 50, unbounded
	// stake approaches 100.
	economic = 100 * validator.Stake / (validator.Stake + stakePivot)

	// Full marks for recent activity, decaying linearly to zero over the
	// last thousand blocks.
	inactive := float64(o.height() - validator.LastActiveHeight)
	temporal = math.Max(0, 100*(1-inactive/1000))

	return behavior, economic, temporal, nil
}
