package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reputation_consensus/pkg/data"
)

func testRules() EligibilityRules {
	return EligibilityRules{
		MinReputation:     70,
		MinStake:          1,
		MaxInactiveBlocks: 1000,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), data.NewMemoryRepository(), testRules(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func addValidator(t *testing.T, r *Registry, address string, reputation, stake float64, lastActive int64) {
	t.Helper()
	v, err := data.NewValidator(address, []byte("pk-"+address), stake, lastActive)
	require.NoError(t, err)
	v.Reputation = reputation
	require.NoError(t, r.Register(context.Background(), v))
}

func TestEligibility(t *testing.T) {
	r := newTestRegistry(t)
	addValidator(t, r, "good", 80, 5, 100)
	addValidator(t, r, "lowrep", 65, 5, 100)
	addValidator(t, r, "nostake", 80, 0.5, 100)
	addValidator(t, r, "stale", 80, 5, 100)

	assert.True(t, r.IsEligible("good", 500))
	assert.False(t, r.IsEligible("lowrep", 500))
	assert.False(t, r.IsEligible("nostake", 500))
	assert.False(t, r.IsEligible("stale", 1200))
	assert.False(t, r.IsEligible("unknown", 500))
}

func TestEligibleSetIsSorted(t *testing.T) {
	r := newTestRegistry(t)
	for _, addr := range []string{"charlie", "alice", "bob"} {
		addValidator(t, r, addr, 80, 5, 100)
	}

	assert.Equal(t, []string{"alice", "bob", "charlie"}, r.EligibleSet(200))
}

func TestSelectCommitteeDeterministic(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 25; i++ {
		addValidator(t, r, fmt.Sprintf("validator-%02d", i), 80, 5, 100)
	}
	cs := NewCommitteeSelector(r, 10)

	first, degraded := cs.SelectCommittee("tx1", 500)
	second, _ := cs.SelectCommittee("tx1", 500)

	assert.False(t, degraded)
	assert.Len(t, first, 10)
	assert.Equal(t, first, second)

	// Different inputs produce a different ordering.
	other, _ := cs.SelectCommittee("tx2", 500)
	assert.NotEqual(t, first, other)
}

func TestSelectCommitteeExcludesIneligible(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 20; i++ {
		addValidator(t, r, fmt.Sprintf("validator-%02d", i), 80, 5, 100)
	}
	addValidator(t, r, "lowrep", 65, 5, 100)
	cs := NewCommitteeSelector(r, 10)

	// A reputation-65 validator must never appear in any committee.
	for i := 0; i < 50; i++ {
		committee, _ := cs.SelectCommittee(fmt.Sprintf("tx-%d", i), 500)
		assert.NotContains(t, committee, "lowrep")
	}
}

func TestSelectCommitteeDegradedMode(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 4; i++ {
		addValidator(t, r, fmt.Sprintf("validator-%02d", i), 80, 5, 100)
	}
	cs := NewCommitteeSelector(r, 10)

	committee, degraded := cs.SelectCommittee("tx1", 500)
	assert.True(t, degraded)
	assert.Len(t, committee, 4)
}

func TestApplyPenaltySerialized(t *testing.T) {
	r := newTestRegistry(t)
	addValidator(t, r, "v1", 80, 100, 100)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.ApplyPenalty(context.Background(), "v1", 15, 0.05)
			done <- err
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	v, err := r.Get("v1")
	require.NoError(t, err)
	// Both penalties applied: 80 - 15 - 15, 100 * 0.95 * 0.95.
	assert.InDelta(t, 50.0, v.Reputation, 1e-9)
	assert.InDelta(t, 90.25, v.Stake, 1e-9)
}
