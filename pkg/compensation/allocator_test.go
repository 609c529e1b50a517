package compensation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/data"
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	allocator, err := NewAllocator(config.CompensationConfig{
		ProducerShare:  0.70,
		ValidatorShare: 0.30,
	}, zap.NewNop())
	require.NoError(t, err)
	return allocator
}

// validatedSession builds a session where the given number of committee
// members cast decisive votes; abstainers on top do not share in fees.
func validatedSession(t *testing.T, txID string, voters, abstainers int) *data.ValidationSession {
	t.Helper()
	claimed, err := data.NewTrustScore("subject", 80, 60, 40, 20)
	require.NoError(t, err)

	committee := make([]string, 0, voters+abstainers)
	for i := 0; i < voters+abstainers; i++ {
		committee = append(committee, fmt.Sprintf("validator-%02d", i))
	}

	session, err := data.NewValidationSession(txID, 200, claimed, committee, false, time.Minute)
	require.NoError(t, err)

	for i, member := range committee {
		decision := data.VoteAccept
		if i >= voters {
			decision = data.VoteAbstain
		}
		vote, err := data.NewVote(txID, member, decision, claimed, true, 1.0)
		require.NoError(t, err)
		session.Votes[member] = vote
	}
	session.State = data.SessionValidated
	return session
}

func TestNewAllocatorRejectsBadShares(t *testing.T) {
	_, err := NewAllocator(config.CompensationConfig{ProducerShare: 0.7, ValidatorShare: 0.4}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidShares)

	_, err = NewAllocator(config.CompensationConfig{ProducerShare: 1.3, ValidatorShare: -0.3}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidShares)
}

func TestAllocateTransaction(t *testing.T) {
	allocator := testAllocator(t)

	t.Run("splits fee across voters", func(t *testing.T) {
		session := validatedSession(t, "tx-1", 10, 0)

		producer, validators, err := allocator.AllocateTransaction(100, session)
		require.NoError(t, err)
		assert.InDelta(t, 70, producer, 1e-9)
		require.Len(t, validators, 10)
		for _, amount := range validators {
			assert.InDelta(t, 3, amount, 1e-9)
		}
	})

	t.Run("abstainers earn nothing", func(t *testing.T) {
		session := validatedSession(t, "tx-2", 6, 4)

		producer, validators, err := allocator.AllocateTransaction(100, session)
		require.NoError(t, err)
		assert.InDelta(t, 70, producer, 1e-9)
		require.Len(t, validators, 6)
		for _, amount := range validators {
			assert.InDelta(t, 5, amount, 1e-9)
		}
	})

	t.Run("no voters reverts pool to producer", func(t *testing.T) {
		session := validatedSession(t, "tx-3", 0, 10)

		producer, validators, err := allocator.AllocateTransaction(100, session)
		require.NoError(t, err)
		assert.InDelta(t, 100, producer, 1e-9)
		assert.Empty(t, validators)
	})

	t.Run("negative fee rejected", func(t *testing.T) {
		session := validatedSession(t, "tx-4", 5, 0)
		_, _, err := allocator.AllocateTransaction(-1, session)
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})
}

func TestAllocateBlock(t *testing.T) {
	allocator := testAllocator(t)
	session := validatedSession(t, "tx-1", 10, 0)
	sessions := map[string]*data.ValidationSession{"tx-1": session}
	fees := []TxFee{{TxID: "tx-1", Fee: 100}}

	block, err := allocator.AllocateBlock(200, "producer-1", 50, fees, sessions)
	require.NoError(t, err)

	// Reward 50 plus 70% of the 100 fee; each of the 10 voters gets 3.
	assert.InDelta(t, 120, block.ProducerAmount, 1e-9)
	assert.Len(t, block.ValidatorAmounts, 10)
	assert.InDelta(t, 3, block.ValidatorAmounts["validator-00"], 1e-9)
	assert.InDelta(t, 150, block.Total(), 1e-9)
}

func TestAllocateBlockAccumulatesAcrossTransactions(t *testing.T) {
	allocator := testAllocator(t)
	sessions := map[string]*data.ValidationSession{
		"tx-1": validatedSession(t, "tx-1", 5, 0),
		"tx-2": validatedSession(t, "tx-2", 5, 0),
	}
	fees := []TxFee{{TxID: "tx-1", Fee: 50}, {TxID: "tx-2", Fee: 50}}

	block, err := allocator.AllocateBlock(200, "producer-1", 0, fees, sessions)
	require.NoError(t, err)

	// Same five voters on both sessions: 3 per tx, 6 per block.
	assert.InDelta(t, 70, block.ProducerAmount, 1e-9)
	assert.InDelta(t, 6, block.ValidatorAmounts["validator-00"], 1e-9)
	assert.InDelta(t, 100, block.Total(), 1e-9)
}

func TestAllocateBlockUnknownTx(t *testing.T) {
	allocator := testAllocator(t)
	_, err := allocator.AllocateBlock(200, "producer-1", 0,
		[]TxFee{{TxID: "tx-x", Fee: 10}}, map[string]*data.ValidationSession{})
	assert.ErrorIs(t, err, ErrUnknownTx)
}

func TestVerifyBlockPayments(t *testing.T) {
	allocator := testAllocator(t)
	session := validatedSession(t, "tx-1", 10, 0)
	sessions := map[string]*data.ValidationSession{"tx-1": session}
	fees := []TxFee{{TxID: "tx-1", Fee: 100}}

	block, err := allocator.AllocateBlock(200, "producer-1", 50, fees, sessions)
	require.NoError(t, err)
	require.NoError(t, allocator.VerifyBlockPayments(block, fees, sessions))

	t.Run("overpaid producer fails", func(t *testing.T) {
		tampered := *block
		tampered.ProducerAmount += 1
		assert.ErrorIs(t, allocator.VerifyBlockPayments(&tampered, fees, sessions), ErrPaymentMismatch)
	})

	t.Run("missing validator fails", func(t *testing.T) {
		tampered := *block
		tampered.ValidatorAmounts = make(map[string]float64)
		for address, amount := range block.ValidatorAmounts {
			tampered.ValidatorAmounts[address] = amount
		}
		delete(tampered.ValidatorAmounts, "validator-00")
		assert.ErrorIs(t, allocator.VerifyBlockPayments(&tampered, fees, sessions), ErrPaymentMismatch)
	})

	t.Run("skimmed validator fails", func(t *testing.T) {
		tampered := *block
		tampered.ValidatorAmounts = make(map[string]float64)
		for address, amount := range block.ValidatorAmounts {
			tampered.ValidatorAmounts[address] = amount
		}
		tampered.ValidatorAmounts["validator-01"] -= 0.5
		assert.ErrorIs(t, allocator.VerifyBlockPayments(&tampered, fees, sessions), ErrPaymentMismatch)
	})
}
