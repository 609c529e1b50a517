package compensation

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/data"
)

var (
	ErrInvalidShares   = errors.New("producer and validator shares must sum to 1")
	ErrNegativeAmount  = errors.New("fee and reward amounts must be non-negative")
	ErrUnknownTx       = errors.New("no validation session for transaction")
	ErrPaymentMismatch = errors.New("block payments do not match recomputed allocation")
)

// amountTolerance absorbs float accumulation error when comparing two
// independently computed allocations.
const amountTolerance = 1e-9

// TxFee is one transaction's fee contribution to a block.
type TxFee struct {
	TxID string  `json:"tx_id"`
	Fee  float64 `json:"fee"`
}

// BlockCompensation is the full payment breakdown for one block: the
// producer's reward plus fee share, and each validator's accumulated
// verification pay across the block's transactions.
type BlockCompensation struct {
	Height           int64              `json:"height"`
	ProducerAddress  string             `json:"producer_address"`
	BlockReward      float64            `json:"block_reward"`
	TotalFees        float64            `json:"total_fees"`
	ProducerAmount   float64            `json:"producer_amount"`
	ValidatorAmounts map[string]float64 `json:"validator_amounts"`
}

// Total is the sum of all payouts in the block.
func (bc *BlockCompensation) Total() float64 {
	total := bc.ProducerAmount
	for _, amount := range bc.ValidatorAmounts {
		total += amount
	}
	return total
}

// Allocator splits transaction fees between the block producer and the
// committee members who verified each transaction. The split is pure
// arithmetic over session records, so every node reproduces it exactly.
type Allocator struct {
	cfg    config.CompensationConfig
	logger *zap.Logger
}

// NewAllocator validates the configured split and returns an allocator.
func NewAllocator(cfg config.CompensationConfig, logger *zap.Logger) (*Allocator, error) {
	if math.Abs(cfg.ProducerShare+cfg.ValidatorShare-1) > amountTolerance {
		return nil, ErrInvalidShares
	}
	if cfg.ProducerShare < 0 || cfg.ValidatorShare < 0 {
		return nil, ErrInvalidShares
	}
	return &Allocator{cfg: cfg, logger: logger}, nil
}

// AllocateTransaction splits one transaction's fee: the producer share to
// the producer, the validator share divided equally among the session's
// distinct non-abstaining voters. When nobody qualifies for the validator
// share it reverts to the producer rather than being burned.
func (a *Allocator) AllocateTransaction(fee float64, session *data.ValidationSession) (producerAmount float64, perValidator map[string]float64, err error) {
	if fee < 0 {
		return 0, nil, ErrNegativeAmount
	}

	producerAmount = fee * a.cfg.ProducerShare
	validatorPool := fee * a.cfg.ValidatorShare

	participants := session.Participants()
	if len(participants) == 0 {
		return producerAmount + validatorPool, map[string]float64{}, nil
	}

	perValidator = make(map[string]float64, len(participants))
	share := validatorPool / float64(len(participants))
	for _, address := range participants {
		perValidator[address] = share
	}
	return producerAmount, perValidator, nil
}

// AllocateBlock computes the complete payment breakdown for a block. The
// producer receives the block reward plus its share of every fee;
// validator pay accumulates per address across the block's transactions.
func (a *Allocator) AllocateBlock(height int64, producerAddress string, blockReward float64, fees []TxFee, sessions map[string]*data.ValidationSession) (*BlockCompensation, error) {
	if blockReward < 0 {
		return nil, ErrNegativeAmount
	}

	block := &BlockCompensation{
		Height:           height,
		ProducerAddress:  producerAddress,
		BlockReward:      blockReward,
		ProducerAmount:   blockReward,
		ValidatorAmounts: make(map[string]float64),
	}

	for _, txFee := range fees {
		session, ok := sessions[txFee.TxID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTx, txFee.TxID)
		}

		producerCut, validatorCuts, err := a.AllocateTransaction(txFee.Fee, session)
		if err != nil {
			return nil, fmt.Errorf("allocating fee for tx %s: %w", txFee.TxID, err)
		}

		block.TotalFees += txFee.Fee
		block.ProducerAmount += producerCut
		for address, amount := range validatorCuts {
			block.ValidatorAmounts[address] += amount
		}
	}

	a.logger.Debug("Block compensation allocated",
		zap.Int64("height", height),
		zap.String("producer", producerAddress),
		zap.Float64("producerAmount", block.ProducerAmount),
		zap.Int("validatorsPaid", len(block.ValidatorAmounts)),
		zap.Float64("total", block.Total()))

	return block, nil
}

// VerifyBlockPayments recomputes the allocation from session records and
// compares it against the payments claimed in a received block. Any
// divergence fails the whole block.
func (a *Allocator) VerifyBlockPayments(claimed *BlockCompensation, fees []TxFee, sessions map[string]*data.ValidationSession) error {
	expected, err := a.AllocateBlock(claimed.Height, claimed.ProducerAddress, claimed.BlockReward, fees, sessions)
	if err != nil {
		return err
	}

	if math.Abs(expected.ProducerAmount-claimed.ProducerAmount) > amountTolerance {
		return fmt.Errorf("%w: producer paid %.9f, expected %.9f",
			ErrPaymentMismatch, claimed.ProducerAmount, expected.ProducerAmount)
	}
	if len(expected.ValidatorAmounts) != len(claimed.ValidatorAmounts) {
		return fmt.Errorf("%w: %d validators paid, expected %d",
			ErrPaymentMismatch, len(claimed.ValidatorAmounts), len(expected.ValidatorAmounts))
	}
	for address, amount := range expected.ValidatorAmounts {
		got, ok := claimed.ValidatorAmounts[address]
		if !ok {
			return fmt.Errorf("%w: validator %s missing from payments", ErrPaymentMismatch, address)
		}
		if math.Abs(got-amount) > amountTolerance {
			return fmt.Errorf("%w: validator %s paid %.9f, expected %.9f",
				ErrPaymentMismatch, address, got, amount)
		}
	}
	return nil
}
