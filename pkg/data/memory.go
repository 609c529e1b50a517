package data

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is a map-backed Repository used in tests and by nodes
// running without a database.
type MemoryRepository struct {
	validators map[string]*Validator
	sessions   map[string]*ValidationSession
	disputes   map[string]*DisputeCase
	frauds     map[string]*FraudRecord
	events     []*AccountabilityEvent
	mu         sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		validators: make(map[string]*Validator),
		sessions:   make(map[string]*ValidationSession),
		disputes:   make(map[string]*DisputeCase),
		frauds:     make(map[string]*FraudRecord),
	}
}

func (m *MemoryRepository) SaveValidator(_ context.Context, validator *Validator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *validator
	m.validators[validator.Address] = &copied
	return nil
}

func (m *MemoryRepository) GetValidator(_ context.Context, address string) (*Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.validators[address]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (m *MemoryRepository) ListValidators(_ context.Context) ([]*Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	validators := make([]*Validator, 0, len(m.validators))
	for _, v := range m.validators {
		copied := *v
		validators = append(validators, &copied)
	}
	return validators, nil
}

func (m *MemoryRepository) SaveSession(_ context.Context, session *ValidationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.TxID] = session.Clone()
	return nil
}

func (m *MemoryRepository) GetSession(_ context.Context, txID string) (*ValidationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryRepository) PruneSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for txID, s := range m.sessions {
		if s.State.Terminal() && s.ResolvedAt != nil && s.ResolvedAt.Before(before) {
			delete(m.sessions, txID)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryRepository) SaveDispute(_ context.Context, dispute *DisputeCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[dispute.TxID] = dispute.Clone()
	return nil
}

func (m *MemoryRepository) GetDispute(_ context.Context, txID string) (*DisputeCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryRepository) ListOpenDisputes(_ context.Context) ([]*DisputeCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []*DisputeCase
	for _, d := range m.disputes {
		if d.Resolution == DisputePending {
			open = append(open, d.Clone())
		}
	}
	return open, nil
}

func (m *MemoryRepository) SaveFraudRecord(_ context.Context, record *FraudRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.frauds[record.TxID]; exists {
		return ErrDuplicate
	}
	copied := *record
	m.frauds[record.TxID] = &copied
	return nil
}

func (m *MemoryRepository) GetFraudRecord(_ context.Context, txID string) (*FraudRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.frauds[txID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *MemoryRepository) ListFraudRecordsByAddress(_ context.Context, address string) ([]*FraudRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []*FraudRecord
	for _, r := range m.frauds {
		if r.FraudsterAddress == address {
			copied := *r
			records = append(records, &copied)
		}
	}
	return records, nil
}

func (m *MemoryRepository) SaveAccountabilityEvent(_ context.Context, event *AccountabilityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryRepository) GetAccountability(_ context.Context, address string) (*ValidatorAccountability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc := &ValidatorAccountability{ValidatorAddress: address, UpdatedAt: time.Now().UTC()}
	for _, e := range m.events {
		if e.ValidatorAddress != address {
			continue
		}
		acc.VotesCast++
		if e.Decision == VoteAbstain {
			acc.Abstentions++
		} else if e.AgreedWithOutcome {
			acc.VotesAgreed++
		}
	}
	acc.UpdateAccuracy()
	return acc, nil
}
