package data

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidID        = errors.New("invalid identifier")
	ErrInvalidScore     = errors.New("score component out of range")
	ErrInvalidDecision  = errors.New("invalid vote decision")
	ErrMissingSignature = errors.New("missing required signature")
	ErrInvalidTime      = errors.New("invalid timestamp")
	ErrInvalidStake     = errors.New("invalid stake amount")
)

// Canonical trust score component weights.
const (
	WeightBehavior   = 0.40
	WeightWebOfTrust = 0.30
	WeightEconomic   = 0.20
	WeightTemporal   = 0.10
)

// Renormalized weights for validators without a web-of-trust edge to the
// subject. The web-of-trust share is redistributed over the remaining 70%.
const (
	WeightBehaviorNoWoT = WeightBehavior / (1 - WeightWebOfTrust)
	WeightEconomicNoWoT = WeightEconomic / (1 - WeightWebOfTrust)
	WeightTemporalNoWoT = WeightTemporal / (1 - WeightWebOfTrust)
)

// TrustScore is a multi-component trust score for an address.
// Component scores are in [0,100]. When the computing validator has no
// web-of-trust edge to the subject, WebOfTrust is meaningless and HasWoTEdge
// is false; Final is then the renormalized weighted sum of the remaining
// components.
type TrustScore struct {
	Address    string    `json:"address"`
	Behavior   float64   `json:"behavior"`
	WebOfTrust float64   `json:"web_of_trust"`
	Economic   float64   `json:"economic"`
	Temporal   float64   `json:"temporal"`
	Final      float64   `json:"final"`
	HasWoTEdge bool      `json:"has_wot_edge"`
	ComputedAt time.Time `json:"computed_at"`
}

// NewTrustScore builds a score with the canonical weights.
func NewTrustScore(address string, behavior, webOfTrust, economic, temporal float64) (*TrustScore, error) {
	for _, c := range []float64{behavior, webOfTrust, economic, temporal} {
		if c < 0 || c > 100 {
			return nil, ErrInvalidScore
		}
	}

	ts := &TrustScore{
		Address:    address,
		Behavior:   behavior,
		WebOfTrust: webOfTrust,
		Economic:   economic,
		Temporal:   temporal,
		HasWoTEdge: true,
		ComputedAt: time.Now().UTC(),
	}
	ts.Final = behavior*WeightBehavior + webOfTrust*WeightWebOfTrust +
		economic*WeightEconomic + temporal*WeightTemporal
	return ts, nil
}

// NewTrustScoreWithoutWoT builds a score for a computation that has no
// web-of-trust view of the subject, using the renormalized weights.
func NewTrustScoreWithoutWoT(address string, behavior, economic, temporal float64) (*TrustScore, error) {
	for _, c := range []float64{behavior, economic, temporal} {
		if c < 0 || c > 100 {
			return nil, ErrInvalidScore
		}
	}

	ts := &TrustScore{
		Address:    address,
		Behavior:   behavior,
		Economic:   economic,
		Temporal:   temporal,
		HasWoTEdge: false,
		ComputedAt: time.Now().UTC(),
	}
	ts.Final = behavior*WeightBehaviorNoWoT + economic*WeightEconomicNoWoT +
		temporal*WeightTemporalNoWoT
	return ts, nil
}

// RenormalizedFinal recomputes the final score over the non-WoT components
// only. Used when comparing a claimed full score against a computation that
// could not see the web-of-trust component.
func (ts *TrustScore) RenormalizedFinal() float64 {
	return ts.Behavior*WeightBehaviorNoWoT + ts.Economic*WeightEconomicNoWoT +
		ts.Temporal*WeightTemporalNoWoT
}

// Validate checks component ranges.
func (ts *TrustScore) Validate() error {
	if ts.Address == "" {
		return ErrInvalidID
	}
	for _, c := range []float64{ts.Behavior, ts.Economic, ts.Temporal, ts.Final} {
		if c < 0 || c > 100 {
			return ErrInvalidScore
		}
	}
	if ts.HasWoTEdge && (ts.WebOfTrust < 0 || ts.WebOfTrust > 100) {
		return ErrInvalidScore
	}
	return nil
}

// VoteDecision is a committee member's verdict on a claimed score.
type VoteDecision string

const (
	VoteAccept  VoteDecision = "ACCEPT"
	VoteReject  VoteDecision = "REJECT"
	VoteAbstain VoteDecision = "ABSTAIN"
)

// Base vote weights. Validators holding a web-of-trust edge to the subject
// can verify all four components and count double.
const (
	WoTVoteWeight    = 1.0
	NonWoTVoteWeight = 0.5
)

// Vote is a committee member's signed verdict for one validation session.
// Immutable once recorded.
type Vote struct {
	TxID             string       `json:"tx_id"`
	ValidatorAddress string       `json:"validator_address"`
	Decision         VoteDecision `json:"decision"`
	ComputedScore    *TrustScore  `json:"computed_score,omitempty"`
	HasWoTEdge       bool         `json:"has_wot_edge"`
	Confidence       float64      `json:"confidence"`
	Nonce            string       `json:"nonce"`
	PublicKey        []byte       `json:"public_key"`
	Signature        []byte       `json:"signature"`
	Timestamp        time.Time    `json:"timestamp"`
}

// NewVote creates an unsigned vote. Confidence defaults to 1.0 when the
// caller passes a non-positive value.
func NewVote(txID, validatorAddress string, decision VoteDecision, score *TrustScore, hasWoT bool, confidence float64) (*Vote, error) {
	if txID == "" || validatorAddress == "" {
		return nil, ErrInvalidID
	}
	switch decision {
	case VoteAccept, VoteReject, VoteAbstain:
	default:
		return nil, ErrInvalidDecision
	}
	if confidence <= 0 {
		confidence = 1.0
	}
	if confidence > 1 {
		return nil, fmt.Errorf("confidence must be in (0,1]: %f", confidence)
	}

	return &Vote{
		TxID:             txID,
		ValidatorAddress: validatorAddress,
		Decision:         decision,
		ComputedScore:    score,
		HasWoTEdge:       hasWoT,
		Confidence:       confidence,
		Timestamp:        time.Now().UTC(),
	}, nil
}

// Weight returns the vote's tally weight: the web-of-trust base weight
// scaled by the validator's confidence.
func (v *Vote) Weight() float64 {
	base := NonWoTVoteWeight
	if v.HasWoTEdge {
		base = WoTVoteWeight
	}
	return base * v.Confidence
}

// SigningPayload returns the canonical byte string covered by the vote
// signature: (txID, validator, decision, final score, nonce).
func (v *Vote) SigningPayload() []byte {
	h := sha256.New()
	h.Write([]byte(v.TxID))
	h.Write([]byte(v.ValidatorAddress))
	h.Write([]byte(v.Decision))
	var final float64
	if v.ComputedScore != nil {
		final = v.ComputedScore.Final
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(final))
	h.Write(buf[:])
	h.Write([]byte(v.Nonce))
	return h.Sum(nil)
}

// Validate checks the vote is structurally complete.
func (v *Vote) Validate() error {
	if v.TxID == "" || v.ValidatorAddress == "" {
		return ErrInvalidID
	}
	switch v.Decision {
	case VoteAccept, VoteReject, VoteAbstain:
	default:
		return ErrInvalidDecision
	}
	if len(v.Signature) == 0 || len(v.PublicKey) == 0 {
		return ErrMissingSignature
	}
	if v.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	if v.Confidence <= 0 || v.Confidence > 1 {
		return fmt.Errorf("confidence must be in (0,1]: %f", v.Confidence)
	}
	return nil
}

// SessionState is the lifecycle state of a validation session.
type SessionState string

const (
	SessionPending   SessionState = "PENDING"
	SessionValidated SessionState = "VALIDATED"
	SessionRejected  SessionState = "REJECTED"
	SessionDisputed  SessionState = "DISPUTED"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionValidated || s == SessionRejected || s == SessionDisputed
}

// ValidationSession tracks the challenge/response verification of one
// transaction's claimed trust score.
type ValidationSession struct {
	TxID         string           `json:"tx_id"`
	BlockHeight  int64            `json:"block_height"`
	ClaimedScore *TrustScore      `json:"claimed_score"`
	Nonce        string           `json:"nonce"`
	Committee    []string         `json:"committee"`
	Degraded     bool             `json:"degraded"`
	Votes        map[string]*Vote `json:"votes"`
	State        SessionState     `json:"state"`
	StartedAt    time.Time        `json:"started_at"`
	Deadline     time.Time        `json:"deadline"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}

// ChallengeNonce derives the replay-protection nonce for a session. It is a
// pure function of (txID, height) so every node recomputes the same value.
func ChallengeNonce(txID string, height int64) string {
	h := sha256.New()
	h.Write([]byte(txID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])
	h.Write([]byte("reputation-consensus/challenge/1"))
	return hex.EncodeToString(h.Sum(nil))
}

// NewValidationSession creates a pending session with its nonce derived from
// the transaction id and block height.
func NewValidationSession(txID string, height int64, claimed *TrustScore, committee []string, degraded bool, timeout time.Duration) (*ValidationSession, error) {
	if txID == "" {
		return nil, ErrInvalidID
	}
	if claimed == nil {
		return nil, errors.New("claimed score cannot be nil")
	}
	if err := claimed.Validate(); err != nil {
		return nil, fmt.Errorf("validating claimed score: %w", err)
	}

	now := time.Now().UTC()
	return &ValidationSession{
		TxID:         txID,
		BlockHeight:  height,
		ClaimedScore: claimed,
		Nonce:        ChallengeNonce(txID, height),
		Committee:    committee,
		Degraded:     degraded,
		Votes:        make(map[string]*Vote),
		State:        SessionPending,
		StartedAt:    now,
		Deadline:     now.Add(timeout),
	}, nil
}

// Clone returns a deep copy of the session. Callers that hand sessions
// across goroutine boundaries (API snapshots, repository storage) use the
// copy so concurrent vote ingestion cannot mutate it underneath them.
func (s *ValidationSession) Clone() *ValidationSession {
	if s == nil {
		return nil
	}
	copied := *s
	copied.Committee = append([]string(nil), s.Committee...)
	copied.Votes = make(map[string]*Vote, len(s.Votes))
	for addr, v := range s.Votes {
		vc := *v
		copied.Votes[addr] = &vc
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		copied.ResolvedAt = &t
	}
	return &copied
}

// HasCommitteeMember reports whether the address is part of the session's
// committee.
func (s *ValidationSession) HasCommitteeMember(address string) bool {
	for _, member := range s.Committee {
		if member == address {
			return true
		}
	}
	return false
}

// CommitteeScores returns the final scores recomputed by non-abstaining
// committee voters, for median derivation.
func (s *ValidationSession) CommitteeScores() []float64 {
	scores := make([]float64, 0, len(s.Votes))
	for _, v := range s.Votes {
		if v.Decision != VoteAbstain && v.ComputedScore != nil {
			scores = append(scores, v.ComputedScore.Final)
		}
	}
	return scores
}

// Participants returns the distinct addresses that cast a non-abstaining
// vote, in committee order. Compensation is paid to these validators.
func (s *ValidationSession) Participants() []string {
	participants := make([]string, 0, len(s.Votes))
	for _, member := range s.Committee {
		if v, ok := s.Votes[member]; ok && v.Decision != VoteAbstain {
			participants = append(participants, member)
		}
	}
	return participants
}

// DisputeResolution is the arbitration outcome for a disputed session.
type DisputeResolution string

const (
	DisputePending   DisputeResolution = "PENDING"
	DisputeValidated DisputeResolution = "VALIDATED"
	DisputeRejected  DisputeResolution = "REJECTED"
)

// ArbitrationVote is a stake-weighted vote cast by an arbitration body
// member on a dispute.
type ArbitrationVote struct {
	MemberAddress string    `json:"member_address"`
	Stake         float64   `json:"stake"`
	Accept        bool      `json:"accept"`
	Signature     []byte    `json:"signature,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TrustPathExcerpt is a fragment of the trust graph bundled as dispute
// evidence: the path strength a voter had toward the subject.
type TrustPathExcerpt struct {
	ValidatorAddress string  `json:"validator_address"`
	SubjectAddress   string  `json:"subject_address"`
	PathCount        int     `json:"path_count"`
	PathStrength     float64 `json:"path_strength"`
}

// DisputeCase packages a disputed session for arbitration.
type DisputeCase struct {
	ID                   string                      `json:"id"`
	TxID                 string                      `json:"tx_id"`
	SubjectAddress       string                      `json:"subject_address"`
	ClaimedScore         *TrustScore                 `json:"claimed_score"`
	Votes                []*Vote                     `json:"votes"`
	TrustExcerpts        []TrustPathExcerpt          `json:"trust_excerpts,omitempty"`
	Reason               string                      `json:"reason"`
	EvidenceInsufficient bool                        `json:"evidence_insufficient"`
	ArbitrationVotes     map[string]*ArbitrationVote `json:"arbitration_votes"`
	Resolution           DisputeResolution           `json:"resolution"`
	CreatedAt            time.Time                   `json:"created_at"`
	ResolvedAt           *time.Time                  `json:"resolved_at,omitempty"`
	LastNotifiedAt       time.Time                   `json:"last_notified_at"`
}

// NewDisputeCase bundles a disputed session's evidence.
func NewDisputeCase(session *ValidationSession, reason string) (*DisputeCase, error) {
	if session == nil {
		return nil, errors.New("session cannot be nil")
	}

	votes := make([]*Vote, 0, len(session.Votes))
	for _, member := range session.Committee {
		if v, ok := session.Votes[member]; ok {
			votes = append(votes, v)
		}
	}

	now := time.Now().UTC()
	return &DisputeCase{
		ID:                   uuid.New().String(),
		TxID:                 session.TxID,
		SubjectAddress:       session.ClaimedScore.Address,
		ClaimedScore:         session.ClaimedScore,
		Votes:                votes,
		Reason:               reason,
		EvidenceInsufficient: len(votes) == 0,
		ArbitrationVotes:     make(map[string]*ArbitrationVote),
		Resolution:           DisputePending,
		CreatedAt:            now,
		LastNotifiedAt:       now,
	}, nil
}

// Clone returns a deep copy of the dispute, for the same snapshot
// discipline as ValidationSession.Clone.
func (d *DisputeCase) Clone() *DisputeCase {
	if d == nil {
		return nil
	}
	copied := *d
	copied.Votes = make([]*Vote, len(d.Votes))
	for i, v := range d.Votes {
		vc := *v
		copied.Votes[i] = &vc
	}
	copied.TrustExcerpts = append([]TrustPathExcerpt(nil), d.TrustExcerpts...)
	copied.ArbitrationVotes = make(map[string]*ArbitrationVote, len(d.ArbitrationVotes))
	for addr, v := range d.ArbitrationVotes {
		vc := *v
		copied.ArbitrationVotes[addr] = &vc
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		copied.ResolvedAt = &t
	}
	return &copied
}

// FraudTier buckets a score deviation into a penalty class.
type FraudTier int

const (
	FraudTierNone FraudTier = iota
	FraudTierMinor
	FraudTierModerate
	FraudTierSevere
)

func (t FraudTier) String() string {
	switch t {
	case FraudTierMinor:
		return "minor"
	case FraudTierModerate:
		return "moderate"
	case FraudTierSevere:
		return "severe"
	default:
		return "none"
	}
}

// FraudRecord is the permanent accountability record for a detected
// reputation-fraud attempt. Append-only: at most one record per transaction.
type FraudRecord struct {
	TxID               string    `json:"tx_id"`
	FraudsterAddress   string    `json:"fraudster_address"`
	ClaimedFinal       float64   `json:"claimed_final"`
	ActualFinal        float64   `json:"actual_final"`
	Deviation          float64   `json:"deviation"`
	Tier               FraudTier `json:"tier"`
	ReputationPenalty  float64   `json:"reputation_penalty"`
	StakeSlashFraction float64   `json:"stake_slash_fraction"`
	BlockHeight        int64     `json:"block_height"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// Validator is a registry-tracked candidate committee member.
type Validator struct {
	Address          string    `json:"address"`
	PublicKey        []byte    `json:"public_key"`
	Reputation       float64   `json:"reputation"`
	Stake            float64   `json:"stake"`
	LastActiveHeight int64     `json:"last_active_height"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewValidator registers a validator with a neutral starting reputation.
func NewValidator(address string, publicKey []byte, stake float64, height int64) (*Validator, error) {
	if address == "" {
		return nil, ErrInvalidID
	}
	if stake < 0 {
		return nil, ErrInvalidStake
	}

	now := time.Now().UTC()
	return &Validator{
		Address:          address,
		PublicKey:        publicKey,
		Reputation:       50,
		Stake:            stake,
		LastActiveHeight: height,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// ApplyReputationDelta adjusts reputation, clamped to [0,100].
func (v *Validator) ApplyReputationDelta(delta float64) {
	v.Reputation = math.Max(0, math.Min(100, v.Reputation+delta))
	v.UpdatedAt = time.Now().UTC()
}

// SlashStake removes the given fraction of the validator's stake and
// returns the slashed amount.
func (v *Validator) SlashStake(fraction float64) float64 {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}
	slashed := v.Stake * fraction
	v.Stake -= slashed
	v.UpdatedAt = time.Now().UTC()
	return slashed
}

// AccountabilityEvent is one append-only entry in a validator's voting
// history.
type AccountabilityEvent struct {
	ID                string       `json:"id"`
	ValidatorAddress  string       `json:"validator_address"`
	TxID              string       `json:"tx_id"`
	Decision          VoteDecision `json:"decision"`
	AgreedWithOutcome bool         `json:"agreed_with_outcome"`
	Timestamp         time.Time    `json:"timestamp"`
}

// NewAccountabilityEvent records one vote's agreement with the session's
// final outcome.
func NewAccountabilityEvent(validatorAddress, txID string, decision VoteDecision, agreed bool) *AccountabilityEvent {
	return &AccountabilityEvent{
		ID:                uuid.New().String(),
		ValidatorAddress:  validatorAddress,
		TxID:              txID,
		Decision:          decision,
		AgreedWithOutcome: agreed,
		Timestamp:         time.Now().UTC(),
	}
}

// ValidatorAccountability is the derived per-validator voting statistic.
type ValidatorAccountability struct {
	ValidatorAddress string    `json:"validator_address"`
	VotesCast        uint64    `json:"votes_cast"`
	VotesAgreed      uint64    `json:"votes_agreed"`
	Abstentions      uint64    `json:"abstentions"`
	AccuracyRate     float64   `json:"accuracy_rate"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Record folds one event into the running statistic.
func (a *ValidatorAccountability) Record(event *AccountabilityEvent) {
	a.VotesCast++
	if event.Decision == VoteAbstain {
		a.Abstentions++
	} else if event.AgreedWithOutcome {
		a.VotesAgreed++
	}
	a.UpdateAccuracy()
	a.UpdatedAt = time.Now().UTC()
}

// UpdateAccuracy recomputes the accuracy ratio over decisive votes.
func (a *ValidatorAccountability) UpdateAccuracy() {
	decisive := a.VotesCast - a.Abstentions
	if decisive > 0 {
		a.AccuracyRate = float64(a.VotesAgreed) / float64(decisive)
	}
}
