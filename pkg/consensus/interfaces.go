package consensus

import (
	"context"

	"reputation_consensus/pkg/data"
)

// ScoreOracle produces trust scores. The scoring formula itself is an
// external collaborator; the engine only consumes its output.
type ScoreOracle interface {
	// ComputeScore returns the global-view score for an address.
	ComputeScore(ctx context.Context, address string) (*data.TrustScore, error)

	// ComputeScoreWithBreakdown returns the score as seen from a specific
	// validator's trust-graph view. When the viewer has no web-of-trust
	// edge to the address, the returned score carries HasWoTEdge=false and
	// a renormalized final over the remaining components.
	ComputeScoreWithBreakdown(ctx context.Context, address, viewerAddress string) (*data.TrustScore, error)
}

// TrustGraphView answers edge queries against the local trust graph.
type TrustGraphView interface {
	HasEdge(viewerAddress, subjectAddress string) bool
	PathExcerpt(viewerAddress, subjectAddress string) data.TrustPathExcerpt
}

// SessionStore persists validation sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, session *data.ValidationSession) error
	GetSession(ctx context.Context, txID string) (*data.ValidationSession, error)
}

// FraudSink receives resolved sessions for fraud evaluation.
type FraudSink interface {
	// SessionResolved evaluates a session that reached a terminal state by
	// committee consensus, deriving the actual score from the committee
	// median.
	SessionResolved(ctx context.Context, session *data.ValidationSession) error

	// SessionArbitrated records voter accountability for a session settled
	// by arbitration rather than committee consensus. No fraud
	// classification happens: the arbitration body owns the verdict.
	SessionArbitrated(ctx context.Context, session *data.ValidationSession) error
}

// DisputeEscalator receives sessions the committee could not settle.
type DisputeEscalator interface {
	Escalate(ctx context.Context, session *data.ValidationSession, reason string) error
}

// Broadcaster publishes protocol messages to all connected peers. There is
// deliberately no targeted-send operation: selective delivery would reopen
// the eclipse attacks that broadcast selection closes.
type Broadcaster interface {
	BroadcastChallenge(ctx context.Context, challenge *Challenge) error
	BroadcastVote(ctx context.Context, vote *data.Vote) error
}

// Signer signs vote payloads with this node's validator identity.
type Signer interface {
	Address() string
	PublicKey() []byte
	Sign(payload []byte) ([]byte, error)
}

// SignatureVerifier checks vote signatures against claimed public keys.
type SignatureVerifier interface {
	Verify(payload, signature, publicKey []byte) bool
	// AddressMatchesKey reports whether the public key belongs to the
	// claimed validator address.
	AddressMatchesKey(address string, publicKey []byte) bool
}

// Challenge is the broadcast that opens a validation session. Every node
// recomputes the nonce and its own committee membership on receipt.
type Challenge struct {
	TxID         string           `json:"tx_id"`
	BlockHeight  int64            `json:"block_height"`
	Nonce        string           `json:"nonce"`
	ClaimedScore *data.TrustScore `json:"claimed_score"`
}
