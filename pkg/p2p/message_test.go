package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reputation_consensus/pkg/consensus"
	"reputation_consensus/pkg/data"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	claimed, err := data.NewTrustScore("subject", 80, 60, 40, 20)
	require.NoError(t, err)
	challenge := &consensus.Challenge{
		TxID:         "tx-1",
		BlockHeight:  200,
		Nonce:        data.ChallengeNonce("tx-1", 200),
		ClaimedScore: claimed,
	}

	envelope, err := NewEnvelope(ChallengeMessage, challenge, "peer-1")
	require.NoError(t, err)

	raw, err := envelope.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, ChallengeMessage, parsed.Type)
	assert.Equal(t, "peer-1", parsed.SenderID)

	decoded := &consensus.Challenge{}
	require.NoError(t, parsed.Decode(decoded))
	assert.Equal(t, challenge.TxID, decoded.TxID)
	assert.Equal(t, challenge.Nonce, decoded.Nonce)
	assert.InDelta(t, claimed.Final, decoded.ClaimedScore.Final, 1e-9)
}

func TestEnvelopeCarriesVoteSignature(t *testing.T) {
	score, err := data.NewTrustScore("subject", 80, 60, 40, 20)
	require.NoError(t, err)
	vote, err := data.NewVote("tx-1", "validator-1", data.VoteAccept, score, true, 1.0)
	require.NoError(t, err)
	vote.Nonce = data.ChallengeNonce("tx-1", 200)
	vote.PublicKey = []byte("public-key")
	vote.Signature = []byte("signature")

	envelope, err := NewEnvelope(VoteMessage, vote, "peer-1")
	require.NoError(t, err)
	raw, err := envelope.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)

	decoded := &data.Vote{}
	require.NoError(t, parsed.Decode(decoded))
	assert.Equal(t, vote.Signature, decoded.Signature)
	assert.Equal(t, vote.PublicKey, decoded.PublicKey)
	assert.Equal(t, vote.SigningPayload(), decoded.SigningPayload())
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = UnmarshalEnvelope([]byte(`{"type":"","payload":null}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
