package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the protocol message carried by an envelope.
type MessageType string

const (
	ChallengeMessage MessageType = "challenge"
	VoteMessage      MessageType = "vote"
	DisputeMessage   MessageType = "dispute"
)

var ErrMalformedEnvelope = errors.New("malformed message envelope")

// Envelope is the wire frame for every gossip message. The payload carries
// its own signature where one is required; the envelope adds only routing
// metadata.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps a payload for publication.
func NewEnvelope(msgType MessageType, payload interface{}, senderID string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return &Envelope{
		Type:      msgType,
		Payload:   raw,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses a wire frame.
func UnmarshalEnvelope(raw []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(raw, envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Type == "" || len(envelope.Payload) == 0 {
		return nil, ErrMalformedEnvelope
	}
	return envelope, nil
}

// Decode parses the payload into the given message struct.
func (e *Envelope) Decode(into interface{}) error {
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
