// Package message defines the envelope-based wire protocol spoken between
// peers. An envelope carries a sender, an optional target, a kind tag and
// a CBOR payload interpreted according to the kind.
package message

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"swarmlink/identity"
)

// Kind tags the payload carried by an Envelope. The set is open: callers
// may register handlers for their own kinds.
type Kind string

const (
	// Handshake and housekeeping.
	KindHello        Kind = "hello"
	KindWelcome      Kind = "welcome"
	KindGoodbye      Kind = "goodbye"
	KindHeartbeat    Kind = "heartbeat"
	KindHeartbeatAck Kind = "heartbeat_ack"

	// Task exchange.
	KindTaskRequest Kind = "task_request"
	KindTaskResult  Kind = "task_result"

	// Generic state synchronization.
	KindStateSync Kind = "state_sync"
)

// Envelope is the unit of exchange between peers. Built once per send and
// immutable afterwards.
type Envelope struct {
	ID        string           `cbor:"1,keyasint"`
	From      identity.PeerID  `cbor:"2,keyasint"`
	To        *identity.PeerID `cbor:"3,keyasint,omitempty"` // nil means broadcast
	Kind      Kind             `cbor:"4,keyasint"`
	Payload   cbor.RawMessage  `cbor:"5,keyasint,omitempty"`
	Timestamp time.Time        `cbor:"6,keyasint"`
}

// New builds an envelope addressed to a specific peer. The payload is
// CBOR-encoded immediately.
func New(from identity.PeerID, to *identity.PeerID, kind Kind, payload any) (*Envelope, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Broadcast builds an envelope addressed to every connected peer.
func Broadcast(from identity.PeerID, kind Kind, payload any) (*Envelope, error) {
	return New(from, nil, kind, payload)
}

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	return cbor.Marshal(e)
}

// Decode parses an envelope received off the wire.
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := cbor.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	return cbor.Unmarshal(e.Payload, out)
}

// HelloPayload introduces a node to a peer after connecting.
type HelloPayload struct {
	Identity identity.Identity `cbor:"1,keyasint"`
}

// WelcomePayload acknowledges a peer's introduction.
type WelcomePayload struct {
	Status string `cbor:"1,keyasint"`
}

// HeartbeatPayload carries the sender's send timestamp. The ack echoes it
// back so the sender can measure round-trip latency.
type HeartbeatPayload struct {
	SentAt time.Time `cbor:"1,keyasint"`
}
