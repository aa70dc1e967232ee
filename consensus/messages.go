// Package consensus implements the era scoped consensus engine: the
// EraSupervisor that owns one protocol instance per active era, the
// candidate proto-block lifecycle, and the translation of protocol
// outcomes into typed effects toward the surrounding node.
package consensus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/types"
)

// NodeID identifies a network peer. Peer identity is owned by the
// networking layer; consensus only echoes it back when addressing replies.
type NodeID string

var (
	errUnknownMessageKind = errors.New("consensus: unknown message kind")
)

// ConsensusMessage is a message exchanged between the consensus components
// of different nodes. The union is closed: a message is either a protocol
// payload scoped to one era or a request for equivocation evidence.
type ConsensusMessage interface {
	// Era returns the era the message is scoped to.
	Era() types.EraID
	fmt.Stringer

	sealedMessage()
}

// ProtocolMsg carries an opaque payload for the protocol instance of one
// era. The payload's internal structure belongs to the pluggable round
// protocol and must survive transport byte-identical.
type ProtocolMsg struct {
	EraID   types.EraID `json:"era"`
	Payload []byte      `json:"payload"`
}

func (m *ProtocolMsg) Era() types.EraID { return m.EraID }
func (m *ProtocolMsg) sealedMessage()   {}

func (m *ProtocolMsg) String() string {
	return fmt.Sprintf("protocol message (%d bytes) in %v", len(m.Payload), m.EraID)
}

// EvidenceRequestMsg asks for proof that PubKey equivocated in EraID or
// any earlier era in which it was still bonded.
type EvidenceRequestMsg struct {
	EraID  types.EraID      `json:"era"`
	PubKey crypto.PublicKey `json:"pubKey"`
}

func (m *EvidenceRequestMsg) Era() types.EraID { return m.EraID }
func (m *EvidenceRequestMsg) sealedMessage()   {}

func (m *EvidenceRequestMsg) String() string {
	return fmt.Sprintf("request for evidence of fault by %v in %v or earlier", m.PubKey.TerminalString(), m.EraID)
}

// Wire kinds for the message envelope.
const (
	msgKindProtocol        = "protocol"
	msgKindEvidenceRequest = "evidenceRequest"
)

type messageEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EncodeMessage serializes a consensus message for transport. Protocol
// payloads pass through unmodified, so decoding yields a byte-identical
// payload.
func EncodeMessage(msg ConsensusMessage) ([]byte, error) {
	var (
		kind string
		body []byte
		err  error
	)
	switch m := msg.(type) {
	case *ProtocolMsg:
		kind = msgKindProtocol
		body, err = json.Marshal(m)
	case *EvidenceRequestMsg:
		kind = msgKindEvidenceRequest
		body, err = json.Marshal(m)
	default:
		return nil, errUnknownMessageKind
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(&messageEnvelope{Kind: kind, Body: body})
}

// DecodeMessage parses a consensus message from its transport encoding.
func DecodeMessage(data []byte) (ConsensusMessage, error) {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case msgKindProtocol:
		m := new(ProtocolMsg)
		if err := json.Unmarshal(env.Body, m); err != nil {
			return nil, err
		}
		return m, nil
	case msgKindEvidenceRequest:
		m := new(EvidenceRequestMsg)
		if err := json.Unmarshal(env.Body, m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownMessageKind, env.Kind)
	}
}
