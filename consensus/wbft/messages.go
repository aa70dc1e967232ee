// Package wbft implements the weighted BFT round protocol plugged into the
// era supervisor. Within one era it finalizes a linear sequence of
// proto-blocks: each height runs rounds of propose / prevote / precommit,
// and a value is final once validators holding more than 2/3 of the
// effective (non-equivocating) weight precommit it.
package wbft

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/types"
)

// VoteStep distinguishes the two voting phases of a round.
type VoteStep uint8

const (
	// StepPrevote is the first voting phase of a round.
	StepPrevote VoteStep = iota + 1
	// StepPrecommit is the binding second phase; a quorum of precommits
	// finalizes the value.
	StepPrecommit
)

func (s VoteStep) String() string {
	switch s {
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Sentinel errors for wire message handling.
var (
	errUnknownPayloadKind = errors.New("wbft: unknown payload kind")
	errBadSignature       = errors.New("wbft: invalid signature")
	errNotAValidator      = errors.New("wbft: sender not bonded in this era")
	errBadEvidence        = errors.New("wbft: malformed evidence pair")
)

// Proposal is a leader's signed proposal of a value for one (height, round).
type Proposal struct {
	Era       types.EraID        `json:"era"`
	Height    uint64             `json:"height"`
	Round     uint32             `json:"round"`
	Block     types.ProtoBlock   `json:"block"`
	Ctx       types.BlockContext `json:"ctx"`
	Validator crypto.PublicKey   `json:"validator"`
	Signature []byte             `json:"signature"`
}

// SignBytes returns the deterministic digest a proposal signature covers.
func (p *Proposal) SignBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x01) // domain tag: proposal
	binary.Write(&buf, binary.BigEndian, uint64(p.Era))
	binary.Write(&buf, binary.BigEndian, p.Height)
	binary.Write(&buf, binary.BigEndian, p.Round)
	hash := p.Block.Hash()
	buf.Write(hash[:])
	binary.Write(&buf, binary.BigEndian, uint64(p.Ctx.Timestamp))
	buf.Write(p.Ctx.Ancestor[:])
	digest := crypto.Sha3Hash(buf.Bytes())
	return digest.Bytes()
}

// Vote is a validator's signed prevote or precommit. A zero BlockHash is a
// nil vote: "no value this round".
type Vote struct {
	Era       types.EraID      `json:"era"`
	Height    uint64           `json:"height"`
	Round     uint32           `json:"round"`
	Step      VoteStep         `json:"step"`
	BlockHash common.Hash      `json:"blockHash"`
	Validator crypto.PublicKey `json:"validator"`
	Signature []byte           `json:"signature"`
}

// SignBytes returns the deterministic digest a vote signature covers.
func (v *Vote) SignBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x02) // domain tag: vote
	binary.Write(&buf, binary.BigEndian, uint64(v.Era))
	binary.Write(&buf, binary.BigEndian, v.Height)
	binary.Write(&buf, binary.BigEndian, v.Round)
	buf.WriteByte(byte(v.Step))
	buf.Write(v.BlockHash[:])
	digest := crypto.Sha3Hash(buf.Bytes())
	return digest.Bytes()
}

// Evidence is a pair of conflicting signed payloads from one validator for
// the same (height, round, step). MsgA and MsgB are complete wire payloads
// so the receiver can re-verify both signatures independently.
type Evidence struct {
	Era  types.EraID `json:"era"`
	MsgA []byte      `json:"msgA"`
	MsgB []byte      `json:"msgB"`
}

// Wire kinds for protocol payload envelopes.
const (
	kindProposal = "proposal"
	kindVote     = "vote"
	kindEvidence = "evidence"
)

type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func encodePayload(kind string, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&payloadEnvelope{Kind: kind, Body: raw})
}

// EncodeProposal serializes a proposal into an opaque protocol payload.
func EncodeProposal(p *Proposal) ([]byte, error) { return encodePayload(kindProposal, p) }

// EncodeVote serializes a vote into an opaque protocol payload.
func EncodeVote(v *Vote) ([]byte, error) { return encodePayload(kindVote, v) }

// EncodeEvidence serializes an evidence pair into an opaque protocol payload.
func EncodeEvidence(e *Evidence) ([]byte, error) { return encodePayload(kindEvidence, e) }

// decodePayload parses an opaque protocol payload into one of the typed
// wire messages.
func decodePayload(data []byte) (interface{}, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case kindProposal:
		p := new(Proposal)
		if err := json.Unmarshal(env.Body, p); err != nil {
			return nil, err
		}
		return p, nil
	case kindVote:
		v := new(Vote)
		if err := json.Unmarshal(env.Body, v); err != nil {
			return nil, err
		}
		return v, nil
	case kindEvidence:
		e := new(Evidence)
		if err := json.Unmarshal(env.Body, e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownPayloadKind, env.Kind)
	}
}

// conflicting reports whether a and b are a valid equivocation pair: same
// validator, era, height, round and step, different content, both signed.
// Returns the offending validator.
func conflicting(a, b *Vote, validators *types.ValidatorSet) (crypto.PublicKey, error) {
	if a.Validator != b.Validator || a.Era != b.Era ||
		a.Height != b.Height || a.Round != b.Round || a.Step != b.Step {
		return crypto.PublicKey{}, errBadEvidence
	}
	if a.BlockHash == b.BlockHash {
		return crypto.PublicKey{}, errBadEvidence
	}
	if !validators.Has(a.Validator) {
		return crypto.PublicKey{}, errNotAValidator
	}
	if !crypto.Verify(a.Validator, a.SignBytes(), a.Signature) ||
		!crypto.Verify(b.Validator, b.SignBytes(), b.Signature) {
		return crypto.PublicKey{}, errBadSignature
	}
	return a.Validator, nil
}

// conflictingProposals is the proposal flavor of conflicting: one leader,
// one round, two different values.
func conflictingProposals(a, b *Proposal, validators *types.ValidatorSet) (crypto.PublicKey, error) {
	if a.Validator != b.Validator || a.Era != b.Era ||
		a.Height != b.Height || a.Round != b.Round {
		return crypto.PublicKey{}, errBadEvidence
	}
	if a.Block.Hash() == b.Block.Hash() {
		return crypto.PublicKey{}, errBadEvidence
	}
	if !validators.Has(a.Validator) {
		return crypto.PublicKey{}, errNotAValidator
	}
	if !crypto.Verify(a.Validator, a.SignBytes(), a.Signature) ||
		!crypto.Verify(b.Validator, b.SignBytes(), b.Signature) {
		return crypto.PublicKey{}, errBadSignature
	}
	return a.Validator, nil
}

// verifyEvidence decodes and checks an evidence pair, returning the
// offending validator. The halves must be two conflicting votes or two
// conflicting proposals, signed for the era the envelope claims: a pair
// signed in some other era must not attribute a fault here, even if the
// key is bonded in both.
func verifyEvidence(e *Evidence, validators *types.ValidatorSet) (crypto.PublicKey, error) {
	rawA, err := decodePayload(e.MsgA)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	rawB, err := decodePayload(e.MsgB)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	if voteA, ok := rawA.(*Vote); ok {
		voteB, ok := rawB.(*Vote)
		if !ok {
			return crypto.PublicKey{}, errBadEvidence
		}
		if voteA.Era != e.Era {
			return crypto.PublicKey{}, errBadEvidence
		}
		return conflicting(voteA, voteB, validators)
	}
	if propA, ok := rawA.(*Proposal); ok {
		propB, ok := rawB.(*Proposal)
		if !ok {
			return crypto.PublicKey{}, errBadEvidence
		}
		if propA.Era != e.Era {
			return crypto.PublicKey{}, errBadEvidence
		}
		return conflictingProposals(propA, propB, validators)
	}
	return crypto.PublicKey{}, errBadEvidence
}
