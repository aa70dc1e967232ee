package types

import (
	"encoding/binary"
	"encoding/json"

	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/crypto"
)

// Deploy is an opaque unit of work carried by a proto-block. Consensus
// never looks inside; deploy well-formedness is the block validator
// collaborator's business.
type Deploy []byte

// ProtoBlock is a candidate block body: an ordered list of deploys plus a
// random bit used by the protocol's leader sequence. It is what consensus
// agrees on; only after finality does it become a block on the chain.
type ProtoBlock struct {
	Deploys []Deploy `json:"deploys"`
	Random  uint64   `json:"random"`
}

// Hash returns the identity of the proto-block: the SHA3-256 digest over
// the deploy list and the random bit.
func (pb *ProtoBlock) Hash() common.Hash {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], pb.Random)
	parts := make([][]byte, 0, len(pb.Deploys)+1)
	for _, d := range pb.Deploys {
		parts = append(parts, d)
	}
	parts = append(parts, num[:])
	return crypto.Sha3Hash(parts...)
}

// MarshalBinary encodes the proto-block for transport.
func (pb *ProtoBlock) MarshalBinary() ([]byte, error) { return json.Marshal(pb) }

// UnmarshalBinary decodes a proto-block from its transport encoding.
func (pb *ProtoBlock) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, pb) }

// BlockContext ties a proto-block to the position it was proposed for: the
// era, the proposal wall clock time and the hash of the latest finalized
// ancestor at proposal time.
type BlockContext struct {
	Era       EraID       `json:"era"`
	Timestamp Timestamp   `json:"timestamp"`
	Ancestor  common.Hash `json:"ancestor"`
}

// BlockHeader is the header of a block already appended to the canonical
// chain, as reported by the storage collaborator through the linear chain
// notification path.
type BlockHeader struct {
	Era         EraID       `json:"era"`
	Height      uint64      `json:"height"`
	Hash        common.Hash `json:"hash"`
	Parent      common.Hash `json:"parent"`
	Timestamp   Timestamp   `json:"timestamp"`
	SwitchBlock bool        `json:"switchBlock"`
}

// EraEnd is the summary an era's protocol instance produces alongside its
// last finalized block: who misbehaved and which weights earn rewards.
type EraEnd struct {
	// Equivocators lists every validator caught equivocating in the era.
	Equivocators []crypto.PublicKey `json:"equivocators"`
	// RewardWeights holds the weights of validators that stayed correct.
	RewardWeights ValidatorWeights `json:"rewardWeights"`
}

// FinalizedBlock is a proto-block that reached finality at a fixed
// position in its era's sequence. It is handed to the execution
// collaborator exactly once.
type FinalizedBlock struct {
	Era    EraID        `json:"era"`
	Height uint64       `json:"height"` // position within the era, starting at 0
	Value  ProtoBlock   `json:"value"`
	Ctx    BlockContext `json:"ctx"`
	// EraEnd is non-nil only on the era's last finalized block.
	EraEnd *EraEnd `json:"eraEnd,omitempty"`
	// Proposer is the validator whose proposal was finalized.
	Proposer crypto.PublicKey `json:"proposer"`
}
