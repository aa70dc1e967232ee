package consensus

import (
	"fmt"

	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/types"
)

// Effect is a side effecting request the supervisor emits toward the
// surrounding node. The node's dispatcher applies each effect to the
// responsible collaborator; responses come back as Events. Like Event the
// union is closed and dispatched exhaustively.
type Effect interface {
	fmt.Stringer
	sealedEffect()
}

// BroadcastEffect gossips a consensus message to all peers.
type BroadcastEffect struct {
	Msg ConsensusMessage
}

func (e *BroadcastEffect) sealedEffect() {}
func (e *BroadcastEffect) String() string {
	return fmt.Sprintf("broadcast %v", e.Msg)
}

// SendEffect addresses a consensus message to a single peer.
type SendEffect struct {
	To  NodeID
	Msg ConsensusMessage
}

func (e *SendEffect) sealedEffect() {}
func (e *SendEffect) String() string {
	return fmt.Sprintf("send to %s: %v", e.To, e.Msg)
}

// TimerEffect asks for a TimerEvent for Era to be delivered at At.
type TimerEffect struct {
	Era types.EraID
	At  types.Timestamp
}

func (e *TimerEffect) sealedEffect() {}
func (e *TimerEffect) String() string {
	return fmt.Sprintf("schedule timer for %v at %v", e.Era, e.At)
}

// RequestProtoBlockEffect asks the proposer collaborator (deploy buffer)
// for fresh proto-block content matching Ctx. The answer arrives as a
// NewProtoBlockEvent.
type RequestProtoBlockEffect struct {
	Era types.EraID
	Ctx types.BlockContext
}

func (e *RequestProtoBlockEffect) sealedEffect() {}
func (e *RequestProtoBlockEffect) String() string {
	return fmt.Sprintf("request proto-block for %v", e.Era)
}

// ValidateBlockEffect asks the external validator for a verdict on a
// received proto-block. The answer arrives as AcceptProtoBlockEvent or
// InvalidProtoBlockEvent.
type ValidateBlockEffect struct {
	Era    types.EraID
	Sender NodeID
	Block  types.ProtoBlock
	Ctx    types.BlockContext
}

func (e *ValidateBlockEffect) sealedEffect() {}
func (e *ValidateBlockEffect) String() string {
	return fmt.Sprintf("validate proto-block %v for %v", e.Block.Hash().TerminalString(), e.Era)
}

// GetValidatorsEffect asks the execution layer for the validator weights
// of the era following the switch block Header.
type GetValidatorsEffect struct {
	Header types.BlockHeader
}

func (e *GetValidatorsEffect) sealedEffect() {}
func (e *GetValidatorsEffect) String() string {
	return fmt.Sprintf("get validators after switch block %v", e.Header.Hash.TerminalString())
}

// ExecuteBlockEffect hands a finalized block to the execution layer.
// Fire and forget: consensus awaits no reply.
type ExecuteBlockEffect struct {
	Block types.FinalizedBlock
}

func (e *ExecuteBlockEffect) sealedEffect() {}
func (e *ExecuteBlockEffect) String() string {
	return fmt.Sprintf("execute finalized block %d of %v", e.Block.Height, e.Block.Era)
}

// AnnounceFaultEffect surfaces a newly detected equivocation to the outer
// node (gossip, slashing bookkeeping).
type AnnounceFaultEffect struct {
	Era    types.EraID
	PubKey crypto.PublicKey
}

func (e *AnnounceFaultEffect) sealedEffect() {}
func (e *AnnounceFaultEffect) String() string {
	return fmt.Sprintf("announce fault by %v in %v", e.PubKey.TerminalString(), e.Era)
}

// FatalEffect aborts node operation. Emitted only for unrecoverable
// conditions: an internal invariant violation or an exhausted validator
// weights lookup.
type FatalEffect struct {
	Err error
}

func (e *FatalEffect) sealedEffect() {}
func (e *FatalEffect) String() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}
