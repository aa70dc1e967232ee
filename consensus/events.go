package consensus

import (
	"fmt"

	"github.com/tos-network/erabft/types"
)

// Event is an input delivered to the EraSupervisor. The union is closed;
// the supervisor's dispatch switch handles every variant and a new variant
// that is not wired up is a compile-time stray, not a silently dropped one.
type Event interface {
	fmt.Stringer
	sealedEvent()
}

// MessageReceivedEvent is an incoming network message.
type MessageReceivedEvent struct {
	Sender NodeID
	Msg    ConsensusMessage
}

func (e *MessageReceivedEvent) sealedEvent() {}
func (e *MessageReceivedEvent) String() string {
	return fmt.Sprintf("msg from %s: %v", e.Sender, e.Msg)
}

// TimerEvent is a previously scheduled wakeup for one era.
type TimerEvent struct {
	Era       types.EraID
	Timestamp types.Timestamp
}

func (e *TimerEvent) sealedEvent() {}
func (e *TimerEvent) String() string {
	return fmt.Sprintf("timer for %v at %v", e.Era, e.Timestamp)
}

// NewProtoBlockEvent delivers the deploys we requested for a new proposal.
type NewProtoBlockEvent struct {
	Era   types.EraID
	Block types.ProtoBlock
	Ctx   types.BlockContext
}

func (e *NewProtoBlockEvent) sealedEvent() {}
func (e *NewProtoBlockEvent) String() string {
	return fmt.Sprintf("new proto-block %v for %v", e.Block.Hash().TerminalString(), e.Era)
}

// AcceptProtoBlockEvent reports that the external validator found the
// proto-block valid; it may now enter the protocol state.
type AcceptProtoBlockEvent struct {
	Era   types.EraID
	Block types.ProtoBlock
}

func (e *AcceptProtoBlockEvent) sealedEvent() {}
func (e *AcceptProtoBlockEvent) String() string {
	return fmt.Sprintf("proto-block %v validated for %v", e.Block.Hash().TerminalString(), e.Era)
}

// InvalidProtoBlockEvent reports that the external validator rejected the
// proto-block; the sender may be sanctioned but this is not equivocation.
type InvalidProtoBlockEvent struct {
	Era    types.EraID
	Sender NodeID
	Block  types.ProtoBlock
}

func (e *InvalidProtoBlockEvent) sealedEvent() {}
func (e *InvalidProtoBlockEvent) String() string {
	return fmt.Sprintf("proto-block %v from %s invalid for %v", e.Block.Hash().TerminalString(), e.Sender, e.Era)
}

// LinearChainBlockEvent notifies consensus that a block was appended to
// the canonical chain. Responder is invoked once the supervisor has
// processed the notification.
type LinearChainBlockEvent struct {
	Header    types.BlockHeader
	Responder func()
}

func (e *LinearChainBlockEvent) sealedEvent() {}
func (e *LinearChainBlockEvent) String() string {
	return fmt.Sprintf("linear chain block %v at height %d in %v", e.Header.Hash.TerminalString(), e.Header.Height, e.Header.Era)
}

// GetValidatorsResponseEvent carries the validator weights for the era
// following Header's era. Weights == nil with Err == nil means the result
// is not yet available; both failure shapes are retried a bounded number
// of times before the supervisor escalates.
type GetValidatorsResponseEvent struct {
	Header  types.BlockHeader
	Weights types.ValidatorWeights
	Err     error
}

func (e *GetValidatorsResponseEvent) sealedEvent() {}
func (e *GetValidatorsResponseEvent) String() string {
	return fmt.Sprintf("validators response for %v: %d validators, err=%v", e.Header.Era.Successor(), len(e.Weights), e.Err)
}
