package consensus

import (
	"fmt"

	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/types"
)

// Protocol is the pluggable per-era round protocol. The supervisor and the
// candidate tracker are written against this interface only; wbft provides
// the conforming implementation.
//
// Instances are driven exclusively by the supervisor's single event loop,
// so implementations need no internal locking.
type Protocol interface {
	// HandleTimer processes a scheduled wakeup. Timers are the sole
	// driver of liveness when no messages arrive.
	HandleTimer(now types.Timestamp) []Outcome

	// HandleMessage processes an opaque protocol payload from a peer.
	// Malformed or unsigned payloads are dropped with an outcome-free
	// return, never a panic.
	HandleMessage(sender NodeID, payload []byte, now types.Timestamp) []Outcome

	// Propose offers freshly assembled proto-block content for the
	// instance's own next proposal slot.
	Propose(block types.ProtoBlock, ctx types.BlockContext) []Outcome

	// ResolveValidity delivers the external validity verdict for a value
	// the instance asked to have validated.
	ResolveValidity(hash common.Hash, valid bool) []Outcome

	// EvidencePayload returns a re-broadcastable protocol payload proving
	// that pub equivocated, if the instance holds such proof.
	EvidencePayload(pub crypto.PublicKey) ([]byte, bool)

	// Faults lists every validator the instance has caught equivocating.
	Faults() []crypto.PublicKey

	// Terminal reports whether the instance has finalized its era's last
	// block and emitted EraEnd.
	Terminal() bool
}

// ProtocolFactory builds a fresh protocol instance when the supervisor
// activates an era. The returned outcomes start the instance's first
// round.
type ProtocolFactory func(era types.EraID, validators *types.ValidatorSet, now types.Timestamp) (Protocol, []Outcome)

// Outcome is one element of the effect list a Protocol returns from an
// event. The supervisor translates outcomes into Effects, attaching era
// scoping and candidate bookkeeping on the way. Closed union, handled
// exhaustively.
type Outcome interface {
	fmt.Stringer
	sealedOutcome()
}

// BroadcastOutcome gossips an opaque protocol payload.
type BroadcastOutcome struct {
	Payload []byte
}

func (o *BroadcastOutcome) sealedOutcome() {}
func (o *BroadcastOutcome) String() string {
	return fmt.Sprintf("broadcast payload (%d bytes)", len(o.Payload))
}

// SendOutcome addresses an opaque protocol payload to one peer.
type SendOutcome struct {
	To      NodeID
	Payload []byte
}

func (o *SendOutcome) sealedOutcome() {}
func (o *SendOutcome) String() string {
	return fmt.Sprintf("send payload (%d bytes) to %s", len(o.Payload), o.To)
}

// ScheduleTimerOutcome asks for a wakeup at At.
type ScheduleTimerOutcome struct {
	At types.Timestamp
}

func (o *ScheduleTimerOutcome) sealedOutcome() {}
func (o *ScheduleTimerOutcome) String() string {
	return fmt.Sprintf("schedule timer at %v", o.At)
}

// RequestNewBlockOutcome asks for proto-block content for our own
// proposal slot.
type RequestNewBlockOutcome struct {
	Ctx types.BlockContext
}

func (o *RequestNewBlockOutcome) sealedOutcome() {}
func (o *RequestNewBlockOutcome) String() string {
	return "request new proto-block"
}

// ValidateValueOutcome asks to have a received proposal's value validated
// externally before the instance votes on it.
type ValidateValueOutcome struct {
	Sender NodeID
	Value  types.ProtoBlock
	Ctx    types.BlockContext
}

func (o *ValidateValueOutcome) sealedOutcome() {}
func (o *ValidateValueOutcome) String() string {
	return fmt.Sprintf("validate value %v", o.Value.Hash().TerminalString())
}

// FinalizedOutcome reports a newly finalized block, in sequence order.
type FinalizedOutcome struct {
	Block types.FinalizedBlock
}

func (o *FinalizedOutcome) sealedOutcome() {}
func (o *FinalizedOutcome) String() string {
	return fmt.Sprintf("finalized block %d", o.Block.Height)
}

// NewEvidenceOutcome reports a freshly detected equivocation. Payload is
// the re-broadcastable proof.
type NewEvidenceOutcome struct {
	PubKey  crypto.PublicKey
	Payload []byte
}

func (o *NewEvidenceOutcome) sealedOutcome() {}
func (o *NewEvidenceOutcome) String() string {
	return fmt.Sprintf("new evidence against %v", o.PubKey.TerminalString())
}

// FatalOutcome reports an internal invariant violation. The supervisor
// escalates it; the instance must not be driven further.
type FatalOutcome struct {
	Err error
}

func (o *FatalOutcome) sealedOutcome() {}
func (o *FatalOutcome) String() string {
	return fmt.Sprintf("fatal protocol error: %v", o.Err)
}
