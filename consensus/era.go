package consensus

import (
	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/types"
)

// era bundles the per-era state the supervisor owns: the protocol
// instance, its immutable validator weights and the candidate lifecycle.
// A retired era keeps its weights for evidence lookups but routes no
// further events to the instance.
type era struct {
	id         types.EraID
	validators *types.ValidatorSet
	instance   Protocol
	candidates *candidateTracker

	// ownPending maps candidates assembled from our own deploy buffer to
	// their block context. Once externally accepted they are handed to
	// the instance as proposals rather than as verdicts.
	ownPending map[common.Hash]types.BlockContext

	retired bool
}

func newEra(id types.EraID, validators *types.ValidatorSet, instance Protocol) *era {
	return &era{
		id:         id,
		validators: validators,
		instance:   instance,
		candidates: newCandidateTracker(id),
		ownPending: make(map[common.Hash]types.BlockContext),
	}
}
