package wbft

import (
	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/types"
)

// voteSet tallies the signed votes of one (height, round, step) by weight.
// The instance owns it single-threadedly; no locking.
type voteSet struct {
	validators *types.ValidatorSet

	votes map[crypto.PublicKey]*Vote
	tally map[common.Hash]uint64 // zero hash tallies nil votes
	sum   uint64
}

func newVoteSet(validators *types.ValidatorSet) *voteSet {
	return &voteSet{
		validators: validators,
		votes:      make(map[crypto.PublicKey]*Vote),
		tally:      make(map[common.Hash]uint64),
	}
}

// add records a vote. Duplicate identical votes report added == false with
// no conflict; a second vote for a different value reports the previously
// stored vote as the conflict, without replacing it.
func (vs *voteSet) add(v *Vote) (added bool, conflict *Vote) {
	if prev, ok := vs.votes[v.Validator]; ok {
		if prev.BlockHash == v.BlockHash {
			return false, nil
		}
		return false, prev
	}
	weight := vs.validators.Weight(v.Validator)
	vs.votes[v.Validator] = v
	vs.tally[v.BlockHash] += weight
	vs.sum += weight
	return true, nil
}

// discount removes a faulty validator's vote from the tallies. Called when
// equivocation is attributed so the offender's weight stops counting
// toward any quorum.
func (vs *voteSet) discount(pub crypto.PublicKey) {
	v, ok := vs.votes[pub]
	if !ok {
		return
	}
	weight := vs.validators.Weight(pub)
	vs.tally[v.BlockHash] -= weight
	vs.sum -= weight
	delete(vs.votes, pub)
}

// weightFor returns the tallied weight behind hash.
func (vs *voteSet) weightFor(hash common.Hash) uint64 { return vs.tally[hash] }

// votedWeight returns the total weight that has voted in this set.
func (vs *voteSet) votedWeight() uint64 { return vs.sum }

// leading returns the non-nil value with the heaviest tally.
func (vs *voteSet) leading() (common.Hash, uint64) {
	var (
		best common.Hash
		max  uint64
	)
	for hash, weight := range vs.tally {
		if hash.IsZero() {
			continue
		}
		if weight > max {
			best, max = hash, weight
		}
	}
	return best, max
}

// roundVotes bundles the two vote phases of one (height, round).
type roundVotes struct {
	prevotes   *voteSet
	precommits *voteSet
}

func newRoundVotes(validators *types.ValidatorSet) *roundVotes {
	return &roundVotes{
		prevotes:   newVoteSet(validators),
		precommits: newVoteSet(validators),
	}
}

func (rv *roundVotes) set(step VoteStep) *voteSet {
	if step == StepPrevote {
		return rv.prevotes
	}
	return rv.precommits
}
