package consensus

import (
	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/types"
)

// candidateStatus is the lifecycle state of a candidate proto-block.
type candidateStatus int

const (
	candidateProposed candidateStatus = iota
	candidateValidationRequested
	candidateAccepted
	candidateRejected
)

func (s candidateStatus) String() string {
	switch s {
	case candidateProposed:
		return "proposed"
	case candidateValidationRequested:
		return "validationRequested"
	case candidateAccepted:
		return "accepted"
	case candidateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CandidateBlock tracks one proposed proto-block from proposal through
// external validation. A candidate is never trusted before it is Accepted
// and never validated twice.
type CandidateBlock struct {
	Block types.ProtoBlock
	Ctx   types.BlockContext

	status candidateStatus
	// senders records every peer that relayed this candidate, so a
	// rejection can be attributed to all of them.
	senders map[NodeID]struct{}
}

// Status returns the candidate's lifecycle state.
func (c *CandidateBlock) Status() string { return c.status.String() }

// Senders returns the peers that relayed the candidate.
func (c *CandidateBlock) Senders() []NodeID {
	out := make([]NodeID, 0, len(c.senders))
	for s := range c.senders {
		out = append(out, s)
	}
	return out
}

// candidateTracker owns the candidate lifecycle of a single era.
type candidateTracker struct {
	era        types.EraID
	candidates map[common.Hash]*CandidateBlock
}

func newCandidateTracker(era types.EraID) *candidateTracker {
	return &candidateTracker{
		era:        era,
		candidates: make(map[common.Hash]*CandidateBlock),
	}
}

// propose registers a candidate and reports whether a validation request
// must be issued. A duplicate proposal while a request is outstanding is
// coalesced: the sender is recorded but no second request goes out. A
// candidate with a known verdict reports the verdict via resolved.
func (t *candidateTracker) propose(block types.ProtoBlock, ctx types.BlockContext, sender NodeID) (needRequest bool, resolved *CandidateBlock) {
	hash := block.Hash()
	c, ok := t.candidates[hash]
	if !ok {
		c = &CandidateBlock{
			Block:   block,
			Ctx:     ctx,
			status:  candidateProposed,
			senders: make(map[NodeID]struct{}),
		}
		t.candidates[hash] = c
	}
	if sender != "" {
		c.senders[sender] = struct{}{}
	}
	switch c.status {
	case candidateProposed:
		c.status = candidateValidationRequested
		return true, nil
	case candidateValidationRequested:
		return false, nil
	default:
		// Verdict already known; no new request.
		return false, c
	}
}

// resolve applies the external validity verdict. The first verdict wins;
// repeated or unsolicited verdicts return ok == false.
func (t *candidateTracker) resolve(hash common.Hash, valid bool) (*CandidateBlock, bool) {
	c, ok := t.candidates[hash]
	if !ok || c.status != candidateValidationRequested {
		return nil, false
	}
	if valid {
		c.status = candidateAccepted
	} else {
		c.status = candidateRejected
	}
	return c, true
}

// accepted reports whether the candidate has passed external validation.
func (t *candidateTracker) accepted(hash common.Hash) bool {
	c, ok := t.candidates[hash]
	return ok && c.status == candidateAccepted
}

// pending counts candidates with an outstanding validation request.
func (t *candidateTracker) pending() int {
	n := 0
	for _, c := range t.candidates {
		if c.status == candidateValidationRequested {
			n++
		}
	}
	return n
}
