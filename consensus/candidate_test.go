package consensus

import (
	"testing"

	"github.com/tos-network/erabft/types"
)

func testBlock(tag string) types.ProtoBlock {
	return types.ProtoBlock{Deploys: []types.Deploy{[]byte(tag)}, Random: 1}
}

func TestCandidateCoalescesDuplicates(t *testing.T) {
	tracker := newCandidateTracker(3)
	block := testBlock("a")
	ctx := types.BlockContext{Era: 3, Timestamp: 100}

	need, _ := tracker.propose(block, ctx, "peer-1")
	if !need {
		t.Fatal("first proposal must issue a validation request")
	}
	need, resolved := tracker.propose(block, ctx, "peer-2")
	if need || resolved != nil {
		t.Fatalf("duplicate proposal while outstanding must coalesce: need=%v resolved=%v", need, resolved)
	}
	if got := tracker.pending(); got != 1 {
		t.Fatalf("unexpected outstanding requests: have %d want 1", got)
	}

	c, ok := tracker.resolve(block.Hash(), true)
	if !ok || c == nil {
		t.Fatal("resolve should succeed for outstanding candidate")
	}
	if len(c.Senders()) != 2 {
		t.Fatalf("both relayers must be recorded: have %d want 2", len(c.Senders()))
	}
}

func TestCandidateResolveOnce(t *testing.T) {
	tracker := newCandidateTracker(3)
	block := testBlock("b")
	tracker.propose(block, types.BlockContext{Era: 3}, "peer-1")

	if _, ok := tracker.resolve(block.Hash(), false); !ok {
		t.Fatal("first verdict should apply")
	}
	if _, ok := tracker.resolve(block.Hash(), true); ok {
		t.Fatal("second verdict must be ignored")
	}
	if tracker.accepted(block.Hash()) {
		t.Fatal("rejected candidate must not read as accepted")
	}
}

func TestCandidateUnsolicitedVerdict(t *testing.T) {
	tracker := newCandidateTracker(3)
	block := testBlock("c")
	if _, ok := tracker.resolve(block.Hash(), true); ok {
		t.Fatal("verdict for unknown candidate must be ignored")
	}
}

func TestCandidateReproposeAfterVerdict(t *testing.T) {
	tracker := newCandidateTracker(3)
	block := testBlock("d")
	tracker.propose(block, types.BlockContext{Era: 3}, "peer-1")
	tracker.resolve(block.Hash(), true)

	need, resolved := tracker.propose(block, types.BlockContext{Era: 3}, "peer-3")
	if need {
		t.Fatal("candidate with known verdict must not be re-validated")
	}
	if resolved == nil || resolved.Status() != "accepted" {
		t.Fatalf("known verdict should be reported: %v", resolved)
	}
	if !tracker.accepted(block.Hash()) {
		t.Fatal("accepted candidate should read as accepted")
	}
}
