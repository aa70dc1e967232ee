package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/tos-network/erabft/consensus"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/params"
	"github.com/tos-network/erabft/types"
)

// Loopback collaborators for a single validator network: broadcasts go
// nowhere, validation always passes, weights never change.

type loopbackNet struct{}

func (loopbackNet) Broadcast(consensus.ConsensusMessage) error { return nil }
func (loopbackNet) Send(consensus.NodeID, consensus.ConsensusMessage) error {
	return nil
}

type countingProposer struct {
	mu  sync.Mutex
	seq uint64
}

func (p *countingProposer) RequestProtoBlock(ctx context.Context, era types.EraID, bctx types.BlockContext) (types.ProtoBlock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return types.ProtoBlock{Deploys: []types.Deploy{[]byte("transfer")}, Random: p.seq}, nil
}

type alwaysValid struct{}

func (alwaysValid) ValidateProtoBlock(context.Context, types.ProtoBlock, types.BlockContext) (bool, error) {
	return true, nil
}

type staticValidators struct {
	weights types.ValidatorWeights
}

func (v staticValidators) NextEraValidators(context.Context, types.BlockHeader) (types.ValidatorWeights, error) {
	return v.weights, nil
}

type failingValidators struct{}

func (failingValidators) NextEraValidators(context.Context, types.BlockHeader) (types.ValidatorWeights, error) {
	return nil, errors.New("execution layer gone")
}

type recordingExecutor struct {
	blocks chan types.FinalizedBlock
}

func (e *recordingExecutor) ExecuteFinalizedBlock(block types.FinalizedBlock) error {
	e.blocks <- block
	return nil
}

func testConfig() *params.Config {
	cfg := params.DefaultConfig()
	cfg.BlocksPerEra = 2
	cfg.ProposeTimeout = 250 * time.Millisecond
	cfg.PrevoteTimeout = 250 * time.Millisecond
	cfg.PrecommitTimeout = 250 * time.Millisecond
	cfg.TimeoutDelta = 50 * time.Millisecond
	cfg.ValidatorLookupBackoff = 10 * time.Millisecond
	return cfg
}

func quietLogger() log.Logger {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return logger
}

func awaitBlock(t *testing.T, blocks <-chan types.FinalizedBlock) types.FinalizedBlock {
	t.Helper()
	select {
	case block := <-blocks:
		return block
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for finalized block")
		return types.FinalizedBlock{}
	}
}

func TestSingleValidatorFinalizesAcrossEras(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	genesis := types.ValidatorWeights{key.PublicKey(): 1}
	executor := &recordingExecutor{blocks: make(chan types.FinalizedBlock, 16)}

	n, err := New(testConfig(), key, Collaborators{
		Network:    loopbackNet{},
		Proposer:   &countingProposer{},
		Validator:  alwaysValid{},
		Validators: staticValidators{weights: genesis},
		Executor:   executor,
	}, Announcements{}, quietLogger())
	if err != nil {
		t.Fatalf("failed to assemble node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, genesis) }()

	first := awaitBlock(t, executor.blocks)
	if first.Era != 0 || first.Height != 0 {
		t.Fatalf("first block: have era %v height %d, want era 0 height 0", first.Era, first.Height)
	}
	second := awaitBlock(t, executor.blocks)
	if second.EraEnd == nil {
		t.Fatalf("switch block carries no era end")
	}

	// The chain reports the switch block back; the next era must spin up
	// and finalize on its own.
	n.NotifyLinearChainBlock(ctx, types.BlockHeader{
		Era:         0,
		Height:      second.Height,
		Hash:        second.Value.Hash(),
		SwitchBlock: true,
	}, nil)

	third := awaitBlock(t, executor.blocks)
	if third.Era != 1 || third.Height != 0 {
		t.Fatalf("post-switch block: have era %v height %d, want era 1 height 0", third.Era, third.Height)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestExhaustedValidatorLookupAbortsRun(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	genesis := types.ValidatorWeights{key.PublicKey(): 1}
	executor := &recordingExecutor{blocks: make(chan types.FinalizedBlock, 16)}

	cfg := testConfig()
	cfg.ValidatorLookupRetries = 2
	n, err := New(cfg, key, Collaborators{
		Network:    loopbackNet{},
		Proposer:   &countingProposer{},
		Validator:  alwaysValid{},
		Validators: failingValidators{},
		Executor:   executor,
	}, Announcements{}, quietLogger())
	if err != nil {
		t.Fatalf("failed to assemble node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, genesis) }()

	awaitBlock(t, executor.blocks)
	second := awaitBlock(t, executor.blocks)
	n.NotifyLinearChainBlock(ctx, types.BlockHeader{
		Era:         0,
		Height:      second.Height,
		Hash:        second.Value.Hash(),
		SwitchBlock: true,
	}, nil)

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("run returned nil, want lookup failure")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for run to abort")
	}
}

func TestAnnouncementsSurfaceFinalizedBlocks(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	genesis := types.ValidatorWeights{key.PublicKey(): 1}
	executor := &recordingExecutor{blocks: make(chan types.FinalizedBlock, 16)}
	announced := make(chan types.FinalizedBlock, 16)

	n, err := New(testConfig(), key, Collaborators{
		Network:    loopbackNet{},
		Proposer:   &countingProposer{},
		Validator:  alwaysValid{},
		Validators: staticValidators{weights: genesis},
		Executor:   executor,
	}, Announcements{
		OnFinalized: func(block types.FinalizedBlock) { announced <- block },
	}, quietLogger())
	if err != nil {
		t.Fatalf("failed to assemble node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, genesis) }()

	executed := awaitBlock(t, executor.blocks)
	select {
	case got := <-announced:
		if got.Value.Hash() != executed.Value.Hash() {
			t.Fatalf("announced block mismatch: have %v want %v", got.Value.Hash(), executed.Value.Hash())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for announcement")
	}
}
