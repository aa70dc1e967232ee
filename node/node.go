// Package node runs the consensus engine's event loop and connects it to
// the surrounding collaborators: networking, deploy buffer, proto-block
// validation, validator weights lookup and block execution. The engine
// itself is single-threaded; all concurrency lives here, at the boundary.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/tos-network/erabft/consensus"
	"github.com/tos-network/erabft/consensus/evidence"
	"github.com/tos-network/erabft/consensus/wbft"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/params"
	"github.com/tos-network/erabft/types"
)

const eventQueueSize = 256

var (
	// ErrWeightsNotAvailable is returned by a ValidatorsProvider whose
	// result is not ready yet. It is retried, unlike a hard failure.
	ErrWeightsNotAvailable = errors.New("node: validator weights not yet available")

	errAlreadyRunning = errors.New("node: already running")
)

// Network delivers consensus messages to peers. Implementations own peer
// identity and transport; payloads must arrive byte-identical.
type Network interface {
	Broadcast(msg consensus.ConsensusMessage) error
	Send(to consensus.NodeID, msg consensus.ConsensusMessage) error
}

// ProtoBlockProposer assembles fresh proto-block content from the deploy
// buffer when this node holds a proposal slot.
type ProtoBlockProposer interface {
	RequestProtoBlock(ctx context.Context, era types.EraID, bctx types.BlockContext) (types.ProtoBlock, error)
}

// BlockValidator delivers the validity verdict for a received proto-block.
// An error is an inconclusive result: the candidate stays pending and the
// collaborator may be asked again.
type BlockValidator interface {
	ValidateProtoBlock(ctx context.Context, block types.ProtoBlock, bctx types.BlockContext) (bool, error)
}

// ValidatorsProvider resolves the validator weights of the era following a
// switch block. ErrWeightsNotAvailable means "ask again later"; any other
// error counts against the bounded retry budget.
type ValidatorsProvider interface {
	NextEraValidators(ctx context.Context, header types.BlockHeader) (types.ValidatorWeights, error)
}

// BlockExecutor receives finalized blocks. Consensus awaits no reply; the
// execution result feeds back through the linear chain notification path.
type BlockExecutor interface {
	ExecuteFinalizedBlock(block types.FinalizedBlock) error
}

// Collaborators bundles the external services the node dispatches effects
// to.
type Collaborators struct {
	Network    Network
	Proposer   ProtoBlockProposer
	Validator  BlockValidator
	Validators ValidatorsProvider
	Executor   BlockExecutor
}

// Announcements are optional callbacks surfacing engine milestones to the
// outer node. They are invoked from the event loop goroutine and must not
// block.
type Announcements struct {
	OnFinalized func(block types.FinalizedBlock)
	OnFault     func(era types.EraID, pub crypto.PublicKey)
}

// Node owns the supervisor, its evidence store and the event loop.
type Node struct {
	cfg    *params.Config
	collab Collaborators
	ann    Announcements
	logger log.Logger

	sup   *consensus.EraSupervisor
	store *evidence.Store

	events  chan consensus.Event
	quit    chan struct{}
	started sync.Once
	stopped sync.Once
}

// New assembles a node around the given signing key (nil for an observer)
// and collaborators.
func New(cfg *params.Config, key *crypto.PrivateKey, collab Collaborators, ann Announcements, logger log.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		store *evidence.Store
		err   error
	)
	if cfg.EvidencePath == "" {
		store, err = evidence.NewMemStore()
	} else {
		store, err = evidence.OpenStore(cfg.EvidencePath)
	}
	if err != nil {
		return nil, err
	}

	factory := wbft.NewFactory(wbft.Config{
		BlocksPerEra:     cfg.BlocksPerEra,
		ProposeTimeout:   cfg.ProposeTimeout,
		PrevoteTimeout:   cfg.PrevoteTimeout,
		PrecommitTimeout: cfg.PrecommitTimeout,
		TimeoutDelta:     cfg.TimeoutDelta,
	}, key, logger)

	sup, err := consensus.NewEraSupervisor(cfg, factory, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Node{
		cfg:    cfg,
		collab: collab,
		ann:    ann,
		logger: logger,
		sup:    sup,
		store:  store,
		events: make(chan consensus.Event, eventQueueSize),
		quit:   make(chan struct{}),
	}, nil
}

// Run bootstraps the first era with the genesis weights and processes
// events until ctx is cancelled or a fatal effect aborts the engine.
func (n *Node) Run(ctx context.Context, genesis types.ValidatorWeights) error {
	var once bool
	n.started.Do(func() { once = true })
	if !once {
		return errAlreadyRunning
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return n.loop(ctx, genesis) })
	err := group.Wait()

	n.stopped.Do(func() {
		close(n.quit)
		if cerr := n.store.Close(); cerr != nil {
			n.logger.Error("Failed to close evidence store", "err", cerr)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) loop(ctx context.Context, genesis types.ValidatorWeights) error {
	effects, err := n.sup.Bootstrap(genesis, types.Now())
	if err != nil {
		return err
	}
	if err := n.apply(ctx, effects); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.events:
			if err := n.apply(ctx, n.sup.HandleEvent(ev, types.Now())); err != nil {
				return err
			}
		}
	}
}

// enqueue hands an event to the loop, dropping it if the node is shutting
// down.
func (n *Node) enqueue(ctx context.Context, ev consensus.Event) {
	select {
	case n.events <- ev:
	case <-ctx.Done():
	case <-n.quit:
	}
}

// DeliverMessage feeds a raw consensus message received from sender into
// the engine. Undecodable input is dropped.
func (n *Node) DeliverMessage(ctx context.Context, sender consensus.NodeID, raw []byte) {
	msg, err := consensus.DecodeMessage(raw)
	if err != nil {
		n.logger.Debug("Dropping undecodable message", "from", sender, "err", err)
		return
	}
	n.enqueue(ctx, &consensus.MessageReceivedEvent{Sender: sender, Msg: msg})
}

// NotifyLinearChainBlock feeds a canonical chain append notification into
// the engine. responder, if non-nil, is invoked once the notification has
// been processed.
func (n *Node) NotifyLinearChainBlock(ctx context.Context, header types.BlockHeader, responder func()) {
	n.enqueue(ctx, &consensus.LinearChainBlockEvent{Header: header, Responder: responder})
}

// apply dispatches one effect batch to the collaborators. Only a fatal
// effect returns an error; collaborator hiccups are logged and the
// affected request stays pending.
func (n *Node) apply(ctx context.Context, effects []consensus.Effect) error {
	for _, effect := range effects {
		switch e := effect.(type) {
		case *consensus.BroadcastEffect:
			if err := n.collab.Network.Broadcast(e.Msg); err != nil {
				n.logger.Warn("Broadcast failed", "err", err)
			}
		case *consensus.SendEffect:
			if err := n.collab.Network.Send(e.To, e.Msg); err != nil {
				n.logger.Warn("Send failed", "to", e.To, "err", err)
			}
		case *consensus.TimerEffect:
			n.scheduleTimer(ctx, e.Era, e.At)
		case *consensus.RequestProtoBlockEffect:
			go n.requestProtoBlock(ctx, e.Era, e.Ctx)
		case *consensus.ValidateBlockEffect:
			go n.validateBlock(ctx, e.Era, e.Sender, e.Block, e.Ctx)
		case *consensus.GetValidatorsEffect:
			go n.lookupValidators(ctx, e.Header)
		case *consensus.ExecuteBlockEffect:
			if err := n.collab.Executor.ExecuteFinalizedBlock(e.Block); err != nil {
				n.logger.Error("Finalized block handoff failed", "era", e.Block.Era, "height", e.Block.Height, "err", err)
			}
			if n.ann.OnFinalized != nil {
				n.ann.OnFinalized(e.Block)
			}
		case *consensus.AnnounceFaultEffect:
			n.logger.Warn("Validator fault detected", "era", e.Era, "validator", e.PubKey)
			if n.ann.OnFault != nil {
				n.ann.OnFault(e.Era, e.PubKey)
			}
		case *consensus.FatalEffect:
			n.logger.Crit("Consensus engine aborting", "err", e.Err)
			return e.Err
		}
	}
	return nil
}

func (n *Node) scheduleTimer(ctx context.Context, era types.EraID, at types.Timestamp) {
	delay := time.Until(at.Time())
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		n.enqueue(ctx, &consensus.TimerEvent{Era: era, Timestamp: at})
	})
}

func (n *Node) requestProtoBlock(ctx context.Context, era types.EraID, bctx types.BlockContext) {
	req := uuid.New()
	n.logger.Debug("Requesting proto-block content", "era", era, "req", req)
	block, err := n.collab.Proposer.RequestProtoBlock(ctx, era, bctx)
	if err != nil {
		n.logger.Warn("Proto-block request failed", "era", era, "req", req, "err", err)
		return
	}
	n.enqueue(ctx, &consensus.NewProtoBlockEvent{Era: era, Block: block, Ctx: bctx})
}

func (n *Node) validateBlock(ctx context.Context, era types.EraID, sender consensus.NodeID, block types.ProtoBlock, bctx types.BlockContext) {
	req := uuid.New()
	n.logger.Debug("Requesting proto-block validation", "era", era, "hash", block.Hash(), "req", req)
	valid, err := n.collab.Validator.ValidateProtoBlock(ctx, block, bctx)
	if err != nil {
		// Inconclusive: the candidate stays pending, era state is intact.
		n.logger.Warn("Proto-block validation inconclusive", "era", era, "req", req, "err", err)
		return
	}
	n.logger.Debug("Proto-block validation verdict", "era", era, "req", req, "valid", valid)
	if valid {
		n.enqueue(ctx, &consensus.AcceptProtoBlockEvent{Era: era, Block: block})
	} else {
		n.enqueue(ctx, &consensus.InvalidProtoBlockEvent{Era: era, Sender: sender, Block: block})
	}
}

func (n *Node) lookupValidators(ctx context.Context, header types.BlockHeader) {
	req := uuid.New()
	n.logger.Debug("Requesting next-era validator weights", "height", header.Height, "req", req)
	weights, err := n.collab.Validators.NextEraValidators(ctx, header)
	if errors.Is(err, ErrWeightsNotAvailable) {
		weights, err = nil, nil // "not yet available", retried by the supervisor
	}
	ev := &consensus.GetValidatorsResponseEvent{Header: header, Weights: weights, Err: err}
	if weights == nil {
		// Space out the retry loop; an immediate re-query would hammer
		// the execution layer.
		n.logger.Debug("Validator weights not yet available", "height", header.Height, "req", req)
		time.AfterFunc(n.cfg.ValidatorLookupBackoff, func() { n.enqueue(ctx, ev) })
		return
	}
	n.logger.Debug("Validator weights resolved", "height", header.Height, "req", req, "validators", len(weights))
	n.enqueue(ctx, ev)
}
