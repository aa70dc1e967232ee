package consensus

import (
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"
	"github.com/rcrowley/go-metrics"

	"github.com/tos-network/erabft/consensus/evidence"
	"github.com/tos-network/erabft/params"
	"github.com/tos-network/erabft/types"
)

var (
	errAlreadyBootstrapped = errors.New("consensus: supervisor already bootstrapped")
	errLookupExhausted     = errors.New("consensus: validator weights lookup exhausted")
	errBadWeights          = errors.New("consensus: unusable validator weights for new era")
)

// Engine metrics.
var (
	messageInMeter  = metrics.NewRegisteredMeter("consensus/messages/in", nil)
	finalizedMeter  = metrics.NewRegisteredMeter("consensus/blocks/finalized", nil)
	evidenceMeter   = metrics.NewRegisteredMeter("consensus/evidence/new", nil)
	bondedErasGauge = metrics.NewRegisteredGauge("consensus/eras/bonded", nil)
)

// EraSupervisor owns every protocol instance in the bonded window, keyed
// by era. It is the only component that creates or retires instances, and
// it translates instance outcomes into effects toward the node.
//
// All methods must be called from a single event loop goroutine.
type EraSupervisor struct {
	cfg      *params.Config
	factory  ProtocolFactory
	evidence *evidence.Store
	logger   log.Logger

	eras    map[types.EraID]*era
	latest  types.EraID
	booted  bool
	lookups map[types.EraID]int // retry count per pending successor era
}

// NewEraSupervisor creates a supervisor with no active era; Bootstrap
// starts the first one.
func NewEraSupervisor(cfg *params.Config, factory ProtocolFactory, store *evidence.Store, logger log.Logger) (*EraSupervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EraSupervisor{
		cfg:      cfg,
		factory:  factory,
		evidence: store,
		logger:   logger,
		eras:     make(map[types.EraID]*era),
		lookups:  make(map[types.EraID]int),
	}, nil
}

// Bootstrap activates the first era with the genesis validator weights.
func (s *EraSupervisor) Bootstrap(weights types.ValidatorWeights, now types.Timestamp) ([]Effect, error) {
	if s.booted {
		return nil, errAlreadyBootstrapped
	}
	set, err := types.NewValidatorSet(weights)
	if err != nil {
		return nil, err
	}
	s.booted = true
	return s.activate(0, set, now), nil
}

// HandleEvent dispatches one inbound event. The Event union is sealed, so
// the switch is exhaustive.
func (s *EraSupervisor) HandleEvent(ev Event, now types.Timestamp) []Effect {
	switch e := ev.(type) {
	case *MessageReceivedEvent:
		return s.HandleMessage(e.Sender, e.Msg, now)
	case *TimerEvent:
		return s.HandleTimer(e.Era, e.Timestamp)
	case *NewProtoBlockEvent:
		return s.HandleNewProtoBlock(e.Era, e.Block, e.Ctx, now)
	case *AcceptProtoBlockEvent:
		return s.HandleAcceptProtoBlock(e.Era, e.Block, now)
	case *InvalidProtoBlockEvent:
		return s.HandleInvalidProtoBlock(e.Era, e.Sender, e.Block, now)
	case *LinearChainBlockEvent:
		effects := s.HandleLinearChainBlock(e.Header)
		if e.Responder != nil {
			e.Responder()
		}
		return effects
	case *GetValidatorsResponseEvent:
		return s.HandleGetValidatorsResponse(e.Header, e.Weights, e.Err, now)
	}
	return nil
}

// liveEra returns the era if it exists and still accepts events.
func (s *EraSupervisor) liveEra(id types.EraID) (*era, bool) {
	e, ok := s.eras[id]
	if !ok || e.retired {
		return nil, false
	}
	return e, true
}

// HandleTimer routes a scheduled wakeup. Timers for unknown or retired
// eras fire into the void.
func (s *EraSupervisor) HandleTimer(id types.EraID, at types.Timestamp) []Effect {
	e, ok := s.liveEra(id)
	if !ok {
		s.logger.Debug("Timer for inactive era", "era", id, "at", at)
		return nil
	}
	return s.translate(e, e.instance.HandleTimer(at), at)
}

// HandleMessage routes an inbound consensus message. Protocol payloads for
// unknown eras are dropped silently: peers may legitimately be an era
// ahead or behind.
func (s *EraSupervisor) HandleMessage(sender NodeID, msg ConsensusMessage, now types.Timestamp) []Effect {
	messageInMeter.Mark(1)
	switch m := msg.(type) {
	case *ProtocolMsg:
		e, ok := s.liveEra(m.EraID)
		if !ok {
			s.logger.Debug("Protocol message for inactive era", "era", m.EraID, "from", sender)
			return nil
		}
		return s.translate(e, e.instance.HandleMessage(sender, m.Payload, now), now)
	case *EvidenceRequestMsg:
		return s.answerEvidenceRequest(sender, m)
	}
	return nil
}

// answerEvidenceRequest scans the bonded window, newest first, for an era
// at or before the requested one in which the key was bonded and is known
// faulty, and replies with the stored proof.
func (s *EraSupervisor) answerEvidenceRequest(sender NodeID, m *EvidenceRequestMsg) []Effect {
	start := m.EraID
	if s.latest < start {
		start = s.latest
	}
	for id := start; ; id-- {
		if e, ok := s.eras[id]; ok && e.validators.Has(m.PubKey) {
			if payload, ok := s.evidence.Get(id, m.PubKey); ok {
				s.logger.Debug("Answering evidence request", "era", id, "validator", m.PubKey, "to", sender)
				return []Effect{&SendEffect{To: sender, Msg: &ProtocolMsg{EraID: id, Payload: payload}}}
			}
		}
		if id == 0 {
			return nil
		}
	}
}

// HandleNewProtoBlock registers content assembled from our own deploy
// buffer as a candidate and has it validated before the instance may
// propose it. Duplicate content with an outstanding request coalesces.
func (s *EraSupervisor) HandleNewProtoBlock(id types.EraID, block types.ProtoBlock, ctx types.BlockContext, now types.Timestamp) []Effect {
	e, ok := s.liveEra(id)
	if !ok {
		s.logger.Debug("Proto-block for inactive era", "era", id)
		return nil
	}
	hash := block.Hash()
	needRequest, resolved := e.candidates.propose(block, ctx, "")
	if resolved != nil {
		// Verdict already known from an earlier appearance of the same
		// content.
		if resolved.status == candidateAccepted {
			return s.translate(e, e.instance.Propose(block, ctx), now)
		}
		s.logger.Warn("Own proto-block content known invalid", "era", id, "block", hash.TerminalString())
		return nil
	}
	e.ownPending[hash] = ctx
	if !needRequest {
		return nil
	}
	return []Effect{&ValidateBlockEffect{Era: id, Block: block, Ctx: ctx}}
}

// HandleAcceptProtoBlock applies a positive validation verdict. The first
// verdict per candidate wins; repeats and unsolicited verdicts are no-ops.
func (s *EraSupervisor) HandleAcceptProtoBlock(id types.EraID, block types.ProtoBlock, now types.Timestamp) []Effect {
	e, ok := s.liveEra(id)
	if !ok {
		return nil
	}
	hash := block.Hash()
	if _, ok := e.candidates.resolve(hash, true); !ok {
		s.logger.Debug("Stray acceptance verdict", "era", id, "block", hash.TerminalString())
		return nil
	}
	var outcomes []Outcome
	if ctx, own := e.ownPending[hash]; own {
		delete(e.ownPending, hash)
		outcomes = append(outcomes, e.instance.Propose(block, ctx)...)
	}
	outcomes = append(outcomes, e.instance.ResolveValidity(hash, true)...)
	return s.translate(e, outcomes, now)
}

// HandleInvalidProtoBlock applies a negative verdict. The proposer and
// every relayer are attributed for possible sanctioning; invalid content
// is not equivocation, so no evidence is produced.
func (s *EraSupervisor) HandleInvalidProtoBlock(id types.EraID, sender NodeID, block types.ProtoBlock, now types.Timestamp) []Effect {
	e, ok := s.liveEra(id)
	if !ok {
		return nil
	}
	hash := block.Hash()
	c, ok := e.candidates.resolve(hash, false)
	if !ok {
		s.logger.Debug("Stray rejection verdict", "era", id, "block", hash.TerminalString())
		return nil
	}
	if _, own := e.ownPending[hash]; own {
		delete(e.ownPending, hash)
		s.logger.Error("Own proto-block content rejected", "era", id, "block", hash.TerminalString())
	}
	s.logger.Warn("Proto-block rejected", "era", id, "block", hash.TerminalString(),
		"sender", sender, "relayers", len(c.Senders()))
	return s.translate(e, e.instance.ResolveValidity(hash, false), now)
}

// HandleLinearChainBlock reacts to a block appended to the canonical
// chain. A switch block triggers the validator weights lookup for the
// following era.
func (s *EraSupervisor) HandleLinearChainBlock(header types.BlockHeader) []Effect {
	if !header.SwitchBlock {
		return nil
	}
	successor := header.Era.Successor()
	if _, ok := s.eras[successor]; ok {
		return nil
	}
	s.lookups[successor] = 0
	s.logger.Info("Switch block reached", "era", header.Era, "height", header.Height)
	return []Effect{&GetValidatorsEffect{Header: header}}
}

// HandleGetValidatorsResponse consumes the weights lookup answer for the
// era after header's. Failure and "not yet available" are retried a
// bounded number of times; after that the node must abort rather than
// fabricate weights.
func (s *EraSupervisor) HandleGetValidatorsResponse(header types.BlockHeader, weights types.ValidatorWeights, lookupErr error, now types.Timestamp) []Effect {
	target := header.Era.Successor()
	if _, ok := s.eras[target]; ok {
		return nil // duplicate response
	}
	if lookupErr == nil && weights != nil {
		set, err := types.NewValidatorSet(weights)
		if err != nil {
			s.logger.Crit("Unusable validator weights for new era", "era", target, "err", err)
			return []Effect{&FatalEffect{Err: fmt.Errorf("%w: %v: %v", errBadWeights, target, err)}}
		}
		delete(s.lookups, target)
		return s.activate(target, set, now)
	}

	s.lookups[target]++
	attempts := s.lookups[target]
	if attempts >= s.cfg.ValidatorLookupRetries {
		s.logger.Crit("Validator weights lookup exhausted", "era", target, "attempts", attempts, "err", lookupErr)
		return []Effect{&FatalEffect{Err: fmt.Errorf("%w: %v after %d attempts: %v", errLookupExhausted, target, attempts, lookupErr)}}
	}
	s.logger.Warn("Retrying validator weights lookup", "era", target, "attempt", attempts, "err", lookupErr)
	return []Effect{&GetValidatorsEffect{Header: header}}
}

// activate creates the protocol instance for a new era and prunes eras
// that fell out of the bonded window.
func (s *EraSupervisor) activate(id types.EraID, set *types.ValidatorSet, now types.Timestamp) []Effect {
	instance, outcomes := s.factory(id, set, now)
	e := newEra(id, set, instance)
	s.eras[id] = e
	if id > s.latest {
		s.latest = id
	}
	s.logger.Info("Activated era", "era", id, "validators", set.Size(), "totalWeight", set.TotalWeight())

	if uint64(s.latest)+1 > s.cfg.BondedEras {
		oldest := types.EraID(uint64(s.latest) + 1 - s.cfg.BondedEras)
		for eid := range s.eras {
			if eid < oldest {
				delete(s.eras, eid)
			}
		}
		if err := s.evidence.Purge(oldest); err != nil {
			s.logger.Error("Failed to purge stale evidence", "oldest", oldest, "err", err)
		}
	}
	bondedErasGauge.Update(int64(len(s.eras)))
	return s.translate(e, outcomes, now)
}

// finishEra marks an era retired once its EraEnd was consumed. The entry
// stays in the bonded window for evidence lookups.
func (s *EraSupervisor) finishEra(e *era, end *types.EraEnd) {
	e.retired = true
	s.logger.Info("Era retired", "era", e.id, "equivocators", len(end.Equivocators))
}

// translate converts instance outcomes into node facing effects,
// attaching era scoping and applying the candidate lifecycle on the way.
func (s *EraSupervisor) translate(e *era, outcomes []Outcome, now types.Timestamp) []Effect {
	var effects []Effect
	for _, outcome := range outcomes {
		switch o := outcome.(type) {
		case *BroadcastOutcome:
			effects = append(effects, &BroadcastEffect{Msg: &ProtocolMsg{EraID: e.id, Payload: o.Payload}})
		case *SendOutcome:
			effects = append(effects, &SendEffect{To: o.To, Msg: &ProtocolMsg{EraID: e.id, Payload: o.Payload}})
		case *ScheduleTimerOutcome:
			effects = append(effects, &TimerEffect{Era: e.id, At: o.At})
		case *RequestNewBlockOutcome:
			effects = append(effects, &RequestProtoBlockEffect{Era: e.id, Ctx: o.Ctx})
		case *ValidateValueOutcome:
			needRequest, resolved := e.candidates.propose(o.Value, o.Ctx, o.Sender)
			if needRequest {
				effects = append(effects, &ValidateBlockEffect{Era: e.id, Sender: o.Sender, Block: o.Value, Ctx: o.Ctx})
			} else if resolved != nil {
				valid := resolved.status == candidateAccepted
				effects = append(effects, s.translate(e, e.instance.ResolveValidity(o.Value.Hash(), valid), now)...)
			}
		case *FinalizedOutcome:
			finalizedMeter.Mark(1)
			effects = append(effects, &ExecuteBlockEffect{Block: o.Block})
			if o.Block.EraEnd != nil {
				s.finishEra(e, o.Block.EraEnd)
			}
		case *NewEvidenceOutcome:
			evidenceMeter.Mark(1)
			if err := s.evidence.Record(e.id, o.PubKey, o.Payload); err != nil {
				s.logger.Error("Failed to persist evidence", "era", e.id, "validator", o.PubKey, "err", err)
			}
			effects = append(effects, &AnnounceFaultEffect{Era: e.id, PubKey: o.PubKey})
		case *FatalOutcome:
			s.logger.Crit("Protocol instance failed", "era", e.id, "err", o.Err)
			effects = append(effects, &FatalEffect{Err: o.Err})
		}
	}
	return effects
}
