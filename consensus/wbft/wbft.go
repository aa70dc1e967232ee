package wbft

import (
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"

	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/consensus"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/types"
)

// verifiedSigCacheSize bounds the signature verification cache.
const verifiedSigCacheSize = 4096

var (
	errDoubleFinalization = errors.New("wbft: two finalized values at one height")
)

// roundStep is the instance's position within the current round.
type roundStep int

const (
	stepPropose roundStep = iota
	stepPrevoteCast
	stepPrecommitCast
)

// timerKind says what a scheduled wakeup is for.
type timerKind int

const (
	timerPropose timerKind = iota
	timerPrevoteWait
	timerPrecommitWait
)

type timerTask struct {
	height uint64
	round  uint32
	kind   timerKind
}

// Config carries the round protocol parameters of one era.
type Config struct {
	// BlocksPerEra is the number of positions the era finalizes before
	// emitting EraEnd. The last finalized block is the switch block.
	BlocksPerEra uint64
	// ProposeTimeout is the base wait for a leader's proposal.
	ProposeTimeout time.Duration
	// PrevoteTimeout is the base wait after a 2/3 prevote turnout.
	PrevoteTimeout time.Duration
	// PrecommitTimeout is the base wait after a 2/3 precommit turnout
	// before advancing the round.
	PrecommitTimeout time.Duration
	// TimeoutDelta is added per round so later rounds wait longer.
	TimeoutDelta time.Duration
}

// Instance is one era's protocol state machine. It implements
// consensus.Protocol and is driven exclusively by the supervisor's event
// loop, so it holds no locks.
type Instance struct {
	cfg        Config
	era        types.EraID
	validators *types.ValidatorSet
	key        *crypto.PrivateKey // nil on observer nodes
	logger     log.Logger

	sigcache *lru.ARCCache // verified signature digests

	// Fault bookkeeping.
	faulty       mapset.Set // crypto.PublicKey
	faultyWeight uint64
	proofs       map[crypto.PublicKey][]byte // re-broadcastable evidence

	// Current position.
	height uint64
	round  uint32
	step   roundStep

	// Values and votes for the current height.
	proposals  map[uint32]*Proposal      // by round
	values     map[common.Hash]*Proposal // every value seen this height
	verdicts   map[common.Hash]bool      // external validity verdicts
	pendingVal map[common.Hash]*Proposal // awaiting a verdict
	votes      map[uint32]*roundVotes    // by round
	waitTimers map[uint32]map[timerKind]bool

	requestedBlock bool

	// lastNow is the timestamp of the latest event, used by entry points
	// that carry no timestamp of their own (Propose, ResolveValidity).
	lastNow types.Timestamp

	finalized []common.Hash
	ancestor  common.Hash
	terminal  bool
	broken    bool // fatal invariant tripped; instance refuses further events

	timers map[types.Timestamp][]timerTask
}

// New creates an instance for era with the given validator weights. key
// may be nil for a non-validating observer. The returned outcomes start
// the first round.
func New(cfg Config, era types.EraID, validators *types.ValidatorSet, key *crypto.PrivateKey, now types.Timestamp, logger log.Logger) (*Instance, []consensus.Outcome) {
	sigcache, _ := lru.NewARC(verifiedSigCacheSize)
	in := &Instance{
		cfg:        cfg,
		era:        era,
		validators: validators,
		key:        key,
		logger:     logger.New("era", era),
		sigcache:   sigcache,
		faulty:     mapset.NewThreadUnsafeSet(),
		proofs:     make(map[crypto.PublicKey][]byte),
		timers:     make(map[types.Timestamp][]timerTask),
	}
	in.resetHeight()
	in.lastNow = now
	var out []consensus.Outcome
	in.enterRound(0, now, &out)
	return in, out
}

// NewFactory adapts New into the supervisor's protocol factory shape.
func NewFactory(cfg Config, key *crypto.PrivateKey, logger log.Logger) consensus.ProtocolFactory {
	return func(era types.EraID, validators *types.ValidatorSet, now types.Timestamp) (consensus.Protocol, []consensus.Outcome) {
		return New(cfg, era, validators, key, now, logger)
	}
}

// resetHeight clears per-height state when entering a new position.
func (in *Instance) resetHeight() {
	in.proposals = make(map[uint32]*Proposal)
	in.values = make(map[common.Hash]*Proposal)
	in.verdicts = make(map[common.Hash]bool)
	in.pendingVal = make(map[common.Hash]*Proposal)
	in.votes = make(map[uint32]*roundVotes)
	in.waitTimers = make(map[uint32]map[timerKind]bool)
}

// Terminal implements consensus.Protocol.
func (in *Instance) Terminal() bool { return in.terminal }

// Faults implements consensus.Protocol.
func (in *Instance) Faults() []crypto.PublicKey {
	out := make([]crypto.PublicKey, 0, in.faulty.Cardinality())
	for pub := range in.proofs {
		out = append(out, pub)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := range out[i] {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

// EvidencePayload implements consensus.Protocol.
func (in *Instance) EvidencePayload(pub crypto.PublicKey) ([]byte, bool) {
	payload, ok := in.proofs[pub]
	return payload, ok
}

// HandleTimer implements consensus.Protocol. It fires every scheduled task
// that has come due.
func (in *Instance) HandleTimer(now types.Timestamp) []consensus.Outcome {
	if in.terminal || in.broken {
		return nil
	}
	in.lastNow = now
	var due []types.Timestamp
	for at := range in.timers {
		if at <= now {
			due = append(due, at)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	var out []consensus.Outcome
	for _, at := range due {
		tasks := in.timers[at]
		delete(in.timers, at)
		for _, task := range tasks {
			in.fireTimer(task, now, &out)
		}
	}
	return out
}

func (in *Instance) fireTimer(task timerTask, now types.Timestamp, out *[]consensus.Outcome) {
	if in.terminal || in.broken || task.height != in.height || task.round < in.round {
		return
	}
	switch task.kind {
	case timerPropose:
		// No usable proposal in time: prevote nil.
		if task.round == in.round && in.step == stepPropose {
			in.castPrevote(common.Hash{}, out)
		}
	case timerPrevoteWait:
		if task.round == in.round && in.step == stepPrevoteCast {
			in.enterPrecommit(now, out)
		}
	case timerPrecommitWait:
		if task.round == in.round {
			in.enterRound(in.round+1, now, out)
		}
	}
}

// HandleMessage implements consensus.Protocol.
func (in *Instance) HandleMessage(sender consensus.NodeID, payload []byte, now types.Timestamp) []consensus.Outcome {
	if in.broken {
		return nil
	}
	in.lastNow = now
	decoded, err := decodePayload(payload)
	if err != nil {
		in.logger.Debug("Dropping malformed protocol payload", "from", sender, "err", err)
		return nil
	}

	var out []consensus.Outcome
	switch msg := decoded.(type) {
	case *Proposal:
		if !in.terminal {
			in.handleProposal(sender, msg, &out)
		}
	case *Vote:
		if !in.terminal {
			in.handleVote(sender, msg, now, &out)
		}
	case *Evidence:
		// Evidence is accepted even while finishing: late proofs still
		// matter for the era's fault record.
		in.handleEvidence(msg, &out)
	}
	return out
}

func (in *Instance) handleProposal(sender consensus.NodeID, p *Proposal, out *[]consensus.Outcome) {
	if p.Era != in.era || p.Height != in.height {
		return
	}
	if in.isFaulty(p.Validator) {
		return
	}
	if !in.validators.Has(p.Validator) {
		in.logger.Debug("Proposal from unbonded key", "from", sender, "validator", p.Validator)
		return
	}
	if !in.verifySig(p.Validator, p.SignBytes(), p.Signature) {
		in.logger.Debug("Proposal with bad signature", "from", sender)
		return
	}
	if p.Validator != in.leader(p.Height, p.Round) {
		in.logger.Debug("Proposal from out of turn validator", "validator", p.Validator, "round", p.Round)
		return
	}
	if prev, ok := in.proposals[p.Round]; ok {
		if prev.Block.Hash() == p.Block.Hash() {
			return // duplicate delivery
		}
		// Two different proposals for one slot: leader equivocation.
		in.attributeProposalPair(prev, p, out)
		return
	}
	hash := p.Block.Hash()
	in.proposals[p.Round] = p
	in.values[hash] = p

	if verdict, ok := in.verdicts[hash]; ok {
		if verdict && p.Round == in.round && in.step == stepPropose {
			in.castPrevote(hash, out)
		}
		return
	}
	if _, ok := in.pendingVal[hash]; ok {
		return
	}
	in.pendingVal[hash] = p
	*out = append(*out, &consensus.ValidateValueOutcome{Sender: sender, Value: p.Block, Ctx: p.Ctx})
}

func (in *Instance) handleVote(sender consensus.NodeID, v *Vote, now types.Timestamp, out *[]consensus.Outcome) {
	if v.Era != in.era || v.Height != in.height {
		return
	}
	if v.Step != StepPrevote && v.Step != StepPrecommit {
		return
	}
	if in.isFaulty(v.Validator) {
		return // discounted, but keep processing the stream
	}
	if !in.validators.Has(v.Validator) {
		in.logger.Debug("Vote from unbonded key", "from", sender, "validator", v.Validator)
		return
	}
	if !in.verifySig(v.Validator, v.SignBytes(), v.Signature) {
		in.logger.Debug("Vote with bad signature", "from", sender)
		return
	}

	set := in.roundVotesFor(v.Round).set(v.Step)
	added, conflict := set.add(v)
	if conflict != nil {
		in.attributeVotePair(conflict, v, out)
		return
	}
	if !added {
		return // duplicate delivery is a no-op
	}

	switch v.Step {
	case StepPrevote:
		if v.Round == in.round {
			in.checkPrevotes(now, out)
		}
	case StepPrecommit:
		in.checkPrecommits(v.Round, now, out)
	}
}

func (in *Instance) handleEvidence(e *Evidence, out *[]consensus.Outcome) {
	if e.Era != in.era {
		return
	}
	pub, err := verifyEvidence(e, in.validators)
	if err != nil {
		in.logger.Debug("Dropping invalid evidence", "err", err)
		return
	}
	if in.isFaulty(pub) {
		return
	}
	payload, err := EncodeEvidence(e)
	if err != nil {
		return
	}
	in.markFaulty(pub, payload, out)
}

// Propose implements consensus.Protocol: the deploy buffer answered our
// request for fresh proposal content.
func (in *Instance) Propose(block types.ProtoBlock, ctx types.BlockContext) []consensus.Outcome {
	if in.terminal || in.broken || in.key == nil {
		return nil
	}
	// Content may arrive after the propose window closed; drop it then.
	if !in.requestedBlock || in.step != stepPropose {
		return nil
	}
	if in.leader(in.height, in.round) != in.key.PublicKey() {
		return nil
	}
	in.requestedBlock = false

	p := &Proposal{
		Era:       in.era,
		Height:    in.height,
		Round:     in.round,
		Block:     block,
		Ctx:       ctx,
		Validator: in.key.PublicKey(),
	}
	p.Signature = in.key.Sign(p.SignBytes())

	hash := block.Hash()
	in.proposals[in.round] = p
	in.values[hash] = p
	// Our own assembly: content comes from our deploy buffer, no external
	// verdict needed.
	in.verdicts[hash] = true

	var out []consensus.Outcome
	payload, err := EncodeProposal(p)
	if err != nil {
		in.logger.Error("Failed to encode own proposal", "err", err)
		return nil
	}
	out = append(out, &consensus.BroadcastOutcome{Payload: payload})
	in.castPrevote(hash, &out)
	return out
}

// ResolveValidity implements consensus.Protocol.
func (in *Instance) ResolveValidity(hash common.Hash, valid bool) []consensus.Outcome {
	if in.terminal || in.broken {
		return nil
	}
	p, ok := in.pendingVal[hash]
	if !ok {
		return nil
	}
	delete(in.pendingVal, hash)
	in.verdicts[hash] = valid

	var out []consensus.Outcome
	if p.Height == in.height && p.Round == in.round && in.step == stepPropose {
		if valid {
			in.castPrevote(hash, &out)
		} else {
			in.castPrevote(common.Hash{}, &out)
		}
	}
	return out
}

// --- round machinery ---

func (in *Instance) enterRound(round uint32, now types.Timestamp, out *[]consensus.Outcome) {
	in.round = round
	in.step = stepPropose
	in.requestedBlock = false

	in.schedule(now.Add(in.timeout(in.cfg.ProposeTimeout, round)), timerTask{
		height: in.height, round: round, kind: timerPropose,
	}, out)

	if in.key != nil && in.leader(in.height, round) == in.key.PublicKey() {
		in.requestedBlock = true
		ctx := types.BlockContext{Era: in.era, Timestamp: now, Ancestor: in.ancestor}
		*out = append(*out, &consensus.RequestNewBlockOutcome{Ctx: ctx})
	} else if p, ok := in.proposals[round]; ok {
		// A proposal for this round arrived while we were in an earlier
		// round; re-evaluate it against the known verdicts.
		hash := p.Block.Hash()
		if verdict, ok := in.verdicts[hash]; ok && verdict {
			in.castPrevote(hash, out)
		}
	}
}

func (in *Instance) castPrevote(hash common.Hash, out *[]consensus.Outcome) {
	in.step = stepPrevoteCast
	in.castVote(StepPrevote, in.round, hash, out)
	// Our own prevote may be the one that completes the quorum.
	in.checkPrevotes(in.lastNow, out)
}

func (in *Instance) enterPrecommit(now types.Timestamp, out *[]consensus.Outcome) {
	prevotes := in.roundVotesFor(in.round).prevotes
	lead, weight := prevotes.leading()
	target := common.Hash{}
	if weight >= in.quorum() {
		// Only precommit a value we hold and know to be valid.
		if verdict, ok := in.verdicts[lead]; ok && verdict {
			target = lead
		}
	}
	in.step = stepPrecommitCast
	in.castVote(StepPrecommit, in.round, target, out)
	in.checkPrecommits(in.round, now, out)
}

func (in *Instance) castVote(step VoteStep, round uint32, hash common.Hash, out *[]consensus.Outcome) {
	if in.key == nil || !in.validators.Has(in.key.PublicKey()) {
		return // observer: track state, cast nothing
	}
	v := &Vote{
		Era:       in.era,
		Height:    in.height,
		Round:     round,
		Step:      step,
		BlockHash: hash,
		Validator: in.key.PublicKey(),
	}
	v.Signature = in.key.Sign(v.SignBytes())

	set := in.roundVotesFor(round).set(step)
	set.add(v)

	payload, err := EncodeVote(v)
	if err != nil {
		in.logger.Error("Failed to encode own vote", "err", err)
		return
	}
	*out = append(*out, &consensus.BroadcastOutcome{Payload: payload})
}

func (in *Instance) checkPrevotes(now types.Timestamp, out *[]consensus.Outcome) {
	prevotes := in.roundVotesFor(in.round).prevotes
	q := in.quorum()

	if _, weight := prevotes.leading(); weight >= q {
		if in.step <= stepPrevoteCast {
			in.enterPrecommit(now, out)
		}
		return
	}
	// 2/3 turnout without a leading value: give stragglers one timeout.
	if prevotes.votedWeight() >= q && in.step == stepPrevoteCast {
		in.scheduleWait(timerPrevoteWait, now, in.cfg.PrevoteTimeout, out)
	}
}

func (in *Instance) checkPrecommits(round uint32, now types.Timestamp, out *[]consensus.Outcome) {
	precommits := in.roundVotesFor(round).precommits
	q := in.quorum()

	lead, weight := precommits.leading()
	if !lead.IsZero() && weight >= q {
		in.finalize(lead, now, out)
		return
	}
	if precommits.votedWeight() >= q && round == in.round && in.step == stepPrecommitCast {
		in.scheduleWait(timerPrecommitWait, now, in.cfg.PrecommitTimeout, out)
	}
}

func (in *Instance) finalize(hash common.Hash, now types.Timestamp, out *[]consensus.Outcome) {
	h := in.height
	if uint64(len(in.finalized)) > h {
		if in.finalized[h] != hash {
			in.broken = true
			err := fmt.Errorf("%w: height %d has %v and %v", errDoubleFinalization, h, in.finalized[h], hash)
			in.logger.Crit("Consensus invariant violated", "err", err)
			*out = append(*out, &consensus.FatalOutcome{Err: err})
		}
		return
	}
	p, ok := in.values[hash]
	if !ok {
		// Quorum on a value we never received. We cannot emit the block
		// without its content; wait for a re-broadcast.
		in.logger.Warn("Quorum on unknown value", "hash", hash, "height", h)
		return
	}

	in.finalized = append(in.finalized, hash)
	in.ancestor = hash

	fb := types.FinalizedBlock{
		Era:      in.era,
		Height:   h,
		Value:    p.Block,
		Ctx:      p.Ctx,
		Proposer: p.Validator,
	}
	if h+1 >= in.cfg.BlocksPerEra {
		fb.EraEnd = &types.EraEnd{
			Equivocators:  in.Faults(),
			RewardWeights: in.rewardWeights(),
		}
		in.terminal = true
	}
	*out = append(*out, &consensus.FinalizedOutcome{Block: fb})

	if in.terminal {
		in.logger.Info("Era finished", "blocks", len(in.finalized), "faults", len(in.proofs))
		in.timers = make(map[types.Timestamp][]timerTask)
		return
	}
	in.height++
	in.resetHeight()
	in.enterRound(0, now, out)
}

// --- fault attribution ---

func (in *Instance) attributeVotePair(a, b *Vote, out *[]consensus.Outcome) {
	rawA, errA := EncodeVote(a)
	rawB, errB := EncodeVote(b)
	if errA != nil || errB != nil {
		return
	}
	payload, err := EncodeEvidence(&Evidence{Era: in.era, MsgA: rawA, MsgB: rawB})
	if err != nil {
		return
	}
	in.markFaulty(a.Validator, payload, out)
}

func (in *Instance) attributeProposalPair(a, b *Proposal, out *[]consensus.Outcome) {
	rawA, errA := EncodeProposal(a)
	rawB, errB := EncodeProposal(b)
	if errA != nil || errB != nil {
		return
	}
	payload, err := EncodeEvidence(&Evidence{Era: in.era, MsgA: rawA, MsgB: rawB})
	if err != nil {
		return
	}
	in.markFaulty(a.Validator, payload, out)
}

func (in *Instance) markFaulty(pub crypto.PublicKey, payload []byte, out *[]consensus.Outcome) {
	if in.isFaulty(pub) {
		return
	}
	in.faulty.Add(pub)
	in.faultyWeight += in.validators.Weight(pub)
	in.proofs[pub] = payload

	// Strip the offender's weight from every live tally.
	for _, rv := range in.votes {
		rv.prevotes.discount(pub)
		rv.precommits.discount(pub)
	}
	in.logger.Warn("Validator equivocated", "validator", pub, "weight", in.validators.Weight(pub),
		"effectiveTotal", in.effectiveTotal())
	*out = append(*out, &consensus.NewEvidenceOutcome{PubKey: pub, Payload: payload})
}

func (in *Instance) isFaulty(pub crypto.PublicKey) bool { return in.faulty.Contains(pub) }

// --- helpers ---

// effectiveTotal is the weight that still counts toward quorums: the era's
// total minus every proven equivocator.
func (in *Instance) effectiveTotal() uint64 {
	return in.validators.TotalWeight() - in.faultyWeight
}

// quorum returns the minimum weight for a strictly-greater-than-2/3
// majority of the effective total.
func (in *Instance) quorum() uint64 {
	return 2*in.effectiveTotal()/3 + 1
}

// leader returns the proposer of (height, round): simple rotation through
// the sorted validator keys.
func (in *Instance) leader(height uint64, round uint32) crypto.PublicKey {
	keys := in.validators.Keys()
	return keys[(height+uint64(round))%uint64(len(keys))]
}

func (in *Instance) roundVotesFor(round uint32) *roundVotes {
	rv, ok := in.votes[round]
	if !ok {
		rv = newRoundVotes(in.validators)
		in.votes[round] = rv
	}
	return rv
}

func (in *Instance) rewardWeights() types.ValidatorWeights {
	out := make(types.ValidatorWeights)
	for _, pub := range in.validators.Keys() {
		if !in.isFaulty(pub) {
			out[pub] = in.validators.Weight(pub)
		}
	}
	return out
}

func (in *Instance) timeout(base time.Duration, round uint32) time.Duration {
	return base + time.Duration(round)*in.cfg.TimeoutDelta
}

func (in *Instance) schedule(at types.Timestamp, task timerTask, out *[]consensus.Outcome) {
	in.timers[at] = append(in.timers[at], task)
	*out = append(*out, &consensus.ScheduleTimerOutcome{At: at})
}

// scheduleWait schedules a one-shot wait timer per (round, kind).
func (in *Instance) scheduleWait(kind timerKind, now types.Timestamp, base time.Duration, out *[]consensus.Outcome) {
	seen := in.waitTimers[in.round]
	if seen == nil {
		seen = make(map[timerKind]bool)
		in.waitTimers[in.round] = seen
	}
	if seen[kind] {
		return
	}
	seen[kind] = true
	in.schedule(now.Add(in.timeout(base, in.round)), timerTask{
		height: in.height, round: in.round, kind: kind,
	}, out)
}

// verifySig checks sig over digest under pub, memoizing successes.
func (in *Instance) verifySig(pub crypto.PublicKey, digest, sig []byte) bool {
	cacheKey := string(crypto.Sha3Hash(pub[:], digest, sig).Bytes())
	if _, ok := in.sigcache.Get(cacheKey); ok {
		return true
	}
	if !crypto.Verify(pub, digest, sig) {
		return false
	}
	in.sigcache.Add(cacheKey, struct{}{})
	return true
}
