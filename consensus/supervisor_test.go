package consensus

import (
	"errors"
	"testing"

	log "github.com/inconshreveable/log15"

	"github.com/tos-network/erabft/common"
	"github.com/tos-network/erabft/consensus/evidence"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/params"
	"github.com/tos-network/erabft/types"
)

// fakeProtocol is a scripted Protocol: it records every call and returns
// whatever outcomes were queued beforehand.
type fakeProtocol struct {
	timers    []types.Timestamp
	msgs      [][]byte
	proposals []types.ProtoBlock
	verdicts  []verdictCall

	pending  []Outcome
	terminal bool
	faults   []crypto.PublicKey
	proofs   map[crypto.PublicKey][]byte
}

type verdictCall struct {
	hash  common.Hash
	valid bool
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{proofs: make(map[crypto.PublicKey][]byte)}
}

func (f *fakeProtocol) queue(out ...Outcome) { f.pending = append(f.pending, out...) }

func (f *fakeProtocol) drain() []Outcome {
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeProtocol) HandleTimer(now types.Timestamp) []Outcome {
	f.timers = append(f.timers, now)
	return f.drain()
}

func (f *fakeProtocol) HandleMessage(sender NodeID, payload []byte, now types.Timestamp) []Outcome {
	f.msgs = append(f.msgs, payload)
	return f.drain()
}

func (f *fakeProtocol) Propose(block types.ProtoBlock, ctx types.BlockContext) []Outcome {
	f.proposals = append(f.proposals, block)
	return f.drain()
}

func (f *fakeProtocol) ResolveValidity(hash common.Hash, valid bool) []Outcome {
	f.verdicts = append(f.verdicts, verdictCall{hash: hash, valid: valid})
	return f.drain()
}

func (f *fakeProtocol) EvidencePayload(pub crypto.PublicKey) ([]byte, bool) {
	payload, ok := f.proofs[pub]
	return payload, ok
}

func (f *fakeProtocol) Faults() []crypto.PublicKey { return f.faults }
func (f *fakeProtocol) Terminal() bool             { return f.terminal }

// fakeEnv bundles a supervisor over scripted protocol instances.
type fakeEnv struct {
	t       *testing.T
	sup     *EraSupervisor
	store   *evidence.Store
	fakes   map[types.EraID]*fakeProtocol
	weights types.ValidatorWeights
	now     types.Timestamp
}

func newFakeEnv(t *testing.T, cfg *params.Config) *fakeEnv {
	t.Helper()
	store, err := evidence.NewMemStore()
	if err != nil {
		t.Fatalf("failed to open evidence store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &fakeEnv{
		t:     t,
		store: store,
		fakes: make(map[types.EraID]*fakeProtocol),
		now:   types.Timestamp(1_700_000_000_000),
	}
	env.weights = make(types.ValidatorWeights)
	for _, w := range []uint64{3, 3, 3, 1} {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		env.weights[key.PublicKey()] = w
	}

	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	factory := func(id types.EraID, set *types.ValidatorSet, now types.Timestamp) (Protocol, []Outcome) {
		f := newFakeProtocol()
		env.fakes[id] = f
		return f, f.drain()
	}
	sup, err := NewEraSupervisor(cfg, factory, store, logger)
	if err != nil {
		t.Fatalf("failed to create supervisor: %v", err)
	}
	env.sup = sup
	return env
}

func (env *fakeEnv) bootstrap() {
	env.t.Helper()
	if _, err := env.sup.Bootstrap(env.weights, env.now); err != nil {
		env.t.Fatalf("bootstrap failed: %v", err)
	}
}

// activateSuccessor drives the switch block / weights lookup handshake
// that creates the era after `era`.
func (env *fakeEnv) activateSuccessor(era types.EraID) {
	env.t.Helper()
	header := types.BlockHeader{
		Era:         era,
		Height:      63,
		Hash:        common.BytesToHash([]byte{byte(era)}),
		SwitchBlock: true,
	}
	effects := env.sup.HandleLinearChainBlock(header)
	if len(effects) != 1 {
		env.t.Fatalf("switch block effects: have %d want 1", len(effects))
	}
	if _, ok := effects[0].(*GetValidatorsEffect); !ok {
		env.t.Fatalf("have %T, want GetValidatorsEffect", effects[0])
	}
	env.sup.HandleGetValidatorsResponse(header, env.weights, nil, env.now)
	if _, ok := env.fakes[era.Successor()]; !ok {
		env.t.Fatalf("era %v instance not created", era.Successor())
	}
}

// retire drives an era to EraEnd through a scripted finalization.
func (env *fakeEnv) retire(era types.EraID) {
	env.t.Helper()
	f := env.fakes[era]
	f.queue(&FinalizedOutcome{Block: types.FinalizedBlock{
		Era:    era,
		Height: 63,
		EraEnd: &types.EraEnd{RewardWeights: env.weights},
	}})
	effects := env.sup.HandleTimer(era, env.now)
	if len(effects) != 1 {
		env.t.Fatalf("retiring effects: have %d want 1", len(effects))
	}
	if _, ok := effects[0].(*ExecuteBlockEffect); !ok {
		env.t.Fatalf("have %T, want ExecuteBlockEffect", effects[0])
	}
	f.terminal = true
}

func protoBlock(tag string) types.ProtoBlock {
	return types.ProtoBlock{Deploys: []types.Deploy{[]byte(tag)}, Random: 42}
}

func TestTimerForRetiredEraIsNoOp(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()
	env.retire(0)

	calls := len(env.fakes[0].timers)
	if effects := env.sup.HandleTimer(0, env.now.Add(1)); len(effects) != 0 {
		t.Fatalf("retired era timer produced effects: %v", effects)
	}
	if have := len(env.fakes[0].timers); have != calls {
		t.Fatalf("retired instance received timer: have %d calls want %d", have, calls)
	}
}

func TestMessageRoutingIsEraScoped(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()
	env.activateSuccessor(0)

	msg := &ProtocolMsg{EraID: 1, Payload: []byte("ping")}
	env.sup.HandleMessage("peer-a", msg, env.now)

	if have := len(env.fakes[1].msgs); have != 1 {
		t.Fatalf("era 1 messages: have %d want 1", have)
	}
	if have := len(env.fakes[0].msgs); have != 0 {
		t.Fatalf("era 0 messages: have %d want 0", have)
	}

	// Unknown era: silent drop, no effects.
	stray := &ProtocolMsg{EraID: 9, Payload: []byte("ping")}
	if effects := env.sup.HandleMessage("peer-a", stray, env.now); len(effects) != 0 {
		t.Fatalf("unknown era message produced effects: %v", effects)
	}
}

func TestDuplicateNewProtoBlockCoalesces(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()

	block := protoBlock("own")
	ctx := types.BlockContext{Era: 0, Timestamp: env.now}

	first := env.sup.HandleNewProtoBlock(0, block, ctx, env.now)
	if len(first) != 1 {
		t.Fatalf("first proposal effects: have %d want 1", len(first))
	}
	if _, ok := first[0].(*ValidateBlockEffect); !ok {
		t.Fatalf("have %T, want ValidateBlockEffect", first[0])
	}
	// Identical content again while the request is outstanding: coalesced.
	if second := env.sup.HandleNewProtoBlock(0, block, ctx, env.now); len(second) != 0 {
		t.Fatalf("duplicate proposal produced effects: %v", second)
	}

	env.sup.HandleAcceptProtoBlock(0, block, env.now)
	f := env.fakes[0]
	if have := len(f.proposals); have != 1 {
		t.Fatalf("instance proposals: have %d want 1", have)
	}
	if f.proposals[0].Hash() != block.Hash() {
		t.Fatalf("proposed wrong block: have %v want %v", f.proposals[0].Hash(), block.Hash())
	}

	// A repeated verdict must change nothing.
	if effects := env.sup.HandleAcceptProtoBlock(0, block, env.now); len(effects) != 0 {
		t.Fatalf("repeated verdict produced effects: %v", effects)
	}
	if have := len(f.proposals); have != 1 {
		t.Fatalf("instance proposals after repeat: have %d want 1", have)
	}
}

func TestReceivedValueValidationLifecycle(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()
	f := env.fakes[0]

	block := protoBlock("peer value")
	ctx := types.BlockContext{Era: 0, Timestamp: env.now}
	f.queue(&ValidateValueOutcome{Sender: "peer-b", Value: block, Ctx: ctx})

	effects := env.sup.HandleMessage("peer-b", &ProtocolMsg{EraID: 0, Payload: []byte("proposal")}, env.now)
	if len(effects) != 1 {
		t.Fatalf("validation effects: have %d want 1", len(effects))
	}
	validate, ok := effects[0].(*ValidateBlockEffect)
	if !ok {
		t.Fatalf("have %T, want ValidateBlockEffect", effects[0])
	}
	if validate.Sender != "peer-b" {
		t.Fatalf("validation sender: have %s want peer-b", validate.Sender)
	}

	// Rejection resolves the instance negatively and is not equivocation.
	effects = env.sup.HandleInvalidProtoBlock(0, "peer-b", block, env.now)
	for _, effect := range effects {
		if _, ok := effect.(*AnnounceFaultEffect); ok {
			t.Fatalf("rejection produced a fault announcement")
		}
	}
	if len(f.verdicts) != 1 || f.verdicts[0].valid || f.verdicts[0].hash != block.Hash() {
		t.Fatalf("instance verdicts: have %+v want one invalid for %v", f.verdicts, block.Hash())
	}
}

func TestKnownVerdictShortCircuitsRevalidation(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()
	f := env.fakes[0]

	block := protoBlock("seen before")
	ctx := types.BlockContext{Era: 0, Timestamp: env.now}
	f.queue(&ValidateValueOutcome{Sender: "peer-b", Value: block, Ctx: ctx})
	env.sup.HandleMessage("peer-b", &ProtocolMsg{EraID: 0, Payload: []byte("p1")}, env.now)
	env.sup.HandleAcceptProtoBlock(0, block, env.now)

	// Same value relayed again: no second validation request, verdict is
	// replayed into the instance directly.
	f.queue(&ValidateValueOutcome{Sender: "peer-c", Value: block, Ctx: ctx})
	effects := env.sup.HandleMessage("peer-c", &ProtocolMsg{EraID: 0, Payload: []byte("p2")}, env.now)
	for _, effect := range effects {
		if _, ok := effect.(*ValidateBlockEffect); ok {
			t.Fatalf("resolved candidate requested validation again")
		}
	}
	if have := len(f.verdicts); have != 2 {
		t.Fatalf("instance verdicts: have %d want 2", have)
	}
	if !f.verdicts[1].valid {
		t.Fatalf("replayed verdict: have invalid want valid")
	}
}

func TestEvidenceServedAfterRetirement(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()

	var offender crypto.PublicKey
	for pub := range env.weights {
		offender = pub
		break
	}
	proof := []byte("conflicting signed votes")
	env.fakes[0].queue(&NewEvidenceOutcome{PubKey: offender, Payload: proof})
	effects := env.sup.HandleTimer(0, env.now)
	if len(effects) != 1 {
		t.Fatalf("evidence effects: have %d want 1", len(effects))
	}
	fault, ok := effects[0].(*AnnounceFaultEffect)
	if !ok {
		t.Fatalf("have %T, want AnnounceFaultEffect", effects[0])
	}
	if fault.PubKey != offender {
		t.Fatalf("announced offender: have %v want %v", fault.PubKey, offender)
	}

	env.retire(0)
	env.activateSuccessor(0)

	// The era is retired but inside the bonded window; the request must
	// still be answerable.
	reply := env.sup.HandleMessage("peer-d", &EvidenceRequestMsg{EraID: 0, PubKey: offender}, env.now)
	if len(reply) != 1 {
		t.Fatalf("evidence reply effects: have %d want 1", len(reply))
	}
	send, ok := reply[0].(*SendEffect)
	if !ok {
		t.Fatalf("have %T, want SendEffect", reply[0])
	}
	if send.To != "peer-d" {
		t.Fatalf("reply target: have %s want peer-d", send.To)
	}
	payload, ok := send.Msg.(*ProtocolMsg)
	if !ok || payload.EraID != 0 || string(payload.Payload) != string(proof) {
		t.Fatalf("reply payload mismatch: %v", send.Msg)
	}
}

func TestEvidenceRequestForCleanValidator(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()

	var pub crypto.PublicKey
	for k := range env.weights {
		pub = k
		break
	}
	if reply := env.sup.HandleMessage("peer", &EvidenceRequestMsg{EraID: 0, PubKey: pub}, env.now); len(reply) != 0 {
		t.Fatalf("clean validator request produced effects: %v", reply)
	}
}

func TestBondedWindowPrunesOldEras(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.BondedEras = 2
	env := newFakeEnv(t, cfg)
	env.bootstrap()

	var offender crypto.PublicKey
	for pub := range env.weights {
		offender = pub
		break
	}
	env.fakes[0].queue(&NewEvidenceOutcome{PubKey: offender, Payload: []byte("proof")})
	env.sup.HandleTimer(0, env.now)

	env.retire(0)
	env.activateSuccessor(0) // era 1; window {0, 1}
	env.retire(1)
	env.activateSuccessor(1) // era 2; window {1, 2}, era 0 purged

	if reply := env.sup.HandleMessage("peer", &EvidenceRequestMsg{EraID: 0, PubKey: offender}, env.now); len(reply) != 0 {
		t.Fatalf("purged era still answered evidence request: %v", reply)
	}
	if env.store.Has(0, offender) {
		t.Fatalf("purged era evidence still in store")
	}
	if effects := env.sup.HandleTimer(0, env.now); len(effects) != 0 {
		t.Fatalf("purged era timer produced effects: %v", effects)
	}
}

func TestValidatorLookupRetriesThenAborts(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.ValidatorLookupRetries = 3
	env := newFakeEnv(t, cfg)
	env.bootstrap()

	header := types.BlockHeader{Era: 0, Height: 63, SwitchBlock: true}
	env.sup.HandleLinearChainBlock(header)

	lookupErr := errors.New("execution layer unreachable")
	for attempt := 1; attempt < cfg.ValidatorLookupRetries; attempt++ {
		effects := env.sup.HandleGetValidatorsResponse(header, nil, lookupErr, env.now)
		if len(effects) != 1 {
			t.Fatalf("attempt %d: have %d effects want 1", attempt, len(effects))
		}
		if _, ok := effects[0].(*GetValidatorsEffect); !ok {
			t.Fatalf("attempt %d: have %T, want GetValidatorsEffect", attempt, effects[0])
		}
	}
	effects := env.sup.HandleGetValidatorsResponse(header, nil, lookupErr, env.now)
	if len(effects) != 1 {
		t.Fatalf("final attempt: have %d effects want 1", len(effects))
	}
	fatal, ok := effects[0].(*FatalEffect)
	if !ok {
		t.Fatalf("have %T, want FatalEffect", effects[0])
	}
	if !errors.Is(fatal.Err, errLookupExhausted) {
		t.Fatalf("fatal error: have %v want %v", fatal.Err, errLookupExhausted)
	}
}

func TestNotYetAvailableCountsAsRetry(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()

	header := types.BlockHeader{Era: 0, Height: 63, SwitchBlock: true}
	env.sup.HandleLinearChainBlock(header)

	// nil weights with nil error means "not yet available": retried, then
	// a regular success creates the era.
	effects := env.sup.HandleGetValidatorsResponse(header, nil, nil, env.now)
	if len(effects) != 1 {
		t.Fatalf("pending response: have %d effects want 1", len(effects))
	}
	if _, ok := effects[0].(*GetValidatorsEffect); !ok {
		t.Fatalf("have %T, want GetValidatorsEffect", effects[0])
	}
	env.sup.HandleGetValidatorsResponse(header, env.weights, nil, env.now)
	if _, ok := env.fakes[1]; !ok {
		t.Fatalf("era 1 instance not created after late success")
	}
}

func TestLinearChainResponderAlwaysInvoked(t *testing.T) {
	env := newFakeEnv(t, params.DefaultConfig())
	env.bootstrap()

	invoked := false
	ev := &LinearChainBlockEvent{
		Header:    types.BlockHeader{Era: 0, Height: 11},
		Responder: func() { invoked = true },
	}
	if effects := env.sup.HandleEvent(ev, env.now); len(effects) != 0 {
		t.Fatalf("non-switch block produced effects: %v", effects)
	}
	if !invoked {
		t.Fatalf("responder not invoked for non-switch block")
	}
}
