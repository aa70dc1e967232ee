// erabft runs the era consensus engine as a standalone node. Without a
// network stack wired in it starts in dev mode: a single local validator
// with loopback collaborators, finalizing eras on its own. This is the
// development harness, not a production deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/inconshreveable/log15"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/erabft/consensus"
	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/node"
	"github.com/tos-network/erabft/params"
	"github.com/tos-network/erabft/types"
)

const clientIdentifier = "erabft"

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file (durations in nanoseconds)",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for the persistent fault evidence store (empty = in-memory)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
	blocksPerEraFlag = &cli.Uint64Flag{
		Name:  "era.blocks",
		Usage: "Number of finalized blocks per era",
	}
	bondedErasFlag = &cli.Uint64Flag{
		Name:  "era.bonded",
		Usage: "Width of the bonded window in eras",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = clientIdentifier
	app.Usage = "era-scoped BFT consensus engine"
	app.Flags = []cli.Flag{
		configFileFlag,
		dataDirFlag,
		verbosityFlag,
		blocksPerEraFlag,
		bondedErasFlag,
	}
	app.Action = runNode

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(verbosity int) {
	handler := log.LvlFilterHandler(log.Lvl(verbosity), log.StreamHandler(os.Stderr, log.TerminalFormat()))
	log.Root().SetHandler(handler)
}

func loadConfig(ctx *cli.Context) (*params.Config, error) {
	cfg := params.DefaultConfig()
	if path := ctx.String(configFileFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.EvidencePath = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(blocksPerEraFlag.Name) {
		cfg.BlocksPerEra = ctx.Uint64(blocksPerEraFlag.Name)
	}
	if ctx.IsSet(bondedErasFlag.Name) {
		cfg.BondedEras = ctx.Uint64(bondedErasFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode(cliCtx *cli.Context) error {
	setupLogger(cliCtx.Int(verbosityFlag.Name))
	logger := log.Root()

	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}

	// Dev mode: one throwaway validator holding all the weight.
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	genesis := types.ValidatorWeights{key.PublicKey(): 1}
	logger.Info("Starting dev consensus node", "validator", key.PublicKey(), "blocksPerEra", cfg.BlocksPerEra)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var engine *node.Node
	engine, err = node.New(cfg, key, node.Collaborators{
		Network:    devNetwork{},
		Proposer:   &devProposer{},
		Validator:  devValidator{},
		Validators: devWeights{weights: genesis},
		Executor:   &devExecutor{logger: logger},
	}, node.Announcements{
		OnFinalized: func(block types.FinalizedBlock) {
			if block.EraEnd == nil {
				return
			}
			// Feed the switch block back so the next era spins up, the
			// way the chain store would on a real node.
			header := types.BlockHeader{
				Era:         block.Era,
				Height:      block.Height,
				Hash:        block.Value.Hash(),
				Timestamp:   block.Ctx.Timestamp,
				SwitchBlock: true,
			}
			go engine.NotifyLinearChainBlock(ctx, header, nil)
		},
		OnFault: func(era types.EraID, pub crypto.PublicKey) {
			logger.Warn("Fault announced", "era", era, "validator", pub)
		},
	}, logger)
	if err != nil {
		return err
	}

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		logger.Info("Shutting down")
		cancel()
	}()

	return engine.Run(ctx, genesis)
}

// Loopback collaborators for dev mode.

type devNetwork struct{}

func (devNetwork) Broadcast(consensus.ConsensusMessage) error { return nil }
func (devNetwork) Send(consensus.NodeID, consensus.ConsensusMessage) error {
	return nil
}

type devProposer struct {
	seq uint64
}

func (p *devProposer) RequestProtoBlock(ctx context.Context, era types.EraID, bctx types.BlockContext) (types.ProtoBlock, error) {
	p.seq++
	return types.ProtoBlock{Random: p.seq}, nil
}

type devValidator struct{}

func (devValidator) ValidateProtoBlock(context.Context, types.ProtoBlock, types.BlockContext) (bool, error) {
	return true, nil
}

type devWeights struct {
	weights types.ValidatorWeights
}

func (w devWeights) NextEraValidators(context.Context, types.BlockHeader) (types.ValidatorWeights, error) {
	return w.weights, nil
}

type devExecutor struct {
	logger log.Logger
}

func (e *devExecutor) ExecuteFinalizedBlock(block types.FinalizedBlock) error {
	e.logger.Info("Finalized block", "era", block.Era, "height", block.Height,
		"hash", block.Value.Hash().TerminalString(), "switch", block.EraEnd != nil)
	return nil
}
