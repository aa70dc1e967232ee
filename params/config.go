// Package params holds the tunable parameters of the era consensus
// engine together with their defaults and validation.
package params

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors returned by Config.Validate.
var (
	ErrZeroBlocksPerEra  = errors.New("params: blocks per era must be positive")
	ErrZeroBondedEras    = errors.New("params: bonded eras must be positive")
	ErrNonPositiveWait   = errors.New("params: round timeouts must be positive")
	ErrNoLookupRetries   = errors.New("params: validator lookup retries must be positive")
	ErrNoLookupBackoff   = errors.New("params: validator lookup backoff must be positive")
	ErrNegativeRoundStep = errors.New("params: round timeout delta must not be negative")
)

// Config is the engine configuration of one node. Zero values are invalid;
// start from DefaultConfig and override.
type Config struct {
	// BlocksPerEra is the number of finalized positions per era. The last
	// one is the switch block that seeds the next era's validators.
	BlocksPerEra uint64

	// BondedEras is the width of the bonded window: how many of the most
	// recent eras keep their weight tables and fault evidence after their
	// instance retired. Eras older than that are purged.
	BondedEras uint64

	// Round timeouts of the protocol instances. Each grows by
	// TimeoutDelta per round so congested heights settle eventually.
	ProposeTimeout   time.Duration
	PrevoteTimeout   time.Duration
	PrecommitTimeout time.Duration
	TimeoutDelta     time.Duration

	// ValidatorLookupRetries bounds how often a failed or still-pending
	// validator weights lookup is retried before the node aborts.
	// Proceeding past an era boundary with guessed weights is never safe.
	ValidatorLookupRetries int

	// ValidatorLookupBackoff is the delay between two lookup attempts.
	ValidatorLookupBackoff time.Duration

	// EvidencePath is the directory of the persistent fault evidence
	// store. Empty selects an in-memory store.
	EvidencePath string
}

// DefaultConfig returns the parameters a mainnet-like deployment starts
// from.
func DefaultConfig() *Config {
	return &Config{
		BlocksPerEra:           64,
		BondedEras:             3,
		ProposeTimeout:         4 * time.Second,
		PrevoteTimeout:         2 * time.Second,
		PrecommitTimeout:       2 * time.Second,
		TimeoutDelta:           time.Second,
		ValidatorLookupRetries: 5,
		ValidatorLookupBackoff: 2 * time.Second,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.BlocksPerEra == 0 {
		return ErrZeroBlocksPerEra
	}
	if c.BondedEras == 0 {
		return ErrZeroBondedEras
	}
	for _, d := range []time.Duration{c.ProposeTimeout, c.PrevoteTimeout, c.PrecommitTimeout} {
		if d <= 0 {
			return fmt.Errorf("%w: have %v", ErrNonPositiveWait, d)
		}
	}
	if c.TimeoutDelta < 0 {
		return ErrNegativeRoundStep
	}
	if c.ValidatorLookupRetries <= 0 {
		return ErrNoLookupRetries
	}
	if c.ValidatorLookupBackoff <= 0 {
		return ErrNoLookupBackoff
	}
	return nil
}
