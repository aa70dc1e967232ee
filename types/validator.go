package types

import (
	"bytes"
	"errors"
	"sort"

	"github.com/tos-network/erabft/crypto"
)

// Sentinel errors returned by validator set construction.
var (
	ErrEmptyValidatorSet = errors.New("types: empty validator set")
	ErrZeroTotalWeight   = errors.New("types: total validator weight is zero")
)

// ValidatorWeights maps a validator public key to its bonded weight.
type ValidatorWeights map[crypto.PublicKey]uint64

// ValidatorSet is the immutable weight table of one era. The set is built
// once when the era is created and never mutated afterwards; anything that
// changes weights (equivocation discounts) is tracked by the protocol
// instance on top of this table.
type ValidatorSet struct {
	weights ValidatorWeights
	sorted  []crypto.PublicKey // ascending by key bytes, for determinism
	total   uint64
}

// NewValidatorSet builds a validator set from a weight table. Validators
// with zero weight are dropped; the remaining total weight must be
// positive.
func NewValidatorSet(weights ValidatorWeights) (*ValidatorSet, error) {
	if len(weights) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	vs := &ValidatorSet{weights: make(ValidatorWeights, len(weights))}
	for pub, w := range weights {
		if w == 0 {
			continue
		}
		vs.weights[pub] = w
		vs.sorted = append(vs.sorted, pub)
		vs.total += w
	}
	if vs.total == 0 {
		return nil, ErrZeroTotalWeight
	}
	sort.Slice(vs.sorted, func(i, j int) bool {
		return bytes.Compare(vs.sorted[i][:], vs.sorted[j][:]) < 0
	})
	return vs, nil
}

// Has reports whether pub is a bonded member of the set.
func (vs *ValidatorSet) Has(pub crypto.PublicKey) bool {
	_, ok := vs.weights[pub]
	return ok
}

// Weight returns the bonded weight of pub, or zero for non-members.
func (vs *ValidatorSet) Weight(pub crypto.PublicKey) uint64 {
	return vs.weights[pub]
}

// TotalWeight returns the sum of all bonded weights.
func (vs *ValidatorSet) TotalWeight() uint64 { return vs.total }

// Size returns the number of bonded validators.
func (vs *ValidatorSet) Size() int { return len(vs.sorted) }

// Keys returns the validator keys in ascending byte order. The returned
// slice is shared; callers must not modify it.
func (vs *ValidatorSet) Keys() []crypto.PublicKey { return vs.sorted }

// Weights returns a copy of the underlying weight table.
func (vs *ValidatorSet) Weights() ValidatorWeights {
	out := make(ValidatorWeights, len(vs.weights))
	for pub, w := range vs.weights {
		out[pub] = w
	}
	return out
}
