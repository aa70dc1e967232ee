// Package crypto wraps the signing and hashing primitives used by the
// consensus engine. Validator identities are ed25519 keys; digests are
// SHA3-256.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/tos-network/erabft/common"
)

// Lengths of keys and signatures in bytes.
const (
	PublicKeyLength = ed25519.PublicKeySize
	SignatureLength = ed25519.SignatureSize
)

var (
	errInvalidKeyLength = errors.New("crypto: invalid public key length")
)

// PublicKey is a validator's ed25519 public key. It is a comparable array
// type so it can be used directly as a map key.
type PublicKey [PublicKeyLength]byte

// BytesToPublicKey converts b into a public key. Returns an error if b has
// the wrong length.
func BytesToPublicKey(b []byte) (PublicKey, error) {
	var pub PublicKey
	if len(b) != PublicKeyLength {
		return pub, fmt.Errorf("%w: %d", errInvalidKeyLength, len(b))
	}
	copy(pub[:], b)
	return pub, nil
}

// HexToPublicKey parses a hex encoded public key. Invalid input yields the
// zero key; intended for tests and tooling, not wire input.
func HexToPublicKey(s string) PublicKey {
	pub, _ := BytesToPublicKey(common.FromHex(s))
	return pub
}

// Bytes returns the key as a byte slice.
func (p PublicKey) Bytes() []byte { return p[:] }

// Hex returns the hex representation of the key.
func (p PublicKey) Hex() string { return "0x" + hex.EncodeToString(p[:]) }

// String implements the stringer interface.
func (p PublicKey) String() string { return p.Hex() }

// TerminalString implements log15's TerminalStringer for compact log output.
func (p PublicKey) TerminalString() string {
	return fmt.Sprintf("%x..%x", p[:3], p[29:])
}

// MarshalText returns the hex representation of p.
func (p PublicKey) MarshalText() ([]byte, error) { return []byte(p.Hex()), nil }

// UnmarshalText parses a public key in hex syntax.
func (p *PublicKey) UnmarshalText(input []byte) error {
	b := common.FromHex(string(input))
	pub, err := BytesToPublicKey(b)
	if err != nil {
		return err
	}
	*p = pub
	return nil
}

// PrivateKey is an ed25519 signing key together with its public half.
type PrivateKey struct {
	seed ed25519.PrivateKey
	pub  PublicKey
}

// GenerateKey creates a new random keypair.
func GenerateKey() (*PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var p PublicKey
	copy(p[:], pub)
	return &PrivateKey{seed: priv, pub: p}, nil
}

// PublicKey returns the public half of the keypair.
func (k *PrivateKey) PublicKey() PublicKey { return k.pub }

// Sign signs the given digest and returns the signature.
func (k *PrivateKey) Sign(digest []byte) []byte {
	return ed25519.Sign(k.seed, digest)
}

// Verify reports whether sig is a valid signature of digest under pub.
func Verify(pub PublicKey, digest, sig []byte) bool {
	if len(sig) != SignatureLength {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), digest, sig)
}

// Sha3Hash computes the SHA3-256 digest of the concatenation of data.
func Sha3Hash(data ...[]byte) common.Hash {
	d := sha3.New256()
	for _, b := range data {
		d.Write(b)
	}
	return common.BytesToHash(d.Sum(nil))
}
