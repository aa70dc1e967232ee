// Package types holds the core value types of the era based consensus
// engine: era identifiers, timestamps, validator weight tables and the
// block shapes exchanged with the surrounding node.
package types

import "fmt"

// EraID identifies a consensus era. Eras are totally ordered and
// monotonically increasing; era N+1 is always created after the switch
// block of era N has been processed.
type EraID uint64

// Successor returns the id of the era following e.
func (e EraID) Successor() EraID { return e + 1 }

// IsSuccessorOf reports whether e immediately follows other.
func (e EraID) IsSuccessorOf(other EraID) bool { return e == other+1 }

// String implements the stringer interface.
func (e EraID) String() string { return fmt.Sprintf("era %d", uint64(e)) }
