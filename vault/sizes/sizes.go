// Package sizes computes the exact set of sizes each vault transaction can
// take before it is built.
//
// The only source of variance is the DER encoding of ECDSA signatures, which
// is 70 to 73 bytes long including the sighash byte. Every other element of
// the transactions built by this module has a fixed length, so a shape can be
// reduced to a constant stripped size plus a small set of witness sizes.
package sizes

import (
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/wire"
)

const (
	MinECDSASigLen = 70
	MaxECDSASigLen = 73
	// SchnorrSigLen is a BIP340 signature with SIGHASH_DEFAULT.
	SchnorrSigLen       = 64
	CompressedPubKeyLen = 33
	XOnlyPubKeyLen      = 32
	// ControlBlockLen is the control block of a single leaf tree.
	ControlBlockLen = 33

	P2WPKHScriptLen = 22
	P2WSHScriptLen  = 34
	P2TRScriptLen   = 34
	AnchorScriptLen = 4

	// MaxScriptElementSize is the largest push allowed in a tapscript.
	MaxScriptElementSize = 520

	MagicLen        = 3
	NonceLen        = 24
	TagLen          = 16
	EntryVersionLen = 1
)

// VarIntLen is the length of the compact-size encoding of n.
func VarIntLen(n int) int {
	return wire.VarIntSerializeSize(uint64(n))
}

// Set is a sorted, deduplicated set of sizes.
type Set []int

// NewSet builds a Set from arbitrary values.
func NewSet(values ...int) Set {
	s := slices.Clone(values)
	slices.Sort(s)
	return slices.Compact(s)
}

func (s Set) Min() int {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

func (s Set) Max() int {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func (s Set) Contains(v int) bool {
	_, ok := slices.BinarySearch(s, v)
	return ok
}

// Map applies f to every element.
func (s Set) Map(f func(int) int) Set {
	out := make([]int, 0, len(s))
	for _, v := range s {
		out = append(out, f(v))
	}
	return NewSet(out...)
}

// FlatMap is the union of f over every element.
func (s Set) FlatMap(f func(int) Set) Set {
	var out []int
	for _, v := range s {
		out = append(out, f(v)...)
	}
	return NewSet(out...)
}

// Union returns every element of s and o.
func (s Set) Union(o Set) Set {
	return NewSet(append(slices.Clone(s), o...)...)
}

// Sum is the Cartesian sum {a+b : a ∈ s, b ∈ o}.
func (s Set) Sum(o Set) Set {
	return s.FlatMap(func(a int) Set {
		return o.Map(func(b int) int { return a + b })
	})
}

// WitnessItem is one witness stack element. ECDSA items range over every
// possible signature length.
type WitnessItem struct {
	Len   int
	ECDSA bool
}

// Item is a fixed length witness element.
func Item(n int) WitnessItem {
	return WitnessItem{Len: n}
}

// ECDSASignature is a DER signature followed by its sighash byte.
var ECDSASignature = WitnessItem{ECDSA: true}

// Sizes returns the serialized sizes of the item, length prefix included.
func (w WitnessItem) Sizes() Set {
	if !w.ECDSA {
		return NewSet(VarIntLen(w.Len) + w.Len)
	}
	var out []int
	for l := MinECDSASigLen; l <= MaxECDSASigLen; l++ {
		out = append(out, VarIntLen(l)+l)
	}
	return NewSet(out...)
}

// Input is the shape of one transaction input.
type Input struct {
	ScriptSigLen int
	Witness      []WitnessItem
}

// StrippedSize is outpoint, script sig and sequence.
func (in Input) StrippedSize() int {
	return 32 + 4 + VarIntLen(in.ScriptSigLen) + in.ScriptSigLen + 4
}

// WitnessSizes is the item count followed by every item.
func (in Input) WitnessSizes() Set {
	sizes := NewSet(VarIntLen(len(in.Witness)))
	for _, item := range in.Witness {
		sizes = sizes.Sum(item.Sizes())
	}
	return sizes
}

// Shape describes a transaction by its input shapes and output script lengths.
type Shape struct {
	Inputs  []Input
	Outputs []int
}

// StrippedSize is the serialized size without witness data.
func (s Shape) StrippedSize() int {
	size := 4 + VarIntLen(len(s.Inputs))
	for _, in := range s.Inputs {
		size += in.StrippedSize()
	}
	size += VarIntLen(len(s.Outputs))
	for _, scriptLen := range s.Outputs {
		size += 8 + VarIntLen(scriptLen) + scriptLen
	}
	return size + 4
}

func (s Shape) hasWitness() bool {
	for _, in := range s.Inputs {
		if len(in.Witness) > 0 {
			return true
		}
	}
	return false
}

// WitnessSizes includes the segwit marker and flag. It is {0} for a
// transaction without witness data.
func (s Shape) WitnessSizes() Set {
	if !s.hasWitness() {
		return NewSet(0)
	}
	sizes := NewSet(2)
	for _, in := range s.Inputs {
		sizes = sizes.Sum(in.WitnessSizes())
	}
	return sizes
}

// TotalSizes are the possible full serialized lengths.
func (s Shape) TotalSizes() Set {
	stripped := s.StrippedSize()
	return s.WitnessSizes().Map(func(w int) int { return stripped + w })
}

// Weights are the possible BIP141 weights.
func (s Shape) Weights() Set {
	stripped := s.StrippedSize()
	return s.WitnessSizes().Map(func(w int) int { return stripped*4 + w })
}

// VSizes are the possible virtual sizes, ceil(weight/4).
func (s Shape) VSizes() Set {
	return s.Weights().Map(func(weight int) int { return (weight + 3) / 4 })
}

// ErrSizeMismatch matches every *MismatchError.
var ErrSizeMismatch = errors.New("transaction size diverges from the size model")

// MismatchError reports a built transaction whose vsize is outside the set
// predicted for its role.
type MismatchError struct {
	Role     string
	Expected Set
	Actual   int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s transaction has vsize %d, expected one of %v", e.Role, e.Actual, []int(e.Expected))
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrSizeMismatch
}

// Check returns a *MismatchError unless actual is in expected.
func Check(role string, expected Set, actual int) error {
	if expected.Contains(actual) {
		return nil
	}
	return &MismatchError{Role: role, Expected: expected, Actual: actual}
}
