package values

import (
	"bytes"
	"fmt"

	"github.com/holiman/uint256"
)

// Value is a node of the runtime value tree.
type Value interface {
	fmt.Stringer
	isValue()
}

type (
	// U64 is a 64-bit unsigned leaf.
	U64 uint64

	// U128 is a 128-bit unsigned leaf.
	U128 struct {
		Int *uint256.Int
	}

	// Bytes is a byte-vector leaf.
	Bytes []byte

	// StructValue is an ordered sequence of field values.
	StructValue struct {
		Fields []Value
	}

	// VectorValue is a homogeneous sequence of values.
	VectorValue struct {
		Elems []Value
	}
)

func (U64) isValue()         {}
func (U128) isValue()        {}
func (Bytes) isValue()       {}
func (StructValue) isValue() {}
func (VectorValue) isValue() {}

func (v U64) String() string   { return fmt.Sprintf("u64(%d)", uint64(v)) }
func (v U128) String() string  { return fmt.Sprintf("u128(%s)", v.Int.Dec()) }
func (v Bytes) String() string { return fmt.Sprintf("bytes(%x)", []byte(v)) }

func (v StructValue) String() string {
	return fmt.Sprintf("struct(%d fields)", len(v.Fields))
}

func (v VectorValue) String() string {
	return fmt.Sprintf("vector(%d elems)", len(v.Elems))
}

// NewU128 wraps a uint64 into a U128 leaf.
func NewU128(v uint64) U128 { return U128{Int: uint256.NewInt(v)} }

// NewStruct builds a struct value.
func NewStruct(fields ...Value) StructValue { return StructValue{Fields: fields} }

// NewVector builds a vector value.
func NewVector(elems ...Value) VectorValue { return VectorValue{Elems: elems} }

// Equal compares two value trees structurally.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case U64:
		bv, ok := b.(U64)
		return ok && av == bv
	case U128:
		bv, ok := b.(U128)
		return ok && av.Int.Eq(bv.Int)
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	case StructValue:
		bv, ok := b.(StructValue)
		if !ok || len(av.Fields) != len(bv.Fields) {
			return false
		}
		for i := range av.Fields {
			if !Equal(av.Fields[i], bv.Fields[i]) {
				return false
			}
		}
		return true
	case VectorValue:
		bv, ok := b.(VectorValue)
		if !ok || len(av.Elems) != len(bv.Elems) {
			return false
		}
		for i := range av.Elems {
			if !Equal(av.Elems[i], bv.Elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}
