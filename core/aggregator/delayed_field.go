package aggregator

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/stratavm/go-strata/vm/values"
)

// DelayedFieldID is the opaque token that replaces a delayed-field value
// inside serialized state bytes. IDs are totally ordered and allocated
// from a block-scoped monotonic counter.
type DelayedFieldID uint64

func (id DelayedFieldID) String() string {
	return fmt.Sprintf("delayed-field(%d)", uint64(id))
}

// derivedStringWidth is the fixed byte length of an identifier's decimal
// rendering in a derived-string leaf. Every identifier leaf has this
// width, whatever the length of the string value it replaced.
const derivedStringWidth = 20

// IntoValue encodes the identifier as a runtime value of the given
// layout: u64 and u128 leaves carry the numeric id, byte leaves carry a
// fixed-width decimal rendering.
func (id DelayedFieldID) IntoValue(layout values.Layout) (values.Value, error) {
	switch layout.(type) {
	case values.U64Layout:
		return values.U64(uint64(id)), nil
	case values.U128Layout:
		return values.NewU128(uint64(id)), nil
	case values.BytesLayout:
		return values.Bytes(fmt.Sprintf("%0*d", derivedStringWidth, uint64(id))), nil
	case values.StructLayout:
		// Derived strings are structs wrapping a byte vector.
		return values.NewStruct(values.Bytes(fmt.Sprintf("%0*d", derivedStringWidth, uint64(id)))), nil
	}
	return nil, InvariantErrorf("cannot encode identifier into %s leaf", layout)
}

// DelayedFieldIDFromValue decodes an identifier previously encoded with
// IntoValue.
func DelayedFieldIDFromValue(layout values.Layout, v values.Value) (DelayedFieldID, error) {
	switch tv := v.(type) {
	case values.U64:
		return DelayedFieldID(uint64(tv)), nil
	case values.U128:
		if !tv.Int.IsUint64() {
			return 0, InvariantErrorf("identifier leaf out of u64 range")
		}
		return DelayedFieldID(tv.Int.Uint64()), nil
	case values.Bytes:
		return delayedFieldIDFromDecimal([]byte(tv))
	case values.StructValue:
		if len(tv.Fields) == 1 {
			if b, ok := tv.Fields[0].(values.Bytes); ok {
				return delayedFieldIDFromDecimal([]byte(b))
			}
		}
	}
	return 0, InvariantErrorf("cannot decode identifier from %s leaf", layout)
}

func delayedFieldIDFromDecimal(b []byte) (DelayedFieldID, error) {
	var id uint64
	if _, err := fmt.Sscanf(string(b), "%d", &id); err != nil {
		return 0, InvariantErrorf("malformed identifier bytes %q", b)
	}
	return DelayedFieldID(id), nil
}

// DelayedFieldKind discriminates the delayed-field constructs.
type DelayedFieldKind int

const (
	KindAggregator DelayedFieldKind = iota
	KindSnapshot
	KindDerived
)

// DelayedFieldValue is the materialized value of a delayed field: a
// bounded numeric for aggregators and snapshots, bytes for derived
// strings.
type DelayedFieldValue struct {
	Kind DelayedFieldKind
	Num  *uint256.Int
	Data []byte
}

// AggregatorValue builds a numeric aggregator value.
func AggregatorValue(v uint64) DelayedFieldValue {
	return DelayedFieldValue{Kind: KindAggregator, Num: uint256.NewInt(v)}
}

// SnapshotValue builds a numeric snapshot value.
func SnapshotValue(v uint64) DelayedFieldValue {
	return DelayedFieldValue{Kind: KindSnapshot, Num: uint256.NewInt(v)}
}

// DerivedValue builds a derived-string value.
func DerivedValue(data []byte) DelayedFieldValue {
	return DelayedFieldValue{Kind: KindDerived, Data: data}
}

// IntoAggregatorValue returns the numeric value; calling it on a derived
// value is a code invariant violation.
func (v DelayedFieldValue) IntoAggregatorValue() (*uint256.Int, error) {
	if v.Kind == KindDerived || v.Num == nil {
		return nil, InvariantErrorf("delayed field value is not numeric")
	}
	return v.Num.Clone(), nil
}

// IntoValue encodes the materialized value as a runtime value of the
// given layout.
func (v DelayedFieldValue) IntoValue(layout values.Layout) (values.Value, error) {
	switch layout.(type) {
	case values.U64Layout:
		if v.Num == nil || !v.Num.IsUint64() {
			return nil, InvariantErrorf("delayed field value does not fit u64 leaf")
		}
		return values.U64(v.Num.Uint64()), nil
	case values.U128Layout:
		if v.Num == nil {
			return nil, InvariantErrorf("delayed field value is not numeric")
		}
		return values.U128{Int: v.Num.Clone()}, nil
	case values.BytesLayout:
		return values.Bytes(v.Data), nil
	case values.StructLayout:
		return values.NewStruct(values.Bytes(v.Data)), nil
	}
	return nil, InvariantErrorf("cannot encode delayed field value into %s leaf", layout)
}

// DelayedFieldValueFromValue lifts a runtime leaf into a materialized
// delayed-field value of the kind implied by the identifier tag.
func DelayedFieldValueFromValue(kind values.IdentifierKind, layout values.Layout, v values.Value) (DelayedFieldValue, error) {
	switch tv := v.(type) {
	case values.U64:
		return numericValue(kind, uint256.NewInt(uint64(tv)))
	case values.U128:
		return numericValue(kind, tv.Int.Clone())
	case values.Bytes:
		if kind != values.IdentifierDerivedString {
			return DelayedFieldValue{}, InvariantErrorf("byte leaf tagged as %s", kind)
		}
		return DerivedValue([]byte(tv)), nil
	case values.StructValue:
		if kind == values.IdentifierDerivedString && len(tv.Fields) == 1 {
			if b, ok := tv.Fields[0].(values.Bytes); ok {
				return DerivedValue([]byte(b)), nil
			}
		}
	}
	return DelayedFieldValue{}, InvariantErrorf("cannot lift %s leaf into delayed field", layout)
}

func numericValue(kind values.IdentifierKind, n *uint256.Int) (DelayedFieldValue, error) {
	switch kind {
	case values.IdentifierAggregator:
		return DelayedFieldValue{Kind: KindAggregator, Num: n}, nil
	case values.IdentifierSnapshot:
		return DelayedFieldValue{Kind: KindSnapshot, Num: n}, nil
	}
	return DelayedFieldValue{}, InvariantErrorf("numeric leaf tagged as %s", kind)
}

// Equal compares two materialized values.
func (v DelayedFieldValue) Equal(other DelayedFieldValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	if v.Kind == KindDerived {
		return string(v.Data) == string(other.Data)
	}
	return optEq(v.Num, other.Num)
}

// ReadPosition selects whether a committed-value read includes the
// current transaction's own committed entry.
type ReadPosition int

const (
	BeforeCurrentTxn ReadPosition = iota
	AfterCurrentTxn
)
