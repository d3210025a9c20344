package values

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// The codec is RLP underneath: u64 leaves are canonical RLP integers,
// u128 leaves are fixed 16-byte little-endian strings, structs and vectors
// are lists. The layout drives decoding, so no type information is stored
// on the wire.

var errU128Range = errors.New("values: u128 leaf out of range")

// ValueToIdentifierMapping is the callback pair driven by the exchanging
// codec entry points. ValueToIdentifier is invoked for every tagged leaf
// during deserialization, IdentifierToValue during serialization.
type ValueToIdentifierMapping interface {
	ValueToIdentifier(kind IdentifierKind, layout Layout, value Value) (Value, error)
	IdentifierToValue(layout Layout, value Value) (Value, error)
}

// Serialize encodes a value tree against its layout. Tagged leaves are
// written as their inner layout, untouched.
func Serialize(v Value, l Layout) ([]byte, error) {
	return SerializeAndReplaceIDsWithValues(v, l, nil)
}

// Deserialize decodes bytes against a layout. Tagged leaves are decoded
// as their inner layout, untouched.
func Deserialize(data []byte, l Layout) (Value, error) {
	return DeserializeAndReplaceValuesWithIDs(data, l, nil)
}

// SerializedSize returns the encoded size of a value without retaining
// the encoding.
func SerializedSize(v Value, l Layout) (int, error) {
	b, err := Serialize(v, l)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// DeserializeAndReplaceValuesWithIDs decodes bytes against a layout,
// handing every tagged leaf to mapping.ValueToIdentifier and splicing the
// returned value into the tree. A nil mapping decodes tagged leaves as-is.
func DeserializeAndReplaceValuesWithIDs(data []byte, l Layout, mapping ValueToIdentifierMapping) (Value, error) {
	s := rlp.NewStream(bytes.NewReader(data), uint64(len(data)))
	v, err := decodeValue(s, l, mapping)
	if err != nil {
		return nil, err
	}
	// Trailing garbage means the layout does not describe these bytes.
	if _, _, err := s.Kind(); err != io.EOF {
		return nil, errors.New("values: trailing bytes after layout-driven decode")
	}
	return v, nil
}

// SerializeAndReplaceIDsWithValues encodes a value tree against a layout,
// handing every tagged leaf to mapping.IdentifierToValue first. A nil
// mapping encodes tagged leaves as-is.
func SerializeAndReplaceIDsWithValues(v Value, l Layout, mapping ValueToIdentifierMapping) ([]byte, error) {
	enc, err := encodeValue(v, l, mapping)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(enc)
}

func decodeValue(s *rlp.Stream, l Layout, mapping ValueToIdentifierMapping) (Value, error) {
	switch t := l.(type) {
	case U64Layout:
		n, err := s.Uint64()
		if err != nil {
			return nil, errors.Wrap(err, "values: u64 leaf")
		}
		return U64(n), nil
	case U128Layout:
		b, err := s.Bytes()
		if err != nil {
			return nil, errors.Wrap(err, "values: u128 leaf")
		}
		return u128FromWire(b)
	case BytesLayout:
		b, err := s.Bytes()
		if err != nil {
			return nil, errors.Wrap(err, "values: bytes leaf")
		}
		return Bytes(b), nil
	case StructLayout:
		if _, err := s.List(); err != nil {
			return nil, errors.Wrap(err, "values: struct")
		}
		fields := make([]Value, 0, len(t.Fields))
		for _, fl := range t.Fields {
			fv, err := decodeValue(s, fl, mapping)
			if err != nil {
				return nil, err
			}
			fields = append(fields, fv)
		}
		if err := s.ListEnd(); err != nil {
			return nil, errors.Wrap(err, "values: struct end")
		}
		return StructValue{Fields: fields}, nil
	case VectorLayout:
		if _, err := s.List(); err != nil {
			return nil, errors.Wrap(err, "values: vector")
		}
		var elems []Value
		for {
			ev, err := decodeValue(s, t.Elem, mapping)
			if errors.Is(errors.Cause(err), rlp.EOL) {
				break
			}
			if err != nil {
				return nil, err
			}
			elems = append(elems, ev)
		}
		if err := s.ListEnd(); err != nil {
			return nil, errors.Wrap(err, "values: vector end")
		}
		return VectorValue{Elems: elems}, nil
	case TaggedLayout:
		inner, err := decodeValue(s, t.Inner, mapping)
		if err != nil {
			return nil, err
		}
		if mapping == nil {
			return inner, nil
		}
		return mapping.ValueToIdentifier(t.Kind, t.Inner, inner)
	}
	return nil, errors.Errorf("values: unknown layout %T", l)
}

func encodeValue(v Value, l Layout, mapping ValueToIdentifierMapping) (interface{}, error) {
	switch t := l.(type) {
	case U64Layout:
		n, ok := v.(U64)
		if !ok {
			return nil, errors.Errorf("values: %T where u64 expected", v)
		}
		return uint64(n), nil
	case U128Layout:
		n, ok := v.(U128)
		if !ok {
			return nil, errors.Errorf("values: %T where u128 expected", v)
		}
		return u128ToWire(n)
	case BytesLayout:
		b, ok := v.(Bytes)
		if !ok {
			return nil, errors.Errorf("values: %T where bytes expected", v)
		}
		return []byte(b), nil
	case StructLayout:
		sv, ok := v.(StructValue)
		if !ok || len(sv.Fields) != len(t.Fields) {
			return nil, errors.Errorf("values: %T does not match struct layout", v)
		}
		out := make([]interface{}, len(t.Fields))
		for i, fl := range t.Fields {
			enc, err := encodeValue(sv.Fields[i], fl, mapping)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case VectorLayout:
		vv, ok := v.(VectorValue)
		if !ok {
			return nil, errors.Errorf("values: %T where vector expected", v)
		}
		out := make([]interface{}, len(vv.Elems))
		for i, ev := range vv.Elems {
			enc, err := encodeValue(ev, t.Elem, mapping)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case TaggedLayout:
		inner := v
		if mapping != nil {
			replaced, err := mapping.IdentifierToValue(t.Inner, v)
			if err != nil {
				return nil, err
			}
			inner = replaced
		}
		return encodeValue(inner, t.Inner, mapping)
	}
	return nil, errors.Errorf("values: unknown layout %T", l)
}

func u128ToWire(v U128) ([]byte, error) {
	if v.Int == nil {
		return nil, errU128Range
	}
	if v.Int[2] != 0 || v.Int[3] != 0 {
		return nil, errU128Range
	}
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], v.Int[0])
	binary.LittleEndian.PutUint64(b[8:16], v.Int[1])
	return b[:], nil
}

func u128FromWire(b []byte) (Value, error) {
	if len(b) != 16 {
		return nil, errors.Errorf("values: u128 leaf has %d bytes, want 16", len(b))
	}
	n := new(uint256.Int)
	n[0] = binary.LittleEndian.Uint64(b[0:8])
	n[1] = binary.LittleEndian.Uint64(b[8:16])
	return U128{Int: n}, nil
}
