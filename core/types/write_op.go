package types

import "bytes"

// WriteOpKind classifies a write op.
type WriteOpKind int

const (
	Creation WriteOpKind = iota
	Modification
	Deletion
)

func (k WriteOpKind) String() string {
	switch k {
	case Creation:
		return "creation"
	case Modification:
		return "modification"
	case Deletion:
		return "deletion"
	}
	return "unknown"
}

// WriteOp is the value stored in the multi-version map: optional bytes,
// optional metadata and a kind. A deletion carries no bytes.
type WriteOp struct {
	kind     WriteOpKind
	data     []byte
	metadata *StateValueMetadata
}

// NewWriteOp builds an op of the given kind. Deletions ignore data.
func NewWriteOp(kind WriteOpKind, data []byte, metadata *StateValueMetadata) *WriteOp {
	if kind == Deletion {
		return &WriteOp{kind: Deletion}
	}
	return &WriteOp{kind: kind, data: data, metadata: metadata}
}

// WriteOpFromStateValue lifts a storage read into a write op: a missing
// value becomes a deletion sentinel, a present one a creation.
func WriteOpFromStateValue(sv *StateValue) *WriteOp {
	if sv == nil {
		return &WriteOp{kind: Deletion}
	}
	return &WriteOp{kind: Creation, data: sv.Bytes(), metadata: sv.Metadata()}
}

func (w *WriteOp) Kind() WriteOpKind { return w.kind }

func (w *WriteOp) IsDeletion() bool { return w.kind == Deletion }

// Bytes returns the op's payload, or nil for deletions.
func (w *WriteOp) Bytes() []byte {
	if w.kind == Deletion {
		return nil
	}
	return w.data
}

// ExtractRawBytes returns a copy of the payload, or nil for deletions.
func (w *WriteOp) ExtractRawBytes() []byte {
	if w.kind == Deletion {
		return nil
	}
	out := make([]byte, len(w.data))
	copy(out, w.data)
	return out
}

// AsStateValue converts the op back to a state value; deletions map to nil.
func (w *WriteOp) AsStateValue() *StateValue {
	if w.kind == Deletion {
		return nil
	}
	return NewStateValueWithMetadata(w.data, w.metadata)
}

// AsStateValueMetadata returns (metadata, exists). exists is false for
// deletions; a present legacy value yields (nil, true).
func (w *WriteOp) AsStateValueMetadata() (*StateValueMetadata, bool) {
	if w.kind == Deletion {
		return nil, false
	}
	return w.metadata, true
}

// ConvertReadToModification turns an op observed by a read into the
// modification that re-publishes it. Deletions have nothing to re-publish.
func (w *WriteOp) ConvertReadToModification() (*WriteOp, bool) {
	if w.kind == Deletion {
		return nil, false
	}
	return &WriteOp{kind: Modification, data: w.data, metadata: w.metadata}, true
}

// WithBytes returns a copy of the op carrying new bytes.
func (w *WriteOp) WithBytes(data []byte) *WriteOp {
	if w.kind == Deletion {
		return w
	}
	return &WriteOp{kind: w.kind, data: data, metadata: w.metadata}
}

func (w *WriteOp) Equal(other *WriteOp) bool {
	if w == nil || other == nil {
		return w == other
	}
	return w.kind == other.kind && bytes.Equal(w.data, other.data) &&
		w.metadata.Equal(other.metadata)
}
