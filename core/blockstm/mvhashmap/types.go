// Package mvhashmap implements the shared multi-version data structure of
// the block executor: per-key versioned entries for resources, resource
// groups, modules and delayed fields, written speculatively by transaction
// incarnations and read by the per-worker views. It also carries the
// single-versioned UnsyncMap backing sequential execution.
package mvhashmap

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

// StorageIdx is the pseudo transaction index of pre-block storage state.
const StorageIdx = -1

// Version identifies one incarnation of one transaction's write.
type Version struct {
	TxnIdx      int
	Incarnation int
}

// StorageVersion marks values that came from pre-block storage.
var StorageVersion = Version{TxnIdx: StorageIdx}

// IsStorage reports whether the version is the storage sentinel.
func (v Version) IsStorage() bool { return v.TxnIdx == StorageIdx }

// ValueWithLayout is a stored write op together with its exchange state.
// Raw values have untouched storage bytes; exchanged values had their
// identifier leaves lifted, and pin the layout used to do so.
type ValueWithLayout struct {
	Op        *types.WriteOp
	Layout    values.Layout
	Exchanged bool
}

// RawFromStorage wraps an op whose bytes are untouched storage bytes.
func RawFromStorage(op *types.WriteOp) ValueWithLayout {
	return ValueWithLayout{Op: op}
}

// Exchanged wraps an op whose identifier leaves were lifted under layout.
// The layout may be nil when the op needed no exchange.
func Exchanged(op *types.WriteOp, layout values.Layout) ValueWithLayout {
	return ValueWithLayout{Op: op, Layout: layout, Exchanged: true}
}

// Fetch errors shared by the sub-stores.
var (
	// ErrUninitialized: the key has no entry at all; the caller is
	// expected to install the base value and retry.
	ErrUninitialized = errors.New("mvhashmap: key uninitialized")

	// ErrNotFound: no module published at the key.
	ErrNotFound = errors.New("mvhashmap: module not found")

	// ErrTagNotFound: the group exists but has no entry for the tag.
	ErrTagNotFound = errors.New("mvhashmap: tag not found in group")

	// ErrTagSerializationError: a group size could not be computed
	// because a tag payload failed to serialize.
	ErrTagSerializationError = errors.New("mvhashmap: tag serialization error")

	// ErrDeltaApplicationFailure: accumulated deltas broke the value
	// bound; speculative, the reader must halt and retry.
	ErrDeltaApplicationFailure = errors.New("mvhashmap: delta application failure")
)

// UnresolvedError reports that only delta entries are visible below the
// reader with no base value to apply them to.
type UnresolvedError struct {
	Delta aggregator.SignedU128
}

func (e *UnresolvedError) Error() string {
	return "mvhashmap: unresolved delta " + e.Delta.String()
}

// DataOutput is a successful resource fetch: either a versioned value, or
// a resolved aggregator-v1 sum (Resolved non-nil).
type DataOutput struct {
	Version  Version
	Value    ValueWithLayout
	Resolved *uint256.Int
}

// TagValue pairs a group tag with its write op.
type TagValue struct {
	Tag types.Tag
	Op  *types.WriteOp
}

// Executable is a verified, loader-ready module representation cached by
// the modules store.
type Executable interface {
	SizeBytes() int
}

// ModuleOutput is a successful module fetch: the stored write op, plus
// the cached executable if one was published for these bytes.
type ModuleOutput struct {
	Module     *types.WriteOp
	Executable Executable
}
