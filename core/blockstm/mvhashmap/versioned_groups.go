package mvhashmap

import (
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

type groupEntry struct {
	tags        map[types.Tag]*versionedValue
	initialized bool
}

// VersionedGroupData is the resource-group sub-store: per tag, the same
// versioned entry list as the resource store, plus group-size reads
// computed over the latest visible payload of every tag.
type VersionedGroupData struct {
	mu sync.RWMutex
	m  map[types.StateKey]*groupEntry
}

func NewVersionedGroupData() *VersionedGroupData {
	return &VersionedGroupData{m: make(map[types.StateKey]*groupEntry)}
}

func (g *VersionedGroupData) group(key types.StateKey) *groupEntry {
	e, ok := g.m[key]
	if !ok {
		e = &groupEntry{tags: make(map[types.Tag]*versionedValue)}
		g.m[key] = e
	}
	return e
}

// SetRawBaseValues seeds the group's storage state. Only the first caller
// takes effect; concurrent initializers observe the winner's entries.
func (g *VersionedGroupData) SetRawBaseValues(key types.StateKey, base []TagValue) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.group(key)
	if e.initialized {
		return
	}
	for _, tv := range base {
		vv := newVersionedValue()
		vv.versions.Put(StorageIdx, &dataEntry{value: RawFromStorage(tv.Op)})
		e.tags[tv.Tag] = vv
	}
	e.initialized = true
}

// UpdateTaggedBaseValueWithLayout upgrades a tag's storage entry to its
// exchanged form, pinning the layout.
func (g *VersionedGroupData) UpdateTaggedBaseValueWithLayout(key types.StateKey, tag types.Tag, op *types.WriteOp, layout values.Layout) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.group(key)
	vv, ok := e.tags[tag]
	if !ok {
		vv = newVersionedValue()
		e.tags[tag] = vv
	}
	vv.versions.Put(StorageIdx, &dataEntry{value: Exchanged(op, layout)})
}

// WriteTaggedValue publishes a group-inner write at the given version.
func (g *VersionedGroupData) WriteTaggedValue(key types.StateKey, version Version, tag types.Tag, value ValueWithLayout) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.group(key)
	vv, ok := e.tags[tag]
	if !ok {
		vv = newVersionedValue()
		e.tags[tag] = vv
	}
	vv.versions.Put(version.TxnIdx, &dataEntry{incarnation: version.Incarnation, value: value})
}

// MarkEstimate flags a transaction's write on one tag as an estimate.
func (g *VersionedGroupData) MarkEstimate(key types.StateKey, tag types.Tag, txnIdx int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.m[key]; ok {
		if vv, ok := e.tags[tag]; ok {
			if de, ok := vv.versions.Get(txnIdx); ok {
				de.(*dataEntry).estimate = true
			}
		}
	}
}

// FetchTaggedData serves a read of one tag at txnIdx.
func (g *VersionedGroupData) FetchTaggedData(key types.StateKey, tag types.Tag, txnIdx int) (Version, ValueWithLayout, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.m[key]
	if !ok || !e.initialized {
		return Version{}, ValueWithLayout{}, ErrUninitialized
	}
	vv, ok := e.tags[tag]
	if !ok {
		return Version{}, ValueWithLayout{}, ErrTagNotFound
	}
	at, de, ok := vv.floorBelow(txnIdx)
	if !ok {
		return Version{}, ValueWithLayout{}, ErrTagNotFound
	}
	if de.estimate {
		return Version{}, ValueWithLayout{}, &aggregator.DependencyError{DepTxnIdx: at}
	}
	version := Version{TxnIdx: at, Incarnation: de.incarnation}
	if at == StorageIdx {
		version = StorageVersion
	}
	return version, de.value, nil
}

// GetGroupSize computes the serialized size of the group as visible to
// txnIdx, summing the wire form of every live (tag, payload) pair.
func (g *VersionedGroupData) GetGroupSize(key types.StateKey, txnIdx int) (uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.m[key]
	if !ok || !e.initialized {
		return 0, ErrUninitialized
	}

	var size uint64
	for tag, vv := range e.tags {
		at, de, ok := vv.floorBelow(txnIdx)
		if !ok {
			continue
		}
		if de.estimate {
			return 0, &aggregator.DependencyError{DepTxnIdx: at}
		}
		if de.value.Op == nil || de.value.Op.IsDeletion() {
			continue
		}
		enc, err := rlp.EncodeToBytes([]interface{}{uint64(tag), de.value.Op.Bytes()})
		if err != nil {
			return 0, ErrTagSerializationError
		}
		size += uint64(len(enc))
	}
	return size, nil
}
