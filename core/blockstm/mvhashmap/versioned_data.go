package mvhashmap

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/holiman/uint256"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
)

// maxU128 bounds aggregator-v1 delta accumulation.
var maxU128 = func() *uint256.Int {
	one := uint256.NewInt(1)
	max := new(uint256.Int).Lsh(one, 128)
	return max.Sub(max, one)
}()

type dataEntry struct {
	incarnation int
	value       ValueWithLayout
	delta       *aggregator.SignedU128
	estimate    bool
}

type versionedValue struct {
	// txn index -> *dataEntry, ordered so reads can walk downward.
	versions *treemap.Map
}

func newVersionedValue() *versionedValue {
	return &versionedValue{versions: treemap.NewWith(utils.IntComparator)}
}

// floorBelow returns the highest entry with txn index < txnIdx.
func (v *versionedValue) floorBelow(txnIdx int) (int, *dataEntry, bool) {
	k, e := v.versions.Floor(txnIdx - 1)
	if k == nil {
		return 0, nil, false
	}
	return k.(int), e.(*dataEntry), true
}

// VersionedData is the resource sub-store: one ordered version list per
// key, supporting speculative writes, estimate marks and aggregator-v1
// delta entries.
type VersionedData struct {
	mu sync.RWMutex
	m  map[types.StateKey]*versionedValue
}

func NewVersionedData() *VersionedData {
	return &VersionedData{m: make(map[types.StateKey]*versionedValue)}
}

func (d *VersionedData) entry(key types.StateKey) *versionedValue {
	v, ok := d.m[key]
	if !ok {
		v = newVersionedValue()
		d.m[key] = v
	}
	return v
}

// SetBaseValue installs the storage value of a key. The first installer
// wins; a raw entry is upgraded to an exchanged one, but an exchanged
// entry is never downgraded, so a racing installer's exchange survives.
func (d *VersionedData) SetBaseValue(key types.StateKey, value ValueWithLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.entry(key)
	if cur, ok := v.versions.Get(StorageIdx); ok {
		if cur.(*dataEntry).value.Exchanged || !value.Exchanged {
			return
		}
	}
	v.versions.Put(StorageIdx, &dataEntry{value: value})
}

// Write publishes a value at the given version.
func (d *VersionedData) Write(key types.StateKey, version Version, value ValueWithLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entry(key).versions.Put(version.TxnIdx, &dataEntry{
		incarnation: version.Incarnation,
		value:       value,
	})
}

// WriteDelta publishes an aggregator-v1 delta at the given transaction.
func (d *VersionedData) WriteDelta(key types.StateKey, txnIdx int, delta aggregator.SignedU128) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entry(key).versions.Put(txnIdx, &dataEntry{delta: &delta})
}

// MarkEstimate flags a transaction's entry as an estimate: readers above
// it will observe a dependency until it is rewritten or deleted.
func (d *VersionedData) MarkEstimate(key types.StateKey, txnIdx int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.m[key]; ok {
		if e, ok := v.versions.Get(txnIdx); ok {
			e.(*dataEntry).estimate = true
			return
		}
	}
	panic("mvhashmap: marking non-existent entry as estimate")
}

// Delete removes a transaction's entry.
func (d *VersionedData) Delete(key types.StateKey, txnIdx int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.m[key]; ok {
		v.versions.Remove(txnIdx)
	}
}

// FetchData serves a read at txnIdx: the highest entry below the reader.
// Estimates surface as dependencies; delta entries accumulate until a
// base value resolves them.
func (d *VersionedData) FetchData(key types.StateKey, txnIdx int) (DataOutput, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.m[key]
	if !ok {
		return DataOutput{}, ErrUninitialized
	}

	idx := txnIdx
	var accumulated *aggregator.SignedU128
	math := aggregator.NewBoundedMath(maxU128)

	for {
		at, e, ok := v.floorBelow(idx)
		if !ok {
			if accumulated != nil {
				return DataOutput{}, &UnresolvedError{Delta: *accumulated}
			}
			return DataOutput{}, ErrUninitialized
		}
		if e.estimate {
			return DataOutput{}, &aggregator.DependencyError{DepTxnIdx: at}
		}
		if e.delta != nil {
			sum := *e.delta
			if accumulated != nil {
				var err error
				sum, err = math.SignedAdd(*accumulated, *e.delta)
				if err != nil {
					return DataOutput{}, ErrDeltaApplicationFailure
				}
			}
			accumulated = &sum
			idx = at
			continue
		}

		version := Version{TxnIdx: at, Incarnation: e.incarnation}
		if at == StorageIdx {
			version = StorageVersion
		}
		if accumulated == nil {
			return DataOutput{Version: version, Value: e.value}, nil
		}
		resolved, err := applyDeltaToOp(math, e.value.Op, *accumulated)
		if err != nil {
			return DataOutput{}, err
		}
		return DataOutput{Version: version, Resolved: resolved}, nil
	}
}

// applyDeltaToOp reads the op's bytes as a legacy u128 and applies the
// accumulated delta within [0, maxU128].
func applyDeltaToOp(math aggregator.BoundedMath, op *types.WriteOp, delta aggregator.SignedU128) (*uint256.Int, error) {
	base, ok := aggregator.LegacyU128FromBytes(op.Bytes())
	if !ok {
		return nil, ErrDeltaApplicationFailure
	}
	resolved, err := math.UnsignedAddDelta(base, delta)
	if err != nil {
		return nil, ErrDeltaApplicationFailure
	}
	return resolved, nil
}
