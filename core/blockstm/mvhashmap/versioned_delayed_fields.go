package mvhashmap

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/stratavm/go-strata/core/aggregator"
)

type delayedEntry struct {
	value    aggregator.DelayedFieldValue
	estimate bool
}

// VersionedDelayedFields is the delayed-field sub-store: per identifier,
// versioned speculative values plus a committed watermark that serves
// read-latest-committed-value queries.
type VersionedDelayedFields struct {
	mu sync.RWMutex
	m  map[aggregator.DelayedFieldID]*treemap.Map
	// All entries of transactions < nextIdxToCommit are committed.
	nextIdxToCommit int
}

func NewVersionedDelayedFields() *VersionedDelayedFields {
	return &VersionedDelayedFields{m: make(map[aggregator.DelayedFieldID]*treemap.Map)}
}

func (d *VersionedDelayedFields) versions(id aggregator.DelayedFieldID) *treemap.Map {
	v, ok := d.m[id]
	if !ok {
		v = treemap.NewWith(utils.IntComparator)
		d.m[id] = v
	}
	return v
}

// SetBaseValue registers the base value lifted out of storage bytes for a
// freshly allocated identifier.
func (d *VersionedDelayedFields) SetBaseValue(id aggregator.DelayedFieldID, value aggregator.DelayedFieldValue) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.versions(id)
	if _, ok := v.Get(StorageIdx); !ok {
		v.Put(StorageIdx, &delayedEntry{value: value})
	}
}

// Write publishes a speculative value for the identifier at txnIdx.
func (d *VersionedDelayedFields) Write(id aggregator.DelayedFieldID, txnIdx int, value aggregator.DelayedFieldValue) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.versions(id).Put(txnIdx, &delayedEntry{value: value})
}

// MarkEstimate flags a transaction's delayed-field write as an estimate.
func (d *VersionedDelayedFields) MarkEstimate(id aggregator.DelayedFieldID, txnIdx int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.m[id]; ok {
		if e, ok := v.Get(txnIdx); ok {
			e.(*delayedEntry).estimate = true
		}
	}
}

// NotifyCommitted advances the committed watermark past txnIdx.
func (d *VersionedDelayedFields) NotifyCommitted(txnIdx int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if txnIdx+1 > d.nextIdxToCommit {
		d.nextIdxToCommit = txnIdx + 1
	}
}

// Read serves a speculative read at txnIdx: the highest entry below the
// reader, estimates surfacing as dependencies.
func (d *VersionedDelayedFields) Read(id aggregator.DelayedFieldID, txnIdx int) (aggregator.DelayedFieldValue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.m[id]
	if !ok {
		return aggregator.DelayedFieldValue{}, aggregator.ErrNotFound
	}
	k, e := v.Floor(txnIdx - 1)
	if k == nil {
		return aggregator.DelayedFieldValue{}, aggregator.ErrNotFound
	}
	entry := e.(*delayedEntry)
	if entry.estimate {
		return aggregator.DelayedFieldValue{}, &aggregator.DependencyError{DepTxnIdx: k.(int)}
	}
	return entry.value, nil
}

// ReadLatestCommittedValue reads the latest committed value visible to
// txnIdx. Position selects whether the reader's own committed entry is
// included.
func (d *VersionedDelayedFields) ReadLatestCommittedValue(id aggregator.DelayedFieldID, txnIdx int, pos aggregator.ReadPosition) (aggregator.DelayedFieldValue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.m[id]
	if !ok {
		return aggregator.DelayedFieldValue{}, aggregator.ErrNotFound
	}
	limit := txnIdx
	if pos == aggregator.AfterCurrentTxn {
		limit = txnIdx + 1
	}
	if d.nextIdxToCommit < limit {
		limit = d.nextIdxToCommit
	}
	for at := limit - 1; at >= StorageIdx; {
		k, e := v.Floor(at)
		if k == nil {
			return aggregator.DelayedFieldValue{}, aggregator.ErrNotFound
		}
		entry := e.(*delayedEntry)
		if !entry.estimate {
			return entry.value, nil
		}
		at = k.(int) - 1
	}
	return aggregator.DelayedFieldValue{}, aggregator.ErrNotFound
}
