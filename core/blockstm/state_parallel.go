package blockstm

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/blockstm/mvhashmap"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

// ParallelState backs a worker's view during parallel execution: reads
// go to the shared multi-version map, dependencies park on the shared
// scheduler, and every successful observation lands in the captured-read
// log for later validation.
type ParallelState struct {
	versionedMap  *mvhashmap.MVHashMap
	scheduler     DependencyWaiter
	startCounter  uint32
	counter       *atomic.Uint32
	capturedReads *CapturedReads
}

// NewParallelState wires a worker to the block-shared structures.
func NewParallelState(m *mvhashmap.MVHashMap, scheduler DependencyWaiter, startCounter uint32, counter *atomic.Uint32) *ParallelState {
	return &ParallelState{
		versionedMap:  m,
		scheduler:     scheduler,
		startCounter:  startCounter,
		counter:       counter,
		capturedReads: NewCapturedReads(),
	}
}

func (s *ParallelState) setDelayedFieldValue(id aggregator.DelayedFieldID, base aggregator.DelayedFieldValue) {
	s.versionedMap.DelayedFields().SetBaseValue(id, base)
}

// fetchModule records the module key for the scheduler's read/write
// intersection check, then serves the read from the modules store.
func (s *ParallelState) fetchModule(key types.StateKey, txnIdx int) (mvhashmap.ModuleOutput, error) {
	s.capturedReads.AppendModuleRead(key)
	return s.versionedMap.Modules().FetchModule(key, txnIdx)
}

// readGroupSize serves a group-size read, recording it exactly once.
func (s *ParallelState) readGroupSize(groupKey types.StateKey, txnIdx int) (uint64, bool, error) {
	if size, ok := s.capturedReads.GroupSize(groupKey); ok {
		return size, false, nil
	}

	for {
		size, err := s.versionedMap.GroupData().GetGroupSize(groupKey, txnIdx)
		switch {
		case err == nil:
			if cerr := s.capturedReads.CaptureGroupSize(groupKey, size); cerr != nil {
				// Size recorded twice with different values: a bug, not
				// speculation.
				panic(cerr)
			}
			return size, false, nil
		case errors.Is(err, mvhashmap.ErrUninitialized):
			return 0, true, nil
		case errors.Is(err, mvhashmap.ErrTagNotFound):
			panic("group size read does not look up a tag")
		case errors.Is(err, mvhashmap.ErrTagSerializationError):
			return 0, false, haltErrorf("tag serialization error computing group size")
		default:
			dep, ok := aggregator.AsDependency(err)
			if !ok {
				return 0, false, err
			}
			if !waitForDependency(s.scheduler, txnIdx, dep.DepTxnIdx) {
				return 0, false, haltErrorf("interrupted as block execution was halted")
			}
		}
	}
}

func (s *ParallelState) setBaseValue(key types.StateKey, value mvhashmap.ValueWithLayout) {
	s.versionedMap.Data().SetBaseValue(key, value)
}

// readCachedDataByKind captures a read from the VM, except unresolved
// deltas and uninitialized keys: for those the caller installs the base
// value and re-enters, and the later successful read does the recording.
func (s *ParallelState) readCachedDataByKind(
	txnIdx int,
	key types.StateKey,
	targetKind ReadKind,
	layout layoutArg,
	patchBaseValue patchFunc,
) ReadResult {
	if r, ok := s.capturedReads.GetByKind(key, nil, targetKind); ok {
		return readResultFromDataRead(r)
	}

	for {
		out, err := s.versionedMap.Data().FetchData(key, txnIdx)
		if err != nil {
			switch {
			case errors.Is(err, mvhashmap.ErrUninitialized):
				return uninitializedResult()
			case errors.Is(err, mvhashmap.ErrDeltaApplicationFailure):
				// Aggregator-v1 deltas may fail to apply under
				// speculation.
				s.capturedReads.MarkFailure()
				return haltResult("delta application failure (must be speculative)")
			default:
				if _, ok := err.(*mvhashmap.UnresolvedError); ok {
					return uninitializedResult()
				}
				dep, ok := aggregator.AsDependency(err)
				if !ok {
					s.capturedReads.MarkIncorrectUse()
					return haltResult("unexpected error from versioned map: " + err.Error())
				}
				if !waitForDependency(s.scheduler, txnIdx, dep.DepTxnIdx) {
					return haltResult("interrupted as block execution was halted")
				}
				continue
			}
		}

		if out.Resolved != nil {
			r, ok := ResolvedRead(out.Resolved).Downcast(targetKind)
			if !ok {
				panic("downcast from resolved read must succeed")
			}
			if cerr := s.capturedReads.CaptureRead(key, nil, r); cerr != nil {
				return haltResult("inconsistency in reads (must be due to speculation)")
			}
			return readResultFromDataRead(r)
		}

		// With a known layout, upgrade a raw storage value to its
		// exchanged form before serving it.
		if layout.known && !out.Value.Exchanged {
			if !out.Version.IsStorage() {
				s.capturedReads.MarkIncorrectUse()
				return haltResult("raw value at non-storage version")
			}
			patched, perr := patchBaseValue(out.Value.Op, layout.layout)
			if perr != nil {
				log.WithError(perr).WithField("key", key).Error("could not patch value from versioned map")
				s.capturedReads.MarkIncorrectUse()
				return haltResult("could not patch value from versioned map")
			}
			s.versionedMap.Data().SetBaseValue(key, mvhashmap.Exchanged(patched, layout.layout))
			// Refetch in case a concurrent exchange won the install.
			continue
		}

		r, ok := VersionedRead(out.Version, out.Value.Op, out.Value.Layout).Downcast(targetKind)
		if !ok {
			log.WithField("key", key).Error("could not downcast value from versioned map")
			s.capturedReads.MarkIncorrectUse()
			return haltResult("could not downcast value from versioned map")
		}
		if cerr := s.capturedReads.CaptureRead(key, nil, r); cerr != nil {
			return haltResult("inconsistency in reads (must be due to speculation)")
		}
		return readResultFromDataRead(r)
	}
}

func (s *ParallelState) setRawGroupBaseValues(groupKey types.StateKey, base []mvhashmap.TagValue) {
	s.versionedMap.GroupData().SetRawBaseValues(groupKey, base)
}

// readCachedGroupTaggedData serves a read of one tag inside a group. A
// missing tag in an initialized group is a definitive absence at block
// start and is captured as a storage-version deletion.
func (s *ParallelState) readCachedGroupTaggedData(
	txnIdx int,
	groupKey types.StateKey,
	tag types.Tag,
	maybeLayout values.Layout,
	patchBaseValue patchFunc,
) (groupValueResult, error) {
	if r, ok := s.capturedReads.GetByKind(groupKey, &tag, ReadKindValue); ok {
		return groupValueResult{bytes: r.Value.ExtractRawBytes(), layout: r.Layout}, nil
	}

	for {
		version, value, err := s.versionedMap.GroupData().FetchTaggedData(groupKey, tag, txnIdx)
		switch {
		case err == nil:
			if !value.Exchanged {
				patched, perr := patchBaseValue(value.Op, maybeLayout)
				if perr != nil {
					return groupValueResult{}, perr
				}
				s.versionedMap.GroupData().UpdateTaggedBaseValueWithLayout(groupKey, tag, patched, maybeLayout)
				// Refetch in case a concurrent exchange won the install.
				continue
			}
			r := VersionedRead(version, value.Op, value.Layout)
			if cerr := s.capturedReads.CaptureRead(groupKey, &tag, r); cerr != nil {
				return groupValueResult{}, haltErrorf("inconsistency in group reads (must be due to speculation)")
			}
			return groupValueResult{bytes: value.Op.ExtractRawBytes(), layout: value.Layout}, nil
		case errors.Is(err, mvhashmap.ErrUninitialized):
			return groupValueResult{uninitialized: true}, nil
		case errors.Is(err, mvhashmap.ErrTagNotFound):
			r := VersionedRead(mvhashmap.StorageVersion, types.WriteOpFromStateValue(nil), nil)
			if cerr := s.capturedReads.CaptureRead(groupKey, &tag, r); cerr != nil {
				return groupValueResult{}, haltErrorf("inconsistency in group reads (must be due to speculation)")
			}
			return groupValueResult{}, nil
		case errors.Is(err, mvhashmap.ErrTagSerializationError):
			panic("reading a group resource does not serialize tags")
		default:
			dep, ok := aggregator.AsDependency(err)
			if !ok {
				return groupValueResult{}, err
			}
			if !waitForDependency(s.scheduler, txnIdx, dep.DepTxnIdx) {
				return groupValueResult{}, haltErrorf("interrupted as block execution was halted")
			}
		}
	}
}
