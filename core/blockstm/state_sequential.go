package blockstm

import (
	"github.com/pkg/errors"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/blockstm/mvhashmap"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

// SequentialState backs the view during single-threaded execution. Reads
// never block and there is no validation, so the only bookkeeping is the
// two key sets feeding the reads-needing-exchange computation.
type SequentialState struct {
	unsyncMap                 *mvhashmap.UnsyncMap
	resourceWithLayoutReadSet map[types.StateKey]struct{}
	groupReadSet              map[types.StateKey]struct{}

	startCounter uint32
	counter      *uint32

	dynamicChangeSetOptimizationsEnabled bool
	incorrectUse                         bool
}

// NewSequentialState wires the view to the thread-local map.
func NewSequentialState(unsyncMap *mvhashmap.UnsyncMap, startCounter uint32, counter *uint32, dynamicChangeSetOptimizationsEnabled bool) *SequentialState {
	return &SequentialState{
		unsyncMap:                            unsyncMap,
		resourceWithLayoutReadSet:            make(map[types.StateKey]struct{}),
		groupReadSet:                         make(map[types.StateKey]struct{}),
		startCounter:                         startCounter,
		counter:                              counter,
		dynamicChangeSetOptimizationsEnabled: dynamicChangeSetOptimizationsEnabled,
	}
}

func (s *SequentialState) setDelayedFieldValue(id aggregator.DelayedFieldID, base aggregator.DelayedFieldValue) {
	s.unsyncMap.WriteDelayedField(id, base)
}

func (s *SequentialState) readDelayedField(id aggregator.DelayedFieldID) (aggregator.DelayedFieldValue, bool) {
	return s.unsyncMap.FetchDelayedField(id)
}

func (s *SequentialState) setBaseValue(key types.StateKey, value mvhashmap.ValueWithLayout) {
	s.unsyncMap.SetBaseValue(key, value)
}

func (s *SequentialState) readCachedDataByKind(
	_ int,
	key types.StateKey,
	targetKind ReadKind,
	layout layoutArg,
	patchBaseValue patchFunc,
) ReadResult {
	value, ok := s.unsyncMap.FetchData(key)
	if !ok {
		return uninitializedResult()
	}

	if layout.known && !value.Exchanged {
		patched, err := patchBaseValue(value.Op, layout.layout)
		if err != nil {
			s.incorrectUse = true
			log.WithError(err).WithField("key", key).Error("unsync map could not patch base value")
			return haltResult("unsync map could not patch base value")
		}
		value = mvhashmap.Exchanged(patched, layout.layout)
		// Single-threaded: no concurrent install can race this write.
		s.unsyncMap.SetBaseValue(key, value)
	}

	if targetKind == ReadKindValue && !value.Exchanged {
		s.incorrectUse = true
		log.WithField("key", key).Error("unsync map holds raw value while a value read was requested")
		return haltResult("unsync map holds raw value while a value read was requested")
	}

	ret := readResultFromValueWithLayout(value, targetKind)
	if targetKind == ReadKindValue && ret.Status == ReadStatusValue && ret.Value != nil && ret.Layout != nil {
		s.resourceWithLayoutReadSet[key] = struct{}{}
	}
	return ret
}

func (s *SequentialState) setRawGroupBaseValues(groupKey types.StateKey, base []mvhashmap.TagValue) {
	s.unsyncMap.SetGroupBaseValues(groupKey, base)
}

func (s *SequentialState) readCachedGroupTaggedData(
	_ int,
	groupKey types.StateKey,
	tag types.Tag,
	maybeLayout values.Layout,
	patchBaseValue patchFunc,
) (groupValueResult, error) {
	value, err := s.unsyncMap.FetchGroupTaggedData(groupKey, tag)
	switch {
	case errors.Is(err, mvhashmap.ErrUninitialized):
		return groupValueResult{uninitialized: true}, nil
	case errors.Is(err, mvhashmap.ErrTagNotFound):
		return groupValueResult{}, nil
	case err != nil:
		return groupValueResult{}, err
	}

	if !value.Exchanged {
		patched, perr := patchBaseValue(value.Op, maybeLayout)
		if perr != nil {
			return groupValueResult{}, perr
		}
		value = mvhashmap.Exchanged(patched, maybeLayout)
		s.unsyncMap.UpdateTaggedBaseValueWithLayout(groupKey, tag, patched, maybeLayout)
	}

	bytes := value.Op.ExtractRawBytes()
	if bytes != nil && value.Layout != nil {
		s.groupReadSet[groupKey] = struct{}{}
	}
	return groupValueResult{bytes: bytes, layout: value.Layout}, nil
}
