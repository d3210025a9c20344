package blockstm

import (
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/blockstm/mvhashmap"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

var log = logrus.WithField("prefix", "blockstm")

// ReadStatus discriminates the outcomes of a mediated read.
type ReadStatus int

const (
	ReadStatusValue ReadStatus = iota
	ReadStatusMetadata
	ReadStatusExists
	ReadStatusUninitialized
	ReadStatusHalt
)

// ReadResult is what the backing state answers a read with. The client
// interprets it by status.
type ReadResult struct {
	Status ReadStatus

	Value  *types.StateValue
	Layout values.Layout

	Metadata MetadataRead
	Exists   bool

	HaltMsg string
}

func uninitializedResult() ReadResult {
	return ReadResult{Status: ReadStatusUninitialized}
}

func haltResult(msg string) ReadResult {
	return ReadResult{Status: ReadStatusHalt, HaltMsg: msg}
}

func readResultFromDataRead(r DataRead) ReadResult {
	switch r.Kind {
	case ReadKindValue:
		if r.Resolved != nil {
			// Aggregator-v1 sums surface as legacy values and never go
			// through identifier exchange.
			return ReadResult{
				Status: ReadStatusValue,
				Value:  types.NewLegacyStateValue(aggregator.LegacyU128Bytes(r.Resolved)),
			}
		}
		return ReadResult{Status: ReadStatusValue, Value: r.Value.AsStateValue(), Layout: r.Layout}
	case ReadKindMetadata:
		return ReadResult{Status: ReadStatusMetadata, Metadata: r.Metadata}
	case ReadKindExists:
		return ReadResult{Status: ReadStatusExists, Exists: r.Exists}
	}
	panic("unhandled data read kind")
}

// readResultFromValueWithLayout serves a read directly from a stored
// value. Serving a Value read from a raw entry is the caller's bug;
// weaker reads do not care about the exchange state.
func readResultFromValueWithLayout(v mvhashmap.ValueWithLayout, kind ReadKind) ReadResult {
	switch kind {
	case ReadKindValue:
		return ReadResult{Status: ReadStatusValue, Value: v.Op.AsStateValue(), Layout: v.Layout}
	case ReadKindMetadata:
		meta, exists := v.Op.AsStateValueMetadata()
		return ReadResult{Status: ReadStatusMetadata, Metadata: MetadataRead{Exists: exists, Metadata: meta}}
	case ReadKindExists:
		return ReadResult{Status: ReadStatusExists, Exists: !v.Op.IsDeletion()}
	}
	panic("unhandled read kind")
}

// layoutArg is an optionally-known layout: an unknown layout means the
// caller has no type information, a known nil layout means the type is
// known to carry no delayed fields.
type layoutArg struct {
	known  bool
	layout values.Layout
}

// KnownLayout marks layout as type information supplied by the caller.
func KnownLayout(layout values.Layout) layoutArg { return layoutArg{known: true, layout: layout} }

// UnknownLayout marks the absence of type information.
func UnknownLayout() layoutArg { return layoutArg{} }

// patchFunc rewrites fresh storage bytes, lifting identifier-tagged
// leaves into fresh identifiers.
type patchFunc func(op *types.WriteOp, layout values.Layout) (*types.WriteOp, error)

// groupValueResult is the answer to a group-inner read.
type groupValueResult struct {
	bytes         []byte
	layout        values.Layout
	uninitialized bool
}

// resourceState is the per-variant backing for plain resource reads.
type resourceState interface {
	setBaseValue(key types.StateKey, value mvhashmap.ValueWithLayout)
	readCachedDataByKind(txnIdx int, key types.StateKey, targetKind ReadKind, layout layoutArg, patch patchFunc) ReadResult
}

// resourceGroupState is the per-variant backing for group reads.
type resourceGroupState interface {
	setRawGroupBaseValues(groupKey types.StateKey, base []mvhashmap.TagValue)
	readCachedGroupTaggedData(txnIdx int, groupKey types.StateKey, tag types.Tag, maybeLayout values.Layout, patch patchFunc) (groupValueResult, error)
}

// ViewState selects the execution variant. Both variants are closed, so
// the façade dispatches on the pair rather than carrying trait objects
// around.
type ViewState struct {
	sync   *ParallelState
	unsync *SequentialState
}

// NewSyncViewState wraps a parallel backing.
func NewSyncViewState(s *ParallelState) *ViewState { return &ViewState{sync: s} }

// NewUnsyncViewState wraps a sequential backing.
func NewUnsyncViewState(s *SequentialState) *ViewState { return &ViewState{unsync: s} }

func (v *ViewState) resourceState() resourceState {
	if v.sync != nil {
		return v.sync
	}
	return v.unsync
}

func (v *ViewState) groupState() resourceGroupState {
	if v.sync != nil {
		return v.sync
	}
	return v.unsync
}

// LatestView is a single worker's window into state while it executes
// one attempt of one transaction. It intercepts every read the VM
// issues: serving from the captured reads, from the shared (or
// thread-local) map, or from storage, and transparently exchanging
// delayed-field values for identifiers on the way.
type LatestView struct {
	baseView types.StateView
	state    *ViewState
	txnIdx   int
}

// NewLatestView builds the view for one execution attempt of txnIdx.
func NewLatestView(baseView types.StateView, state *ViewState, txnIdx int) *LatestView {
	return &LatestView{baseView: baseView, state: state, txnIdx: txnIdx}
}

// TakeReads drains the captured reads at the end of a parallel attempt.
func (v *LatestView) TakeReads() *CapturedReads {
	if v.state.sync == nil {
		panic("captured reads are only recorded in parallel execution")
	}
	reads := v.state.sync.capturedReads
	v.state.sync.capturedReads = NewCapturedReads()
	return reads
}

func (v *LatestView) markIncorrectUse() {
	if v.state.sync != nil {
		v.state.sync.capturedReads.MarkIncorrectUse()
		return
	}
	v.state.unsync.incorrectUse = true
}

// IsIncorrectUse reports whether the attempt observed an API misuse.
func (v *LatestView) IsIncorrectUse() bool {
	if v.state.sync != nil {
		return v.state.sync.capturedReads.IsIncorrectUse()
	}
	return v.state.unsync.incorrectUse
}

// getRawBaseValue reads pre-block storage. Even speculatively this must
// not fail; a failure is alerted and poisons the attempt.
func (v *LatestView) getRawBaseValue(key types.StateKey) (*types.StateValue, error) {
	ret, err := v.baseView.GetStateValue(key)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"view": v.baseView.ID(),
			"txn":  v.txnIdx,
			"key":  key,
		}).Error("error getting data from storage")
		v.markIncorrectUse()
	}
	return ret, err
}

// patchBaseValue lifts the identifier-tagged leaves of fresh storage
// bytes into fresh identifiers, when a layout is known.
func (v *LatestView) patchBaseValue(op *types.WriteOp, layout values.Layout) (*types.WriteOp, error) {
	sv := op.AsStateValue()
	if sv == nil || layout == nil {
		return types.WriteOpFromStateValue(sv), nil
	}
	patched, _, err := v.ReplaceValuesWithIdentifiers(sv, layout)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"view": v.baseView.ID(),
			"txn":  v.txnIdx,
		}).Error("error during value to identifier replacement")
		v.markIncorrectUse()
		return nil, err
	}
	return types.WriteOpFromStateValue(patched), nil
}

func (v *LatestView) getBaseValueWithLayout(key types.StateKey, layout layoutArg) (mvhashmap.ValueWithLayout, error) {
	sv, err := v.getRawBaseValue(key)
	if err != nil {
		return mvhashmap.ValueWithLayout{}, err
	}
	op := types.WriteOpFromStateValue(sv)
	if !layout.known {
		return mvhashmap.RawFromStorage(op), nil
	}
	patched, err := v.patchBaseValue(op, layout.layout)
	if err != nil {
		return mvhashmap.ValueWithLayout{}, err
	}
	return mvhashmap.Exchanged(patched, layout.layout), nil
}

// IsDelayedFieldOptimizationCapable gates identifier exchange: always on
// in parallel execution, opt-in for sequential execution.
func (v *LatestView) IsDelayedFieldOptimizationCapable() bool {
	if v.state.sync != nil {
		return true
	}
	return v.state.unsync.dynamicChangeSetOptimizationsEnabled
}

// IsResourceGroupSplitInChangeSetCapable mirrors the delayed-field gate
// for group splitting.
func (v *LatestView) IsResourceGroupSplitInChangeSetCapable() bool {
	return v.IsDelayedFieldOptimizationCapable()
}

func (v *LatestView) getResourceStateValueImpl(key types.StateKey, layout layoutArg, kind ReadKind) (ReadResult, error) {
	if key.IsModulePath() {
		panic("reading a module through the resource interface")
	}

	// Without the optimization, type information is withheld so no
	// exchange ever happens.
	if !v.IsDelayedFieldOptimizationCapable() && layout.known {
		layout = layoutArg{known: true}
	}

	state := v.state.resourceState()
	patch := v.patchBaseValue

	ret := state.readCachedDataByKind(v.txnIdx, key, kind, layout, patch)
	if ret.Status == ReadStatusUninitialized {
		fromStorage, err := v.getBaseValueWithLayout(key, layout)
		if err != nil {
			return ReadResult{}, err
		}
		state.setBaseValue(key, fromStorage)

		// A concurrent storage fetch may have won the install; re-read
		// through the map rather than using our own value.
		ret = state.readCachedDataByKind(v.txnIdx, key, kind, layout, patch)
	}

	switch ret.Status {
	case ReadStatusHalt:
		return ReadResult{}, &HaltError{Msg: ret.HaltMsg}
	case ReadStatusUninitialized:
		panic("base value must already be recorded in the multi-version map")
	}
	return ret, nil
}

// GetResourceStateValue reads a resource's full value, exchanging
// delayed fields under the given layout (nil when the type carries
// none).
func (v *LatestView) GetResourceStateValue(key types.StateKey, maybeLayout values.Layout) (*types.StateValue, error) {
	ret, err := v.getResourceStateValueImpl(key, KnownLayout(maybeLayout), ReadKindValue)
	if err != nil {
		return nil, err
	}
	return ret.Value, nil
}

// GetResourceStateValueMetadata reads only a resource's metadata.
func (v *LatestView) GetResourceStateValueMetadata(key types.StateKey) (MetadataRead, error) {
	ret, err := v.getResourceStateValueImpl(key, UnknownLayout(), ReadKindMetadata)
	if err != nil {
		return MetadataRead{}, err
	}
	return ret.Metadata, nil
}

// ResourceExists checks a resource's existence.
func (v *LatestView) ResourceExists(key types.StateKey) (bool, error) {
	ret, err := v.getResourceStateValueImpl(key, UnknownLayout(), ReadKindExists)
	if err != nil {
		return false, err
	}
	return ret.Exists, nil
}

// initializeGroupBaseContents decodes the group's storage blob, seeds
// the group store with per-tag sentinel creations, and installs a
// metadata-only resource entry for the group key.
func (v *LatestView) initializeGroupBaseContents(groupKey types.StateKey) error {
	sv, err := v.getRawBaseValue(groupKey)
	if err != nil {
		return err
	}
	var base []mvhashmap.TagValue
	metadataOp := types.WriteOpFromStateValue(nil)
	if sv != nil {
		metadataOp = types.WriteOpFromStateValue(types.NewStateValueWithMetadata(nil, sv.Metadata()))
		pairs, derr := DecodeGroupBlob(sv.Bytes())
		if derr != nil {
			return haltErrorf("resource group deserialization error: %v", derr)
		}
		base = make([]mvhashmap.TagValue, 0, len(pairs))
		for _, p := range pairs {
			base = append(base, mvhashmap.TagValue{
				Tag: p.Tag,
				Op:  types.WriteOpFromStateValue(types.NewLegacyStateValue(p.Data)),
			})
		}
	}
	v.state.groupState().setRawGroupBaseValues(groupKey, base)
	v.state.resourceState().setBaseValue(groupKey, mvhashmap.RawFromStorage(metadataOp))
	return nil
}

// ResourceGroupSize reads the serialized size of a resource group.
func (v *LatestView) ResourceGroupSize(groupKey types.StateKey) (uint64, error) {
	size, uninitialized, err := v.readGroupSize(groupKey)
	if err != nil {
		return 0, err
	}
	if uninitialized {
		if err := v.initializeGroupBaseContents(groupKey); err != nil {
			return 0, err
		}
		size, uninitialized, err = v.readGroupSize(groupKey)
		if err != nil {
			return 0, err
		}
		if uninitialized {
			panic("group contents must already be recorded")
		}
	}
	return size, nil
}

func (v *LatestView) readGroupSize(groupKey types.StateKey) (uint64, bool, error) {
	if v.state.sync != nil {
		return v.state.sync.readGroupSize(groupKey, v.txnIdx)
	}
	size, err := v.state.unsync.unsyncMap.GetGroupSize(groupKey)
	if err == mvhashmap.ErrUninitialized {
		return 0, true, nil
	}
	return size, false, err
}

// GetResourceFromGroup reads one tagged resource out of a group.
func (v *LatestView) GetResourceFromGroup(groupKey types.StateKey, tag types.Tag, maybeLayout values.Layout) ([]byte, error) {
	if !v.IsDelayedFieldOptimizationCapable() {
		maybeLayout = nil
	}

	read, err := v.state.groupState().readCachedGroupTaggedData(v.txnIdx, groupKey, tag, maybeLayout, v.patchBaseValue)
	if err != nil {
		return nil, err
	}
	if read.uninitialized {
		if err := v.initializeGroupBaseContents(groupKey); err != nil {
			return nil, err
		}
		read, err = v.state.groupState().readCachedGroupTaggedData(v.txnIdx, groupKey, tag, maybeLayout, v.patchBaseValue)
		if err != nil {
			return nil, err
		}
		if read.uninitialized {
			panic("group contents must already be recorded")
		}
	}
	return read.bytes, nil
}

// GetModuleStateValue reads a published module. In parallel execution a
// dependency is answered with "not found" instead of blocking: the
// scheduler independently falls back to sequential execution on module
// read/write conflicts, which makes the answer irrelevant.
func (v *LatestView) GetModuleStateValue(key types.StateKey) (*types.StateValue, error) {
	if !key.IsModulePath() {
		panic("reading a resource through the module interface")
	}

	if v.state.sync != nil {
		out, err := v.state.sync.fetchModule(key, v.txnIdx)
		switch {
		case err == nil:
			return out.Module.AsStateValue(), nil
		case err == mvhashmap.ErrNotFound:
			return v.getRawBaseValue(key)
		default:
			if _, ok := aggregator.AsDependency(err); ok {
				return nil, nil
			}
			return nil, err
		}
	}

	if op, ok := v.state.unsync.unsyncMap.FetchModuleData(key); ok {
		return op.AsStateValue(), nil
	}
	return v.getRawBaseValue(key)
}

// GetAggregatorV1StateValue reads a legacy aggregator's state item. The
// layout is intentionally withheld so the value never goes through
// identifier exchange.
func (v *LatestView) GetAggregatorV1StateValue(key types.StateKey) (*types.StateValue, error) {
	return v.GetResourceStateValue(key, nil)
}

// GetDelayedFieldValue returns the materialized value of a delayed
// field.
func (v *LatestView) GetDelayedFieldValue(id aggregator.DelayedFieldID) (aggregator.DelayedFieldValue, error) {
	if v.state.sync != nil {
		s := v.state.sync
		return getDelayedFieldValue(s.capturedReads, s.versionedMap.DelayedFields(), s.scheduler, id, v.txnIdx)
	}
	value, ok := v.state.unsync.readDelayedField(id)
	if !ok {
		return aggregator.DelayedFieldValue{}, aggregator.InvariantErrorf("delayed field %s not found in sequential execution", id)
	}
	return value, nil
}

// DelayedFieldTryAddDeltaOutcome reports whether applying delta on top
// of baseDelta keeps the field within [0, maxValue].
func (v *LatestView) DelayedFieldTryAddDeltaOutcome(id aggregator.DelayedFieldID, baseDelta, delta aggregator.SignedU128, maxValue *uint256.Int) (bool, error) {
	if v.state.sync != nil {
		s := v.state.sync
		return delayedFieldTryAddDeltaOutcome(s.capturedReads, s.versionedMap.DelayedFields(), s.scheduler, id, baseDelta, delta, maxValue, v.txnIdx)
	}

	// Sequential execution speculates nothing: evaluate directly against
	// the materialized value, no history is kept or validated.
	value, ok := v.state.unsync.readDelayedField(id)
	if !ok {
		return false, aggregator.InvariantErrorf("delayed field %s not found in sequential execution", id)
	}
	inner, err := value.IntoAggregatorValue()
	if err != nil {
		return false, err
	}
	math := aggregator.NewBoundedMath(maxValue)
	before, err := aggregator.ExpectOk(math.UnsignedAddDelta(inner, baseDelta))
	if err != nil {
		return false, err
	}
	_, applyErr := math.UnsignedAddDelta(before, delta)
	return applyErr == nil, nil
}

// GenerateDelayedFieldID allocates a fresh identifier from the
// block-scoped counter.
func (v *LatestView) GenerateDelayedFieldID() aggregator.DelayedFieldID {
	if v.state.sync != nil {
		return aggregator.DelayedFieldID(v.state.sync.counter.Add(1) - 1)
	}
	id := aggregator.DelayedFieldID(*v.state.unsync.counter)
	*v.state.unsync.counter++
	return id
}

// ValidateAndConvertDelayedFieldID accepts identifiers from the start
// counter up to and including the counter's current value, that is the
// identifiers allocated so far plus the next one to be allocated.
func (v *LatestView) ValidateAndConvertDelayedFieldID(id uint64) (aggregator.DelayedFieldID, error) {
	var start, current uint32
	if v.state.sync != nil {
		start = v.state.sync.startCounter
		current = v.state.sync.counter.Load()
	} else {
		start = v.state.unsync.startCounter
		current = *v.state.unsync.counter
	}
	if id < uint64(start) {
		return 0, aggregator.InvariantErrorf("invalid delayed field id %d: started from %d", id, start)
	}
	if id > uint64(current) {
		return 0, aggregator.InvariantErrorf("invalid delayed field id %d: only reached %d", id, current)
	}
	return aggregator.DelayedFieldID(id), nil
}

func (v *LatestView) setDelayedFieldValue(id aggregator.DelayedFieldID, base aggregator.DelayedFieldValue) {
	if v.state.sync != nil {
		v.state.sync.setDelayedFieldValue(id, base)
		return
	}
	v.state.unsync.setDelayedFieldValue(id, base)
}

// ID identifies the underlying storage snapshot.
func (v *LatestView) ID() types.StateViewID { return v.baseView.ID() }

// GetUsage reports the underlying storage usage.
func (v *LatestView) GetUsage() (types.StateStorageUsage, error) { return v.baseView.GetUsage() }
