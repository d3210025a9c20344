package blockstm

import (
	"reflect"

	"github.com/holiman/uint256"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/blockstm/mvhashmap"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

// ReadKind orders reads by how much they reveal: a Value read subsumes a
// Metadata read, which subsumes an Exists read. A captured read can serve
// any weaker request for the same location, never a stronger one.
type ReadKind int

const (
	ReadKindExists ReadKind = iota
	ReadKindMetadata
	ReadKindValue
)

func (k ReadKind) String() string {
	switch k {
	case ReadKindExists:
		return "exists"
	case ReadKindMetadata:
		return "metadata"
	case ReadKindValue:
		return "value"
	}
	return "unknown"
}

// MetadataRead is the observation of a metadata request: whether the item
// exists, and its metadata if so (nil for legacy items).
type MetadataRead struct {
	Exists   bool
	Metadata *types.StateValueMetadata
}

func (m MetadataRead) equal(other MetadataRead) bool {
	return m.Exists == other.Exists && m.Metadata.Equal(other.Metadata)
}

// DataRead is one captured observation of a state location.
type DataRead struct {
	Kind ReadKind

	// Value-kind payload: either a versioned write op (with the layout it
	// was exchanged under, if any), or a resolved aggregator-v1 sum.
	Version  mvhashmap.Version
	Value    *types.WriteOp
	Layout   values.Layout
	Resolved *uint256.Int

	// Weaker payloads.
	Metadata MetadataRead
	Exists   bool
}

// VersionedRead builds a Value-kind read of a versioned op.
func VersionedRead(version mvhashmap.Version, op *types.WriteOp, layout values.Layout) DataRead {
	return DataRead{Kind: ReadKindValue, Version: version, Value: op, Layout: layout}
}

// ResolvedRead builds a Value-kind read of a resolved aggregator-v1 sum.
func ResolvedRead(v *uint256.Int) DataRead {
	return DataRead{Kind: ReadKindValue, Resolved: v.Clone()}
}

// MetadataDataRead builds a Metadata-kind read.
func MetadataDataRead(m MetadataRead) DataRead {
	return DataRead{Kind: ReadKindMetadata, Metadata: m}
}

// ExistsRead builds an Exists-kind read.
func ExistsRead(exists bool) DataRead {
	return DataRead{Kind: ReadKindExists, Exists: exists}
}

// Downcast projects the read to a weaker (or equal) kind, preserving the
// underlying observation. Projecting to a stronger kind fails.
func (r DataRead) Downcast(target ReadKind) (DataRead, bool) {
	if target > r.Kind {
		return DataRead{}, false
	}
	if target == r.Kind {
		return r, true
	}
	switch target {
	case ReadKindMetadata:
		return MetadataDataRead(r.metadataView()), true
	case ReadKindExists:
		switch r.Kind {
		case ReadKindValue:
			return ExistsRead(r.valueExists()), true
		case ReadKindMetadata:
			return ExistsRead(r.Metadata.Exists), true
		}
	}
	return DataRead{}, false
}

func (r DataRead) valueExists() bool {
	if r.Resolved != nil {
		return true
	}
	return !r.Value.IsDeletion()
}

func (r DataRead) metadataView() MetadataRead {
	if r.Resolved != nil {
		// Resolved aggregator-v1 values are legacy items.
		return MetadataRead{Exists: true}
	}
	meta, exists := r.Value.AsStateValueMetadata()
	return MetadataRead{Exists: exists, Metadata: meta}
}

func layoutEqual(a, b values.Layout) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func (r DataRead) equalSameKind(other DataRead) bool {
	if r.Kind != other.Kind {
		return false
	}
	switch r.Kind {
	case ReadKindValue:
		if (r.Resolved == nil) != (other.Resolved == nil) {
			return false
		}
		if r.Resolved != nil {
			return r.Resolved.Eq(other.Resolved)
		}
		return r.Version == other.Version && r.Value.Equal(other.Value) &&
			layoutEqual(r.Layout, other.Layout)
	case ReadKindMetadata:
		return r.Metadata.equal(other.Metadata)
	case ReadKindExists:
		return r.Exists == other.Exists
	}
	return false
}

// DelayedFieldReadKind orders delayed-field reads: a full Value read
// subsumes any number of HistoryBounded reads of the same identifier.
type DelayedFieldReadKind int

const (
	DelayedFieldReadHistoryBounded DelayedFieldReadKind = iota
	DelayedFieldReadValue
)

// DelayedFieldRead is one captured observation of a delayed field:
// either its fully materialized value, or a base value plus the history
// of deltas the transaction attempted against it.
type DelayedFieldRead struct {
	Kind DelayedFieldReadKind

	// Value payload.
	Value aggregator.DelayedFieldValue

	// HistoryBounded payload.
	Restriction aggregator.DeltaHistory
	MaxValue    *uint256.Int
	InnerValue  *uint256.Int
}

func (r DelayedFieldRead) equal(other DelayedFieldRead) bool {
	if r.Kind != other.Kind {
		return false
	}
	if r.Kind == DelayedFieldReadValue {
		return r.Value.Equal(other.Value)
	}
	return r.Restriction.Equal(other.Restriction) &&
		r.MaxValue.Eq(other.MaxValue) && r.InnerValue.Eq(other.InnerValue)
}

// GroupRead collects everything observed about one resource group: the
// per-tag inner reads and the group size, captured at most once.
type GroupRead struct {
	innerReads      map[types.Tag]DataRead
	speculativeSize *uint64
}

// CapturedReads is the per-attempt log of every observed read. It is
// owned by exactly one worker; the scheduler drains it after the attempt
// to validate and to compute delayed-field rewrites.
type CapturedReads struct {
	dataReads         map[types.StateKey]DataRead
	groupReads        map[types.StateKey]*GroupRead
	moduleReads       []types.StateKey
	delayedFieldReads map[aggregator.DelayedFieldID]DelayedFieldRead

	deltaApplicationFailure bool
	speculativeFailure      bool
	incorrectUse            bool
}

// NewCapturedReads returns an empty log.
func NewCapturedReads() *CapturedReads {
	return &CapturedReads{
		dataReads:         make(map[types.StateKey]DataRead),
		groupReads:        make(map[types.StateKey]*GroupRead),
		delayedFieldReads: make(map[aggregator.DelayedFieldID]DelayedFieldRead),
	}
}

func (c *CapturedReads) slot(key types.StateKey, tag *types.Tag) (DataRead, bool) {
	if tag == nil {
		r, ok := c.dataReads[key]
		return r, ok
	}
	g, ok := c.groupReads[key]
	if !ok {
		return DataRead{}, false
	}
	r, ok := g.innerReads[*tag]
	return r, ok
}

func (c *CapturedReads) setSlot(key types.StateKey, tag *types.Tag, r DataRead) {
	if tag == nil {
		c.dataReads[key] = r
		return
	}
	g, ok := c.groupReads[key]
	if !ok {
		g = &GroupRead{innerReads: make(map[types.Tag]DataRead)}
		c.groupReads[key] = g
	}
	g.innerReads[*tag] = r
}

// GetByKind serves a cached read of at least the target kind, downcast to
// exactly the target kind.
func (c *CapturedReads) GetByKind(key types.StateKey, tag *types.Tag, target ReadKind) (DataRead, bool) {
	r, ok := c.slot(key, tag)
	if !ok || r.Kind < target {
		return DataRead{}, false
	}
	return r.Downcast(target)
}

// CaptureRead merges a new observation into the log. Legal merges: first
// capture, an identical same-kind observation, or an upgrade to a
// stronger kind that is consistent with what was already captured.
func (c *CapturedReads) CaptureRead(key types.StateKey, tag *types.Tag, newRead DataRead) error {
	existing, ok := c.slot(key, tag)
	if !ok {
		c.setSlot(key, tag, newRead)
		return nil
	}
	if existing.Kind >= newRead.Kind {
		down, ok := existing.Downcast(newRead.Kind)
		if !ok || !down.equalSameKind(newRead) {
			c.speculativeFailure = true
			return &CaptureError{Reason: "weaker read disagrees with earlier capture"}
		}
		return nil
	}
	down, ok := newRead.Downcast(existing.Kind)
	if !ok || !down.equalSameKind(existing) {
		c.speculativeFailure = true
		return &CaptureError{Reason: "upgraded read disagrees with earlier capture"}
	}
	c.setSlot(key, tag, newRead)
	return nil
}

// CaptureGroupSize records the group size, exactly once. A duplicate
// recording with the same size is a no-op; a different size is a bug in
// the caller.
func (c *CapturedReads) CaptureGroupSize(key types.StateKey, size uint64) error {
	g, ok := c.groupReads[key]
	if !ok {
		g = &GroupRead{innerReads: make(map[types.Tag]DataRead)}
		c.groupReads[key] = g
	}
	if g.speculativeSize != nil {
		if *g.speculativeSize != size {
			c.incorrectUse = true
			return aggregator.InvariantErrorf("group size recorded twice with different values: %d then %d",
				*g.speculativeSize, size)
		}
		return nil
	}
	g.speculativeSize = &size
	return nil
}

// GroupSize returns the recorded size of a group, if any.
func (c *CapturedReads) GroupSize(key types.StateKey) (uint64, bool) {
	if g, ok := c.groupReads[key]; ok && g.speculativeSize != nil {
		return *g.speculativeSize, true
	}
	return 0, false
}

// AppendModuleRead records a module key for the scheduler's read/write
// intersection fallback check.
func (c *CapturedReads) AppendModuleRead(key types.StateKey) {
	c.moduleReads = append(c.moduleReads, key)
}

// ModuleReads returns the recorded module keys in read order.
func (c *CapturedReads) ModuleReads() []types.StateKey {
	return c.moduleReads
}

// GetDelayedFieldByKind serves a cached delayed-field read of at least
// the target kind. Unlike data reads, the entry is returned as captured:
// the caller inspects its actual kind.
func (c *CapturedReads) GetDelayedFieldByKind(id aggregator.DelayedFieldID, target DelayedFieldReadKind) (DelayedFieldRead, bool) {
	r, ok := c.delayedFieldReads[id]
	if !ok || r.Kind < target {
		return DelayedFieldRead{}, false
	}
	return r, true
}

// CaptureDelayedFieldRead merges a delayed-field observation.
//
// updateAllowed=false requires either no prior entry, or upgrades a
// HistoryBounded entry to a Value entry when the new value is consistent
// with the recorded history. updateAllowed=true replaces a HistoryBounded
// entry with a wider one anchored at the same bound and base. A Value
// entry is terminal: it can never be demoted.
func (c *CapturedReads) CaptureDelayedFieldRead(id aggregator.DelayedFieldID, updateAllowed bool, newRead DelayedFieldRead) error {
	existing, ok := c.delayedFieldReads[id]

	if updateAllowed {
		if !ok || existing.Kind != DelayedFieldReadHistoryBounded {
			c.incorrectUse = true
			return aggregator.InvariantErrorf("history update without a history-bounded capture for %s", id)
		}
		if newRead.Kind != DelayedFieldReadHistoryBounded ||
			!existing.MaxValue.Eq(newRead.MaxValue) || !existing.InnerValue.Eq(newRead.InnerValue) {
			c.incorrectUse = true
			return aggregator.InvariantErrorf("history update changes anchor for %s", id)
		}
		c.delayedFieldReads[id] = newRead
		return nil
	}

	if !ok {
		c.delayedFieldReads[id] = newRead
		return nil
	}

	switch {
	case existing.Kind == DelayedFieldReadValue && newRead.Kind == DelayedFieldReadValue:
		if !existing.equal(newRead) {
			c.speculativeFailure = true
			return aggregator.ErrInconsistentRead
		}
		return nil
	case existing.Kind == DelayedFieldReadHistoryBounded && newRead.Kind == DelayedFieldReadValue:
		// Upgrade: the materialized value must still satisfy everything
		// the transaction observed while speculating.
		base, err := newRead.Value.IntoAggregatorValue()
		if err != nil {
			c.incorrectUse = true
			return err
		}
		if !existing.Restriction.ValidateAgainstBase(base, existing.MaxValue) {
			c.speculativeFailure = true
			return aggregator.ErrInconsistentRead
		}
		c.delayedFieldReads[id] = newRead
		return nil
	default:
		// Demoting a Value to a history, or re-inserting a history
		// without updateAllowed.
		c.incorrectUse = true
		return aggregator.InvariantErrorf("illegal delayed-field capture transition for %s", id)
	}
}

// CaptureDelayedFieldReadError records a failed delayed-field operation:
// invariant violations mark incorrect use, anything else marks the
// attempt speculatively failed.
func (c *CapturedReads) CaptureDelayedFieldReadError(err error) {
	if aggregator.IsInvariantError(err) {
		c.incorrectUse = true
		return
	}
	c.speculativeFailure = true
}

// MarkFailure records an aggregator-v1 delta application failure.
func (c *CapturedReads) MarkFailure() { c.deltaApplicationFailure = true }

// MarkIncorrectUse records an API misuse observed during the attempt.
func (c *CapturedReads) MarkIncorrectUse() { c.incorrectUse = true }

func (c *CapturedReads) IsIncorrectUse() bool { return c.incorrectUse }

// HasSpeculativeFailure reports whether any capture contradicted an
// earlier one; validation must fail such attempts.
func (c *CapturedReads) HasSpeculativeFailure() bool {
	return c.speculativeFailure || c.deltaApplicationFailure
}

// ReadValuesWithDelayedFields visits every resource read that carries a
// layout, i.e. went through identifier exchange.
func (c *CapturedReads) ReadValuesWithDelayedFields(visit func(key types.StateKey, r DataRead) bool) {
	for key, r := range c.dataReads {
		if r.Kind != ReadKindValue || r.Resolved != nil || r.Layout == nil {
			continue
		}
		if !visit(key, r) {
			return
		}
	}
}

// GroupReadsWithDelayedFields visits every captured group not listed in
// skip; the visitor decides which inner reads carry layouts.
func (c *CapturedReads) GroupReadsWithDelayedFields(skip map[types.StateKey]struct{}, visit func(key types.StateKey, g *GroupRead) bool) {
	for key, g := range c.groupReads {
		if _, skipped := skip[key]; skipped {
			continue
		}
		if !visit(key, g) {
			return
		}
	}
}

// InnerReads exposes a group's per-tag reads.
func (g *GroupRead) InnerReads() map[types.Tag]DataRead { return g.innerReads }
