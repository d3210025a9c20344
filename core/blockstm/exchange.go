package blockstm

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

// GroupPair is one (tag, payload) entry of a resource group blob.
type GroupPair struct {
	Tag  types.Tag
	Data []byte
}

type rlpGroupPair struct {
	Tag  uint64
	Data []byte
}

// EncodeGroupBlob encodes a group's ordered tag payload into the storage
// wire form.
func EncodeGroupBlob(pairs []GroupPair) ([]byte, error) {
	enc := make([]rlpGroupPair, len(pairs))
	for i, p := range pairs {
		enc[i] = rlpGroupPair{Tag: uint64(p.Tag), Data: p.Data}
	}
	return rlp.EncodeToBytes(enc)
}

// DecodeGroupBlob decodes a group storage blob into its tag payload.
func DecodeGroupBlob(blob []byte) ([]GroupPair, error) {
	var dec []rlpGroupPair
	if err := rlp.DecodeBytes(blob, &dec); err != nil {
		return nil, err
	}
	pairs := make([]GroupPair, len(dec))
	for i, p := range dec {
		pairs[i] = GroupPair{Tag: types.Tag(p.Tag), Data: p.Data}
	}
	return pairs, nil
}

// temporaryValueToIdentifierMapping drives one exchange round-trip.
// Forward, it allocates a fresh identifier per tagged leaf and registers
// the leaf's value as the identifier's base; backward, it resolves
// identifiers to their latest committed values. Both directions
// accumulate the identifiers touched.
type temporaryValueToIdentifierMapping struct {
	view   *LatestView
	txnIdx int
	ids    mapset.Set[aggregator.DelayedFieldID]
}

func newTemporaryValueToIdentifierMapping(view *LatestView, txnIdx int) *temporaryValueToIdentifierMapping {
	return &temporaryValueToIdentifierMapping{
		view:   view,
		txnIdx: txnIdx,
		ids:    mapset.NewThreadUnsafeSet[aggregator.DelayedFieldID](),
	}
}

func (m *temporaryValueToIdentifierMapping) ValueToIdentifier(kind values.IdentifierKind, layout values.Layout, value values.Value) (values.Value, error) {
	base, err := aggregator.DelayedFieldValueFromValue(kind, layout, value)
	if err != nil {
		return nil, err
	}
	id := m.view.GenerateDelayedFieldID()
	m.view.setDelayedFieldValue(id, base)
	m.ids.Add(id)
	return id.IntoValue(layout)
}

func (m *temporaryValueToIdentifierMapping) IdentifierToValue(layout values.Layout, value values.Value) (values.Value, error) {
	id, err := aggregator.DelayedFieldIDFromValue(layout, value)
	if err != nil {
		return nil, err
	}
	m.ids.Add(id)

	var materialized aggregator.DelayedFieldValue
	if s := m.view.state.sync; s != nil {
		materialized, err = s.versionedMap.DelayedFields().ReadLatestCommittedValue(id, m.txnIdx, aggregator.AfterCurrentTxn)
		if err != nil {
			return nil, aggregator.InvariantErrorf("committed value for %s must exist: %v", id, err)
		}
	} else {
		var ok bool
		materialized, ok = m.view.state.unsync.readDelayedField(id)
		if !ok {
			return nil, aggregator.InvariantErrorf("value for %s must exist in sequential execution", id)
		}
	}
	return materialized.IntoValue(layout)
}

// extractIdentifiersMapping only collects the identifiers already
// embedded in exchanged bytes, leaving the value untouched.
type extractIdentifiersMapping struct {
	ids mapset.Set[aggregator.DelayedFieldID]
}

func newExtractIdentifiersMapping() *extractIdentifiersMapping {
	return &extractIdentifiersMapping{ids: mapset.NewThreadUnsafeSet[aggregator.DelayedFieldID]()}
}

func (m *extractIdentifiersMapping) collect(layout values.Layout, value values.Value) (values.Value, error) {
	id, err := aggregator.DelayedFieldIDFromValue(layout, value)
	if err != nil {
		return nil, err
	}
	m.ids.Add(id)
	return value, nil
}

func (m *extractIdentifiersMapping) ValueToIdentifier(_ values.IdentifierKind, layout values.Layout, value values.Value) (values.Value, error) {
	return m.collect(layout, value)
}

func (m *extractIdentifiersMapping) IdentifierToValue(layout values.Layout, value values.Value) (values.Value, error) {
	return m.collect(layout, value)
}

// ReplaceValuesWithIdentifiers rewrites a state value so every
// identifier-tagged leaf holds a fresh identifier instead of its value.
// Returns the rewritten value and the identifiers allocated.
func (v *LatestView) ReplaceValuesWithIdentifiers(sv *types.StateValue, layout values.Layout) (*types.StateValue, mapset.Set[aggregator.DelayedFieldID], error) {
	mapping := newTemporaryValueToIdentifierMapping(v, v.txnIdx)
	patched, err := sv.MapBytes(func(b []byte) ([]byte, error) {
		value, derr := values.DeserializeAndReplaceValuesWithIDs(b, layout, mapping)
		if derr != nil {
			return nil, errors.Wrap(derr, "deserialize during id replacement")
		}
		out, serr := values.Serialize(value, layout)
		if serr != nil {
			return nil, errors.Wrap(serr, "serialize after id replacement")
		}
		return out, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return patched, mapping.ids, nil
}

// ReplaceIdentifiersWithValues is the inverse rewrite, used at
// write-back: every embedded identifier is replaced by its latest
// committed value. Returns the restored bytes and the identifiers seen.
func (v *LatestView) ReplaceIdentifiersWithValues(b []byte, layout values.Layout) ([]byte, mapset.Set[aggregator.DelayedFieldID], error) {
	value, err := values.Deserialize(b, layout)
	if err != nil {
		return nil, nil, errors.Wrap(err, "deserialize during id replacement")
	}
	mapping := newTemporaryValueToIdentifierMapping(v, v.txnIdx)
	out, err := values.SerializeAndReplaceIDsWithValues(value, layout, mapping)
	if err != nil {
		return nil, nil, errors.Wrap(err, "serialize during id replacement")
	}
	return out, mapping.ids, nil
}

// extractIdentifiersFromValue lists the identifiers embedded in already
// exchanged bytes.
func (v *LatestView) extractIdentifiersFromValue(b []byte, layout values.Layout) (mapset.Set[aggregator.DelayedFieldID], error) {
	mapping := newExtractIdentifiersMapping()
	if _, err := values.DeserializeAndReplaceValuesWithIDs(b, layout, mapping); err != nil {
		return nil, err
	}
	return mapping.ids, nil
}

// ReadNeedingExchange is a resource that must be re-emitted as a write
// because a delayed field inside it was updated elsewhere.
type ReadNeedingExchange struct {
	Value  *types.WriteOp
	Layout values.Layout
}

// GroupReadNeedingExchange is the group analogue: the metadata op to
// re-publish and the observed group size.
type GroupReadNeedingExchange struct {
	MetadataOp *types.WriteOp
	GroupSize  uint64
}

func (v *LatestView) doesValueNeedExchange(op *types.WriteOp, layout values.Layout, delayedWriteSet mapset.Set[aggregator.DelayedFieldID]) (bool, error) {
	b := op.Bytes()
	if b == nil {
		return false, nil
	}
	ids, err := v.extractIdentifiersFromValue(b, layout)
	if err != nil {
		return false, aggregator.InvariantErrorf("cannot extract identifiers from previously exchanged value: %v", err)
	}
	return ids.Intersect(delayedWriteSet).Cardinality() > 0, nil
}

// GetReadsNeedingExchange returns the resources read (but not written)
// by this transaction whose embedded delayed fields intersect the
// transaction's delayed write set. Their bytes must be regenerated even
// though the VM issued no write.
func (v *LatestView) GetReadsNeedingExchange(delayedWriteSet mapset.Set[aggregator.DelayedFieldID], skip map[types.StateKey]struct{}) (map[types.StateKey]ReadNeedingExchange, error) {
	out := make(map[types.StateKey]ReadNeedingExchange)

	if s := v.state.sync; s != nil {
		var visitErr error
		s.capturedReads.ReadValuesWithDelayedFields(func(key types.StateKey, r DataRead) bool {
			if _, skipped := skip[key]; skipped {
				return true
			}
			needs, err := v.doesValueNeedExchange(r.Value, r.Layout, delayedWriteSet)
			if err != nil {
				visitErr = err
				return false
			}
			if needs {
				out[key] = ReadNeedingExchange{Value: r.Value, Layout: r.Layout}
			}
			return true
		})
		return out, visitErr
	}

	u := v.state.unsync
	for key := range u.resourceWithLayoutReadSet {
		if _, skipped := skip[key]; skipped {
			continue
		}
		value, ok := u.unsyncMap.FetchData(key)
		if !ok {
			continue
		}
		if !value.Exchanged {
			return nil, aggregator.InvariantErrorf("cannot exchange value that was not exchanged before")
		}
		if value.Layout == nil {
			continue
		}
		needs, err := v.doesValueNeedExchange(value.Op, value.Layout, delayedWriteSet)
		if err != nil {
			return nil, err
		}
		if needs {
			out[key] = ReadNeedingExchange{Value: value.Op, Layout: value.Layout}
		}
	}
	return out, nil
}

// GetGroupReadsNeedingExchange returns the groups whose inner reads
// embed delayed fields from the write set, mapped to the metadata op and
// size needed to re-publish them.
func (v *LatestView) GetGroupReadsNeedingExchange(delayedWriteSet mapset.Set[aggregator.DelayedFieldID], skip map[types.StateKey]struct{}) (map[types.StateKey]GroupReadNeedingExchange, error) {
	out := make(map[types.StateKey]GroupReadNeedingExchange)

	if s := v.state.sync; s != nil {
		flagged := make([]types.StateKey, 0)
		var visitErr error
		s.capturedReads.GroupReadsWithDelayedFields(skip, func(key types.StateKey, g *GroupRead) bool {
			for _, r := range g.InnerReads() {
				if r.Kind != ReadKindValue || r.Resolved != nil || r.Layout == nil || r.Value.Bytes() == nil {
					continue
				}
				ids, err := v.extractIdentifiersFromValue(r.Value.Bytes(), r.Layout)
				if err != nil {
					visitErr = aggregator.InvariantErrorf("cannot extract identifiers from group read: %v", err)
					return false
				}
				if ids.Intersect(delayedWriteSet).Cardinality() > 0 {
					flagged = append(flagged, key)
					break
				}
			}
			return true
		})
		if visitErr != nil {
			return nil, visitErr
		}

		for _, key := range flagged {
			meta, err := v.GetResourceStateValueMetadata(key)
			if err != nil {
				return nil, aggregator.InvariantErrorf("cannot compute metadata op for group read %s: %v", key, err)
			}
			size, uninitialized, err := s.readGroupSize(key, v.txnIdx)
			if err != nil || uninitialized {
				return nil, aggregator.InvariantErrorf("cannot compute group size for group read %s", key)
			}
			metadataOp, ok := metadataModification(meta)
			if !ok {
				return nil, aggregator.InvariantErrorf("cannot compute metadata op for group read %s", key)
			}
			out[key] = GroupReadNeedingExchange{MetadataOp: metadataOp, GroupSize: size}
		}
		return out, nil
	}

	u := v.state.unsync
	for key := range u.groupReadSet {
		if _, skipped := skip[key]; skipped {
			continue
		}
		_, vals, ok := u.unsyncMap.FetchGroupData(key)
		if !ok {
			continue
		}
		flagged := false
		for _, value := range vals {
			if !value.Exchanged || value.Layout == nil || value.Op.Bytes() == nil {
				continue
			}
			ids, err := v.extractIdentifiersFromValue(value.Op.Bytes(), value.Layout)
			if err != nil {
				return nil, aggregator.InvariantErrorf("cannot extract identifiers from group read: %v", err)
			}
			if ids.Intersect(delayedWriteSet).Cardinality() > 0 {
				flagged = true
				break
			}
		}
		if !flagged {
			continue
		}
		metadata, ok := u.unsyncMap.FetchData(key)
		if !ok {
			return nil, aggregator.InvariantErrorf("cannot compute metadata op for group read %s", key)
		}
		size, err := u.unsyncMap.GetGroupSize(key)
		if err != nil {
			return nil, aggregator.InvariantErrorf("cannot compute group size for group read %s", key)
		}
		metadataOp, ok := metadata.Op.ConvertReadToModification()
		if !ok {
			return nil, aggregator.InvariantErrorf("cannot compute metadata op for group read %s", key)
		}
		out[key] = GroupReadNeedingExchange{MetadataOp: metadataOp, GroupSize: size}
	}
	return out, nil
}

// metadataModification rebuilds the modification op that re-publishes a
// group's metadata with empty bytes.
func metadataModification(meta MetadataRead) (*types.WriteOp, bool) {
	if !meta.Exists {
		return nil, false
	}
	sv := types.NewStateValueWithMetadata(nil, meta.Metadata)
	return types.WriteOpFromStateValue(sv).ConvertReadToModification()
}
