package mvhashmap

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

func tagComparator(a, b interface{}) int {
	ta, tb := a.(types.Tag), b.(types.Tag)
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	}
	return 0
}

// UnsyncMap is the single-threaded analogue of MVHashMap used by
// sequential execution: one value per key, no versions, no dependencies.
type UnsyncMap struct {
	resources map[types.StateKey]ValueWithLayout
	groups    map[types.StateKey]*treemap.Map
	modules   map[types.StateKey]*types.WriteOp
	delayed   map[aggregator.DelayedFieldID]aggregator.DelayedFieldValue
}

func NewUnsyncMap() *UnsyncMap {
	return &UnsyncMap{
		resources: make(map[types.StateKey]ValueWithLayout),
		groups:    make(map[types.StateKey]*treemap.Map),
		modules:   make(map[types.StateKey]*types.WriteOp),
		delayed:   make(map[aggregator.DelayedFieldID]aggregator.DelayedFieldValue),
	}
}

// SetBaseValue installs or replaces a resource value.
func (u *UnsyncMap) SetBaseValue(key types.StateKey, value ValueWithLayout) {
	u.resources[key] = value
}

// FetchData returns the resource value, if any.
func (u *UnsyncMap) FetchData(key types.StateKey) (ValueWithLayout, bool) {
	v, ok := u.resources[key]
	return v, ok
}

// SetGroupBaseValues seeds a group from its decoded storage payload.
func (u *UnsyncMap) SetGroupBaseValues(key types.StateKey, base []TagValue) {
	m := treemap.NewWith(tagComparator)
	for _, tv := range base {
		m.Put(tv.Tag, RawFromStorage(tv.Op))
	}
	u.groups[key] = m
}

// UpdateTaggedBaseValueWithLayout upgrades one tag to its exchanged form.
func (u *UnsyncMap) UpdateTaggedBaseValueWithLayout(key types.StateKey, tag types.Tag, op *types.WriteOp, layout values.Layout) {
	m, ok := u.groups[key]
	if !ok {
		m = treemap.NewWith(tagComparator)
		u.groups[key] = m
	}
	m.Put(tag, Exchanged(op, layout))
}

// FetchGroupTaggedData reads one tag of a group.
func (u *UnsyncMap) FetchGroupTaggedData(key types.StateKey, tag types.Tag) (ValueWithLayout, error) {
	m, ok := u.groups[key]
	if !ok {
		return ValueWithLayout{}, ErrUninitialized
	}
	v, ok := m.Get(tag)
	if !ok {
		return ValueWithLayout{}, ErrTagNotFound
	}
	return v.(ValueWithLayout), nil
}

// FetchGroupData returns all live (tag, value) pairs of a group in tag
// order.
func (u *UnsyncMap) FetchGroupData(key types.StateKey) ([]types.Tag, []ValueWithLayout, bool) {
	m, ok := u.groups[key]
	if !ok {
		return nil, nil, false
	}
	tags := make([]types.Tag, 0, m.Size())
	vals := make([]ValueWithLayout, 0, m.Size())
	it := m.Iterator()
	for it.Next() {
		tags = append(tags, it.Key().(types.Tag))
		vals = append(vals, it.Value().(ValueWithLayout))
	}
	return tags, vals, true
}

// GetGroupSize computes the serialized size of a group.
func (u *UnsyncMap) GetGroupSize(key types.StateKey) (uint64, error) {
	m, ok := u.groups[key]
	if !ok {
		return 0, ErrUninitialized
	}
	var size uint64
	it := m.Iterator()
	for it.Next() {
		v := it.Value().(ValueWithLayout)
		if v.Op == nil || v.Op.IsDeletion() {
			continue
		}
		enc, err := rlp.EncodeToBytes([]interface{}{uint64(it.Key().(types.Tag)), v.Op.Bytes()})
		if err != nil {
			return 0, ErrTagSerializationError
		}
		size += uint64(len(enc))
	}
	return size, nil
}

// WriteModule publishes a module.
func (u *UnsyncMap) WriteModule(key types.StateKey, op *types.WriteOp) {
	u.modules[key] = op
}

// FetchModuleData returns the module op, if any.
func (u *UnsyncMap) FetchModuleData(key types.StateKey) (*types.WriteOp, bool) {
	op, ok := u.modules[key]
	return op, ok
}

// WriteDelayedField registers or replaces a delayed-field value.
func (u *UnsyncMap) WriteDelayedField(id aggregator.DelayedFieldID, value aggregator.DelayedFieldValue) {
	u.delayed[id] = value
}

// FetchDelayedField returns the delayed-field value, if any.
func (u *UnsyncMap) FetchDelayedField(id aggregator.DelayedFieldID) (aggregator.DelayedFieldValue, bool) {
	v, ok := u.delayed[id]
	return v, ok
}
