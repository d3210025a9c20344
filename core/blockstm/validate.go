package blockstm

import (
	"github.com/pkg/errors"

	"github.com/stratavm/go-strata/core/blockstm/mvhashmap"
	"github.com/stratavm/go-strata/core/types"
)

// Validation replays every captured read against the current state of
// the shared map. The scheduler runs it after an attempt finishes; an
// attempt whose observations no longer hold is aborted and re-executed.

// ValidateDataReads replays the captured resource reads at txnIdx.
func (c *CapturedReads) ValidateDataReads(data *mvhashmap.VersionedData, txnIdx int) bool {
	if c.HasSpeculativeFailure() {
		return false
	}
	for key, r := range c.dataReads {
		out, err := data.FetchData(key, txnIdx)
		if err != nil {
			return false
		}
		if !dataReadFromOutput(out).stillMatches(r) {
			return false
		}
	}
	return true
}

// ValidateGroupReads replays the captured group sizes and inner reads at
// txnIdx.
func (c *CapturedReads) ValidateGroupReads(groups *mvhashmap.VersionedGroupData, txnIdx int) bool {
	if c.HasSpeculativeFailure() {
		return false
	}
	for key, g := range c.groupReads {
		if g.speculativeSize != nil {
			size, err := groups.GetGroupSize(key, txnIdx)
			if err != nil || size != *g.speculativeSize {
				return false
			}
		}
		for tag, r := range g.innerReads {
			version, value, err := groups.FetchTaggedData(key, tag, txnIdx)
			var current DataRead
			switch {
			case err == nil:
				current = VersionedRead(version, value.Op, value.Layout)
			case errors.Is(err, mvhashmap.ErrTagNotFound):
				// Definitive absence: recorded as a storage-version
				// deletion when first observed.
				current = VersionedRead(mvhashmap.StorageVersion, types.WriteOpFromStateValue(nil), nil)
			default:
				return false
			}
			if !current.stillMatches(r) {
				return false
			}
		}
	}
	return true
}

// ValidateDelayedFieldReads replays the captured delayed-field reads at
// txnIdx: Value reads must re-read equal, HistoryBounded reads must keep
// every achieved and forbidden delta on its side of the bound.
func (c *CapturedReads) ValidateDelayedFieldReads(view VersionedDelayedFieldView, txnIdx int) bool {
	if c.HasSpeculativeFailure() {
		return false
	}
	for id, r := range c.delayedFieldReads {
		current, err := view.Read(id, txnIdx)
		if err != nil {
			return false
		}
		switch r.Kind {
		case DelayedFieldReadValue:
			if !r.Value.Equal(current) {
				return false
			}
		case DelayedFieldReadHistoryBounded:
			base, err := current.IntoAggregatorValue()
			if err != nil {
				return false
			}
			if !r.Restriction.ValidateAgainstBase(base, r.MaxValue) {
				return false
			}
		}
	}
	return true
}

// dataReadFromOutput lifts a fetch result into a Value-kind DataRead.
func dataReadFromOutput(out mvhashmap.DataOutput) DataRead {
	if out.Resolved != nil {
		return ResolvedRead(out.Resolved)
	}
	return VersionedRead(out.Version, out.Value.Op, out.Value.Layout)
}

// stillMatches downcasts the current observation to the recorded kind
// and compares.
func (r DataRead) stillMatches(recorded DataRead) bool {
	down, ok := r.Downcast(recorded.Kind)
	return ok && down.equalSameKind(recorded)
}
