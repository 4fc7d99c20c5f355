package occupancy

import (
	"time"

	"github.com/google/uuid"

	"github.com/leitos/leitos/internal/domain/caremethod"
)

// ComputeAggregate derives the unit summary from ground truth: the unit's
// beds and its currently-open history intervals. It never reads the
// aggregate table, so repeated runs converge even after a skipped
// recompute.
func ComputeAggregate(unitID uuid.UUID, beds []*Bed, open []*HistoryInterval, now time.Time) *UnitAggregate {
	agg := &UnitAggregate{UnitID: unitID, BedCount: len(beds), UpdatedAt: now}

	for _, b := range beds {
		switch b.Status {
		case BedVacant:
			agg.Vacant++
		case BedInactive:
			agg.Inactive++
		}
	}

	for _, h := range open {
		if h.Start.After(now) {
			continue
		}
		if h.End != nil && !h.End.After(now) {
			continue
		}
		agg.Evaluated++
		switch h.Classification {
		case caremethod.ClassMinimal:
			agg.Minimum++
		case caremethod.ClassIntermediate:
			agg.Intermediate++
		case caremethod.ClassHighDependency:
			agg.HighDependency++
		case caremethod.ClassSemiIntensive:
			agg.SemiIntensive++
		case caremethod.ClassIntensive:
			agg.Intensive++
		}
	}
	return agg
}
