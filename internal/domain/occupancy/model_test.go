package occupancy

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leitos/leitos/internal/domain/caremethod"
)

func TestStatusValidation(t *testing.T) {
	for _, s := range []BedStatus{BedActive, BedPending, BedVacant, BedInactive} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if BedStatus("OCCUPIED").Valid() {
		t.Error("OCCUPIED is not a bed status")
	}

	for _, s := range []SessionStatus{SessionActive, SessionExpired, SessionReleased} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if SessionStatus("DONE").Valid() {
		t.Error("DONE is not a session status")
	}

	for _, p := range []ConflictPolicy{ConflictReject, ConflictOverwrite, ConflictReplace} {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if ConflictPolicy("merge").Valid() {
		t.Error("merge is not a conflict policy")
	}
}

func TestSumItems(t *testing.T) {
	if got := SumItems(nil); got != 0 {
		t.Errorf("SumItems(nil) = %d", got)
	}
	if got := SumItems(map[string]int{"a": 2, "b": 3, "c": 0}); got != 5 {
		t.Errorf("SumItems = %d, want 5", got)
	}
}

func TestComputeAggregate(t *testing.T) {
	unitID := uuid.New()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	beds := []*Bed{
		{ID: uuid.New(), UnitID: unitID, Status: BedActive},
		{ID: uuid.New(), UnitID: unitID, Status: BedActive},
		{ID: uuid.New(), UnitID: unitID, Status: BedVacant},
		{ID: uuid.New(), UnitID: unitID, Status: BedInactive},
		{ID: uuid.New(), UnitID: unitID, Status: BedPending},
	}
	open := []*HistoryInterval{
		{Start: past, Classification: caremethod.ClassMinimal},
		{Start: past, Classification: caremethod.ClassIntensive},
		{Start: future, Classification: caremethod.ClassMinimal}, // not started yet
		{Start: past, End: &past, Classification: caremethod.ClassMinimal},
	}

	agg := ComputeAggregate(unitID, beds, open, now)
	if agg.BedCount != 5 {
		t.Errorf("bed count = %d, want 5", agg.BedCount)
	}
	if agg.Vacant != 1 || agg.Inactive != 1 {
		t.Errorf("vacant = %d inactive = %d", agg.Vacant, agg.Inactive)
	}
	if agg.Evaluated != 2 {
		t.Errorf("evaluated = %d, want 2 (future and closed intervals excluded)", agg.Evaluated)
	}
	if agg.Minimum != 1 || agg.Intensive != 1 {
		t.Errorf("classification counts = %+v", agg)
	}
}

func TestComputeAggregateEmptyUnit(t *testing.T) {
	agg := ComputeAggregate(uuid.New(), nil, nil, time.Now())
	if agg.BedCount != 0 || agg.Evaluated != 0 {
		t.Errorf("aggregate = %+v", agg)
	}
}

func TestErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindValidation, http.StatusBadRequest},
		{KindNoActiveOccupancy, http.StatusBadRequest},
		{KindBedBlocked, http.StatusConflict},
		{KindSessionConflict, http.StatusConflict},
		{KindTransitionInvalid, http.StatusConflict},
		{ErrorKind("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e := newError(tt.kind, "boom")
		if e.HTTPStatus() != tt.want {
			t.Errorf("%s -> %d, want %d", tt.kind, e.HTTPStatus(), tt.want)
		}
	}
}

func TestIsKind(t *testing.T) {
	err := newError(KindBedBlocked, "bed %s is inactive", "101-A")
	if !IsKind(err, KindBedBlocked) {
		t.Error("IsKind should match")
	}
	if IsKind(err, KindNotFound) {
		t.Error("IsKind should not match a different kind")
	}
	if IsKind(nil, KindNotFound) {
		t.Error("IsKind(nil) should be false")
	}
}
