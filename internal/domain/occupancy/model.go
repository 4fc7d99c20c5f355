package occupancy

import (
	"time"

	"github.com/google/uuid"

	"github.com/leitos/leitos/internal/domain/caremethod"
)

// BedStatus is the bed state-machine status.
type BedStatus string

const (
	// BedActive means exactly one active session references the bed.
	BedActive BedStatus = "ACTIVE"
	// BedPending means the bed needs a (new) evaluation.
	BedPending BedStatus = "PENDING"
	// BedVacant means the bed is free and evaluated as such.
	BedVacant BedStatus = "VACANT"
	// BedInactive blocks new sessions until administrative reactivation.
	BedInactive BedStatus = "INACTIVE"
)

// Valid reports whether s is one of the known bed statuses.
func (s BedStatus) Valid() bool {
	switch s {
	case BedActive, BedPending, BedVacant, BedInactive:
		return true
	}
	return false
}

// SessionStatus is the occupancy-session status.
type SessionStatus string

const (
	SessionActive   SessionStatus = "ACTIVE"
	SessionExpired  SessionStatus = "EXPIRED"
	SessionReleased SessionStatus = "RELEASED"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionExpired, SessionReleased:
		return true
	}
	return false
}

// EventKind identifies a lifecycle event.
type EventKind string

const (
	EventOccupancyStarted  EventKind = "occupancy-started"
	EventOccupancyFinished EventKind = "occupancy-finished"
	EventEvaluationCreated EventKind = "evaluation-created"
	EventEvaluationUpdated EventKind = "evaluation-updated"
	EventSessionReleased   EventKind = "session-released"
	EventSessionExpired    EventKind = "session-expired"
	EventDischarge         EventKind = "discharge"
	// EventTransfer is reserved for bed-to-bed transfers.
	EventTransfer EventKind = "transfer"
)

// ConflictPolicy controls what create does when an active session already
// exists for the same bed and application date.
type ConflictPolicy string

const (
	ConflictReject    ConflictPolicy = "reject"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictReplace   ConflictPolicy = "replace"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictReject, ConflictOverwrite, ConflictReplace:
		return true
	}
	return false
}

// Bed maps to the bed table.
type Bed struct {
	ID            uuid.UUID `db:"id" json:"id"`
	UnitID        uuid.UUID `db:"unit_id" json:"unit_id"`
	Label         string    `db:"label" json:"label"`
	Status        BedStatus `db:"status" json:"status"`
	Justification *string   `db:"justification" json:"justification,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Session maps to the occupancy_session table. BedID is nullable because
// legacy rows predate the bed reference.
type Session struct {
	ID              uuid.UUID                 `db:"id" json:"id"`
	BedID           *uuid.UUID                `db:"bed_id" json:"bed_id,omitempty"`
	UnitID          uuid.UUID                 `db:"unit_id" json:"unit_id"`
	AuthorID        uuid.UUID                 `db:"author_id" json:"author_id"`
	Method          string                    `db:"method" json:"method"`
	Items           map[string]int            `db:"items" json:"items"`
	Total           int                       `db:"total" json:"total"`
	Classification  caremethod.Classification `db:"classification" json:"classification"`
	RecordID        *string                   `db:"record_id" json:"record_id,omitempty"`
	ExpiresAt       time.Time                 `db:"expires_at" json:"expires_at"`
	Status          SessionStatus             `db:"status" json:"status"`
	ApplicationDate time.Time                 `db:"application_date" json:"application_date"`
	CreatedAt       time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time                 `db:"updated_at" json:"updated_at"`
}

// HistoryInterval maps to the occupancy_history table: one time interval
// during which a bed was occupied, with a snapshot of the evaluation at
// the moment of the last write. An open interval has End == nil.
type HistoryInterval struct {
	ID             uuid.UUID                 `db:"id" json:"id"`
	BedID          uuid.UUID                 `db:"bed_id" json:"bed_id"`
	UnitID         uuid.UUID                 `db:"unit_id" json:"unit_id"`
	HospitalID     uuid.UUID                 `db:"hospital_id" json:"hospital_id"`
	BedLabel       string                    `db:"bed_label" json:"bed_label"`
	Start          time.Time                 `db:"start_at" json:"start"`
	End            *time.Time                `db:"end_at" json:"end,omitempty"`
	Method         string                    `db:"method" json:"method"`
	Total          int                       `db:"total" json:"total"`
	Classification caremethod.Classification `db:"classification" json:"classification"`
	Items          map[string]int            `db:"items" json:"items"`
	AuthorID       uuid.UUID                 `db:"author_id" json:"author_id"`
	AuthorName     string                    `db:"author_name" json:"author_name"`
	CreatedAt      time.Time                 `db:"created_at" json:"created_at"`
}

// Open reports whether the interval is still open.
func (h *HistoryInterval) Open() bool {
	return h.End == nil
}

// Event maps to the bed_event table. Rows are append-only.
type Event struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	BedID      uuid.UUID              `db:"bed_id" json:"bed_id"`
	Kind       EventKind              `db:"kind" json:"kind"`
	At         time.Time              `db:"at" json:"at"`
	UnitID     uuid.UUID              `db:"unit_id" json:"unit_id"`
	HospitalID uuid.UUID              `db:"hospital_id" json:"hospital_id"`
	BedLabel   string                 `db:"bed_label" json:"bed_label"`
	SessionID  *uuid.UUID             `db:"session_id" json:"session_id,omitempty"`
	HistoryID  *uuid.UUID             `db:"history_id" json:"history_id,omitempty"`
	AuthorID   *uuid.UUID             `db:"author_id" json:"author_id,omitempty"`
	AuthorName string                 `db:"author_name" json:"author_name"`
	Reason     *string                `db:"reason" json:"reason,omitempty"`
	Payload    map[string]interface{} `db:"payload" json:"payload,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}

// UnitAggregate maps to the unit_aggregate table: the per-unit
// materialized occupancy summary. It is always fully recomputed from the
// bed and occupancy_history tables, never patched incrementally.
type UnitAggregate struct {
	UnitID         uuid.UUID `db:"unit_id" json:"unit_id"`
	BedCount       int       `db:"bed_count" json:"bed_count"`
	Minimum        int       `db:"minimum" json:"minimum"`
	Intermediate   int       `db:"intermediate" json:"intermediate"`
	HighDependency int       `db:"high_dependency" json:"high_dependency"`
	SemiIntensive  int       `db:"semi_intensive" json:"semi_intensive"`
	Intensive      int       `db:"intensive" json:"intensive"`
	Evaluated      int       `db:"evaluated" json:"evaluated"`
	Vacant         int       `db:"vacant" json:"vacant"`
	Inactive       int       `db:"inactive" json:"inactive"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// SumItems returns the total score of an item-score map.
func SumItems(items map[string]int) int {
	total := 0
	for _, v := range items {
		total += v
	}
	return total
}
