package occupancy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BedRepository persists beds.
type BedRepository interface {
	Create(ctx context.Context, b *Bed) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bed, error)
	// GetForUpdate loads the bed with a row lock so concurrent lifecycle
	// operations on the same bed serialize.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Bed, error)
	ListByUnit(ctx context.Context, unitID uuid.UUID, limit, offset int) ([]*Bed, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status BedStatus, justification *string) error
}

// SessionRepository persists occupancy sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// GetActiveByBedAndDate returns the ACTIVE session for the bed on the
	// given application date, or nil when none exists.
	GetActiveByBedAndDate(ctx context.Context, bedID uuid.UUID, applicationDate time.Time) (*Session, error)
	ListActiveByBed(ctx context.Context, bedID uuid.UUID) ([]*Session, error)
	Update(ctx context.Context, s *Session) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status SessionStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListOverdue returns ACTIVE sessions whose expiry has passed.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Session, error)
}

// HistoryRepository persists occupancy intervals.
type HistoryRepository interface {
	Create(ctx context.Context, h *HistoryInterval) error
	GetByID(ctx context.Context, id uuid.UUID) (*HistoryInterval, error)
	// GetOpenByBed returns the open interval for the bed, or nil.
	GetOpenByBed(ctx context.Context, bedID uuid.UUID) (*HistoryInterval, error)
	// UpdateSnapshot rewrites the evaluation snapshot of an open interval.
	UpdateSnapshot(ctx context.Context, h *HistoryInterval) error
	// Close stamps the end of an open interval.
	Close(ctx context.Context, id uuid.UUID, end time.Time) error
	ListByBed(ctx context.Context, bedID uuid.UUID, limit, offset int) ([]*HistoryInterval, int, error)
	ListOpenByUnit(ctx context.Context, unitID uuid.UUID) ([]*HistoryInterval, error)
}

// EventRepository appends and reads lifecycle events.
type EventRepository interface {
	Append(ctx context.Context, e *Event) error
	ListByBed(ctx context.Context, bedID uuid.UUID, limit, offset int) ([]*Event, int, error)
}

// AggregateRepository persists the per-unit occupancy summary.
type AggregateRepository interface {
	// Replace upserts the whole aggregate row for the unit.
	Replace(ctx context.Context, a *UnitAggregate) error
	GetByUnit(ctx context.Context, unitID uuid.UUID) (*UnitAggregate, error)
}
