package occupancy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/leitos/leitos/internal/domain/caremethod"
	"github.com/leitos/leitos/internal/domain/identity"
	"github.com/leitos/leitos/internal/domain/unit"
	"github.com/leitos/leitos/internal/platform/db"
)

// Service orchestrates the bed/session/history/event state machine. Every
// lifecycle operation runs inside exactly one database transaction; nested
// calls join the transaction already bound to the context.
type Service struct {
	pool       *pgxpool.Pool
	beds       BedRepository
	sessions   SessionRepository
	history    HistoryRepository
	events     EventRepository
	aggregates AggregateRepository
	units      unit.Repository
	authors    identity.Repository
	methods    caremethod.Resolver
	loc        *time.Location
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(
	pool *pgxpool.Pool,
	beds BedRepository,
	sessions SessionRepository,
	history HistoryRepository,
	events EventRepository,
	aggregates AggregateRepository,
	units unit.Repository,
	authors identity.Repository,
	methods caremethod.Resolver,
	loc *time.Location,
	log zerolog.Logger,
) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		pool:       pool,
		beds:       beds,
		sessions:   sessions,
		history:    history,
		events:     events,
		aggregates: aggregates,
		units:      units,
		authors:    authors,
		methods:    methods,
		loc:        loc,
		log:        log,
		now:        time.Now,
	}
}

// CreateSessionInput are the parameters of CreateSession. ConflictPolicy
// defaults to overwrite; ApplicationDate defaults to today in the service
// timezone.
type CreateSessionInput struct {
	BedID           uuid.UUID
	UnitID          uuid.UUID
	CareMethodKey   string
	Items           map[string]int
	AuthorID        uuid.UUID
	RecordID        *string
	ApplicationDate *time.Time
	ConflictPolicy  ConflictPolicy
}

// UpdateSessionInput carries the mutable fields of UpdateSession. Nil
// fields are left unchanged.
type UpdateSessionInput struct {
	SessionID     uuid.UUID
	Items         map[string]int
	AuthorID      *uuid.UUID
	RecordID      *string
	Justification *string
	CareMethodKey *string
}

// Result is the outcome of a session mutation. Warning is set when the
// aggregate recompute failed and the cached counts may be stale.
type Result struct {
	Session *Session `json:"session"`
	Warning string   `json:"warning,omitempty"`
}

// DischargeResult summarizes a discharge.
type DischargeResult struct {
	BedID            uuid.UUID `json:"bed_id"`
	PriorStatus      BedStatus `json:"prior_status"`
	NewStatus        BedStatus `json:"new_status"`
	HistoryID        uuid.UUID `json:"history_id"`
	SessionsReleased int       `json:"sessions_released"`
	Warning          string    `json:"warning,omitempty"`
}

// CreateSession records an evaluation for a bed on an application date.
// When an active session already exists for the same bed and date the
// conflict policy decides: reject fails, overwrite mutates the existing
// session in place, replace deletes (or soft-releases) it and creates a
// fresh one.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*Result, error) {
	policy := in.ConflictPolicy
	if policy == "" {
		policy = ConflictOverwrite
	}
	if !policy.Valid() {
		return nil, newError(KindValidation, "unknown conflict policy %q", in.ConflictPolicy)
	}
	if len(in.Items) == 0 {
		return nil, newError(KindValidation, "item scores are required")
	}

	var res *Result
	err := s.inTx(ctx, func(ctx context.Context) error {
		u, err := s.units.GetByID(ctx, in.UnitID)
		if err != nil {
			return notFoundIfNoRows(err, "unit")
		}
		if in.CareMethodKey != "" && !strings.EqualFold(in.CareMethodKey, u.CareMethodKey) {
			return newError(KindValidation, "care method %q does not match the unit's configured method %q",
				in.CareMethodKey, u.CareMethodKey)
		}
		method, err := s.resolveMethod(ctx, u.CareMethodKey)
		if err != nil {
			return err
		}
		if err := validateItems(method, in.Items); err != nil {
			return err
		}
		author, err := s.authors.GetByID(ctx, in.AuthorID)
		if err != nil {
			return notFoundIfNoRows(err, "author")
		}

		bed, err := s.beds.GetForUpdate(ctx, in.BedID)
		if err != nil {
			return notFoundIfNoRows(err, "bed")
		}
		if bed.UnitID != in.UnitID {
			return newError(KindValidation, "bed %s does not belong to unit %s", bed.ID, in.UnitID)
		}
		if bed.Status == BedInactive {
			return newError(KindBedBlocked, "bed %s is inactive", bed.Label)
		}

		total := SumItems(in.Items)
		class, ok := method.Classify(total)
		if !ok {
			return newError(KindValidation, "no score band of method %s matches total %d", method.Key, total)
		}

		now := s.now()
		appDate := s.localDate(now)
		if in.ApplicationDate != nil {
			appDate = s.dateOnly(*in.ApplicationDate)
		}

		existing, err := s.sessions.GetActiveByBedAndDate(ctx, bed.ID, appDate)
		if err != nil {
			return err
		}

		if existing != nil {
			switch policy {
			case ConflictReject:
				return newError(KindSessionConflict, "bed %s already has an active session for %s",
					bed.Label, appDate.Format("2006-01-02"))
			case ConflictOverwrite:
				r, err := s.overwriteSession(ctx, existing, bed, u, method.Key, in, total, class, author, now)
				if err != nil {
					return err
				}
				res = r
				return nil
			case ConflictReplace:
				if err := s.retireSession(ctx, existing, now); err != nil {
					return err
				}
			}
		}

		sess := &Session{
			ID:              uuid.New(),
			BedID:           &bed.ID,
			UnitID:          u.ID,
			AuthorID:        author.ID,
			Method:          method.Key,
			Items:           in.Items,
			Total:           total,
			Classification:  class,
			RecordID:        in.RecordID,
			ExpiresAt:       s.endOfDay(appDate),
			Status:          SessionActive,
			ApplicationDate: appDate,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.sessions.Create(ctx, sess); err != nil {
			return err
		}
		if err := s.beds.UpdateStatus(ctx, bed.ID, BedActive, nil); err != nil {
			return err
		}
		hist, err := s.openHistory(ctx, bed, u, sess, author.Name, appDate, now)
		if err != nil {
			return err
		}

		s.emit(ctx, s.sessionEvent(EventEvaluationCreated, bed, u.HospitalID, sess, &hist.ID, author, now))
		s.emit(ctx, s.sessionEvent(EventOccupancyStarted, bed, u.HospitalID, sess, &hist.ID, author, now))

		res = &Result{Session: sess, Warning: s.recompute(ctx, u.ID)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// overwriteSession mutates the conflicting session in place.
func (s *Service) overwriteSession(ctx context.Context, sess *Session, bed *Bed, u *unit.Unit,
	methodKey string, in CreateSessionInput, total int, class caremethod.Classification,
	author *identity.Author, now time.Time) (*Result, error) {

	sess.AuthorID = author.ID
	sess.Method = methodKey
	sess.Items = in.Items
	sess.Total = total
	sess.Classification = class
	if in.RecordID != nil {
		sess.RecordID = in.RecordID
	}
	sess.ApplicationDate = s.dateOnly(sess.ApplicationDate)
	sess.ExpiresAt = s.endOfDay(sess.ApplicationDate)
	sess.Status = SessionActive
	sess.UpdatedAt = now
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.beds.UpdateStatus(ctx, bed.ID, BedActive, nil); err != nil {
		return nil, err
	}
	hist, err := s.openHistory(ctx, bed, u, sess, author.Name, sess.ApplicationDate, now)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, s.sessionEvent(EventEvaluationUpdated, bed, u.HospitalID, sess, &hist.ID, author, now))

	return &Result{Session: sess, Warning: s.recompute(ctx, u.ID)}, nil
}

// retireSession removes a session for the replace policy: hard delete
// first, soft-release when the delete is rejected (e.g. a foreign row
// still references it).
func (s *Service) retireSession(ctx context.Context, sess *Session, now time.Time) error {
	err := s.bestEffort(ctx, func(ctx context.Context) error {
		return s.sessions.Delete(ctx, sess.ID)
	})
	if err == nil {
		return nil
	}
	s.log.Warn().Err(err).Str("session_id", sess.ID.String()).
		Msg("session delete rejected, releasing instead")
	sess.Status = SessionReleased
	sess.ExpiresAt = now
	sess.UpdatedAt = now
	return s.sessions.Update(ctx, sess)
}

// openHistory reuses the bed's open interval when one exists (rewriting
// its snapshot) and opens a new one otherwise. A bed never gets a second
// open interval.
func (s *Service) openHistory(ctx context.Context, bed *Bed, u *unit.Unit, sess *Session,
	authorName string, appDate, now time.Time) (*HistoryInterval, error) {

	open, err := s.history.GetOpenByBed(ctx, bed.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		open.Method = sess.Method
		open.Total = sess.Total
		open.Classification = sess.Classification
		open.Items = sess.Items
		open.AuthorID = sess.AuthorID
		open.AuthorName = authorName
		if err := s.history.UpdateSnapshot(ctx, open); err != nil {
			return nil, err
		}
		return open, nil
	}
	h := &HistoryInterval{
		ID:             uuid.New(),
		BedID:          bed.ID,
		UnitID:         u.ID,
		HospitalID:     u.HospitalID,
		BedLabel:       bed.Label,
		Start:          appDate,
		Method:         sess.Method,
		Total:          sess.Total,
		Classification: sess.Classification,
		Items:          sess.Items,
		AuthorID:       sess.AuthorID,
		AuthorName:     authorName,
		CreatedAt:      now,
	}
	if err := s.history.Create(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateSession edits an existing session. An update always implies the
// occupancy is current: the session status and the bed go back to ACTIVE
// and the expiry is pushed to the end of today.
func (s *Service) UpdateSession(ctx context.Context, in UpdateSessionInput) (*Result, error) {
	var res *Result
	err := s.inTx(ctx, func(ctx context.Context) error {
		sess, err := s.sessions.GetByID(ctx, in.SessionID)
		if err != nil {
			return notFoundIfNoRows(err, "session")
		}
		u, err := s.units.GetByID(ctx, sess.UnitID)
		if err != nil {
			return notFoundIfNoRows(err, "unit")
		}
		if in.CareMethodKey != nil && !strings.EqualFold(*in.CareMethodKey, u.CareMethodKey) {
			return newError(KindValidation, "care method %q does not match the unit's configured method %q",
				*in.CareMethodKey, u.CareMethodKey)
		}
		method, err := s.resolveMethod(ctx, u.CareMethodKey)
		if err != nil {
			return err
		}

		var bed *Bed
		if sess.BedID != nil {
			bed, err = s.beds.GetForUpdate(ctx, *sess.BedID)
			if err != nil {
				return notFoundIfNoRows(err, "bed")
			}
			if bed.Status == BedInactive {
				return newError(KindBedBlocked, "bed %s is inactive", bed.Label)
			}
		}

		if in.Items != nil {
			if err := validateItems(method, in.Items); err != nil {
				return err
			}
			total := SumItems(in.Items)
			class, ok := method.Classify(total)
			if !ok {
				return newError(KindValidation, "no score band of method %s matches total %d", method.Key, total)
			}
			sess.Items = in.Items
			sess.Total = total
			sess.Classification = class
			sess.Method = method.Key
		}
		if in.AuthorID != nil {
			if _, err := s.authors.GetByID(ctx, *in.AuthorID); err != nil {
				return notFoundIfNoRows(err, "author")
			}
			sess.AuthorID = *in.AuthorID
		}
		if in.RecordID != nil {
			sess.RecordID = in.RecordID
		}

		now := s.now()
		sess.ExpiresAt = s.endOfDay(s.localDate(now))
		sess.Status = SessionActive
		sess.UpdatedAt = now
		if err := s.sessions.Update(ctx, sess); err != nil {
			return err
		}

		author, err := s.authors.GetByID(ctx, sess.AuthorID)
		if err != nil {
			return notFoundIfNoRows(err, "author")
		}

		var histID *uuid.UUID
		if bed != nil {
			if err := s.beds.UpdateStatus(ctx, bed.ID, BedActive, in.Justification); err != nil {
				return err
			}
			open, err := s.history.GetOpenByBed(ctx, bed.ID)
			if err != nil {
				return err
			}
			if open != nil {
				open.Method = sess.Method
				open.Total = sess.Total
				open.Classification = sess.Classification
				open.Items = sess.Items
				open.AuthorID = sess.AuthorID
				open.AuthorName = author.Name
				if err := s.history.UpdateSnapshot(ctx, open); err != nil {
					return err
				}
				histID = &open.ID
			}
			s.emit(ctx, s.sessionEvent(EventEvaluationUpdated, bed, u.HospitalID, sess, histID, author, now))
		}

		res = &Result{Session: sess, Warning: s.recompute(ctx, u.ID)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReleaseSession ends a session. Releasing a session that is not ACTIVE
// is a no-op and returns it unchanged.
func (s *Service) ReleaseSession(ctx context.Context, sessionID uuid.UUID) (*Result, error) {
	var res *Result
	err := s.inTx(ctx, func(ctx context.Context) error {
		sess, err := s.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return notFoundIfNoRows(err, "session")
		}
		if sess.Status != SessionActive {
			res = &Result{Session: sess}
			return nil
		}

		now := s.now()
		sess.Status = SessionReleased
		if sess.ExpiresAt.IsZero() || sess.ExpiresAt.After(now) {
			sess.ExpiresAt = now
		}
		sess.UpdatedAt = now
		if err := s.sessions.Update(ctx, sess); err != nil {
			return err
		}

		if sess.BedID == nil {
			res = &Result{Session: sess, Warning: s.recompute(ctx, sess.UnitID)}
			return nil
		}

		bed, err := s.beds.GetForUpdate(ctx, *sess.BedID)
		if err != nil {
			return notFoundIfNoRows(err, "bed")
		}
		u, err := s.units.GetByID(ctx, bed.UnitID)
		if err != nil {
			return notFoundIfNoRows(err, "unit")
		}

		// History bookkeeping is best-effort on release: a missing or
		// unclosable open interval is logged, never aborts the release.
		var histID *uuid.UUID
		closeErr := s.bestEffort(ctx, func(ctx context.Context) error {
			open, err := s.history.GetOpenByBed(ctx, bed.ID)
			if err != nil {
				return err
			}
			if open == nil {
				s.log.Warn().Str("bed_id", bed.ID.String()).Msg("release found no open history interval")
				return nil
			}
			histID = &open.ID
			return s.history.Close(ctx, open.ID, now)
		})
		if closeErr != nil {
			s.log.Warn().Err(closeErr).Str("bed_id", bed.ID.String()).Msg("history close failed on release")
		}

		if err := s.beds.UpdateStatus(ctx, bed.ID, BedPending, nil); err != nil {
			return err
		}

		s.emit(ctx, s.sessionEvent(EventOccupancyFinished, bed, u.HospitalID, sess, histID, nil, now))
		s.emit(ctx, s.sessionEvent(EventSessionReleased, bed, u.HospitalID, sess, histID, nil, now))

		res = &Result{Session: sess, Warning: s.recompute(ctx, u.ID)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Discharge ends the bed's current occupancy: closes the open history
// interval, releases every active session on the bed and sends the bed
// back to PENDING for a fresh evaluation.
func (s *Service) Discharge(ctx context.Context, bedID uuid.UUID, reason *string) (*DischargeResult, error) {
	var res *DischargeResult
	err := s.inTx(ctx, func(ctx context.Context) error {
		bed, err := s.beds.GetForUpdate(ctx, bedID)
		if err != nil {
			return notFoundIfNoRows(err, "bed")
		}
		if bed.Status == BedInactive {
			return newError(KindBedBlocked, "bed %s is inactive", bed.Label)
		}
		u, err := s.units.GetByID(ctx, bed.UnitID)
		if err != nil {
			return notFoundIfNoRows(err, "unit")
		}

		open, err := s.history.GetOpenByBed(ctx, bed.ID)
		if err != nil {
			return err
		}
		if open == nil {
			return newError(KindNoActiveOccupancy, "bed %s has no open occupancy interval", bed.Label)
		}

		now := s.now()
		if err := s.history.Close(ctx, open.ID, now); err != nil {
			return err
		}

		active, err := s.sessions.ListActiveByBed(ctx, bed.ID)
		if err != nil {
			return err
		}
		for _, sess := range active {
			sess.Status = SessionReleased
			if sess.ExpiresAt.IsZero() || sess.ExpiresAt.After(now) {
				sess.ExpiresAt = now
			}
			sess.UpdatedAt = now
			if err := s.sessions.Update(ctx, sess); err != nil {
				return err
			}
		}

		prior := bed.Status
		if err := s.beds.UpdateStatus(ctx, bed.ID, BedPending, nil); err != nil {
			return err
		}

		finished := s.bedEvent(EventOccupancyFinished, bed, u.HospitalID, now)
		finished.HistoryID = &open.ID
		s.emit(ctx, finished)

		discharge := s.bedEvent(EventDischarge, bed, u.HospitalID, now)
		discharge.HistoryID = &open.ID
		discharge.Reason = reason
		discharge.Payload = map[string]interface{}{
			"prior_status":      string(prior),
			"sessions_released": len(active),
		}
		s.emit(ctx, discharge)

		res = &DischargeResult{
			BedID:            bed.ID,
			PriorStatus:      prior,
			NewStatus:        BedPending,
			HistoryID:        open.ID,
			SessionsReleased: len(active),
			Warning:          s.recompute(ctx, u.ID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeactivateBed blocks a bed for new sessions. A bed that still has an
// active session must be released or discharged first.
func (s *Service) DeactivateBed(ctx context.Context, bedID uuid.UUID, justification *string) (*Bed, error) {
	var out *Bed
	err := s.inTx(ctx, func(ctx context.Context) error {
		bed, err := s.beds.GetForUpdate(ctx, bedID)
		if err != nil {
			return notFoundIfNoRows(err, "bed")
		}
		if bed.Status == BedInactive {
			out = bed
			return nil
		}
		active, err := s.sessions.ListActiveByBed(ctx, bed.ID)
		if err != nil {
			return err
		}
		if len(active) > 0 || bed.Status == BedActive {
			return newError(KindTransitionInvalid, "bed is active")
		}
		if err := s.beds.UpdateStatus(ctx, bed.ID, BedInactive, justification); err != nil {
			return err
		}
		bed.Status = BedInactive
		bed.Justification = justification
		out = bed
		if w := s.recompute(ctx, bed.UnitID); w != "" {
			s.log.Warn().Str("unit_id", bed.UnitID.String()).Msg(w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReactivateBed returns an INACTIVE bed to PENDING.
func (s *Service) ReactivateBed(ctx context.Context, bedID uuid.UUID) (*Bed, error) {
	var out *Bed
	err := s.inTx(ctx, func(ctx context.Context) error {
		bed, err := s.beds.GetForUpdate(ctx, bedID)
		if err != nil {
			return notFoundIfNoRows(err, "bed")
		}
		if bed.Status != BedInactive {
			return newError(KindTransitionInvalid, "bed %s is not inactive", bed.Label)
		}
		if err := s.beds.UpdateStatus(ctx, bed.ID, BedPending, nil); err != nil {
			return err
		}
		bed.Status = BedPending
		bed.Justification = nil
		out = bed
		if w := s.recompute(ctx, bed.UnitID); w != "" {
			s.log.Warn().Str("unit_id", bed.UnitID.String()).Msg(w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireOverdue flips ACTIVE sessions whose expiry has passed to EXPIRED
// and recomputes the aggregates of the touched units. It returns the
// number of sessions expired.
func (s *Service) ExpireOverdue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	expired := 0
	err := s.inTx(ctx, func(ctx context.Context) error {
		now := s.now()
		overdue, err := s.sessions.ListOverdue(ctx, now, batchSize)
		if err != nil {
			return err
		}
		touched := map[uuid.UUID]struct{}{}
		for _, sess := range overdue {
			if err := s.sessions.UpdateStatus(ctx, sess.ID, SessionExpired); err != nil {
				return err
			}
			expired++
			touched[sess.UnitID] = struct{}{}

			if sess.BedID != nil {
				bed, err := s.beds.GetByID(ctx, *sess.BedID)
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						continue
					}
					return err
				}
				u, err := s.units.GetByID(ctx, bed.UnitID)
				if err != nil {
					return notFoundIfNoRows(err, "unit")
				}
				s.emit(ctx, s.sessionEvent(EventSessionExpired, bed, u.HospitalID, sess, nil, nil, now))
			}
		}
		for unitID := range touched {
			if w := s.recompute(ctx, unitID); w != "" {
				s.log.Warn().Str("unit_id", unitID.String()).Msg(w)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// RecomputeUnit rebuilds the unit aggregate from ground truth and stores
// it. Exposed for manual resync after a recompute warning.
func (s *Service) RecomputeUnit(ctx context.Context, unitID uuid.UUID) (*UnitAggregate, error) {
	var agg *UnitAggregate
	err := s.inTx(ctx, func(ctx context.Context) error {
		if _, err := s.units.GetByID(ctx, unitID); err != nil {
			return notFoundIfNoRows(err, "unit")
		}
		var err error
		agg, err = s.recomputeUnit(ctx, unitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// --- read surfaces ---

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundIfNoRows(err, "session")
	}
	return sess, nil
}

func (s *Service) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	bed, err := s.beds.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundIfNoRows(err, "bed")
	}
	return bed, nil
}

func (s *Service) ListBeds(ctx context.Context, unitID uuid.UUID, limit, offset int) ([]*Bed, int, error) {
	return s.beds.ListByUnit(ctx, unitID, limit, offset)
}

func (s *Service) ListHistory(ctx context.Context, bedID uuid.UUID, limit, offset int) ([]*HistoryInterval, int, error) {
	return s.history.ListByBed(ctx, bedID, limit, offset)
}

func (s *Service) ListEvents(ctx context.Context, bedID uuid.UUID, limit, offset int) ([]*Event, int, error) {
	return s.events.ListByBed(ctx, bedID, limit, offset)
}

// GetAggregate reads the cached unit summary, computing it on first
// access.
func (s *Service) GetAggregate(ctx context.Context, unitID uuid.UUID) (*UnitAggregate, error) {
	agg, err := s.aggregates.GetByUnit(ctx, unitID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.RecomputeUnit(ctx, unitID)
	}
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// --- internals ---

func (s *Service) inTx(ctx context.Context, fn func(context.Context) error) error {
	if s.pool == nil || db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.pool, fn)
}

// bestEffort isolates fn in a savepoint when a transaction is open, so a
// failed statement inside fn cannot poison the enclosing transaction.
func (s *Service) bestEffort(ctx context.Context, fn func(context.Context) error) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return fn(ctx)
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(db.ContextWithTx(ctx, sp)); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// emit appends a lifecycle event, best-effort. Emission failure degrades
// the audit trail, never the primary mutation.
func (s *Service) emit(ctx context.Context, e *Event) {
	err := s.bestEffort(ctx, func(ctx context.Context) error {
		return s.events.Append(ctx, e)
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("bed_id", e.BedID.String()).
			Str("kind", string(e.Kind)).
			Msg("event emit failed")
	}
}

// recompute rebuilds the unit aggregate inside a savepoint. On failure it
// returns a warning for the operation result instead of an error.
func (s *Service) recompute(ctx context.Context, unitID uuid.UUID) string {
	err := s.bestEffort(ctx, func(ctx context.Context) error {
		_, err := s.recomputeUnit(ctx, unitID)
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str("unit_id", unitID.String()).Msg("aggregate recompute failed")
		return "aggregate recompute failed, unit counts may be stale until resync"
	}
	return ""
}

func (s *Service) recomputeUnit(ctx context.Context, unitID uuid.UUID) (*UnitAggregate, error) {
	beds, _, err := s.beds.ListByUnit(ctx, unitID, 0, 0)
	if err != nil {
		return nil, err
	}
	open, err := s.history.ListOpenByUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	agg := ComputeAggregate(unitID, beds, open, s.now())
	if err := s.aggregates.Replace(ctx, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *Service) resolveMethod(ctx context.Context, key string) (*caremethod.CareMethod, error) {
	m, err := s.methods.Resolve(ctx, key)
	if errors.Is(err, caremethod.ErrUnknownMethod) {
		return nil, newError(KindNotFound, "care method %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func validateItems(method *caremethod.CareMethod, items map[string]int) error {
	if !method.KnowsQuestions() {
		return nil
	}
	for key := range items {
		if !method.ValidItem(key) {
			return newError(KindValidation, "item %q is not a question of method %s", key, method.Key)
		}
	}
	return nil
}

func (s *Service) bedEvent(kind EventKind, bed *Bed, hospitalID uuid.UUID, now time.Time) *Event {
	return &Event{
		ID:         uuid.New(),
		BedID:      bed.ID,
		Kind:       kind,
		At:         now,
		UnitID:     bed.UnitID,
		HospitalID: hospitalID,
		BedLabel:   bed.Label,
		CreatedAt:  now,
	}
}

func (s *Service) sessionEvent(kind EventKind, bed *Bed, hospitalID uuid.UUID, sess *Session,
	histID *uuid.UUID, author *identity.Author, now time.Time) *Event {

	e := s.bedEvent(kind, bed, hospitalID, now)
	e.SessionID = &sess.ID
	e.HistoryID = histID
	if author != nil {
		e.AuthorID = &author.ID
		e.AuthorName = author.Name
	}
	e.Payload = map[string]interface{}{
		"total":          sess.Total,
		"classification": string(sess.Classification),
	}
	return e
}

// localDate truncates an instant to midnight of its calendar day in the
// service timezone.
func (s *Service) localDate(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// dateOnly reinterprets a calendar-date value as midnight of that same
// day in the service timezone. Date-only values arrive as midnight in
// some other location (UTC for parsed request dates and for DATE
// columns scanned by pgx); converting them as instants would shift the
// day in any timezone west of UTC, so only the date components are kept.
func (s *Service) dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// endOfDay is the first instant after the local calendar day containing
// date: a session created today stays current until local midnight.
func (s *Service) endOfDay(date time.Time) time.Time {
	return s.localDate(date).AddDate(0, 0, 1)
}

func notFoundIfNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return newError(KindNotFound, "%s not found", what)
	}
	return err
}
