package occupancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leitos/leitos/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), e.g. the partial unique index guarding one
// ACTIVE session per bed and application date.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- beds ---

type bedRepoPG struct{ pool *pgxpool.Pool }

func NewBedRepoPG(pool *pgxpool.Pool) BedRepository {
	return &bedRepoPG{pool: pool}
}

const bedCols = `id, unit_id, label, status, justification, created_at, updated_at`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.UnitID, &b.Label, &b.Status, &b.Justification, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *bedRepoPG) Create(ctx context.Context, b *Bed) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO bed (id, unit_id, label, status, justification, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UnitID, b.Label, b.Status, b.Justification, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bed: %w", err)
	}
	return nil
}

func (r *bedRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return scanBed(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+bedCols+` FROM bed WHERE id = $1`, id))
}

func (r *bedRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return scanBed(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+bedCols+` FROM bed WHERE id = $1 FOR UPDATE`, id))
}

func (r *bedRepoPG) ListByUnit(ctx context.Context, unitID uuid.UUID, limit, offset int) ([]*Bed, int, error) {
	c := conn(ctx, r.pool)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM bed WHERE unit_id = $1`, unitID).Scan(&total); err != nil {
		return nil, 0, err
	}
	q := `SELECT ` + bedCols + ` FROM bed WHERE unit_id = $1 ORDER BY label`
	args := []interface{}{unitID}
	if limit > 0 {
		q += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := c.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var beds []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, 0, err
		}
		beds = append(beds, b)
	}
	return beds, total, rows.Err()
}

func (r *bedRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status BedStatus, justification *string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE bed SET status = $2, justification = $3, updated_at = NOW() WHERE id = $1`,
		id, status, justification)
	if err != nil {
		return fmt.Errorf("update bed status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- sessions ---

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

const sessionCols = `id, bed_id, unit_id, author_id, method, items, total, classification,
	record_id, expires_at, status, application_date, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var items []byte
	err := row.Scan(&s.ID, &s.BedID, &s.UnitID, &s.AuthorID, &s.Method, &items, &s.Total,
		&s.Classification, &s.RecordID, &s.ExpiresAt, &s.Status, &s.ApplicationDate,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &s.Items); err != nil {
			return nil, fmt.Errorf("decode session items: %w", err)
		}
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return fmt.Errorf("encode session items: %w", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO occupancy_session
			(id, bed_id, unit_id, author_id, method, items, total, classification,
			 record_id, expires_at, status, application_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.BedID, s.UnitID, s.AuthorID, s.Method, items, s.Total, s.Classification,
		s.RecordID, s.ExpiresAt, s.Status, s.ApplicationDate, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return newError(KindSessionConflict, "bed already has an active session for this date")
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM occupancy_session WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetActiveByBedAndDate(ctx context.Context, bedID uuid.UUID, applicationDate time.Time) (*Session, error) {
	s, err := scanSession(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+sessionCols+` FROM occupancy_session
		WHERE bed_id = $1 AND application_date = $2 AND status = 'ACTIVE'`,
		bedID, applicationDate))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *sessionRepoPG) ListActiveByBed(ctx context.Context, bedID uuid.UUID) ([]*Session, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+sessionCols+` FROM occupancy_session
		WHERE bed_id = $1 AND status = 'ACTIVE' ORDER BY application_date`, bedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (r *sessionRepoPG) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+sessionCols+` FROM occupancy_session
		WHERE status = 'ACTIVE' AND expires_at < $1 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepoPG) Update(ctx context.Context, s *Session) error {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return fmt.Errorf("encode session items: %w", err)
	}
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE occupancy_session
		SET author_id = $2, method = $3, items = $4, total = $5, classification = $6,
		    record_id = $7, expires_at = $8, status = $9, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.AuthorID, s.Method, items, s.Total, s.Classification,
		s.RecordID, s.ExpiresAt, s.Status)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *sessionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status SessionStatus) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE occupancy_session SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *sessionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM occupancy_session WHERE id = $1`, id)
	return err
}

// --- history ---

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepoPG{pool: pool}
}

const historyCols = `id, bed_id, unit_id, hospital_id, bed_label, start_at, end_at,
	method, total, classification, items, author_id, author_name, created_at`

func scanHistory(row pgx.Row) (*HistoryInterval, error) {
	var h HistoryInterval
	var items []byte
	err := row.Scan(&h.ID, &h.BedID, &h.UnitID, &h.HospitalID, &h.BedLabel, &h.Start, &h.End,
		&h.Method, &h.Total, &h.Classification, &items, &h.AuthorID, &h.AuthorName, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &h.Items); err != nil {
			return nil, fmt.Errorf("decode history items: %w", err)
		}
	}
	return &h, nil
}

func (r *historyRepoPG) Create(ctx context.Context, h *HistoryInterval) error {
	items, err := json.Marshal(h.Items)
	if err != nil {
		return fmt.Errorf("encode history items: %w", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO occupancy_history
			(id, bed_id, unit_id, hospital_id, bed_label, start_at, end_at,
			 method, total, classification, items, author_id, author_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		h.ID, h.BedID, h.UnitID, h.HospitalID, h.BedLabel, h.Start, h.End,
		h.Method, h.Total, h.Classification, items, h.AuthorID, h.AuthorName, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (r *historyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*HistoryInterval, error) {
	return scanHistory(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+historyCols+` FROM occupancy_history WHERE id = $1`, id))
}

func (r *historyRepoPG) GetOpenByBed(ctx context.Context, bedID uuid.UUID) (*HistoryInterval, error) {
	h, err := scanHistory(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+historyCols+` FROM occupancy_history
		WHERE bed_id = $1 AND end_at IS NULL ORDER BY start_at DESC LIMIT 1`, bedID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

func (r *historyRepoPG) UpdateSnapshot(ctx context.Context, h *HistoryInterval) error {
	items, err := json.Marshal(h.Items)
	if err != nil {
		return fmt.Errorf("encode history items: %w", err)
	}
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE occupancy_history
		SET method = $2, total = $3, classification = $4, items = $5,
		    author_id = $6, author_name = $7
		WHERE id = $1 AND end_at IS NULL`,
		h.ID, h.Method, h.Total, h.Classification, items, h.AuthorID, h.AuthorName)
	if err != nil {
		return fmt.Errorf("update history snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *historyRepoPG) Close(ctx context.Context, id uuid.UUID, end time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE occupancy_history SET end_at = $2 WHERE id = $1 AND end_at IS NULL`, id, end)
	if err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *historyRepoPG) ListByBed(ctx context.Context, bedID uuid.UUID, limit, offset int) ([]*HistoryInterval, int, error) {
	c := conn(ctx, r.pool)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM occupancy_history WHERE bed_id = $1`, bedID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, `
		SELECT `+historyCols+` FROM occupancy_history
		WHERE bed_id = $1 ORDER BY start_at DESC LIMIT $2 OFFSET $3`, bedID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var intervals []*HistoryInterval
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, 0, err
		}
		intervals = append(intervals, h)
	}
	return intervals, total, rows.Err()
}

func (r *historyRepoPG) ListOpenByUnit(ctx context.Context, unitID uuid.UUID) ([]*HistoryInterval, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+historyCols+` FROM occupancy_history
		WHERE unit_id = $1 AND end_at IS NULL`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var intervals []*HistoryInterval
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		intervals = append(intervals, h)
	}
	return intervals, rows.Err()
}

// --- events ---

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository {
	return &eventRepoPG{pool: pool}
}

const eventCols = `id, bed_id, kind, at, unit_id, hospital_id, bed_label,
	session_id, history_id, author_id, author_name, reason, payload, created_at`

func (r *eventRepoPG) Append(ctx context.Context, e *Event) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO bed_event
			(id, bed_id, kind, at, unit_id, hospital_id, bed_label,
			 session_id, history_id, author_id, author_name, reason, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.BedID, e.Kind, e.At, e.UnitID, e.HospitalID, e.BedLabel,
		e.SessionID, e.HistoryID, e.AuthorID, e.AuthorName, e.Reason, payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *eventRepoPG) ListByBed(ctx context.Context, bedID uuid.UUID, limit, offset int) ([]*Event, int, error) {
	c := conn(ctx, r.pool)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM bed_event WHERE bed_id = $1`, bedID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, `
		SELECT `+eventCols+` FROM bed_event
		WHERE bed_id = $1 ORDER BY at DESC, created_at DESC LIMIT $2 OFFSET $3`, bedID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.BedID, &e.Kind, &e.At, &e.UnitID, &e.HospitalID, &e.BedLabel,
			&e.SessionID, &e.HistoryID, &e.AuthorID, &e.AuthorName, &e.Reason, &payload, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, 0, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

// --- aggregates ---

type aggregateRepoPG struct{ pool *pgxpool.Pool }

func NewAggregateRepoPG(pool *pgxpool.Pool) AggregateRepository {
	return &aggregateRepoPG{pool: pool}
}

func (r *aggregateRepoPG) Replace(ctx context.Context, a *UnitAggregate) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO unit_aggregate
			(unit_id, bed_count, minimum, intermediate, high_dependency,
			 semi_intensive, intensive, evaluated, vacant, inactive, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (unit_id) DO UPDATE SET
			bed_count = EXCLUDED.bed_count,
			minimum = EXCLUDED.minimum,
			intermediate = EXCLUDED.intermediate,
			high_dependency = EXCLUDED.high_dependency,
			semi_intensive = EXCLUDED.semi_intensive,
			intensive = EXCLUDED.intensive,
			evaluated = EXCLUDED.evaluated,
			vacant = EXCLUDED.vacant,
			inactive = EXCLUDED.inactive,
			updated_at = EXCLUDED.updated_at`,
		a.UnitID, a.BedCount, a.Minimum, a.Intermediate, a.HighDependency,
		a.SemiIntensive, a.Intensive, a.Evaluated, a.Vacant, a.Inactive, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("replace unit aggregate: %w", err)
	}
	return nil
}

func (r *aggregateRepoPG) GetByUnit(ctx context.Context, unitID uuid.UUID) (*UnitAggregate, error) {
	var a UnitAggregate
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT unit_id, bed_count, minimum, intermediate, high_dependency,
		       semi_intensive, intensive, evaluated, vacant, inactive, updated_at
		FROM unit_aggregate WHERE unit_id = $1`, unitID).
		Scan(&a.UnitID, &a.BedCount, &a.Minimum, &a.Intermediate, &a.HighDependency,
			&a.SemiIntensive, &a.Intensive, &a.Evaluated, &a.Vacant, &a.Inactive, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
