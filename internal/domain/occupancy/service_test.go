package occupancy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/leitos/leitos/internal/domain/caremethod"
	"github.com/leitos/leitos/internal/domain/identity"
	"github.com/leitos/leitos/internal/domain/unit"
)

// -- Mock Repositories --

type mockBedRepo struct {
	records map[uuid.UUID]*Bed
}

func newMockBedRepo() *mockBedRepo {
	return &mockBedRepo{records: make(map[uuid.UUID]*Bed)}
}

func (m *mockBedRepo) Create(_ context.Context, b *Bed) error {
	m.records[b.ID] = b
	return nil
}

func (m *mockBedRepo) GetByID(_ context.Context, id uuid.UUID) (*Bed, error) {
	b, ok := m.records[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return b, nil
}

func (m *mockBedRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return m.GetByID(ctx, id)
}

func (m *mockBedRepo) ListByUnit(_ context.Context, unitID uuid.UUID, _, _ int) ([]*Bed, int, error) {
	var result []*Bed
	for _, b := range m.records {
		if b.UnitID == unitID {
			result = append(result, b)
		}
	}
	return result, len(result), nil
}

func (m *mockBedRepo) UpdateStatus(_ context.Context, id uuid.UUID, status BedStatus, justification *string) error {
	b, ok := m.records[id]
	if !ok {
		return pgx.ErrNoRows
	}
	b.Status = status
	b.Justification = justification
	return nil
}

type mockSessionRepo struct {
	records    map[uuid.UUID]*Session
	failDelete bool
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{records: make(map[uuid.UUID]*Session)}
}

// sameDate compares like a DATE column: calendar components only, not
// instants, so a UTC midnight and a local midnight of the same day match.
func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	for _, existing := range m.records {
		if existing.Status == SessionActive && existing.BedID != nil && s.BedID != nil &&
			*existing.BedID == *s.BedID && sameDate(existing.ApplicationDate, s.ApplicationDate) {
			return newError(KindSessionConflict, "bed already has an active session for this date")
		}
	}
	m.records[s.ID] = s
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	s, ok := m.records[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *mockSessionRepo) GetActiveByBedAndDate(_ context.Context, bedID uuid.UUID, date time.Time) (*Session, error) {
	for _, s := range m.records {
		if s.Status == SessionActive && s.BedID != nil && *s.BedID == bedID && sameDate(s.ApplicationDate, date) {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSessionRepo) ListActiveByBed(_ context.Context, bedID uuid.UUID) ([]*Session, error) {
	var result []*Session
	for _, s := range m.records {
		if s.Status == SessionActive && s.BedID != nil && *s.BedID == bedID {
			result = append(result, s)
		}
	}
	return result, nil
}

func (m *mockSessionRepo) Update(_ context.Context, s *Session) error {
	if _, ok := m.records[s.ID]; !ok {
		return pgx.ErrNoRows
	}
	m.records[s.ID] = s
	return nil
}

func (m *mockSessionRepo) UpdateStatus(_ context.Context, id uuid.UUID, status SessionStatus) error {
	s, ok := m.records[id]
	if !ok {
		return pgx.ErrNoRows
	}
	s.Status = status
	return nil
}

func (m *mockSessionRepo) Delete(_ context.Context, id uuid.UUID) error {
	if m.failDelete {
		return fmt.Errorf("violates foreign key constraint")
	}
	delete(m.records, id)
	return nil
}

func (m *mockSessionRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Session, error) {
	var result []*Session
	for _, s := range m.records {
		if s.Status == SessionActive && s.ExpiresAt.Before(now) {
			result = append(result, s)
		}
	}
	return result, nil
}

type mockHistoryRepo struct {
	records map[uuid.UUID]*HistoryInterval
}

func newMockHistoryRepo() *mockHistoryRepo {
	return &mockHistoryRepo{records: make(map[uuid.UUID]*HistoryInterval)}
}

func (m *mockHistoryRepo) Create(_ context.Context, h *HistoryInterval) error {
	m.records[h.ID] = h
	return nil
}

func (m *mockHistoryRepo) GetByID(_ context.Context, id uuid.UUID) (*HistoryInterval, error) {
	h, ok := m.records[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return h, nil
}

func (m *mockHistoryRepo) GetOpenByBed(_ context.Context, bedID uuid.UUID) (*HistoryInterval, error) {
	for _, h := range m.records {
		if h.BedID == bedID && h.End == nil {
			return h, nil
		}
	}
	return nil, nil
}

func (m *mockHistoryRepo) UpdateSnapshot(_ context.Context, h *HistoryInterval) error {
	existing, ok := m.records[h.ID]
	if !ok || existing.End != nil {
		return pgx.ErrNoRows
	}
	m.records[h.ID] = h
	return nil
}

func (m *mockHistoryRepo) Close(_ context.Context, id uuid.UUID, end time.Time) error {
	h, ok := m.records[id]
	if !ok || h.End != nil {
		return pgx.ErrNoRows
	}
	h.End = &end
	return nil
}

func (m *mockHistoryRepo) ListByBed(_ context.Context, bedID uuid.UUID, _, _ int) ([]*HistoryInterval, int, error) {
	var result []*HistoryInterval
	for _, h := range m.records {
		if h.BedID == bedID {
			result = append(result, h)
		}
	}
	return result, len(result), nil
}

func (m *mockHistoryRepo) ListOpenByUnit(_ context.Context, unitID uuid.UUID) ([]*HistoryInterval, error) {
	var result []*HistoryInterval
	for _, h := range m.records {
		if h.UnitID == unitID && h.End == nil {
			result = append(result, h)
		}
	}
	return result, nil
}

type mockEventRepo struct {
	records    []*Event
	failAppend bool
}

func (m *mockEventRepo) Append(_ context.Context, e *Event) error {
	if m.failAppend {
		return fmt.Errorf("event insert failed")
	}
	m.records = append(m.records, e)
	return nil
}

func (m *mockEventRepo) ListByBed(_ context.Context, bedID uuid.UUID, _, _ int) ([]*Event, int, error) {
	var result []*Event
	for _, e := range m.records {
		if e.BedID == bedID {
			result = append(result, e)
		}
	}
	return result, len(result), nil
}

func (m *mockEventRepo) kinds() []EventKind {
	var kinds []EventKind
	for _, e := range m.records {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type mockAggregateRepo struct {
	records     map[uuid.UUID]*UnitAggregate
	failReplace bool
	replaces    int
}

func newMockAggregateRepo() *mockAggregateRepo {
	return &mockAggregateRepo{records: make(map[uuid.UUID]*UnitAggregate)}
}

func (m *mockAggregateRepo) Replace(_ context.Context, a *UnitAggregate) error {
	if m.failReplace {
		return fmt.Errorf("aggregate insert failed")
	}
	m.replaces++
	m.records[a.UnitID] = a
	return nil
}

func (m *mockAggregateRepo) GetByUnit(_ context.Context, unitID uuid.UUID) (*UnitAggregate, error) {
	a, ok := m.records[unitID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return a, nil
}

type mockUnitRepo struct {
	records map[uuid.UUID]*unit.Unit
}

func (m *mockUnitRepo) GetByID(_ context.Context, id uuid.UUID) (*unit.Unit, error) {
	u, ok := m.records[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *mockUnitRepo) ListByHospital(_ context.Context, hospitalID uuid.UUID, _, _ int) ([]*unit.Unit, int, error) {
	var result []*unit.Unit
	for _, u := range m.records {
		if u.HospitalID == hospitalID {
			result = append(result, u)
		}
	}
	return result, len(result), nil
}

type mockAuthorRepo struct {
	records map[uuid.UUID]*identity.Author
}

func (m *mockAuthorRepo) GetByID(_ context.Context, id uuid.UUID) (*identity.Author, error) {
	a, ok := m.records[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return a, nil
}

// stubResolver serves a single method with a known question schema.
type stubResolver struct {
	method *caremethod.CareMethod
}

func (r *stubResolver) Resolve(_ context.Context, key string) (*caremethod.CareMethod, error) {
	return r.method, nil
}

// -- Fixture --

type fixture struct {
	svc        *Service
	beds       *mockBedRepo
	sessions   *mockSessionRepo
	history    *mockHistoryRepo
	events     *mockEventRepo
	aggregates *mockAggregateRepo

	hospitalID uuid.UUID
	unitID     uuid.UUID
	bedID      uuid.UUID
	authorID   uuid.UUID
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		beds:       newMockBedRepo(),
		sessions:   newMockSessionRepo(),
		history:    newMockHistoryRepo(),
		events:     &mockEventRepo{},
		aggregates: newMockAggregateRepo(),
		hospitalID: uuid.New(),
		unitID:     uuid.New(),
		bedID:      uuid.New(),
		authorID:   uuid.New(),
		now:        time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
	}

	units := &mockUnitRepo{records: map[uuid.UUID]*unit.Unit{
		f.unitID: {ID: f.unitID, HospitalID: f.hospitalID, Name: "UTI Adulto", CareMethodKey: "FUGULIN"},
	}}
	authors := &mockAuthorRepo{records: map[uuid.UUID]*identity.Author{
		f.authorID: {ID: f.authorID, Name: "Enf. Maria Souza", Active: true},
	}}
	f.beds.records[f.bedID] = &Bed{ID: f.bedID, UnitID: f.unitID, Label: "101-A", Status: BedPending}

	f.svc = NewService(nil, f.beds, f.sessions, f.history, f.events, f.aggregates,
		units, authors, caremethod.NewService(nil), time.UTC, zerolog.Nop())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) createInput() CreateSessionInput {
	return CreateSessionInput{
		BedID:         f.bedID,
		UnitID:        f.unitID,
		CareMethodKey: "FUGULIN",
		Items:         map[string]int{"a": 2, "b": 3},
		AuthorID:      f.authorID,
	}
}

func (f *fixture) activeSessions(bedID uuid.UUID, date time.Time) int {
	n := 0
	for _, s := range f.sessions.records {
		if s.Status == SessionActive && s.BedID != nil && *s.BedID == bedID && s.ApplicationDate.Equal(date) {
			n++
		}
	}
	return n
}

func (f *fixture) openIntervals(bedID uuid.UUID) int {
	n := 0
	for _, h := range f.history.records {
		if h.BedID == bedID && h.End == nil {
			n++
		}
	}
	return n
}

// -- Create --

func TestCreateSessionFugulin(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess := res.Session
	if sess.Total != 5 {
		t.Errorf("total = %d, want 5", sess.Total)
	}
	if sess.Classification != caremethod.ClassMinimal {
		t.Errorf("classification = %s, want %s", sess.Classification, caremethod.ClassMinimal)
	}
	if sess.Status != SessionActive {
		t.Errorf("session status = %s, want ACTIVE", sess.Status)
	}
	if res.Warning != "" {
		t.Errorf("unexpected warning: %s", res.Warning)
	}

	if f.beds.records[f.bedID].Status != BedActive {
		t.Errorf("bed status = %s, want ACTIVE", f.beds.records[f.bedID].Status)
	}
	if n := f.openIntervals(f.bedID); n != 1 {
		t.Errorf("open intervals = %d, want 1", n)
	}

	wantDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if !sess.ApplicationDate.Equal(wantDate) {
		t.Errorf("application date = %v, want %v", sess.ApplicationDate, wantDate)
	}
	wantExpiry := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !sess.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires at = %v, want %v", sess.ExpiresAt, wantExpiry)
	}

	kinds := f.events.kinds()
	if len(kinds) != 2 || kinds[0] != EventEvaluationCreated || kinds[1] != EventOccupancyStarted {
		t.Errorf("event kinds = %v", kinds)
	}

	agg := f.aggregates.records[f.unitID]
	if agg == nil {
		t.Fatal("aggregate not recomputed")
	}
	if agg.BedCount != 1 || agg.Evaluated != 1 || agg.Minimum != 1 {
		t.Errorf("aggregate = %+v", agg)
	}
}

func TestCreateSessionPreconditions(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		muts func(in *CreateSessionInput)
		kind ErrorKind
	}{
		{"unknown unit", func(in *CreateSessionInput) { in.UnitID = uuid.New() }, KindNotFound},
		{"unknown bed", func(in *CreateSessionInput) { in.BedID = uuid.New() }, KindNotFound},
		{"unknown author", func(in *CreateSessionInput) { in.AuthorID = uuid.New() }, KindNotFound},
		{"method mismatch", func(in *CreateSessionInput) { in.CareMethodKey = "PERROCA" }, KindValidation},
		{"no items", func(in *CreateSessionInput) { in.Items = nil }, KindValidation},
		{"bad policy", func(in *CreateSessionInput) { in.ConflictPolicy = "merge" }, KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.createInput()
			tt.muts(&in)
			_, err := f.svc.CreateSession(context.Background(), in)
			if !IsKind(err, tt.kind) {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}

	if len(f.sessions.records) != 0 || len(f.history.records) != 0 {
		t.Error("failed creates must not persist sessions or history")
	}
	if f.beds.records[f.bedID].Status != BedPending {
		t.Error("failed creates must not touch the bed")
	}
}

func TestCreateSessionBedMismatch(t *testing.T) {
	f := newFixture(t)
	otherBed := uuid.New()
	f.beds.records[otherBed] = &Bed{ID: otherBed, UnitID: uuid.New(), Label: "999-Z", Status: BedPending}

	in := f.createInput()
	in.BedID = otherBed
	if _, err := f.svc.CreateSession(context.Background(), in); !IsKind(err, KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestCreateSessionBlockedBed(t *testing.T) {
	f := newFixture(t)
	f.beds.records[f.bedID].Status = BedInactive

	_, err := f.svc.CreateSession(context.Background(), f.createInput())
	if !IsKind(err, KindBedBlocked) {
		t.Errorf("err = %v, want bed blocked", err)
	}
}

func TestCreateSessionInvalidItemKey(t *testing.T) {
	f := newFixture(t)
	f.svc.methods = &stubResolver{method: &caremethod.CareMethod{
		Key:          "FUGULIN",
		Bands:        []caremethod.ScoreBand{{Min: 0, Max: 100, Classification: caremethod.ClassMinimal}},
		QuestionKeys: []string{"a", "b"},
	}}

	in := f.createInput()
	in.Items = map[string]int{"a": 2, "bogus": 3}
	_, err := f.svc.CreateSession(context.Background(), in)
	if !IsKind(err, KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(f.sessions.records) != 0 || len(f.history.records) != 0 {
		t.Error("invalid item key must not persist anything")
	}
	if f.beds.records[f.bedID].Status != BedPending {
		t.Error("invalid item key must not touch the bed")
	}
}

func TestCreateSessionNoMatchingBand(t *testing.T) {
	f := newFixture(t)
	f.svc.methods = &stubResolver{method: &caremethod.CareMethod{
		Key:   "FUGULIN",
		Bands: []caremethod.ScoreBand{{Min: 10, Max: 20, Classification: caremethod.ClassMinimal}},
	}}

	in := f.createInput() // total 5, below every band
	if _, err := f.svc.CreateSession(context.Background(), in); !IsKind(err, KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestCreateSessionConflictReject(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateSession(context.Background(), f.createInput()); err != nil {
		t.Fatalf("first create: %v", err)
	}

	in := f.createInput()
	in.ConflictPolicy = ConflictReject
	_, err := f.svc.CreateSession(context.Background(), in)
	if !IsKind(err, KindSessionConflict) {
		t.Errorf("err = %v, want session conflict", err)
	}
}

func TestCreateSessionConflictOverwrite(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	in := f.createInput()
	in.Items = map[string]int{"a": 10, "b": 12} // total 22 -> ALTA_DEPENDENCIA
	second, err := f.svc.CreateSession(context.Background(), in)
	if err != nil {
		t.Fatalf("overwrite create: %v", err)
	}

	if second.Session.ID != first.Session.ID {
		t.Error("overwrite must mutate the existing session, not create a new one")
	}
	if second.Session.Total != 22 || second.Session.Classification != caremethod.ClassHighDependency {
		t.Errorf("session = total %d class %s", second.Session.Total, second.Session.Classification)
	}
	if n := f.activeSessions(f.bedID, first.Session.ApplicationDate); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
	if n := f.openIntervals(f.bedID); n != 1 {
		t.Errorf("open intervals = %d, want 1", n)
	}
	open, _ := f.history.GetOpenByBed(context.Background(), f.bedID)
	if open.Total != 22 {
		t.Errorf("history snapshot total = %d, want 22", open.Total)
	}
}

func TestCreateSessionConflictReplace(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	in := f.createInput()
	in.ConflictPolicy = ConflictReplace
	second, err := f.svc.CreateSession(context.Background(), in)
	if err != nil {
		t.Fatalf("replace create: %v", err)
	}
	if second.Session.ID == first.Session.ID {
		t.Error("replace must create a new session")
	}
	if _, err := f.sessions.GetByID(context.Background(), first.Session.ID); err == nil {
		t.Error("replaced session should be deleted")
	}
	if n := f.activeSessions(f.bedID, second.Session.ApplicationDate); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
	if n := f.openIntervals(f.bedID); n != 1 {
		t.Errorf("open intervals = %d, want 1", n)
	}
}

func TestCreateSessionReplaceFallsBackToRelease(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	f.sessions.failDelete = true

	in := f.createInput()
	in.ConflictPolicy = ConflictReplace
	second, err := f.svc.CreateSession(context.Background(), in)
	if err != nil {
		t.Fatalf("replace create: %v", err)
	}

	old, err := f.sessions.GetByID(context.Background(), first.Session.ID)
	if err != nil {
		t.Fatalf("old session gone: %v", err)
	}
	if old.Status != SessionReleased {
		t.Errorf("old session status = %s, want RELEASED", old.Status)
	}
	if n := f.activeSessions(f.bedID, second.Session.ApplicationDate); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
}

// A fixed zone west of UTC, like the shipped default timezone. Fixed so
// the tests do not depend on tzdata being installed.
var westOfUTC = time.FixedZone("-03", -3*60*60)

func TestCreateSessionDateOnlyWestOfUTC(t *testing.T) {
	f := newFixture(t)
	f.svc.loc = westOfUTC

	// As parsed from "2026-03-10" in a request body: UTC midnight.
	reqDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	in := f.createInput()
	in.ApplicationDate = &reqDate

	res, err := f.svc.CreateSession(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	wantDate := time.Date(2026, 3, 10, 0, 0, 0, 0, westOfUTC)
	if !res.Session.ApplicationDate.Equal(wantDate) {
		t.Errorf("application date = %v, want %v", res.Session.ApplicationDate, wantDate)
	}
	wantExpiry := time.Date(2026, 3, 11, 0, 0, 0, 0, westOfUTC)
	if !res.Session.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires at = %v, want %v", res.Session.ExpiresAt, wantExpiry)
	}
	open, _ := f.history.GetOpenByBed(context.Background(), f.bedID)
	if !open.Start.Equal(wantDate) {
		t.Errorf("history start = %v, want %v", open.Start, wantDate)
	}
}

func TestCreateSessionDefaultDateWestOfUTC(t *testing.T) {
	f := newFixture(t)
	f.svc.loc = westOfUTC
	// 01:00 UTC on the 11th is still 22:00 on the 10th locally.
	f.now = time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)

	res, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	wantDate := time.Date(2026, 3, 10, 0, 0, 0, 0, westOfUTC)
	if !res.Session.ApplicationDate.Equal(wantDate) {
		t.Errorf("application date = %v, want %v", res.Session.ApplicationDate, wantDate)
	}
	if !res.Session.ExpiresAt.After(f.now) {
		t.Errorf("expires at = %v, want after %v", res.Session.ExpiresAt, f.now)
	}
}

func TestCreateSessionOverwriteScannedDateWestOfUTC(t *testing.T) {
	f := newFixture(t)
	f.svc.loc = westOfUTC

	first, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	// A DATE column scans back as UTC midnight, not local midnight.
	first.Session.ApplicationDate = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	second, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("overwrite create: %v", err)
	}
	if second.Session.ID != first.Session.ID {
		t.Error("overwrite must mutate the existing session, not create a new one")
	}
	wantExpiry := time.Date(2026, 3, 11, 0, 0, 0, 0, westOfUTC)
	if !second.Session.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires at = %v, want %v", second.Session.ExpiresAt, wantExpiry)
	}
	if !second.Session.ExpiresAt.After(f.now) {
		t.Errorf("overwritten session already overdue: expires %v, now %v", second.Session.ExpiresAt, f.now)
	}
}

// -- Update --

func TestUpdateSession(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate the session aging out before the update.
	created.Session.Status = SessionExpired
	f.now = f.now.Add(26 * time.Hour)

	res, err := f.svc.UpdateSession(context.Background(), UpdateSessionInput{
		SessionID: created.Session.ID,
		Items:     map[string]int{"a": 9, "b": 9}, // total 18 -> INTERMEDIARIOS
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	if res.Session.Total != 18 || res.Session.Classification != caremethod.ClassIntermediate {
		t.Errorf("session = total %d class %s", res.Session.Total, res.Session.Classification)
	}
	if res.Session.Status != SessionActive {
		t.Errorf("status = %s, want ACTIVE (update implies current occupancy)", res.Session.Status)
	}
	wantExpiry := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	if !res.Session.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires at = %v, want %v", res.Session.ExpiresAt, wantExpiry)
	}
	if f.beds.records[f.bedID].Status != BedActive {
		t.Error("update must force the bed back to ACTIVE")
	}
	open, _ := f.history.GetOpenByBed(context.Background(), f.bedID)
	if open == nil || open.Total != 18 {
		t.Errorf("open history snapshot not synced: %+v", open)
	}
	if kinds := f.events.kinds(); kinds[len(kinds)-1] != EventEvaluationUpdated {
		t.Errorf("last event = %s, want evaluation-updated", kinds[len(kinds)-1])
	}
}

func TestUpdateSessionNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateSession(context.Background(), UpdateSessionInput{SessionID: uuid.New()})
	if !IsKind(err, KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestUpdateSessionMethodMismatch(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := "PERROCA"
	_, err = f.svc.UpdateSession(context.Background(), UpdateSessionInput{
		SessionID:     created.Session.ID,
		CareMethodKey: &key,
	})
	if !IsKind(err, KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

// -- Release --

func TestReleaseSession(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.aggregates.records[f.unitID].Evaluated != 1 {
		t.Fatalf("precondition: evaluated = %d", f.aggregates.records[f.unitID].Evaluated)
	}

	f.now = f.now.Add(2 * time.Hour)
	res, err := f.svc.ReleaseSession(context.Background(), created.Session.ID)
	if err != nil {
		t.Fatalf("ReleaseSession: %v", err)
	}

	if res.Session.Status != SessionReleased {
		t.Errorf("status = %s, want RELEASED", res.Session.Status)
	}
	if !res.Session.ExpiresAt.Equal(f.now) {
		t.Errorf("expiry = %v, want clamped to now %v", res.Session.ExpiresAt, f.now)
	}
	if f.beds.records[f.bedID].Status != BedPending {
		t.Errorf("bed status = %s, want PENDING", f.beds.records[f.bedID].Status)
	}
	if n := f.openIntervals(f.bedID); n != 0 {
		t.Errorf("open intervals = %d, want 0", n)
	}
	if f.aggregates.records[f.unitID].Evaluated != 0 {
		t.Errorf("evaluated = %d, want 0", f.aggregates.records[f.unitID].Evaluated)
	}
	kinds := f.events.kinds()
	last := kinds[len(kinds)-2:]
	if last[0] != EventOccupancyFinished || last[1] != EventSessionReleased {
		t.Errorf("trailing events = %v", last)
	}
}

func TestReleaseSessionIdempotent(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.ReleaseSession(context.Background(), created.Session.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	events := len(f.events.records)

	res, err := f.svc.ReleaseSession(context.Background(), created.Session.ID)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if res.Session.Status != SessionReleased {
		t.Errorf("status = %s", res.Session.Status)
	}
	if len(f.events.records) != events {
		t.Error("idempotent release must not emit events")
	}
	if f.beds.records[f.bedID].Status != BedPending {
		t.Error("idempotent release must not touch the bed again")
	}
}

func TestReleaseSessionMissingHistoryTolerated(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Drop the open interval to simulate legacy data.
	for id := range f.history.records {
		delete(f.history.records, id)
	}

	res, err := f.svc.ReleaseSession(context.Background(), created.Session.ID)
	if err != nil {
		t.Fatalf("release must tolerate a missing open interval: %v", err)
	}
	if res.Session.Status != SessionReleased {
		t.Errorf("status = %s", res.Session.Status)
	}
	if n := f.openIntervals(f.bedID); n != 0 {
		t.Error("release must never open a new interval")
	}
}

// -- Discharge --

func TestDischarge(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reason := "alta hospitalar"
	res, err := f.svc.Discharge(context.Background(), f.bedID, &reason)
	if err != nil {
		t.Fatalf("Discharge: %v", err)
	}

	if res.PriorStatus != BedActive || res.NewStatus != BedPending {
		t.Errorf("statuses = %s -> %s", res.PriorStatus, res.NewStatus)
	}
	if res.SessionsReleased != 1 {
		t.Errorf("sessions released = %d, want 1", res.SessionsReleased)
	}
	if f.beds.records[f.bedID].Status != BedPending {
		t.Errorf("bed status = %s, want PENDING", f.beds.records[f.bedID].Status)
	}
	sess, _ := f.sessions.GetByID(context.Background(), created.Session.ID)
	if sess.Status != SessionReleased {
		t.Errorf("session status = %s, want RELEASED", sess.Status)
	}
	h, _ := f.history.GetByID(context.Background(), res.HistoryID)
	if h.End == nil {
		t.Error("open interval must be closed")
	}

	kinds := f.events.kinds()
	last := kinds[len(kinds)-2:]
	if last[0] != EventOccupancyFinished || last[1] != EventDischarge {
		t.Errorf("trailing events = %v", last)
	}
	discharge := f.events.records[len(f.events.records)-1]
	if discharge.Payload["prior_status"] != "ACTIVE" || discharge.Payload["sessions_released"] != 1 {
		t.Errorf("discharge payload = %v", discharge.Payload)
	}
	if discharge.Reason == nil || *discharge.Reason != reason {
		t.Errorf("discharge reason = %v", discharge.Reason)
	}
}

func TestDischargeNoOpenHistory(t *testing.T) {
	f := newFixture(t)
	f.beds.records[f.bedID].Status = BedActive // inconsistent on purpose

	_, err := f.svc.Discharge(context.Background(), f.bedID, nil)
	if !IsKind(err, KindNoActiveOccupancy) {
		t.Fatalf("err = %v, want no active occupancy", err)
	}
	if f.beds.records[f.bedID].Status != BedActive {
		t.Error("failed discharge must not mutate the bed")
	}
	if len(f.events.records) != 0 {
		t.Error("failed discharge must not emit events")
	}
}

func TestDischargeInactiveBed(t *testing.T) {
	f := newFixture(t)
	f.beds.records[f.bedID].Status = BedInactive

	_, err := f.svc.Discharge(context.Background(), f.bedID, nil)
	if !IsKind(err, KindBedBlocked) {
		t.Errorf("err = %v, want bed blocked", err)
	}
}

// -- Bed admin --

func TestDeactivateBed(t *testing.T) {
	f := newFixture(t)
	just := "manutenção"

	bed, err := f.svc.DeactivateBed(context.Background(), f.bedID, &just)
	if err != nil {
		t.Fatalf("DeactivateBed: %v", err)
	}
	if bed.Status != BedInactive {
		t.Errorf("status = %s, want INACTIVE", bed.Status)
	}
	if bed.Justification == nil || *bed.Justification != just {
		t.Errorf("justification = %v", bed.Justification)
	}
	if f.aggregates.records[f.unitID].Inactive != 1 {
		t.Errorf("aggregate inactive = %d, want 1", f.aggregates.records[f.unitID].Inactive)
	}
}

func TestDeactivateBedWithActiveSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateSession(context.Background(), f.createInput()); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := f.svc.DeactivateBed(context.Background(), f.bedID, nil)
	if !IsKind(err, KindTransitionInvalid) {
		t.Fatalf("err = %v, want transition invalid", err)
	}
	if f.beds.records[f.bedID].Status != BedActive {
		t.Error("failed deactivation must not mutate the bed")
	}
}

func TestReactivateBed(t *testing.T) {
	f := newFixture(t)
	f.beds.records[f.bedID].Status = BedInactive

	bed, err := f.svc.ReactivateBed(context.Background(), f.bedID)
	if err != nil {
		t.Fatalf("ReactivateBed: %v", err)
	}
	if bed.Status != BedPending {
		t.Errorf("status = %s, want PENDING", bed.Status)
	}

	if _, err := f.svc.ReactivateBed(context.Background(), f.bedID); !IsKind(err, KindTransitionInvalid) {
		t.Errorf("reactivating a non-inactive bed: err = %v, want transition invalid", err)
	}
}

// -- Expiry sweep --

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.now = f.now.Add(48 * time.Hour)
	n, err := f.svc.ExpireOverdue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	sess, _ := f.sessions.GetByID(context.Background(), created.Session.ID)
	if sess.Status != SessionExpired {
		t.Errorf("status = %s, want EXPIRED", sess.Status)
	}
	if kinds := f.events.kinds(); kinds[len(kinds)-1] != EventSessionExpired {
		t.Errorf("last event = %s, want session-expired", kinds[len(kinds)-1])
	}

	// Second sweep finds nothing.
	n, err = f.svc.ExpireOverdue(context.Background(), 0)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v", n, err)
	}
}

// -- Best-effort tiers --

func TestEventFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.events.failAppend = true

	res, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if res.Session == nil || res.Warning != "" {
		t.Errorf("result = %+v", res)
	}
	if f.beds.records[f.bedID].Status != BedActive {
		t.Error("primary mutation must survive event failure")
	}
}

func TestAggregateFailureSurfacesWarning(t *testing.T) {
	f := newFixture(t)
	f.aggregates.failReplace = true

	res, err := f.svc.CreateSession(context.Background(), f.createInput())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if res.Warning == "" {
		t.Error("aggregate failure must surface as a warning")
	}
	if res.Session.Status != SessionActive {
		t.Error("primary mutation must survive aggregate failure")
	}
}

// -- Aggregates --

func TestRecomputeUnitIdempotent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateSession(context.Background(), f.createInput()); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := f.svc.RecomputeUnit(context.Background(), f.unitID)
	if err != nil {
		t.Fatalf("first recompute: %v", err)
	}
	second, err := f.svc.RecomputeUnit(context.Background(), f.unitID)
	if err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	if *first != *second {
		t.Errorf("recompute not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestGetAggregateComputesOnMiss(t *testing.T) {
	f := newFixture(t)
	agg, err := f.svc.GetAggregate(context.Background(), f.unitID)
	if err != nil {
		t.Fatalf("GetAggregate: %v", err)
	}
	if agg.BedCount != 1 || agg.Evaluated != 0 {
		t.Errorf("aggregate = %+v", agg)
	}
}
