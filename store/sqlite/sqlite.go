/*
Package sqlite provides a SQLite-backed implementation of calendar.Store.

PURPOSE:
  Single-node persistence for tutors, availability rules, exceptions and
  booked sessions. Suitable for development and small deployments; the
  Postgres store covers multi-instance deployments.

INTERFACES IMPLEMENTED:
  calendar.AvailabilityStore: rules + exceptions
  calendar.BookingLedger:     sessions
  calendar.TutorDirectory:    tutors
  calendar.UnitOfWork:        per-tutor lock + SQL transaction

KEY TABLES:
  tutors:                  Registry for existence checks
  availability_rules:      Weekly pattern (minutes since midnight)
  availability_exceptions: Date-specific additions / carve-outs
  sessions:                Booked sessions with lifecycle audit columns

INDEXES:
  - idx_sessions_tutor_start:   Overlap checks (hot path of Reserve)
  - idx_sessions_student_start: Student listings
  - idx_exceptions_tutor_date:  Per-date exception lookups

CONCURRENCY:
  SQLite has no row or advisory locks. WithTutorLock takes an in-process
  calendar.TutorLocks entry, then opens a BEGIN IMMEDIATE transaction
  (_txlock=immediate) so the check-then-insert runs under the database
  write lock too. Every statement inside the scope goes through the
  *sql.Tx, never the pool.

TIME STORAGE:
  Instants are UTC text in a fixed-width layout so string comparison in
  SQL matches chronological order. Dates are YYYY-MM-DD; times of day are
  integer minutes.

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). Postgres uses goose migrations.

SEE ALSO:
  - calendar/store.go: Interface definitions
  - calendar/store/memory.go: In-memory implementation for testing
  - store/postgres: Production store
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/booking-engine/calendar"
)

// timeLayout is fixed width so text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements calendar.Store using SQLite.
type Store struct {
	queries
	db    *sql.DB
	locks *calendar.TutorLocks
}

var _ calendar.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{
		queries: queries{q: db, now: time.Now},
		db:      db,
		locks:   calendar.NewTutorLocks(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tutors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS availability_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tutor_id TEXT NOT NULL REFERENCES tutors(id) ON DELETE CASCADE,
		day_of_week INTEGER NOT NULL CHECK (day_of_week BETWEEN 0 AND 6),
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (start_minute >= 0 AND end_minute <= 1440 AND start_minute < end_minute)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_tutor_day
		ON availability_rules(tutor_id, day_of_week, start_minute);

	CREATE TABLE IF NOT EXISTS availability_exceptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tutor_id TEXT NOT NULL REFERENCES tutors(id) ON DELETE CASCADE,
		date TEXT NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		is_available INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (start_minute >= 0 AND end_minute <= 1440 AND start_minute < end_minute)
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_tutor_date
		ON availability_exceptions(tutor_id, date, start_minute);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tutor_id TEXT NOT NULL REFERENCES tutors(id),
		student_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('scheduled', 'in_progress', 'completed', 'cancelled')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		cancelled_at TEXT,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		rescheduled_from TEXT NOT NULL DEFAULT '',
		CHECK (start_at < end_at)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_tutor_start
		ON sessions(tutor_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_student_start
		ON sessions(student_id, start_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data (for demos and tests).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"sessions", "availability_exceptions", "availability_rules", "tutors"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTutorLock executes fn holding the tutor lock inside a transaction.
func (s *Store) WithTutorLock(ctx context.Context, tutorID calendar.TutorID, wait time.Duration, fn func(context.Context, calendar.Tx) error) error {
	release, err := s.locks.Acquire(ctx, tutorID, wait)
	if err != nil {
		return err
	}
	defer release()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txView{queries: queries{q: sqlTx, now: s.now}}
	if err := fn(ctx, view); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// ReplaceRules runs delete-then-insert in its own transaction when called
// outside a tutor scope.
func (s *Store) ReplaceRules(ctx context.Context, tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	out, err := queries{q: sqlTx, now: s.now}.ReplaceRules(ctx, tutorID, rules)
	if err != nil {
		return nil, err
	}
	return out, sqlTx.Commit()
}

type txView struct {
	queries
}

func (v *txView) Availability() calendar.AvailabilityStore { return v.queries }
func (v *txView) Ledger() calendar.BookingLedger { return v.queries }

// =============================================================================
// QUERIES - shared by the pool and transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q   querier
	now func() time.Time
}

// =============================================================================
// TUTOR DIRECTORY
// =============================================================================

func (qs queries) SaveTutor(ctx context.Context, t calendar.Tutor) (calendar.Tutor, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = qs.now().UTC()
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO tutors (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, t.ID, t.Name, formatTime(t.CreatedAt))
	if err != nil {
		return calendar.Tutor{}, fmt.Errorf("failed to save tutor: %w", err)
	}
	return qs.GetTutor(ctx, t.ID)
}

func (qs queries) GetTutor(ctx context.Context, id calendar.TutorID) (calendar.Tutor, error) {
	var (
		t         calendar.Tutor
		createdAt string
	)
	err := qs.q.QueryRowContext(ctx, `SELECT id, name, created_at FROM tutors WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Tutor{}, calendar.NotFound("tutor", id)
	}
	if err != nil {
		return calendar.Tutor{}, fmt.Errorf("failed to get tutor: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// AVAILABILITY RULES
// =============================================================================

const ruleColumns = `id, tutor_id, day_of_week, start_minute, end_minute, created_at, updated_at`

func (qs queries) GetRules(ctx context.Context, tutorID calendar.TutorID) ([]calendar.AvailabilityRule, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM availability_rules
		WHERE tutor_id = ?
		ORDER BY day_of_week, start_minute
	`, tutorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []calendar.AvailabilityRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (qs queries) GetRule(ctx context.Context, tutorID calendar.TutorID, id calendar.RuleID) (calendar.AvailabilityRule, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM availability_rules WHERE tutor_id = ? AND id = ?
	`, tutorID, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.AvailabilityRule{}, calendar.NotFound("rule", id)
	}
	return r, err
}

func (qs queries) CreateRule(ctx context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	now := qs.now().UTC()
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO availability_rules (tutor_id, day_of_week, start_minute, end_minute, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rule.TutorID, int(rule.Weekday), int(rule.StartTime), int(rule.EndTime), formatTime(now), formatTime(now))
	if err != nil {
		return calendar.AvailabilityRule{}, fmt.Errorf("failed to create rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return calendar.AvailabilityRule{}, fmt.Errorf("failed to read rule id: %w", err)
	}
	return qs.GetRule(ctx, rule.TutorID, calendar.RuleID(id))
}

func (qs queries) UpdateRule(ctx context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE availability_rules
		SET day_of_week = ?, start_minute = ?, end_minute = ?, updated_at = ?
		WHERE tutor_id = ? AND id = ?
	`, int(rule.Weekday), int(rule.StartTime), int(rule.EndTime), formatTime(qs.now()), rule.TutorID, rule.ID)
	if err != nil {
		return calendar.AvailabilityRule{}, fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return calendar.AvailabilityRule{}, calendar.NotFound("rule", rule.ID)
	}
	return qs.GetRule(ctx, rule.TutorID, rule.ID)
}

func (qs queries) DeleteRule(ctx context.Context, tutorID calendar.TutorID, id calendar.RuleID) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM availability_rules WHERE tutor_id = ? AND id = ?`, tutorID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return calendar.NotFound("rule", id)
	}
	return nil
}

func (qs queries) ReplaceRules(ctx context.Context, tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, error) {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM availability_rules WHERE tutor_id = ?`, tutorID); err != nil {
		return nil, fmt.Errorf("failed to clear rules: %w", err)
	}
	for _, r := range rules {
		r.TutorID = tutorID
		if _, err := qs.CreateRule(ctx, r); err != nil {
			return nil, err
		}
	}
	return qs.GetRules(ctx, tutorID)
}

// =============================================================================
// AVAILABILITY EXCEPTIONS
// =============================================================================

const exceptionColumns = `id, tutor_id, date, start_minute, end_minute, is_available, reason, created_at, updated_at`

func (qs queries) GetExceptions(ctx context.Context, tutorID calendar.TutorID, date calendar.Date) ([]calendar.AvailabilityException, error) {
	return qs.GetExceptionsInRange(ctx, tutorID, calendar.DateRange{From: date, To: date})
}

func (qs queries) GetExceptionsInRange(ctx context.Context, tutorID calendar.TutorID, r calendar.DateRange) ([]calendar.AvailabilityException, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+exceptionColumns+` FROM availability_exceptions
		WHERE tutor_id = ? AND date >= ? AND date <= ?
		ORDER BY date, start_minute
	`, tutorID, r.From.String(), r.To.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query exceptions: %w", err)
	}
	defer rows.Close()

	var excs []calendar.AvailabilityException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		excs = append(excs, e)
	}
	return excs, rows.Err()
}

func (qs queries) GetException(ctx context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) (calendar.AvailabilityException, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+` FROM availability_exceptions WHERE tutor_id = ? AND id = ?
	`, tutorID, id)
	e, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.AvailabilityException{}, calendar.NotFound("exception", id)
	}
	return e, err
}

func (qs queries) CreateException(ctx context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	now := formatTime(qs.now())
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO availability_exceptions
		(tutor_id, date, start_minute, end_minute, is_available, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, exc.TutorID, exc.Date.String(), int(exc.StartTime), int(exc.EndTime), exc.IsAvailable, exc.Reason, now, now)
	if err != nil {
		return calendar.AvailabilityException{}, fmt.Errorf("failed to create exception: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return calendar.AvailabilityException{}, fmt.Errorf("failed to read exception id: %w", err)
	}
	return qs.GetException(ctx, exc.TutorID, calendar.ExceptionID(id))
}

func (qs queries) UpdateException(ctx context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE availability_exceptions
		SET date = ?, start_minute = ?, end_minute = ?, is_available = ?, reason = ?, updated_at = ?
		WHERE tutor_id = ? AND id = ?
	`, exc.Date.String(), int(exc.StartTime), int(exc.EndTime), exc.IsAvailable, exc.Reason, formatTime(qs.now()), exc.TutorID, exc.ID)
	if err != nil {
		return calendar.AvailabilityException{}, fmt.Errorf("failed to update exception: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return calendar.AvailabilityException{}, calendar.NotFound("exception", exc.ID)
	}
	return qs.GetException(ctx, exc.TutorID, exc.ID)
}

func (qs queries) DeleteException(ctx context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM availability_exceptions WHERE tutor_id = ? AND id = ?`, tutorID, id)
	if err != nil {
		return fmt.Errorf("failed to delete exception: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return calendar.NotFound("exception", id)
	}
	return nil
}

// =============================================================================
// BOOKING LEDGER
// =============================================================================

const sessionColumns = `id, tutor_id, student_id, subject_id, start_at, end_at, status,
	created_at, updated_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancel_reason, notes, rescheduled_from`

func (qs queries) FindOverlapping(ctx context.Context, tutorID calendar.TutorID, start, end time.Time, statuses []calendar.SessionStatus) ([]calendar.BookedSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE tutor_id = ? AND start_at < ? AND end_at > ?`
	args := []any{tutorID, formatTime(end), formatTime(start)}
	if len(statuses) > 0 {
		clause, statusArgs := inStatuses(statuses)
		query += ` AND status IN ` + clause
		args = append(args, statusArgs...)
	}
	query += ` ORDER BY start_at`
	return qs.querySessions(ctx, query, args...)
}

func (qs queries) Insert(ctx context.Context, s calendar.BookedSession) (calendar.BookedSession, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = qs.now().UTC()
	}
	s.UpdatedAt = s.CreatedAt

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.TutorID, s.StudentID, s.SubjectID,
		formatTime(s.Start), formatTime(s.End), s.Status,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
		nullTime(s.StartedAt), nullTime(s.CompletedAt), nullTime(s.CancelledAt),
		s.CancelledBy, s.CancelReason, s.Notes, s.RescheduledFrom,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return calendar.BookedSession{}, fmt.Errorf("session %s already exists: %w", s.ID, err)
		}
		return calendar.BookedSession{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return qs.Get(ctx, s.ID)
}

// UpdateStatus applies u only if the stored status is unchanged since it
// was read, which makes the transition a compare-and-set.
func (qs queries) UpdateStatus(ctx context.Context, id calendar.SessionID, u calendar.StatusUpdate) (calendar.BookedSession, error) {
	current, err := qs.Get(ctx, id)
	if err != nil {
		return calendar.BookedSession{}, err
	}
	if len(u.Expect) > 0 && !current.StatusIn(u.Expect) {
		return current, fmt.Errorf("update session %s to %s (is %s): %w", id, u.To, current.Status, calendar.ErrStatusMismatch)
	}
	if u.At.IsZero() {
		u.At = qs.now().UTC()
	}
	next := u.Apply(current)

	res, err := qs.q.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, updated_at = ?, started_at = ?, completed_at = ?, cancelled_at = ?,
		    cancelled_by = ?, cancel_reason = ?, notes = ?
		WHERE id = ? AND status = ?
	`,
		next.Status, formatTime(next.UpdatedAt),
		nullTime(next.StartedAt), nullTime(next.CompletedAt), nullTime(next.CancelledAt),
		next.CancelledBy, next.CancelReason, next.Notes,
		id, current.Status,
	)
	if err != nil {
		return calendar.BookedSession{}, fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return current, fmt.Errorf("update session %s to %s: %w", id, u.To, calendar.ErrStatusMismatch)
	}
	return qs.Get(ctx, id)
}

func (qs queries) Get(ctx context.Context, id calendar.SessionID) (calendar.BookedSession, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.BookedSession{}, calendar.NotFound("session", id)
	}
	return s, err
}

func (qs queries) ListSessions(ctx context.Context, f calendar.SessionFilter) ([]calendar.BookedSession, error) {
	var (
		where []string
		args  []any
	)
	if f.TutorID != "" {
		where = append(where, "tutor_id = ?")
		args = append(args, f.TutorID)
	}
	if f.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if len(f.Statuses) > 0 {
		clause, statusArgs := inStatuses(f.Statuses)
		where = append(where, "status IN "+clause)
		args = append(args, statusArgs...)
	}
	if f.From != nil {
		where = append(where, "end_at > ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "start_at < ?")
		args = append(args, formatTime(*f.To))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return qs.querySessions(ctx, query, args...)
}

func (qs queries) querySessions(ctx context.Context, query string, args ...any) ([]calendar.BookedSession, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []calendar.BookedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (calendar.AvailabilityRule, error) {
	var (
		r                    calendar.AvailabilityRule
		weekday, start, end  int
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.TutorID, &weekday, &start, &end, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan rule: %w", err)
	}
	r.Weekday = time.Weekday(weekday)
	r.StartTime = calendar.Clock(start)
	r.EndTime = calendar.Clock(end)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func scanException(row scanner) (calendar.AvailabilityException, error) {
	var (
		e                    calendar.AvailabilityException
		date                 string
		start, end           int
		createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &e.TutorID, &date, &start, &end, &e.IsAvailable, &e.Reason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan exception: %w", err)
	}
	d, err := calendar.ParseDate(date)
	if err != nil {
		return e, fmt.Errorf("failed to parse exception date: %w", err)
	}
	e.Date = d
	e.StartTime = calendar.Clock(start)
	e.EndTime = calendar.Clock(end)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func scanSession(row scanner) (calendar.BookedSession, error) {
	var (
		s                                   calendar.BookedSession
		start, end, createdAt, updatedAt    string
		startedAt, completedAt, cancelledAt sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.TutorID, &s.StudentID, &s.SubjectID,
		&start, &end, &s.Status, &createdAt, &updatedAt,
		&startedAt, &completedAt, &cancelledAt,
		&s.CancelledBy, &s.CancelReason, &s.Notes, &s.RescheduledFrom,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan session: %w", err)
	}
	s.Start = parseTime(start)
	s.End = parseTime(end)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.StartedAt = parseNullTime(startedAt)
	s.CompletedAt = parseNullTime(completedAt)
	s.CancelledAt = parseNullTime(cancelledAt)
	return s, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func inStatuses(statuses []calendar.SessionStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return "(" + strings.Join(placeholders, ", ") + ")", args
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
