/*
Package postgres provides a PostgreSQL-backed implementation of calendar.Store.

PURPOSE:
  Multi-instance persistence. Several API processes can share one database
  and still never double-book a tutor.

CONCURRENCY:
  WithTutorLock opens a READ COMMITTED transaction, sets a local
  lock_timeout and takes pg_advisory_xact_lock keyed by a hash of the tutor
  ID. The lock is held until commit or rollback, so the overlap check and
  insert in the reservation engine are serialized per tutor across all
  processes. A wait that exceeds lock_timeout (SQLSTATE 55P03) surfaces as
  calendar.ErrLockTimeout.

SAFETY NET:
  The sessions_no_overlap exclusion constraint rejects two active sessions
  for the same tutor whose ranges intersect. A violation (SQLSTATE 23P01)
  surfaces as calendar.ErrOverlap.

SCHEMA:
  Managed by goose; see migrations/ and Migrate.

SEE ALSO:
  - calendar/store.go: Interface definitions
  - store/sqlite: Single-node alternative
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/booking-engine/calendar"
)

const (
	codeExclusionViolation = "23P01"
	codeLockNotAvailable   = "55P03"
)

// Store implements calendar.Store on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ calendar.Store = (*Store)(nil)

// Open connects to dsn, applies migrations and returns a store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		queries: queries{q: pool, now: time.Now},
		pool:    pool,
	}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Reset deletes all data (for demos and tests).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE sessions, availability_exceptions, availability_rules, tutors RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTutorLock runs fn inside a transaction holding the tutor's advisory lock.
func (s *Store) WithTutorLock(ctx context.Context, tutorID calendar.TutorID, wait time.Duration, fn func(context.Context, calendar.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if wait > 0 {
		// SET does not take bind parameters.
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", wait.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(tutorID)); err != nil {
		if isCode(err, codeLockNotAvailable) {
			return calendar.ErrLockTimeout
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("acquire tutor lock: %w", err)
	}
	if wait > 0 {
		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = 0"); err != nil {
			return fmt.Errorf("reset lock_timeout: %w", err)
		}
	}

	if err := fn(ctx, &txView{queries: queries{q: tx, now: s.now}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReplaceRules runs delete-then-insert in its own transaction.
func (s *Store) ReplaceRules(ctx context.Context, tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, error) {
	var out []calendar.AvailabilityRule
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = queries{q: tx, now: s.now}.ReplaceRules(ctx, tutorID, rules)
		return err
	})
	return out, err
}

type txView struct {
	queries
}

func (v *txView) Availability() calendar.AvailabilityStore { return v.queries }
func (v *txView) Ledger() calendar.BookingLedger { return v.queries }

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q   querier
	now func() time.Time
}

func (qs queries) SaveTutor(ctx context.Context, t calendar.Tutor) (calendar.Tutor, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = qs.now().UTC()
	}
	var out calendar.Tutor
	err := qs.q.QueryRow(ctx, `
		INSERT INTO tutors (id, name, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`, string(t.ID), t.Name, t.CreatedAt).Scan(&out.ID, &out.Name, &out.CreatedAt)
	if err != nil {
		return calendar.Tutor{}, fmt.Errorf("save tutor: %w", err)
	}
	return out, nil
}

func (qs queries) GetTutor(ctx context.Context, id calendar.TutorID) (calendar.Tutor, error) {
	var t calendar.Tutor
	err := qs.q.QueryRow(ctx, `SELECT id, name, created_at FROM tutors WHERE id = $1`, string(id)).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.Tutor{}, calendar.NotFound("tutor", id)
	}
	if err != nil {
		return calendar.Tutor{}, fmt.Errorf("get tutor: %w", err)
	}
	return t, nil
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, tutor_id, day_of_week, start_minute, end_minute, created_at, updated_at`

func (qs queries) GetRules(ctx context.Context, tutorID calendar.TutorID) ([]calendar.AvailabilityRule, error) {
	rows, err := qs.q.Query(ctx, `
		SELECT `+ruleColumns+` FROM availability_rules
		WHERE tutor_id = $1
		ORDER BY day_of_week, start_minute
	`, string(tutorID))
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
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
	r, err := scanRule(qs.q.QueryRow(ctx, `
		SELECT `+ruleColumns+` FROM availability_rules WHERE tutor_id = $1 AND id = $2
	`, string(tutorID), int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.AvailabilityRule{}, calendar.NotFound("rule", id)
	}
	return r, err
}

func (qs queries) CreateRule(ctx context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	now := qs.now().UTC()
	r, err := scanRule(qs.q.QueryRow(ctx, `
		INSERT INTO availability_rules (tutor_id, day_of_week, start_minute, end_minute, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+ruleColumns,
		string(rule.TutorID), int(rule.Weekday), int(rule.StartTime), int(rule.EndTime), now))
	if err != nil {
		return calendar.AvailabilityRule{}, fmt.Errorf("create rule: %w", err)
	}
	return r, nil
}

func (qs queries) UpdateRule(ctx context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	r, err := scanRule(qs.q.QueryRow(ctx, `
		UPDATE availability_rules
		SET day_of_week = $1, start_minute = $2, end_minute = $3, updated_at = $4
		WHERE tutor_id = $5 AND id = $6
		RETURNING `+ruleColumns,
		int(rule.Weekday), int(rule.StartTime), int(rule.EndTime), qs.now().UTC(), string(rule.TutorID), int64(rule.ID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.AvailabilityRule{}, calendar.NotFound("rule", rule.ID)
	}
	if err != nil {
		return calendar.AvailabilityRule{}, fmt.Errorf("update rule: %w", err)
	}
	return r, nil
}

func (qs queries) DeleteRule(ctx context.Context, tutorID calendar.TutorID, id calendar.RuleID) error {
	tag, err := qs.q.Exec(ctx, `DELETE FROM availability_rules WHERE tutor_id = $1 AND id = $2`, string(tutorID), int64(id))
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return calendar.NotFound("rule", id)
	}
	return nil
}

func (qs queries) ReplaceRules(ctx context.Context, tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, error) {
	if _, err := qs.q.Exec(ctx, `DELETE FROM availability_rules WHERE tutor_id = $1`, string(tutorID)); err != nil {
		return nil, fmt.Errorf("clear rules: %w", err)
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
// EXCEPTIONS
// =============================================================================

const exceptionColumns = `id, tutor_id, date, start_minute, end_minute, is_available, reason, created_at, updated_at`

func (qs queries) GetExceptions(ctx context.Context, tutorID calendar.TutorID, date calendar.Date) ([]calendar.AvailabilityException, error) {
	return qs.GetExceptionsInRange(ctx, tutorID, calendar.DateRange{From: date, To: date})
}

func (qs queries) GetExceptionsInRange(ctx context.Context, tutorID calendar.TutorID, r calendar.DateRange) ([]calendar.AvailabilityException, error) {
	rows, err := qs.q.Query(ctx, `
		SELECT `+exceptionColumns+` FROM availability_exceptions
		WHERE tutor_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, start_minute
	`, string(tutorID), dateValue(r.From), dateValue(r.To))
	if err != nil {
		return nil, fmt.Errorf("query exceptions: %w", err)
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
	e, err := scanException(qs.q.QueryRow(ctx, `
		SELECT `+exceptionColumns+` FROM availability_exceptions WHERE tutor_id = $1 AND id = $2
	`, string(tutorID), int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.AvailabilityException{}, calendar.NotFound("exception", id)
	}
	return e, err
}

func (qs queries) CreateException(ctx context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	e, err := scanException(qs.q.QueryRow(ctx, `
		INSERT INTO availability_exceptions
		(tutor_id, date, start_minute, end_minute, is_available, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+exceptionColumns,
		string(exc.TutorID), dateValue(exc.Date), int(exc.StartTime), int(exc.EndTime), exc.IsAvailable, exc.Reason, qs.now().UTC()))
	if err != nil {
		return calendar.AvailabilityException{}, fmt.Errorf("create exception: %w", err)
	}
	return e, nil
}

func (qs queries) UpdateException(ctx context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	e, err := scanException(qs.q.QueryRow(ctx, `
		UPDATE availability_exceptions
		SET date = $1, start_minute = $2, end_minute = $3, is_available = $4, reason = $5, updated_at = $6
		WHERE tutor_id = $7 AND id = $8
		RETURNING `+exceptionColumns,
		dateValue(exc.Date), int(exc.StartTime), int(exc.EndTime), exc.IsAvailable, exc.Reason, qs.now().UTC(),
		string(exc.TutorID), int64(exc.ID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.AvailabilityException{}, calendar.NotFound("exception", exc.ID)
	}
	if err != nil {
		return calendar.AvailabilityException{}, fmt.Errorf("update exception: %w", err)
	}
	return e, nil
}

func (qs queries) DeleteException(ctx context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) error {
	tag, err := qs.q.Exec(ctx, `DELETE FROM availability_exceptions WHERE tutor_id = $1 AND id = $2`, string(tutorID), int64(id))
	if err != nil {
		return fmt.Errorf("delete exception: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return calendar.NotFound("exception", id)
	}
	return nil
}

// =============================================================================
// SESSIONS
// =============================================================================

const sessionColumns = `id, tutor_id, student_id, subject_id, start_at, end_at, status,
	created_at, updated_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancel_reason, notes, rescheduled_from`

func (qs queries) FindOverlapping(ctx context.Context, tutorID calendar.TutorID, start, end time.Time, statuses []calendar.SessionStatus) ([]calendar.BookedSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE tutor_id = $1 AND start_at < $2 AND end_at > $3`
	args := []any{string(tutorID), end, start}
	if len(statuses) > 0 {
		query += ` AND status = ANY($4)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY start_at`
	return qs.querySessions(ctx, query, args...)
}

func (qs queries) Insert(ctx context.Context, s calendar.BookedSession) (calendar.BookedSession, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = qs.now().UTC()
	}
	s.UpdatedAt = s.CreatedAt

	out, err := scanSession(qs.q.QueryRow(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+sessionColumns,
		string(s.ID), string(s.TutorID), string(s.StudentID), string(s.SubjectID),
		s.Start, s.End, string(s.Status), s.CreatedAt, s.UpdatedAt,
		s.StartedAt, s.CompletedAt, s.CancelledAt,
		s.CancelledBy, s.CancelReason, s.Notes, string(s.RescheduledFrom),
	))
	if isCode(err, codeExclusionViolation) {
		return calendar.BookedSession{}, fmt.Errorf("insert session %s: %w", s.ID, calendar.ErrOverlap)
	}
	if err != nil {
		return calendar.BookedSession{}, fmt.Errorf("insert session: %w", err)
	}
	return out, nil
}

// UpdateStatus is a compare-and-set on the status column.
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

	out, err := scanSession(qs.q.QueryRow(ctx, `
		UPDATE sessions
		SET status = $1, updated_at = $2, started_at = $3, completed_at = $4, cancelled_at = $5,
		    cancelled_by = $6, cancel_reason = $7, notes = $8
		WHERE id = $9 AND status = $10
		RETURNING `+sessionColumns,
		string(next.Status), next.UpdatedAt, next.StartedAt, next.CompletedAt, next.CancelledAt,
		next.CancelledBy, next.CancelReason, next.Notes,
		string(id), string(current.Status),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return current, fmt.Errorf("update session %s to %s: %w", id, u.To, calendar.ErrStatusMismatch)
	}
	if err != nil {
		return calendar.BookedSession{}, fmt.Errorf("update session: %w", err)
	}
	return out, nil
}

func (qs queries) Get(ctx context.Context, id calendar.SessionID) (calendar.BookedSession, error) {
	s, err := scanSession(qs.q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.BookedSession{}, calendar.NotFound("session", id)
	}
	return s, err
}

func (qs queries) ListSessions(ctx context.Context, f calendar.SessionFilter) ([]calendar.BookedSession, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TutorID != "" {
		where = append(where, "tutor_id = "+arg(string(f.TutorID)))
	}
	if f.StudentID != "" {
		where = append(where, "student_id = "+arg(string(f.StudentID)))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(f.Statuses))+")")
	}
	if f.From != nil {
		where = append(where, "end_at > "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "start_at < "+arg(*f.To))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	return qs.querySessions(ctx, query, args...)
}

func (qs queries) querySessions(ctx context.Context, query string, args ...any) ([]calendar.BookedSession, error) {
	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
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
// SCANNING & HELPERS
// =============================================================================

func scanRule(row pgx.Row) (calendar.AvailabilityRule, error) {
	var (
		r                   calendar.AvailabilityRule
		id                  int64
		tutorID             string
		weekday, start, end int32
	)
	if err := row.Scan(&id, &tutorID, &weekday, &start, &end, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.ID = calendar.RuleID(id)
	r.TutorID = calendar.TutorID(tutorID)
	r.Weekday = time.Weekday(weekday)
	r.StartTime = calendar.Clock(start)
	r.EndTime = calendar.Clock(end)
	return r, nil
}

func scanException(row pgx.Row) (calendar.AvailabilityException, error) {
	var (
		e          calendar.AvailabilityException
		id         int64
		tutorID    string
		date       time.Time
		start, end int32
	)
	err := row.Scan(&id, &tutorID, &date, &start, &end, &e.IsAvailable, &e.Reason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.ID = calendar.ExceptionID(id)
	e.TutorID = calendar.TutorID(tutorID)
	e.Date = calendar.DateOf(date)
	e.StartTime = calendar.Clock(start)
	e.EndTime = calendar.Clock(end)
	return e, nil
}

func scanSession(row pgx.Row) (calendar.BookedSession, error) {
	var (
		s                                             calendar.BookedSession
		id, tutorID, studentID, subjectID, status, rf string
	)
	err := row.Scan(
		&id, &tutorID, &studentID, &subjectID, &s.Start, &s.End, &status,
		&s.CreatedAt, &s.UpdatedAt, &s.StartedAt, &s.CompletedAt, &s.CancelledAt,
		&s.CancelledBy, &s.CancelReason, &s.Notes, &rf,
	)
	if err != nil {
		return s, err
	}
	s.ID = calendar.SessionID(id)
	s.TutorID = calendar.TutorID(tutorID)
	s.StudentID = calendar.StudentID(studentID)
	s.SubjectID = calendar.SubjectID(subjectID)
	s.Status = calendar.SessionStatus(status)
	s.RescheduledFrom = calendar.SessionID(rf)
	return s, nil
}

// dateValue encodes a civil date for a DATE column.
func dateValue(d calendar.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func statusStrings(statuses []calendar.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
