// Package postgres implements the enrollment store over PostgreSQL.
// Each mutation is one pgx transaction holding row locks on the student and talks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// Store handles persistence for enrollments and their reference data.
type Store struct {
	db *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.Ping(ctx))
}

// Enroll performs a concurrency-safe admission inside one transaction.
//
// ─────────────────────────────────────────────────────────────────────────────
// RACE CONDITION EXPLAINED
// ─────────────────────────────────────────────────────────────────────────────
//
// Naive read-then-write approach (BROKEN):
//
//	request A: SELECT COUNT(*) FROM enrollments WHERE talk_id = X  → 29
//	request B: SELECT COUNT(*) FROM enrollments WHERE talk_id = X  → 29
//	request A: capacity=30, 29 < 30, OK → INSERT enrollment
//	request B: capacity=30, 29 < 30, OK → INSERT enrollment
//	Result: 31 students in a 30-seat room.
//
// The same interleaving on one student (a double-clicked "enroll" on two
// talks of the same session) gives them two talks in one session.
//
// SOLUTION: Pessimistic locking with SELECT … FOR UPDATE
//
//	The student row is locked first, then the talk row. A second request for
//	the same talk or the same student blocks on the lock until the first
//	commits, and then reads the count and enrollments the first one wrote.
//	Locks are always taken student-first and talks in ID order, so two
//	requests can never wait on each other in a cycle.
//
//	The unique constraints on (student_id, talk_id) and (student_id, session)
//	back the session rule at the schema level.
//
// ─────────────────────────────────────────────────────────────────────────────
func (s *Store) Enroll(ctx context.Context, studentID, talkID string) (model.Enrollment, error) {
	var enr model.Enrollment
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// ── Step 1: Lock the student and read what they already hold. ──────
		held, err := lockStudent(ctx, tx, studentID)
		if err != nil {
			return err
		}

		// ── Step 2: Lock the talk, then read capacity and occupancy. ───────
		if err := lockTalks(ctx, tx, talkID); err != nil {
			return err
		}
		snap, err := talkSnapshot(ctx, tx, talkID)
		if err != nil {
			return err
		}
		snap.Held = held

		// ── Step 3: Decide. ────────────────────────────────────────────────
		if err := admission.Decide(studentID, talkID, snap); err != nil {
			return err
		}

		// ── Step 4: Create the enrollment record. ──────────────────────────
		enr, err = insertEnrollment(ctx, tx, studentID, *snap.Talk)
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	return enr, nil
}

// Withdraw deletes the enrollment, reporting whether one existed. The
// student row is locked so a withdrawal never interleaves with an admission
// decision for the same student.
func (s *Store) Withdraw(ctx context.Context, studentID, talkID string) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM students WHERE id = $1 FOR UPDATE`, studentID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock student row: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM enrollments WHERE student_id = $1 AND talk_id = $2`,
			studentID, talkID,
		)
		if err != nil {
			return fmt.Errorf("delete enrollment: %w", err)
		}
		removed = tag.RowsAffected() > 0
		return nil
	})
	return removed, err
}

// ChangeEnrollment swaps oldTalkID for newTalkID in one transaction, holding
// the student and both talks locked.
func (s *Store) ChangeEnrollment(ctx context.Context, studentID, oldTalkID, newTalkID string) (model.Enrollment, error) {
	var enr model.Enrollment
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		held, err := lockStudent(ctx, tx, studentID)
		if err != nil {
			return err
		}
		if err := lockTalks(ctx, tx, oldTalkID, newTalkID); err != nil {
			return err
		}
		if !holds(held, oldTalkID) {
			return admission.NotFound("enrollment in talk " + oldTalkID)
		}
		snap, err := talkSnapshot(ctx, tx, newTalkID)
		if err != nil {
			return err
		}
		snap.Held = admission.Without(held, oldTalkID)
		if err := admission.Decide(studentID, newTalkID, snap); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM enrollments WHERE student_id = $1 AND talk_id = $2`,
			studentID, oldTalkID,
		); err != nil {
			return fmt.Errorf("delete enrollment: %w", err)
		}
		enr, err = insertEnrollment(ctx, tx, studentID, *snap.Talk)
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	return enr, nil
}

// inTx runs fn in a transaction. The transaction is always resolved.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return classify(err)
	}
	// Commit: only now does any other request see the change.
	if err = tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func holds(held []model.Enrollment, talkID string) bool {
	for _, e := range held {
		if e.TalkID == talkID {
			return true
		}
	}
	return false
}

// lockStudent takes the student's row lock and returns their enrollments.
func lockStudent(ctx context.Context, tx pgx.Tx, studentID string) ([]model.Enrollment, error) {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM students WHERE id = $1 FOR UPDATE`, studentID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, admission.NotFound("student " + studentID)
		}
		return nil, fmt.Errorf("lock student row: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT id, student_id, talk_id, session, enrolled_at
		 FROM enrollments WHERE student_id = $1`,
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	defer rows.Close()

	var held []model.Enrollment
	for rows.Next() {
		var (
			e       model.Enrollment
			session int16
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.TalkID, &session, &e.EnrolledAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		e.Session = model.Session(session)
		held = append(held, e)
	}
	return held, rows.Err()
}

// lockTalks takes the row locks of the given talks in ID order. Missing
// talks are reported by talkSnapshot.
func lockTalks(ctx context.Context, tx pgx.Tx, talkIDs ...string) error {
	rows, err := tx.Query(ctx,
		`SELECT id FROM talks WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		talkIDs,
	)
	if err != nil {
		return fmt.Errorf("lock talk rows: %w", err)
	}
	rows.Close()
	return rows.Err()
}

// talkSnapshot reads the talk, its capacity and its current enrollment count.
func talkSnapshot(ctx context.Context, tx pgx.Tx, talkID string) (admission.Snapshot, error) {
	l, err := scanListing(tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM talk_listing WHERE id = $1`, talkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admission.Snapshot{}, admission.NotFound("talk " + talkID)
		}
		return admission.Snapshot{}, fmt.Errorf("load talk: %w", err)
	}
	t := l.Talk
	return admission.Snapshot{Talk: &t, Enrolled: l.Enrolled}, nil
}

func insertEnrollment(ctx context.Context, tx pgx.Tx, studentID string, t model.Talk) (model.Enrollment, error) {
	enr := model.Enrollment{
		ID:         uuid.New().String(),
		StudentID:  studentID,
		TalkID:     t.ID,
		Session:    t.Session,
		EnrolledAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO enrollments (id, student_id, talk_id, session, enrolled_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		enr.ID, enr.StudentID, enr.TalkID, int16(enr.Session), enr.EnrolledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			switch pgErr.ConstraintName {
			case "enrollments_student_session_key":
				return model.Enrollment{}, admission.SessionAlreadyChosen(t.Session)
			case "enrollments_student_talk_key":
				return model.Enrollment{}, admission.ErrDuplicateEnrollment
			}
		}
		return model.Enrollment{}, fmt.Errorf("insert enrollment: %w", err)
	}
	return enr, nil
}

// PostgreSQL error codes the store reacts to.
const (
	codeRaiseException       = "P0001"
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
	classConnectionException = "08"
)

// classify maps driver failures onto admission kinds. Domain errors pass
// through unchanged.
func classify(err error) error {
	if err == nil || admission.KindOf(err) != admission.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return admission.Unavailable(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeRaiseException:
			if pgErr.Message == admission.RosterConflictCode {
				return fmt.Errorf("%s: %w", pgErr.Detail, admission.ErrRosterConflict)
			}
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
			codeTooManyConnections, codeAdminShutdown, codeCannotConnectNow:
			return admission.Unavailable(err)
		}
		if strings.HasPrefix(pgErr.Code, classConnectionException) {
			return admission.Unavailable(err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return admission.Unavailable(err)
	}
	return err
}
