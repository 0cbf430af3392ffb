package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

const talkColumns = `
	t.id, t.session, t.topic, t.description,
	COALESCE(sp.id, ''), COALESCE(sp.name, ''), COALESCE(sp.photo_url, ''), COALESCE(sp.bio, ''),
	l.id, l.name, l.capacity`

const talkFrom = `
	FROM talks t
	JOIN locations l ON l.id = t.location_id
	LEFT JOIN speakers sp ON sp.id = t.speaker_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanTalk(row scanner, extra ...any) (model.Talk, error) {
	var (
		t  model.Talk
		sp model.Speaker
	)
	dest := append([]any{
		&t.ID, &t.Session, &t.Topic, &t.Description,
		&sp.ID, &sp.Name, &sp.PhotoURL, &sp.Bio,
		&t.Location.ID, &t.Location.Name, &t.Location.Capacity,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.Talk{}, err
	}
	if sp.ID != "" {
		t.Speaker = &sp
	}
	return t, nil
}

// Enroll admits the student into the talk inside one IMMEDIATE transaction.
func (s *Store) Enroll(ctx context.Context, studentID, talkID string) (model.Enrollment, error) {
	var enr model.Enrollment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		held, err := heldEnrollments(ctx, tx, studentID)
		if err != nil {
			return err
		}
		snap, err := talkSnapshot(ctx, tx, talkID)
		if err != nil {
			return err
		}
		snap.Held = held
		if err := admission.Decide(studentID, talkID, snap); err != nil {
			return err
		}
		enr, err = insertEnrollment(ctx, tx, studentID, *snap.Talk)
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	return enr, nil
}

// Withdraw deletes the enrollment, reporting whether one existed.
func (s *Store) Withdraw(ctx context.Context, studentID, talkID string) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = deleteEnrollment(ctx, tx, studentID, talkID)
		return err
	})
	return removed, err
}

// ChangeEnrollment swaps oldTalkID for newTalkID in one transaction.
func (s *Store) ChangeEnrollment(ctx context.Context, studentID, oldTalkID, newTalkID string) (model.Enrollment, error) {
	var enr model.Enrollment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		held, err := heldEnrollments(ctx, tx, studentID)
		if err != nil {
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
		if _, err := deleteEnrollment(ctx, tx, studentID, oldTalkID); err != nil {
			return err
		}
		enr, err = insertEnrollment(ctx, tx, studentID, *snap.Talk)
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	return enr, nil
}

func holds(held []model.Enrollment, talkID string) bool {
	for _, e := range held {
		if e.TalkID == talkID {
			return true
		}
	}
	return false
}

// heldEnrollments returns the student's enrollments, or NotFound when the
// student does not exist.
func heldEnrollments(ctx context.Context, tx *sql.Tx, studentID string) ([]model.Enrollment, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM students WHERE id = ?`, studentID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, admission.NotFound("student " + studentID)
		}
		return nil, fmt.Errorf("load student: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, student_id, talk_id, session, enrolled_at
		 FROM enrollments WHERE student_id = ?`,
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	defer rows.Close()

	var held []model.Enrollment
	for rows.Next() {
		var (
			e  model.Enrollment
			at int64
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.TalkID, &e.Session, &at); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		e.EnrolledAt = fromMillis(at)
		held = append(held, e)
	}
	return held, rows.Err()
}

// talkSnapshot loads the talk with its capacity and current enrollment count.
func talkSnapshot(ctx context.Context, tx *sql.Tx, talkID string) (admission.Snapshot, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT`+talkColumns+`,
			(SELECT COUNT(*) FROM enrollments e WHERE e.talk_id = t.id)`+
			talkFrom+`
		 WHERE t.id = ?`,
		talkID,
	)
	var count int
	t, err := scanTalk(row, &count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return admission.Snapshot{}, admission.NotFound("talk " + talkID)
		}
		return admission.Snapshot{}, fmt.Errorf("load talk: %w", err)
	}
	return admission.Snapshot{Talk: &t, Enrolled: count}, nil
}

func insertEnrollment(ctx context.Context, tx *sql.Tx, studentID string, t model.Talk) (model.Enrollment, error) {
	enr := model.Enrollment{
		ID:         uuid.New().String(),
		StudentID:  studentID,
		TalkID:     t.ID,
		Session:    t.Session,
		EnrolledAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO enrollments (id, student_id, talk_id, session, enrolled_at)
		 VALUES (?, ?, ?, ?, ?)`,
		enr.ID, enr.StudentID, enr.TalkID, enr.Session, toMillis(enr.EnrolledAt),
	)
	if err != nil {
		if derr := uniqueViolation(err); derr != nil {
			if errors.Is(derr, admission.ErrSessionAlreadyChosen) {
				return model.Enrollment{}, admission.SessionAlreadyChosen(t.Session)
			}
			return model.Enrollment{}, derr
		}
		return model.Enrollment{}, fmt.Errorf("insert enrollment: %w", err)
	}
	return enr, nil
}

func deleteEnrollment(ctx context.Context, tx *sql.Tx, studentID, talkID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM enrollments WHERE student_id = ? AND talk_id = ?`,
		studentID, talkID,
	)
	if err != nil {
		return false, fmt.Errorf("delete enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete enrollment: %w", err)
	}
	return n > 0, nil
}
