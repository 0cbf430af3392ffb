package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// StudentEnrollments returns the student's enrollments with their talks,
// ordered by session.
func (s *Store) StudentEnrollments(ctx context.Context, studentID string) ([]model.EnrollmentDetail, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM students WHERE id = ?`, studentID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, admission.NotFound("student " + studentID)
		}
		return nil, classify(fmt.Errorf("load student: %w", err))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+talkColumns+`, e.id, e.student_id, e.talk_id, e.session, e.enrolled_at`+
			talkFrom+`
		 JOIN enrollments e ON e.talk_id = t.id
		 WHERE e.student_id = ?
		 ORDER BY e.session`,
		studentID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list enrollments: %w", err))
	}
	defer rows.Close()

	var out []model.EnrollmentDetail
	for rows.Next() {
		var (
			d  model.EnrollmentDetail
			at int64
		)
		d.Talk, err = scanTalk(rows, &d.ID, &d.StudentID, &d.TalkID, &d.Session, &at)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		d.EnrolledAt = fromMillis(at)
		out = append(out, d)
	}
	return out, classify(rows.Err())
}

// Occupancy returns the capacity and current enrollment count of a talk.
func (s *Store) Occupancy(ctx context.Context, talkID string) (model.Occupancy, error) {
	occ := model.Occupancy{TalkID: talkID}
	err := s.db.QueryRowContext(ctx,
		`SELECT l.capacity, (SELECT COUNT(*) FROM enrollments e WHERE e.talk_id = t.id)
		 FROM talks t JOIN locations l ON l.id = t.location_id
		 WHERE t.id = ?`,
		talkID,
	).Scan(&occ.Capacity, &occ.Enrolled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Occupancy{}, admission.NotFound("talk " + talkID)
		}
		return model.Occupancy{}, classify(fmt.Errorf("occupancy: %w", err))
	}
	return occ, nil
}

// StudentByNIS looks a student up by enrollment number.
func (s *Store) StudentByNIS(ctx context.Context, nis string) (model.Student, error) {
	var st model.Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nis, name, class FROM students WHERE nis = ?`, nis,
	).Scan(&st.ID, &st.NIS, &st.Name, &st.Class)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Student{}, admission.NotFound("student with NIS " + nis)
		}
		return model.Student{}, classify(fmt.Errorf("get student: %w", err))
	}
	return st, nil
}

// ListTalks returns talks with live occupancy; session 0 means all sessions.
func (s *Store) ListTalks(ctx context.Context, session model.Session) ([]model.TalkListing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+talkColumns+`,
			(SELECT COUNT(*) FROM enrollments e WHERE e.talk_id = t.id)`+
			talkFrom+`
		 WHERE (?1 = 0 OR t.session = ?1)
		 ORDER BY t.session, t.topic`,
		int(session),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list talks: %w", err))
	}
	defer rows.Close()

	var out []model.TalkListing
	for rows.Next() {
		var count int
		t, err := scanTalk(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("scan talk: %w", err)
		}
		out = append(out, model.NewTalkListing(t, count))
	}
	return out, classify(rows.Err())
}

// StudentOverview returns one row per student with the topic and location
// chosen in each session, narrowed by class and search term.
func (s *Store) StudentOverview(ctx context.Context, filter model.OverviewFilter) ([]model.StudentOverview, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Classes) > 0 {
		marks := make([]string, len(filter.Classes))
		for i, c := range filter.Classes {
			marks[i] = "?"
			args = append(args, c)
		}
		where = append(where, "s.class IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Search != "" {
		pattern := "%" + escapeLike(filter.Search) + "%"
		where = append(where, `(s.name LIKE ? ESCAPE '\' OR s.nis LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	query := `SELECT s.id, s.nis, s.name, s.class,
			COALESCE(t1.topic, ''), COALESCE(l1.name, ''),
			COALESCE(t2.topic, ''), COALESCE(l2.name, '')
		FROM students s
		LEFT JOIN enrollments e1 ON e1.student_id = s.id AND e1.session = 1
		LEFT JOIN talks t1 ON t1.id = e1.talk_id
		LEFT JOIN locations l1 ON l1.id = t1.location_id
		LEFT JOIN enrollments e2 ON e2.student_id = s.id AND e2.session = 2
		LEFT JOIN talks t2 ON t2.id = e2.talk_id
		LEFT JOIN locations l2 ON l2.id = t2.location_id`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY s.class, s.name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("student overview: %w", err))
	}
	defer rows.Close()

	var out []model.StudentOverview
	for rows.Next() {
		var o model.StudentOverview
		if err := rows.Scan(&o.ID, &o.NIS, &o.Name, &o.Class,
			&o.Session1Topic, &o.Session1Location, &o.Session2Topic, &o.Session2Location); err != nil {
			return nil, fmt.Errorf("scan overview: %w", err)
		}
		out = append(out, o)
	}
	return out, classify(rows.Err())
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
