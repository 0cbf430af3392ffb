package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

const listingColumns = `id, session, topic, description,
	speaker_id, speaker_name, speaker_photo_url, speaker_bio,
	location_id, location_name, capacity, enrolled`

func scanListing(row pgx.Row, extra ...any) (model.TalkListing, error) {
	var (
		t       model.Talk
		sp      model.Speaker
		session int16
		count   int
	)
	dest := append([]any{
		&t.ID, &session, &t.Topic, &t.Description,
		&sp.ID, &sp.Name, &sp.PhotoURL, &sp.Bio,
		&t.Location.ID, &t.Location.Name, &t.Location.Capacity, &count,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.TalkListing{}, err
	}
	t.Session = model.Session(session)
	if sp.ID != "" {
		t.Speaker = &sp
	}
	return model.NewTalkListing(t, count), nil
}

// StudentEnrollments returns the student's enrollments with their talks,
// ordered by session.
func (s *Store) StudentEnrollments(ctx context.Context, studentID string) ([]model.EnrollmentDetail, error) {
	if err := s.studentExists(ctx, studentID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+listingColumns+`, enrollment_id, student_id, enrolled_at
		 FROM enrollment_detail
		 WHERE student_id = $1
		 ORDER BY session`,
		studentID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list enrollments: %w", err))
	}
	defer rows.Close()

	var out []model.EnrollmentDetail
	for rows.Next() {
		var d model.EnrollmentDetail
		l, err := scanListing(rows, &d.ID, &d.StudentID, &d.EnrolledAt)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		d.Talk = l.Talk
		d.TalkID = l.ID
		d.Session = l.Session
		out = append(out, d)
	}
	return out, classify(rows.Err())
}

func (s *Store) studentExists(ctx context.Context, studentID string) error {
	var id string
	err := s.db.QueryRow(ctx, `SELECT id FROM students WHERE id = $1`, studentID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admission.NotFound("student " + studentID)
		}
		return classify(fmt.Errorf("get student: %w", err))
	}
	return nil
}

// Occupancy returns the capacity and current enrollment count of a talk.
func (s *Store) Occupancy(ctx context.Context, talkID string) (model.Occupancy, error) {
	occ := model.Occupancy{TalkID: talkID}
	err := s.db.QueryRow(ctx,
		`SELECT capacity, enrolled FROM talk_listing WHERE id = $1`, talkID,
	).Scan(&occ.Capacity, &occ.Enrolled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Occupancy{}, admission.NotFound("talk " + talkID)
		}
		return model.Occupancy{}, classify(fmt.Errorf("occupancy: %w", err))
	}
	return occ, nil
}

// StudentByNIS looks a student up by enrollment number.
func (s *Store) StudentByNIS(ctx context.Context, nis string) (model.Student, error) {
	var st model.Student
	err := s.db.QueryRow(ctx,
		`SELECT id, nis, name, class FROM students WHERE nis = $1`, nis,
	).Scan(&st.ID, &st.NIS, &st.Name, &st.Class)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Student{}, admission.NotFound("student with NIS " + nis)
		}
		return model.Student{}, classify(fmt.Errorf("get student: %w", err))
	}
	return st, nil
}

// ListTalks returns talks with live occupancy; session 0 means all sessions.
func (s *Store) ListTalks(ctx context.Context, session model.Session) ([]model.TalkListing, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+listingColumns+`
		 FROM talk_listing
		 WHERE $1 = 0 OR session = $1
		 ORDER BY session, topic`,
		int16(session),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list talks: %w", err))
	}
	defer rows.Close()

	var out []model.TalkListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan talk: %w", err)
		}
		out = append(out, l)
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
		args = append(args, filter.Classes)
		where = append(where, fmt.Sprintf("class = ANY($%d)", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%[1]d OR nis ILIKE $%[1]d)", len(args)))
	}

	query := `SELECT id, nis, name, class,
			session_1_topic, session_1_location, session_2_topic, session_2_location
		FROM student_enrollment_overview`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY class, name"

	rows, err := s.db.Query(ctx, query, args...)
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

// ImportRoster upserts locations, speakers, talks and students in one
// transaction. Existing enrollments are left untouched; the roster guard
// triggers roll back an import that would contradict them, reported as
// admission.ErrRosterConflict.
func (s *Store) ImportRoster(ctx context.Context, r model.Roster) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, l := range r.Locations {
			batch.Queue(
				`INSERT INTO locations (id, name, capacity) VALUES ($1, $2, $3)
				 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, capacity = EXCLUDED.capacity`,
				l.ID, l.Name, l.Capacity,
			)
		}
		for _, sp := range r.Speakers {
			batch.Queue(
				`INSERT INTO speakers (id, name, photo_url, bio) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, photo_url = EXCLUDED.photo_url, bio = EXCLUDED.bio`,
				sp.ID, sp.Name, sp.PhotoURL, sp.Bio,
			)
		}
		for _, t := range r.Talks {
			var speaker *string
			if t.SpeakerID != "" {
				speaker = &t.SpeakerID
			}
			batch.Queue(
				`INSERT INTO talks (id, session, topic, description, speaker_id, location_id) VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO UPDATE SET session = EXCLUDED.session, topic = EXCLUDED.topic,
					description = EXCLUDED.description, speaker_id = EXCLUDED.speaker_id, location_id = EXCLUDED.location_id`,
				t.ID, int16(t.Session), t.Topic, t.Description, speaker, t.LocationID,
			)
		}
		for _, st := range r.Students {
			batch.Queue(
				`INSERT INTO students (id, nis, name, class) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (id) DO UPDATE SET nis = EXCLUDED.nis, name = EXCLUDED.name, class = EXCLUDED.class`,
				st.ID, st.NIS, st.Name, st.Class,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("import roster: %w", err)
		}
		return nil
	})
}
