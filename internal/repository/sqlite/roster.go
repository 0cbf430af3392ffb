package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// ImportRoster upserts locations, speakers, talks and students in one
// transaction. Existing enrollments are left untouched; an import that
// would contradict them is rolled back with admission.ErrRosterConflict.
func (s *Store) ImportRoster(ctx context.Context, r model.Roster) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, l := range r.Locations {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO locations (id, name, capacity) VALUES (?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET name = excluded.name, capacity = excluded.capacity`,
				l.ID, l.Name, l.Capacity,
			); err != nil {
				return fmt.Errorf("upsert location %s: %w", l.ID, err)
			}
		}
		for _, sp := range r.Speakers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO speakers (id, name, photo_url, bio) VALUES (?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET name = excluded.name, photo_url = excluded.photo_url, bio = excluded.bio`,
				sp.ID, sp.Name, sp.PhotoURL, sp.Bio,
			); err != nil {
				return fmt.Errorf("upsert speaker %s: %w", sp.ID, err)
			}
		}
		for _, t := range r.Talks {
			var speaker any
			if t.SpeakerID != "" {
				speaker = t.SpeakerID
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO talks (id, session, topic, description, speaker_id, location_id) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET session = excluded.session, topic = excluded.topic,
					description = excluded.description, speaker_id = excluded.speaker_id, location_id = excluded.location_id`,
				t.ID, int(t.Session), t.Topic, t.Description, speaker, t.LocationID,
			); err != nil {
				return fmt.Errorf("upsert talk %s: %w", t.ID, err)
			}
		}
		for _, st := range r.Students {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO students (id, nis, name, class) VALUES (?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET nis = excluded.nis, name = excluded.name, class = excluded.class`,
				st.ID, st.NIS, st.Name, st.Class,
			); err != nil {
				return fmt.Errorf("upsert student %s: %w", st.ID, err)
			}
		}
		return checkEnrollments(ctx, tx)
	})
}

// checkEnrollments verifies, after the upserts, that every enrollment still
// sits in its talk's session and that no talk holds more enrollments than
// its location seats.
func checkEnrollments(ctx context.Context, tx *sql.Tx) error {
	var (
		talkID     string
		count      int
		from, to   int
		locationID string
		capacity   int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT t.id, COUNT(*), e.session, t.session
		 FROM enrollments e JOIN talks t ON t.id = e.talk_id
		 WHERE e.session <> t.session
		 GROUP BY t.id, e.session, t.session
		 ORDER BY t.id LIMIT 1`,
	).Scan(&talkID, &count, &from, &to)
	switch {
	case err == nil:
		return fmt.Errorf("talk %s has %d enrollments and cannot move from session %d to %d: %w",
			talkID, count, from, to, admission.ErrRosterConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check enrollment sessions: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT t.id, COUNT(*), l.id, l.capacity
		 FROM enrollments e
		 JOIN talks t ON t.id = e.talk_id
		 JOIN locations l ON l.id = t.location_id
		 GROUP BY t.id, l.id, l.capacity
		 HAVING COUNT(*) > l.capacity
		 ORDER BY t.id LIMIT 1`,
	).Scan(&talkID, &count, &locationID, &capacity)
	switch {
	case err == nil:
		return fmt.Errorf("talk %s has %d enrollments but location %s seats %d: %w",
			talkID, count, locationID, capacity, admission.ErrRosterConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check talk capacity: %w", err)
	}
	return nil
}
