package postgrest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// enrollmentRow is an enrollments row as returned by the procedures.
type enrollmentRow struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	TalkID     string    `json:"talk_id"`
	Session    int       `json:"session"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

func (r enrollmentRow) enrollment() model.Enrollment {
	return model.Enrollment{
		ID:         r.ID,
		StudentID:  r.StudentID,
		TalkID:     r.TalkID,
		Session:    model.Session(r.Session),
		EnrolledAt: r.EnrolledAt,
	}
}

// listingRow is a talk_listing row, optionally joined to an enrollment.
type listingRow struct {
	ID              string `json:"id"`
	Session         int    `json:"session"`
	Topic           string `json:"topic"`
	Description     string `json:"description"`
	SpeakerID       string `json:"speaker_id"`
	SpeakerName     string `json:"speaker_name"`
	SpeakerPhotoURL string `json:"speaker_photo_url"`
	SpeakerBio      string `json:"speaker_bio"`
	LocationID      string `json:"location_id"`
	LocationName    string `json:"location_name"`
	Capacity        int    `json:"capacity"`
	Enrolled        int    `json:"enrolled"`

	EnrollmentID string    `json:"enrollment_id"`
	StudentID    string    `json:"student_id"`
	EnrolledAt   time.Time `json:"enrolled_at"`
}

func (r listingRow) listing() model.TalkListing {
	t := model.Talk{
		ID:          r.ID,
		Session:     model.Session(r.Session),
		Topic:       r.Topic,
		Description: r.Description,
		Location:    model.Location{ID: r.LocationID, Name: r.LocationName, Capacity: r.Capacity},
	}
	if r.SpeakerID != "" {
		t.Speaker = &model.Speaker{ID: r.SpeakerID, Name: r.SpeakerName, PhotoURL: r.SpeakerPhotoURL, Bio: r.SpeakerBio}
	}
	return model.NewTalkListing(t, r.Enrolled)
}

type overviewRow struct {
	ID               string `json:"id"`
	NIS              string `json:"nis"`
	Name             string `json:"name"`
	Class            string `json:"class"`
	Session1Topic    string `json:"session_1_topic"`
	Session1Location string `json:"session_1_location"`
	Session2Topic    string `json:"session_2_topic"`
	Session2Location string `json:"session_2_location"`
}

// Enroll calls the enroll_student procedure.
func (s *Store) Enroll(ctx context.Context, studentID, talkID string) (model.Enrollment, error) {
	var row enrollmentRow
	err := s.do(ctx, request{
		method: http.MethodPost,
		path:   "rpc/enroll_student",
		body:   map[string]string{"p_student_id": studentID, "p_talk_id": talkID},
	}, &row)
	if err != nil {
		return model.Enrollment{}, err
	}
	return row.enrollment(), nil
}

// Withdraw calls the withdraw_enrollment procedure.
func (s *Store) Withdraw(ctx context.Context, studentID, talkID string) (bool, error) {
	var removed bool
	err := s.do(ctx, request{
		method: http.MethodPost,
		path:   "rpc/withdraw_enrollment",
		body:   map[string]string{"p_student_id": studentID, "p_talk_id": talkID},
	}, &removed)
	return removed, err
}

// ChangeEnrollment calls the change_enrollment procedure. Backends whose
// schema predates it report admission.ErrAtomicChangeUnsupported.
func (s *Store) ChangeEnrollment(ctx context.Context, studentID, oldTalkID, newTalkID string) (model.Enrollment, error) {
	var row enrollmentRow
	err := s.do(ctx, request{
		method: http.MethodPost,
		path:   "rpc/change_enrollment",
		body: map[string]string{
			"p_student_id":  studentID,
			"p_old_talk_id": oldTalkID,
			"p_new_talk_id": newTalkID,
		},
	}, &row)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && missingProcedure(apiErr) {
			return model.Enrollment{}, admission.ErrAtomicChangeUnsupported
		}
		return model.Enrollment{}, err
	}
	return row.enrollment(), nil
}

func missingProcedure(e *apiError) bool {
	return e.Code == codeFunctionNotFound || (e.Status == http.StatusNotFound && e.Code == "")
}

// StudentEnrollments lists the student's enrollments with their talks.
func (s *Store) StudentEnrollments(ctx context.Context, studentID string) ([]model.EnrollmentDetail, error) {
	if _, err := s.student(ctx, "id", studentID); err != nil {
		return nil, err
	}
	var rows []listingRow
	err := s.do(ctx, request{
		method: http.MethodGet,
		path:   "enrollment_detail",
		query:  url.Values{"student_id": {"eq." + studentID}, "order": {"session"}},
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]model.EnrollmentDetail, 0, len(rows))
	for _, r := range rows {
		l := r.listing()
		out = append(out, model.EnrollmentDetail{
			Enrollment: model.Enrollment{
				ID:         r.EnrollmentID,
				StudentID:  r.StudentID,
				TalkID:     r.ID,
				Session:    l.Session,
				EnrolledAt: r.EnrolledAt,
			},
			Talk: l.Talk,
		})
	}
	return out, nil
}

// Occupancy reads capacity and enrollment count from talk_listing.
func (s *Store) Occupancy(ctx context.Context, talkID string) (model.Occupancy, error) {
	var rows []listingRow
	err := s.do(ctx, request{
		method: http.MethodGet,
		path:   "talk_listing",
		query:  url.Values{"id": {"eq." + talkID}, "select": {"id,capacity,enrolled"}},
	}, &rows)
	if err != nil {
		return model.Occupancy{}, err
	}
	if len(rows) == 0 {
		return model.Occupancy{}, admission.NotFound("talk " + talkID)
	}
	return model.Occupancy{TalkID: talkID, Capacity: rows[0].Capacity, Enrolled: rows[0].Enrolled}, nil
}

// StudentByNIS looks a student up by enrollment number.
func (s *Store) StudentByNIS(ctx context.Context, nis string) (model.Student, error) {
	return s.student(ctx, "nis", nis)
}

func (s *Store) student(ctx context.Context, column, value string) (model.Student, error) {
	var rows []model.Student
	err := s.do(ctx, request{
		method: http.MethodGet,
		path:   "students",
		query:  url.Values{column: {"eq." + value}, "select": {"id,nis,name,class"}},
	}, &rows)
	if err != nil {
		return model.Student{}, err
	}
	if len(rows) == 0 {
		return model.Student{}, admission.NotFound("student " + column + " " + value)
	}
	return rows[0], nil
}

// ListTalks reads talk_listing; session 0 means all sessions.
func (s *Store) ListTalks(ctx context.Context, session model.Session) ([]model.TalkListing, error) {
	q := url.Values{"order": {"session,topic"}}
	if session != 0 {
		q.Set("session", "eq."+strconv.Itoa(int(session)))
	}
	var rows []listingRow
	if err := s.do(ctx, request{method: http.MethodGet, path: "talk_listing", query: q}, &rows); err != nil {
		return nil, err
	}
	out := make([]model.TalkListing, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.listing())
	}
	return out, nil
}

// StudentOverview reads student_enrollment_overview, narrowed by class
// and a name or NIS search.
func (s *Store) StudentOverview(ctx context.Context, filter model.OverviewFilter) ([]model.StudentOverview, error) {
	q := url.Values{"order": {"class,name"}}
	if len(filter.Classes) > 0 {
		quoted := make([]string, len(filter.Classes))
		for i, c := range filter.Classes {
			quoted[i] = quote(c)
		}
		q.Set("class", "in.("+strings.Join(quoted, ",")+")")
	}
	if filter.Search != "" {
		pattern := quote("*" + escapeLike(filter.Search) + "*")
		q.Set("or", "(name.ilike."+pattern+",nis.ilike."+pattern+")")
	}

	var rows []overviewRow
	err := s.do(ctx, request{method: http.MethodGet, path: "student_enrollment_overview", query: q}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]model.StudentOverview, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.StudentOverview{
			Student:          model.Student{ID: r.ID, NIS: r.NIS, Name: r.Name, Class: r.Class},
			Session1Topic:    r.Session1Topic,
			Session1Location: r.Session1Location,
			Session2Topic:    r.Session2Topic,
			Session2Location: r.Session2Location,
		})
	}
	return out, nil
}

// quote wraps a filter value in double quotes so commas and parentheses
// in it are not read as PostgREST syntax.
func quote(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}

func escapeLike(v string) string {
	return strings.NewReplacer(`*`, ``, `%`, `\%`, `_`, `\_`).Replace(v)
}

type talkRow struct {
	ID          string  `json:"id"`
	Session     int     `json:"session"`
	Topic       string  `json:"topic"`
	Description string  `json:"description"`
	SpeakerID   *string `json:"speaker_id"`
	LocationID  string  `json:"location_id"`
}

type speakerRow struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url"`
	Bio      string `json:"bio"`
}

// ImportRoster upserts each table in reference order. PostgREST offers no
// transaction across requests; a failed import can be rerun. The roster
// guard triggers reject a table whose upsert would contradict existing
// enrollments, reported as admission.ErrRosterConflict.
func (s *Store) ImportRoster(ctx context.Context, r model.Roster) error {
	speakers := make([]speakerRow, 0, len(r.Speakers))
	for _, sp := range r.Speakers {
		speakers = append(speakers, speakerRow(sp))
	}
	talks := make([]talkRow, 0, len(r.Talks))
	for _, t := range r.Talks {
		row := talkRow{
			ID:          t.ID,
			Session:     int(t.Session),
			Topic:       t.Topic,
			Description: t.Description,
			LocationID:  t.LocationID,
		}
		if t.SpeakerID != "" {
			id := t.SpeakerID
			row.SpeakerID = &id
		}
		talks = append(talks, row)
	}

	tables := []struct {
		name string
		rows any
		n    int
	}{
		{"locations", r.Locations, len(r.Locations)},
		{"speakers", speakers, len(speakers)},
		{"talks", talks, len(talks)},
		{"students", r.Students, len(r.Students)},
	}
	for _, t := range tables {
		if t.n == 0 {
			continue
		}
		err := s.do(ctx, request{
			method: http.MethodPost,
			path:   t.name,
			query:  url.Values{"on_conflict": {"id"}},
			body:   t.rows,
			prefer: "resolution=merge-duplicates,return=minimal",
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}
