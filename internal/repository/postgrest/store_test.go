package postgrest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
	"github.com/Shivanand-hulikatti/career-day/internal/testutil"
)

// newStore starts a fake PostgREST served by h.
func newStore(t *testing.T, h http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := New(srv.URL+"/rest/v1/", "anon-key", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return s
}

func writeAPIError(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message, "details": details})
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New("/rest/v1", "")
	require.Error(t, err)
}

func TestEnroll_SendsProcedureCall(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/rpc/enroll_student", r.URL.Path)
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"p_student_id": "student-1", "p_talk_id": testutil.T1}, body)

		_, _ = io.WriteString(w, `{"id":"e-1","student_id":"student-1","talk_id":"talk-1","session":1,"enrolled_at":"2024-05-02T08:00:00.123456+00:00"}`)
	})

	enr, err := s.Enroll(context.Background(), "student-1", testutil.T1)
	require.NoError(t, err)
	assert.Equal(t, "e-1", enr.ID)
	assert.Equal(t, model.SessionOne, enr.Session)
	assert.Equal(t, 2024, enr.EnrolledAt.Year())
}

func TestEnroll_MapsRaisedExceptions(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		message string
		details string
		want    error
		session model.Session
	}{
		{"talk full", http.StatusBadRequest, "P0001", "talk_full", "", admission.ErrTalkFull, 0},
		{"duplicate", http.StatusBadRequest, "P0001", "duplicate_enrollment", "", admission.ErrDuplicateEnrollment, 0},
		{"session taken", http.StatusBadRequest, "P0001", "session_already_chosen", "2", admission.ErrSessionAlreadyChosen, model.SessionTwo},
		{"missing student", http.StatusBadRequest, "P0001", "not_found", "student", admission.ErrNotFound, 0},
		{"unique session constraint", http.StatusConflict, "23505",
			`duplicate key value violates unique constraint "enrollments_student_session_key"`, "", admission.ErrSessionAlreadyChosen, 0},
		{"serialization", http.StatusConflict, "40001", "could not serialize access", "", admission.ErrStoreUnavailable, 0},
		{"gateway", http.StatusBadGateway, "", "upstream down", "", admission.ErrStoreUnavailable, 0},
		{"rate limited", http.StatusTooManyRequests, "", "slow down", "", admission.ErrStoreUnavailable, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.status, tt.code, tt.message, tt.details)
			})
			_, err := s.Enroll(context.Background(), "student-1", testutil.T4)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.session, admission.SessionOf(err))
		})
	}
}

func TestEnroll_UnknownFailureIsNotRetryable(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "PGRST301", "JWT expired", "")
	})
	_, err := s.Enroll(context.Background(), "student-1", testutil.T1)
	require.Error(t, err)
	assert.Equal(t, admission.KindUnknown, admission.KindOf(err))
	assert.Contains(t, err.Error(), "JWT expired")
}

func TestEnroll_UnreachableBackendIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := New(url, "")
	require.NoError(t, err)
	_, err = s.Enroll(context.Background(), "student-1", testutil.T1)
	assert.ErrorIs(t, err, admission.ErrStoreUnavailable)
}

func TestWithdraw_DecodesBoolean(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/withdraw_enrollment", r.URL.Path)
		_, _ = io.WriteString(w, "false")
	})
	removed, err := s.Withdraw(context.Background(), "student-1", testutil.T1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestChangeEnrollment_MissingProcedure(t *testing.T) {
	for _, tt := range []struct {
		name   string
		status int
		code   string
	}{
		{"schema cache miss", http.StatusNotFound, "PGRST202"},
		{"bare 404", http.StatusNotFound, ""},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.status, tt.code, "Could not find the function public.change_enrollment", "")
			})
			_, err := s.ChangeEnrollment(context.Background(), "student-1", testutil.T1, testutil.T2)
			assert.ErrorIs(t, err, admission.ErrAtomicChangeUnsupported)
		})
	}
}

func TestChangeEnrollment_RejectionPassesThrough(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusBadRequest, "P0001", "not_found", "enrollment")
	})
	_, err := s.ChangeEnrollment(context.Background(), "student-1", testutil.T1, testutil.T2)
	assert.ErrorIs(t, err, admission.ErrNotFound)
	assert.NotErrorIs(t, err, admission.ErrAtomicChangeUnsupported)
}

func TestStudentEnrollments(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/v1/students":
			assert.Equal(t, "eq.student-1", r.URL.Query().Get("id"))
			_, _ = io.WriteString(w, `[{"id":"student-1","nis":"10000001","name":"Student 01","class":"XII-A"}]`)
		case "/rest/v1/enrollment_detail":
			assert.Equal(t, "eq.student-1", r.URL.Query().Get("student_id"))
			assert.Equal(t, "session", r.URL.Query().Get("order"))
			_, _ = io.WriteString(w, `[{"enrollment_id":"e-1","student_id":"student-1","enrolled_at":"2024-05-02T08:00:00Z",
				"id":"talk-2","session":1,"topic":"Medicine","description":"","speaker_id":"sp-1","speaker_name":"Dr. Rina",
				"speaker_photo_url":"","speaker_bio":"Physician","location_id":"loc-library","location_name":"Library",
				"capacity":3,"enrolled":1}]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	held, err := s.StudentEnrollments(context.Background(), "student-1")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "e-1", held[0].ID)
	assert.Equal(t, testutil.T2, held[0].TalkID)
	assert.Equal(t, "Library", held[0].Talk.Location.Name)
	require.NotNil(t, held[0].Talk.Speaker)
	assert.Equal(t, "Dr. Rina", held[0].Talk.Speaker.Name)
}

func TestStudentEnrollments_UnknownStudent(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	_, err := s.StudentEnrollments(context.Background(), "ghost")
	assert.ErrorIs(t, err, admission.ErrNotFound)
}

func TestOccupancyAndListTalks(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/talk_listing", r.URL.Path)
		q := r.URL.Query()
		if q.Get("id") != "" {
			_, _ = io.WriteString(w, `[{"id":"talk-4","capacity":1,"enrolled":1}]`)
			return
		}
		assert.Equal(t, "eq.2", q.Get("session"))
		assert.Equal(t, "session,topic", q.Get("order"))
		_, _ = io.WriteString(w, `[{"id":"talk-4","session":2,"topic":"Law","location_id":"loc-office","location_name":"Counselling Office","capacity":1,"enrolled":1}]`)
	})

	occ, err := s.Occupancy(context.Background(), testutil.T4)
	require.NoError(t, err)
	assert.True(t, occ.IsFull())

	talks, err := s.ListTalks(context.Background(), model.SessionTwo)
	require.NoError(t, err)
	require.Len(t, talks, 1)
	assert.True(t, talks[0].IsFull)
	assert.Nil(t, talks[0].Speaker)
}

func TestStudentOverview_BuildsFilters(t *testing.T) {
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, `in.("XII-A","XII,B")`, q.Get("class"))
		assert.Equal(t, `(name.ilike."*50\\%*",nis.ilike."*50\\%*")`, q.Get("or"))
		_, _ = io.WriteString(w, `[{"id":"student-1","nis":"10000001","name":"Student 01","class":"XII-A",
			"session_1_topic":"Medicine","session_1_location":"Library","session_2_topic":"","session_2_location":""}]`)
	})

	rows, err := s.StudentOverview(context.Background(), model.OverviewFilter{
		Classes: []string{"XII-A", "XII,B"},
		Search:  "50%",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Medicine", rows[0].Session1Topic)
	assert.False(t, rows[0].Complete())
}

func TestImportRoster_UpsertsInReferenceOrder(t *testing.T) {
	var tables []string
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "resolution=merge-duplicates,return=minimal", r.Header.Get("Prefer"))
		assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
		tables = append(tables, r.URL.Path[len("/rest/v1/"):])

		if r.URL.Path == "/rest/v1/talks" {
			var rows []map[string]any
			if assert.NoError(t, json.NewDecoder(r.Body).Decode(&rows)) && assert.Len(t, rows, 6) {
				assert.Nil(t, rows[2]["speaker_id"], "talk without speaker sends null")
			}
		}
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, s.ImportRoster(context.Background(), testutil.Roster(2)))
	assert.Equal(t, []string{"locations", "speakers", "talks", "students"}, tables)
}

func TestImportRoster_GuardRejection(t *testing.T) {
	var tables []string
	s := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		table := r.URL.Path[len("/rest/v1/"):]
		tables = append(tables, table)
		if table == "talks" {
			writeAPIError(w, http.StatusBadRequest, "P0001", "roster_conflict",
				"talk talk-1 has 2 enrollments and cannot move from session 1 to 2")
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	err := s.ImportRoster(context.Background(), testutil.Roster(2))
	require.ErrorIs(t, err, admission.ErrRosterConflict)
	assert.Contains(t, err.Error(), "talk-1")
	assert.False(t, admission.Retryable(err))
	assert.Equal(t, []string{"locations", "speakers", "talks"}, tables, "students are not sent after a rejection")
}
