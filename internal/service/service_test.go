package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/metrics"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
	"github.com/Shivanand-hulikatti/career-day/internal/repository/sqlite"
	fixture "github.com/Shivanand-hulikatti/career-day/internal/testutil"
)

func newStore(t *testing.T, students int) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	fixture.Seed(t, s, students)
	return s
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newService(t *testing.T, store Store, opts ...Option) *EnrollmentService {
	t.Helper()
	return NewEnrollmentService(store, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func occupancy(t *testing.T, svc *EnrollmentService, talkID string) int {
	t.Helper()
	occ, err := svc.Occupancy(context.Background(), talkID)
	require.NoError(t, err)
	return occ.Enrolled
}

func TestTryEnroll_OneTalkPerSession(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 1))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)
	assert.Equal(t, 1, occupancy(t, svc, fixture.T1))

	_, err = svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T2)
	assert.ErrorIs(t, err, admission.ErrSessionAlreadyChosen)
	assert.Equal(t, model.SessionOne, admission.SessionOf(err))
	assert.Equal(t, 0, occupancy(t, svc, fixture.T2))
}

func TestTryEnroll_FullTalkLeavesOccupancy(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 2))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T4)
	require.NoError(t, err)

	_, err = svc.TryEnroll(ctx, fixture.StudentID(2), fixture.T4)
	assert.ErrorIs(t, err, admission.ErrTalkFull)
	assert.Equal(t, 1, occupancy(t, svc, fixture.T4))
}

func TestTryEnroll_SecondAttemptIsDuplicate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 1))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)
	_, err = svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	assert.ErrorIs(t, err, admission.ErrDuplicateEnrollment)
	assert.Equal(t, 1, occupancy(t, svc, fixture.T1))
}

func TestTryEnroll_ConcurrentLastSeat(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 2))

	errs := make([]error, 2)
	var g errgroup.Group
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = svc.TryEnroll(ctx, fixture.StudentID(i+1), fixture.T4)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, admission.ErrTalkFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, occupancy(t, svc, fixture.T4))
}

func TestTryEnroll_CapacityHoldsUnderLoad(t *testing.T) {
	ctx := context.Background()
	const students = 30
	svc := newService(t, newStore(t, students))
	talks := []string{fixture.T1, fixture.T2, fixture.T3}

	var g errgroup.Group
	for i := 1; i <= students; i++ {
		id := fixture.StudentID(i)
		talk := talks[i%len(talks)]
		g.Go(func() error {
			_, err := svc.TryEnroll(ctx, id, talk)
			if err != nil && admission.KindOf(err) != admission.KindTalkFull {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, talk := range talks {
		occ, err := svc.Occupancy(ctx, talk)
		require.NoError(t, err)
		assert.Equal(t, occ.Capacity, occ.Enrolled, talk)
	}
}

func TestTryEnroll_RejectsInvalidInput(t *testing.T) {
	svc := newService(t, newStore(t, 0))

	_, err := svc.TryEnroll(context.Background(), "", fixture.T1)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "StudentID is required")
	assert.Equal(t, admission.KindUnknown, admission.KindOf(err))
}

func TestWithdraw_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 1))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)

	require.NoError(t, svc.Withdraw(ctx, fixture.StudentID(1), fixture.T1))
	require.NoError(t, svc.Withdraw(ctx, fixture.StudentID(1), fixture.T1))
	assert.Equal(t, 0, occupancy(t, svc, fixture.T1))

	held, err := svc.EnrollmentsForStudent(ctx, fixture.StudentID(1))
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestChangeEnrollment_WithinSession(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 1))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)

	enr, err := svc.ChangeEnrollment(ctx, fixture.StudentID(1), fixture.T1, fixture.T3)
	require.NoError(t, err)
	assert.Equal(t, fixture.T3, enr.TalkID)

	held, err := svc.EnrollmentsForStudent(ctx, fixture.StudentID(1))
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, fixture.T3, held[0].TalkID)
	assert.Equal(t, 0, occupancy(t, svc, fixture.T1))
	assert.Equal(t, 1, occupancy(t, svc, fixture.T3))
}

func TestChangeEnrollment_SameTalk(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 1))

	_, err := svc.ChangeEnrollment(ctx, fixture.StudentID(1), fixture.T1, fixture.T1)
	assert.ErrorIs(t, err, admission.ErrNotFound)

	_, err = svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)
	_, err = svc.ChangeEnrollment(ctx, fixture.StudentID(1), fixture.T1, fixture.T1)
	assert.ErrorIs(t, err, admission.ErrDuplicateEnrollment)
}

// decomposedStore lacks an atomic change and can be told to fail
// admissions into given talks.
type decomposedStore struct {
	*sqlite.Store

	mu       sync.Mutex
	failures map[string]error
}

func (d *decomposedStore) ChangeEnrollment(context.Context, string, string, string) (model.Enrollment, error) {
	return model.Enrollment{}, admission.ErrAtomicChangeUnsupported
}

func (d *decomposedStore) Enroll(ctx context.Context, studentID, talkID string) (model.Enrollment, error) {
	d.mu.Lock()
	err := d.failures[talkID]
	d.mu.Unlock()
	if err != nil {
		return model.Enrollment{}, err
	}
	return d.Store.Enroll(ctx, studentID, talkID)
}

func (d *decomposedStore) failEnroll(talkID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures == nil {
		d.failures = map[string]error{}
	}
	d.failures[talkID] = err
}

func TestChangeEnrollment_FallbackSucceeds(t *testing.T) {
	ctx := context.Background()
	store := &decomposedStore{Store: newStore(t, 1)}
	svc := newService(t, store)

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)

	enr, err := svc.ChangeEnrollment(ctx, fixture.StudentID(1), fixture.T1, fixture.T2)
	require.NoError(t, err)
	assert.Equal(t, fixture.T2, enr.TalkID)
	assert.Equal(t, 0, occupancy(t, svc, fixture.T1))
}

func TestChangeEnrollment_FallbackRestoresOnRejection(t *testing.T) {
	ctx := context.Background()
	store := &decomposedStore{Store: newStore(t, 2)}
	svc := newService(t, store)

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)
	_, err = svc.TryEnroll(ctx, fixture.StudentID(2), fixture.T4)
	require.NoError(t, err)

	// T4 is session 2 and full: the new admission fails and T1 comes back.
	_, err = svc.ChangeEnrollment(ctx, fixture.StudentID(1), fixture.T1, fixture.T4)
	assert.ErrorIs(t, err, admission.ErrTalkFull)

	held, err := svc.EnrollmentsForStudent(ctx, fixture.StudentID(1))
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, fixture.T1, held[0].TalkID)
}

func TestChangeEnrollment_FallbackPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := &decomposedStore{Store: newStore(t, 1)}
	log, hook := test.NewNullLogger()
	svc := NewEnrollmentService(store, WithLogger(log))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)

	outage := admission.Unavailable(errors.New("connection reset"))
	store.failEnroll(fixture.T2, outage)
	store.failEnroll(fixture.T1, outage)

	_, err = svc.ChangeEnrollment(ctx, fixture.StudentID(1), fixture.T1, fixture.T2)
	assert.ErrorIs(t, err, admission.ErrPartialChangeFailure)
	assert.False(t, admission.Retryable(err))

	held, err := svc.EnrollmentsForStudent(ctx, fixture.StudentID(1))
	require.NoError(t, err)
	assert.Empty(t, held, "the failure window is reported, not hidden")

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && strings.Contains(e.Message, "without the old talk") {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestChangeEnrollment_FallbackMissingOldEnrollment(t *testing.T) {
	store := &decomposedStore{Store: newStore(t, 1)}
	svc := newService(t, store)

	_, err := svc.ChangeEnrollment(context.Background(), fixture.StudentID(1), fixture.T1, fixture.T2)
	assert.ErrorIs(t, err, admission.ErrNotFound)
	assert.Equal(t, 0, occupancy(t, svc, fixture.T2))
}

// blockingStore never answers before the context expires.
type blockingStore struct {
	Store
}

func (blockingStore) Enroll(ctx context.Context, _, _ string) (model.Enrollment, error) {
	<-ctx.Done()
	return model.Enrollment{}, ctx.Err()
}

func TestTryEnroll_TimeoutIsStoreUnavailable(t *testing.T) {
	svc := newService(t, blockingStore{Store: newStore(t, 1)}, WithTimeout(20*time.Millisecond))

	_, err := svc.TryEnroll(context.Background(), fixture.StudentID(1), fixture.T1)
	assert.ErrorIs(t, err, admission.ErrStoreUnavailable)
	assert.True(t, admission.Retryable(err))
}

func TestMetricsRecordOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	svc := newService(t, newStore(t, 2), WithMetrics(metrics.NewAdmission(reg)))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T4)
	require.NoError(t, err)
	_, err = svc.TryEnroll(ctx, fixture.StudentID(2), fixture.T4)
	require.ErrorIs(t, err, admission.ErrTalkFull)

	n, err := testutil.GatherAndCount(reg, "careerday_admission_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per outcome")
}

func TestListTalks(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 0))

	talks, err := svc.ListTalks(ctx, model.SessionOne)
	require.NoError(t, err)
	assert.Len(t, talks, 3)

	_, err = svc.ListTalks(ctx, 3)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEnrollmentStats(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 2))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)

	stats, err := svc.EnrollmentStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 6)
	for _, st := range stats {
		if st.TalkID == fixture.T1 {
			assert.Equal(t, 50, st.PercentFull)
			assert.Equal(t, 1, st.Available)
		}
	}
}

func TestLookupStudent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 1))

	st, err := svc.LookupStudent(ctx, " "+fixture.NIS(1)+" ")
	require.NoError(t, err)
	assert.Equal(t, fixture.StudentID(1), st.ID)

	_, err = svc.LookupStudent(ctx, "12ab")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "8-10 digits")

	_, err = svc.LookupStudent(ctx, "99999999")
	assert.ErrorIs(t, err, admission.ErrNotFound)
}

func seedOverview(t *testing.T) *EnrollmentService {
	t.Helper()
	ctx := context.Background()
	svc := newService(t, newStore(t, 4))
	// student 1: both sessions, 2: session 1 only, 3: session 2 only, 4: none
	for _, e := range []struct{ student, talk string }{
		{fixture.StudentID(1), fixture.T1},
		{fixture.StudentID(1), fixture.T4},
		{fixture.StudentID(2), fixture.T2},
		{fixture.StudentID(3), fixture.T6},
	} {
		_, err := svc.TryEnroll(ctx, e.student, e.talk)
		require.NoError(t, err)
	}
	return svc
}

func TestStudentOverview_StatusFilter(t *testing.T) {
	ctx := context.Background()
	svc := seedOverview(t)

	tests := []struct {
		status model.OverviewStatus
		want   []string
	}{
		{"", []string{fixture.StudentID(1), fixture.StudentID(3), fixture.StudentID(2), fixture.StudentID(4)}},
		{model.StatusComplete, []string{fixture.StudentID(1)}},
		{model.StatusIncomplete, []string{fixture.StudentID(3), fixture.StudentID(2), fixture.StudentID(4)}},
		{model.StatusSession1Only, []string{fixture.StudentID(2)}},
		{model.StatusSession2Only, []string{fixture.StudentID(3)}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			rows, err := svc.StudentOverview(ctx, model.OverviewFilter{Status: tt.status})
			require.NoError(t, err)
			ids := make([]string, 0, len(rows))
			for _, r := range rows {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err := svc.StudentOverview(ctx, model.OverviewFilter{Status: "finished"})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExportOverviewCSV(t *testing.T) {
	svc := seedOverview(t)

	var buf bytes.Buffer
	n, err := svc.ExportOverviewCSV(context.Background(), model.OverviewFilter{Classes: []string{"XII-A"}}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, utf8BOM))
	records, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(out, utf8BOM))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, overviewHeader, records[0])
	assert.Equal(t, []string{fixture.NIS(1), "Student 01", "XII-A",
		"Software Engineering", "Computer Lab", "Law", "Counselling Office", "Complete"}, records[1])
	assert.Equal(t, []string{fixture.NIS(3), "Student 03", "XII-A",
		"-", "-", "Journalism", "Studio", "Incomplete"}, records[2])
}

func TestValidateRoster(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Roster)
		want   string
	}{
		{"valid", func(*model.Roster) {}, ""},
		{"negative capacity", func(r *model.Roster) { r.Locations[0].Capacity = -1 }, "Capacity must be at least 0"},
		{"bad session", func(r *model.Roster) { r.Talks[0].Session = 3 }, "Session must be one of"},
		{"unknown location", func(r *model.Roster) { r.Talks[0].LocationID = "nowhere" }, `unknown location "nowhere"`},
		{"unknown speaker", func(r *model.Roster) { r.Talks[0].SpeakerID = "sp-9" }, `unknown speaker "sp-9"`},
		{"bad nis", func(r *model.Roster) { r.Students[0].NIS = "x" }, "NIS must be 8-10 digits"},
		{"shared nis", func(r *model.Roster) { r.Students[1].NIS = r.Students[0].NIS }, "share NIS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := fixture.Roster(2)
			tt.mutate(&r)
			err := ValidateRoster(r)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestImportRoster_RejectsBeforeWriting(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 0))

	r := fixture.Roster(1)
	r.Students[0].NIS = "bad"
	require.Error(t, svc.ImportRoster(ctx, r))

	_, err := svc.LookupStudent(ctx, fixture.NIS(1))
	assert.ErrorIs(t, err, admission.ErrNotFound)
}

func TestImportRoster_ConflictWithEnrollmentsIsInvalid(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t, 1))

	_, err := svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T1)
	require.NoError(t, err)

	r := fixture.Roster(1)
	r.Talks[0].Session = model.SessionTwo
	err = svc.ImportRoster(ctx, r)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, admission.ErrRosterConflict)

	_, err = svc.TryEnroll(ctx, fixture.StudentID(1), fixture.T6)
	require.NoError(t, err)
	held, err := svc.EnrollmentsForStudent(ctx, fixture.StudentID(1))
	require.NoError(t, err)
	require.Len(t, held, 2)
	assert.NotEqual(t, held[0].Talk.Session, held[1].Talk.Session)
}
