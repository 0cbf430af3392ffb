// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the enrollment stores.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/metrics"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// Store is the data-access contract of the admission rule.
//
// Enroll and ChangeEnrollment must evaluate admission.Decide and write the
// result as one atomic unit, exclusive over the talk(s) involved and over
// the student. A store that cannot swap enrollments atomically returns
// admission.ErrAtomicChangeUnsupported from ChangeEnrollment.
type Store interface {
	Enroll(ctx context.Context, studentID, talkID string) (model.Enrollment, error)
	Withdraw(ctx context.Context, studentID, talkID string) (bool, error)
	ChangeEnrollment(ctx context.Context, studentID, oldTalkID, newTalkID string) (model.Enrollment, error)

	StudentEnrollments(ctx context.Context, studentID string) ([]model.EnrollmentDetail, error)
	Occupancy(ctx context.Context, talkID string) (model.Occupancy, error)
	StudentByNIS(ctx context.Context, nis string) (model.Student, error)
	// ListTalks returns talks of one session, or of all sessions when
	// session is 0, ordered by session then topic.
	ListTalks(ctx context.Context, session model.Session) ([]model.TalkListing, error)
	StudentOverview(ctx context.Context, filter model.OverviewFilter) ([]model.StudentOverview, error)
	ImportRoster(ctx context.Context, roster model.Roster) error
}

// Operation names used in logs and metrics.
const (
	opEnroll   = "enroll"
	opWithdraw = "withdraw"
	opChange   = "change"
)

// EnrollmentService exposes the admission operations to the presentation
// layer. It holds no enrollment state of its own; every call reads from
// the store.
type EnrollmentService struct {
	store   Store
	timeout time.Duration
	log     logrus.FieldLogger
	metrics *metrics.Admission
}

// Option configures an EnrollmentService.
type Option func(*EnrollmentService)

// WithTimeout bounds every store call. Expiry surfaces as
// admission.ErrStoreUnavailable.
func WithTimeout(d time.Duration) Option {
	return func(s *EnrollmentService) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *EnrollmentService) { s.log = log }
}

// WithMetrics sets the admission collectors.
func WithMetrics(m *metrics.Admission) Option {
	return func(s *EnrollmentService) { s.metrics = m }
}

// NewEnrollmentService constructs an EnrollmentService over store.
func NewEnrollmentService(store Store, opts ...Option) *EnrollmentService {
	s := &EnrollmentService{
		store:   store,
		timeout: 5 * time.Second,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryEnroll admits the student into the talk or reports why not.
func (s *EnrollmentService) TryEnroll(ctx context.Context, studentID, talkID string) (enr model.Enrollment, err error) {
	defer s.observe(opEnroll, time.Now(), &err, logrus.Fields{"student_id": studentID, "talk_id": talkID})

	if err = validate.Struct(enrollInput{StudentID: studentID, TalkID: talkID}); err != nil {
		return model.Enrollment{}, invalid(err)
	}

	err = s.call(ctx, func(ctx context.Context) (err error) {
		enr, err = s.store.Enroll(ctx, studentID, talkID)
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	return enr, nil
}

// Withdraw removes the enrollment if present. Withdrawing an enrollment
// that does not exist succeeds.
func (s *EnrollmentService) Withdraw(ctx context.Context, studentID, talkID string) (err error) {
	defer s.observe(opWithdraw, time.Now(), &err, logrus.Fields{"student_id": studentID, "talk_id": talkID})

	if err = validate.Struct(enrollInput{StudentID: studentID, TalkID: talkID}); err != nil {
		return invalid(err)
	}

	return s.call(ctx, func(ctx context.Context) error {
		removed, err := s.store.Withdraw(ctx, studentID, talkID)
		if err == nil && !removed {
			s.log.WithFields(logrus.Fields{"student_id": studentID, "talk_id": talkID}).
				Debug("withdraw: no enrollment to remove")
		}
		return err
	})
}

// ChangeEnrollment swaps the student's enrollment in oldTalkID for one in
// newTalkID. Either both happen or neither does, unless the store lacks an
// atomic swap; see changeDecomposed for that path.
func (s *EnrollmentService) ChangeEnrollment(ctx context.Context, studentID, oldTalkID, newTalkID string) (enr model.Enrollment, err error) {
	fields := logrus.Fields{"student_id": studentID, "old_talk_id": oldTalkID, "talk_id": newTalkID}
	defer s.observe(opChange, time.Now(), &err, fields)

	if err = validate.Struct(changeInput{StudentID: studentID, OldTalkID: oldTalkID, NewTalkID: newTalkID}); err != nil {
		return model.Enrollment{}, invalid(err)
	}

	if oldTalkID == newTalkID {
		return model.Enrollment{}, s.unchanged(ctx, studentID, oldTalkID)
	}

	err = s.call(ctx, func(ctx context.Context) (err error) {
		enr, err = s.store.ChangeEnrollment(ctx, studentID, oldTalkID, newTalkID)
		return err
	})
	if errors.Is(err, admission.ErrAtomicChangeUnsupported) {
		s.log.WithFields(fields).Warn("store has no atomic change, falling back to withdraw and enroll")
		return s.changeDecomposed(ctx, studentID, oldTalkID, newTalkID)
	}
	if err != nil {
		return model.Enrollment{}, err
	}
	return enr, nil
}

// unchanged resolves a change whose old and new talk are the same: the
// requested state already holds, or there is nothing to change.
func (s *EnrollmentService) unchanged(ctx context.Context, studentID, talkID string) error {
	var held []model.EnrollmentDetail
	err := s.call(ctx, func(ctx context.Context) (err error) {
		held, err = s.store.StudentEnrollments(ctx, studentID)
		return err
	})
	if err != nil {
		return err
	}
	for _, e := range held {
		if e.TalkID == talkID {
			return admission.ErrDuplicateEnrollment
		}
	}
	return admission.NotFound("enrollment in talk " + talkID)
}

// changeDecomposed withdraws the old enrollment and then enrolls in the new
// talk as two separate store operations. Between them the student holds no
// enrollment in the old talk's session and the old seat is open to others.
// When the new enrollment is rejected the old one is re-admitted; if that
// also fails the student is left without either and the error is
// admission.ErrPartialChangeFailure.
func (s *EnrollmentService) changeDecomposed(ctx context.Context, studentID, oldTalkID, newTalkID string) (model.Enrollment, error) {
	var removed bool
	err := s.call(ctx, func(ctx context.Context) (err error) {
		removed, err = s.store.Withdraw(ctx, studentID, oldTalkID)
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	if !removed {
		return model.Enrollment{}, admission.NotFound("enrollment in talk " + oldTalkID)
	}

	var enr model.Enrollment
	enrollErr := s.call(ctx, func(ctx context.Context) (err error) {
		enr, err = s.store.Enroll(ctx, studentID, newTalkID)
		return err
	})
	if enrollErr == nil {
		return enr, nil
	}

	restoreErr := s.call(ctx, func(ctx context.Context) error {
		_, err := s.store.Enroll(ctx, studentID, oldTalkID)
		return err
	})
	if restoreErr != nil {
		s.log.WithFields(logrus.Fields{
			"student_id":  studentID,
			"old_talk_id": oldTalkID,
			"talk_id":     newTalkID,
			"enroll_err":  enrollErr.Error(),
		}).WithError(restoreErr).Error("enrollment change left student without the old talk")
		return model.Enrollment{}, &admission.Error{
			Kind: admission.KindPartialChangeFailure,
			Err:  errors.Join(enrollErr, fmt.Errorf("restore %s: %w", oldTalkID, restoreErr)),
		}
	}
	return model.Enrollment{}, enrollErr
}

// EnrollmentsForStudent returns the student's enrollments with their talks.
func (s *EnrollmentService) EnrollmentsForStudent(ctx context.Context, studentID string) ([]model.EnrollmentDetail, error) {
	if err := validate.Var(studentID, "required,max=64"); err != nil {
		return nil, invalid(err)
	}
	var out []model.EnrollmentDetail
	err := s.call(ctx, func(ctx context.Context) (err error) {
		out, err = s.store.StudentEnrollments(ctx, studentID)
		return err
	})
	return out, err
}

// Occupancy returns the live seat usage of a talk.
func (s *EnrollmentService) Occupancy(ctx context.Context, talkID string) (model.Occupancy, error) {
	if err := validate.Var(talkID, "required,max=64"); err != nil {
		return model.Occupancy{}, invalid(err)
	}
	var occ model.Occupancy
	err := s.call(ctx, func(ctx context.Context) (err error) {
		occ, err = s.store.Occupancy(ctx, talkID)
		return err
	})
	return occ, err
}

// LookupStudent finds a student by NIS after checking its format.
func (s *EnrollmentService) LookupStudent(ctx context.Context, nis string) (model.Student, error) {
	nis = strings.TrimSpace(nis)
	if err := validate.Var(nis, "required,nis"); err != nil {
		return model.Student{}, invalid(err)
	}
	var st model.Student
	err := s.call(ctx, func(ctx context.Context) (err error) {
		st, err = s.store.StudentByNIS(ctx, nis)
		return err
	})
	return st, err
}

// ListTalks returns the talks of a session with live occupancy; session 0
// lists every session.
func (s *EnrollmentService) ListTalks(ctx context.Context, session model.Session) ([]model.TalkListing, error) {
	if session != 0 && !session.Valid() {
		return nil, invalid(fmt.Errorf("session must be 1 or 2, got %d", int(session)))
	}
	var out []model.TalkListing
	err := s.call(ctx, func(ctx context.Context) (err error) {
		out, err = s.store.ListTalks(ctx, session)
		return err
	})
	return out, err
}

// EnrollmentStats returns per-talk occupancy statistics for admins.
func (s *EnrollmentService) EnrollmentStats(ctx context.Context) ([]model.TalkStats, error) {
	talks, err := s.ListTalks(ctx, 0)
	if err != nil {
		return nil, err
	}
	stats := make([]model.TalkStats, 0, len(talks))
	for _, t := range talks {
		stats = append(stats, model.NewTalkStats(t))
	}
	return stats, nil
}

// StudentOverview returns the staff overview rows passing filter.
func (s *EnrollmentService) StudentOverview(ctx context.Context, filter model.OverviewFilter) ([]model.StudentOverview, error) {
	filter.Search = strings.TrimSpace(filter.Search)
	if filter.Status == "" {
		filter.Status = model.StatusAll
	}
	if err := validate.Struct(filter); err != nil {
		return nil, invalid(err)
	}
	var rows []model.StudentOverview
	err := s.call(ctx, func(ctx context.Context) (err error) {
		rows, err = s.store.StudentOverview(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ImportRoster validates and loads reference data. It never creates
// enrollments, and a roster that contradicts existing ones (an enrolled talk
// moved to the other session, or fewer seats than enrollments) is rejected
// as a ValidationError.
func (s *EnrollmentService) ImportRoster(ctx context.Context, roster model.Roster) error {
	if err := ValidateRoster(roster); err != nil {
		return err
	}
	err := s.store.ImportRoster(ctx, roster)
	if errors.Is(err, admission.ErrRosterConflict) {
		return invalid(err)
	}
	return err
}

// call runs fn under the store timeout and classifies context expiry as a
// transient store failure.
func (s *EnrollmentService) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if admission.KindOf(err) == admission.KindUnknown &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return admission.Unavailable(err)
	}
	return err
}

func (s *EnrollmentService) observe(op string, start time.Time, errp *error, fields logrus.Fields) {
	err := *errp
	s.metrics.Observe(op, start, err)
	if err == nil {
		return
	}
	entry := s.log.WithFields(fields).WithField("operation", op).WithError(err)
	switch admission.KindOf(err) {
	case admission.KindStoreUnavailable:
		entry.Warn("admission: store unavailable")
	case admission.KindPartialChangeFailure, admission.KindUnknown:
		var verr *ValidationError
		if errors.As(err, &verr) {
			entry.Debug("admission: invalid input")
			return
		}
		entry.Error("admission failed")
	default:
		entry.Debug("admission rejected")
	}
}
