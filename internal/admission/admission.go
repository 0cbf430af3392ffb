// Package admission holds the enrollment admission rule: the decision of
// whether a student may take a seat in a talk.
//
// The rule is a pure function over a snapshot of store state. Stores call
// Decide while holding exclusive access to the talk and to the student, so
// the check and the insert that follows it form one atomic unit.
package admission

import (
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// Snapshot is the state the rule needs, read inside the store's atomic unit.
type Snapshot struct {
	// Talk is nil when the talk or its location does not exist.
	Talk *model.Talk
	// Enrolled is the number of enrollments currently referencing the talk.
	Enrolled int
	// Held are the student's current enrollments across all sessions.
	Held []model.Enrollment
}

// Decide applies the admission rule for studentID joining talkID.
//
// The exact-duplicate guard runs before the capacity and session checks;
// a repeated request would otherwise always be reported as a session
// conflict (or as a full talk) and never as the idempotent repeat it is.
func Decide(studentID, talkID string, snap Snapshot) error {
	if snap.Talk == nil || snap.Talk.ID != talkID {
		return NotFound("talk " + talkID)
	}
	for _, e := range snap.Held {
		if e.StudentID == studentID && e.TalkID == talkID {
			return ErrDuplicateEnrollment
		}
	}
	if snap.Enrolled >= snap.Talk.Location.Capacity {
		return ErrTalkFull
	}
	if e, ok := HeldInSession(snap.Held, snap.Talk.Session); ok {
		return SessionAlreadyChosen(e.Session)
	}
	return nil
}

// HeldInSession returns the enrollment the student holds in s, if any.
func HeldInSession(held []model.Enrollment, s model.Session) (model.Enrollment, bool) {
	for _, e := range held {
		if e.Session == s {
			return e, true
		}
	}
	return model.Enrollment{}, false
}

// Without returns held minus any enrollment for talkID.
func Without(held []model.Enrollment, talkID string) []model.Enrollment {
	out := make([]model.Enrollment, 0, len(held))
	for _, e := range held {
		if e.TalkID != talkID {
			out = append(out, e)
		}
	}
	return out
}
