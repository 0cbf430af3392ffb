package admission

import (
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// Kind classifies an admission failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindTalkFull
	KindSessionAlreadyChosen
	KindDuplicateEnrollment
	KindPartialChangeFailure
	KindStoreUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindNotFound:             "not_found",
	KindTalkFull:             "talk_full",
	KindSessionAlreadyChosen: "session_already_chosen",
	KindDuplicateEnrollment:  "duplicate_enrollment",
	KindPartialChangeFailure: "partial_change_failure",
	KindStoreUnavailable:     "store_unavailable",
}

// String returns the snake_case code used in logs, metrics and API errors.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(code string) (Kind, bool) {
	for k, name := range kindNames {
		if name == code {
			return k, true
		}
	}
	return KindUnknown, false
}

// Error is an admission outcome other than success. Session is set for
// KindSessionAlreadyChosen. Two Errors match under errors.Is when their
// kinds are equal, so the sentinels below can be used as targets.
type Error struct {
	Kind    Kind
	Session model.Session
	Err     error
}

func (e *Error) Error() string {
	msg := kindMessages[e.Kind]
	if e.Kind == KindSessionAlreadyChosen && e.Session != 0 {
		msg = fmt.Sprintf("a talk in session %d is already chosen", int(e.Session))
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var kindMessages = map[Kind]string{
	KindUnknown:              "admission failed",
	KindNotFound:             "not found",
	KindTalkFull:             "talk is fully booked",
	KindSessionAlreadyChosen: "a talk in this session is already chosen",
	KindDuplicateEnrollment:  "already enrolled in this talk",
	KindPartialChangeFailure: "enrollment change failed half-way; the previous enrollment may be lost",
	KindStoreUnavailable:     "enrollment store unavailable",
}

var (
	// ErrNotFound is returned when the student, talk or location does not exist.
	ErrNotFound = &Error{Kind: KindNotFound}
	// ErrTalkFull is returned when the talk's location has no seat left.
	ErrTalkFull = &Error{Kind: KindTalkFull}
	// ErrSessionAlreadyChosen is returned when the student already holds a
	// talk in the requested talk's session.
	ErrSessionAlreadyChosen = &Error{Kind: KindSessionAlreadyChosen}
	// ErrDuplicateEnrollment is returned when the exact enrollment already exists.
	ErrDuplicateEnrollment = &Error{Kind: KindDuplicateEnrollment}
	// ErrPartialChangeFailure is returned when a decomposed change removed
	// the old enrollment but could neither add the new one nor restore the old.
	ErrPartialChangeFailure = &Error{Kind: KindPartialChangeFailure}
	// ErrStoreUnavailable is returned for transient store failures.
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
)

// ErrAtomicChangeUnsupported is returned by a store that cannot swap an
// enrollment in a single atomic step. It is never shown to callers of the
// service.
var ErrAtomicChangeUnsupported = errors.New("atomic enrollment change unsupported by store")

// RosterConflictCode is the exception message the Postgres roster guards
// raise.
const RosterConflictCode = "roster_conflict"

// ErrRosterConflict is returned by a store when a roster import would move
// an enrolled talk to another session or seat fewer students than a talk
// already holds. The import is rolled back.
var ErrRosterConflict = errors.New("roster conflicts with existing enrollments")

// SessionAlreadyChosen builds the session conflict error for s.
func SessionAlreadyChosen(s model.Session) *Error {
	return &Error{Kind: KindSessionAlreadyChosen, Session: s}
}

// Unavailable wraps a collaborator failure as KindStoreUnavailable.
func Unavailable(err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Err: err}
}

// NotFound wraps err with KindNotFound, naming what was missing.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Err: errors.New(what)}
}

// KindOf returns the admission kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// SessionOf returns the conflicting session carried by err, or 0.
func SessionOf(err error) model.Session {
	var e *Error
	if errors.As(err, &e) {
		return e.Session
	}
	return 0
}

// Retryable reports whether the caller may retry the operation. Only
// transient store failures qualify; retrying a domain rejection without
// new information cannot change the outcome.
func Retryable(err error) bool {
	return KindOf(err) == KindStoreUnavailable
}
