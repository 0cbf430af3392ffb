// Package model defines the core domain types for the career day enrollment system.
package model

import (
	"fmt"
	"math"
	"time"
)

// Session is one of the two fixed time-slots of the career day.
type Session int

const (
	SessionOne Session = 1
	SessionTwo Session = 2
)

// Valid reports whether s is one of the fixed sessions.
func (s Session) Valid() bool {
	return s == SessionOne || s == SessionTwo
}

func (s Session) String() string {
	return fmt.Sprintf("session %d", int(s))
}

// Location is a venue with a fixed seating capacity.
type Location struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}

// Speaker presents a talk.
type Speaker struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	PhotoURL string `json:"photo_url,omitempty" yaml:"photo_url"`
	Bio      string `json:"bio,omitempty" yaml:"bio"`
}

// Talk is a presentation held in one session at one location.
type Talk struct {
	ID          string   `json:"id"`
	Session     Session  `json:"session"`
	Topic       string   `json:"topic"`
	Description string   `json:"description"`
	Speaker     *Speaker `json:"speaker,omitempty"`
	Location    Location `json:"location"`
}

// Student is a roster entry, identified externally by their NIS.
type Student struct {
	ID    string `json:"id" yaml:"id"`
	NIS   string `json:"nis" yaml:"nis"`
	Name  string `json:"name" yaml:"name"`
	Class string `json:"class" yaml:"class"`
}

// Enrollment associates one student with one talk. Session mirrors the
// talk's session so stores can enforce one enrollment per session.
type Enrollment struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	TalkID     string    `json:"talk_id"`
	Session    Session   `json:"session"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// EnrollmentDetail is an enrollment together with the talk it refers to.
type EnrollmentDetail struct {
	Enrollment
	Talk Talk `json:"talk"`
}

// Occupancy is the live seat usage of a talk.
type Occupancy struct {
	TalkID   string `json:"talk_id"`
	Capacity int    `json:"capacity"`
	Enrolled int    `json:"enrolled"`
}

// Available returns the number of free seats, never negative.
func (o Occupancy) Available() int {
	if o.Enrolled >= o.Capacity {
		return 0
	}
	return o.Capacity - o.Enrolled
}

// IsFull returns true when no seats remain.
func (o Occupancy) IsFull() bool {
	return o.Enrolled >= o.Capacity
}

// PercentFull returns the rounded occupancy percentage. A zero-capacity
// venue reports 0.
func (o Occupancy) PercentFull() int {
	if o.Capacity <= 0 {
		return 0
	}
	return int(math.Round(float64(o.Enrolled) / float64(o.Capacity) * 100))
}

// TalkListing is a talk with its current occupancy, as shown to students.
type TalkListing struct {
	Talk
	Enrolled  int  `json:"current_enrollment"`
	Available int  `json:"available_slots"`
	IsFull    bool `json:"is_full"`
}

// NewTalkListing builds a listing from a talk and its enrollment count.
func NewTalkListing(t Talk, enrolled int) TalkListing {
	occ := Occupancy{TalkID: t.ID, Capacity: t.Location.Capacity, Enrolled: enrolled}
	return TalkListing{
		Talk:      t,
		Enrolled:  enrolled,
		Available: occ.Available(),
		IsFull:    occ.IsFull(),
	}
}

// TalkStats is one row of the admin enrollment statistics.
type TalkStats struct {
	TalkID      string  `json:"talk_id"`
	Topic       string  `json:"topic"`
	Session     Session `json:"session"`
	Location    string  `json:"location"`
	Capacity    int     `json:"capacity"`
	Enrolled    int     `json:"enrolled"`
	Available   int     `json:"available"`
	PercentFull int     `json:"percentage_full"`
}

// NewTalkStats derives a statistics row from a listing.
func NewTalkStats(l TalkListing) TalkStats {
	occ := Occupancy{TalkID: l.ID, Capacity: l.Location.Capacity, Enrolled: l.Enrolled}
	return TalkStats{
		TalkID:      l.ID,
		Topic:       l.Topic,
		Session:     l.Session,
		Location:    l.Location.Name,
		Capacity:    occ.Capacity,
		Enrolled:    occ.Enrolled,
		Available:   occ.Available(),
		PercentFull: occ.PercentFull(),
	}
}

// StudentOverview is one student row of the staff overview: the topics
// chosen for each session, empty when not yet chosen.
type StudentOverview struct {
	Student
	Session1Topic    string `json:"event_1_topic"`
	Session1Location string `json:"event_1_location"`
	Session2Topic    string `json:"event_2_topic"`
	Session2Location string `json:"event_2_location"`
}

// Complete reports whether both sessions have been chosen.
func (o StudentOverview) Complete() bool {
	return o.Session1Topic != "" && o.Session2Topic != ""
}

// OverviewSummary counts overview rows by completion.
type OverviewSummary struct {
	Total      int `json:"total"`
	Session1   int `json:"session_1"`
	Session2   int `json:"session_2"`
	Incomplete int `json:"incomplete"`
}

// Summarize tallies rows.
func Summarize(rows []StudentOverview) OverviewSummary {
	sum := OverviewSummary{Total: len(rows)}
	for _, r := range rows {
		if r.Session1Topic != "" {
			sum.Session1++
		}
		if r.Session2Topic != "" {
			sum.Session2++
		}
		if !r.Complete() {
			sum.Incomplete++
		}
	}
	return sum
}

// OverviewStatus narrows the staff overview by completion state.
type OverviewStatus string

const (
	StatusAll          OverviewStatus = "all"
	StatusComplete     OverviewStatus = "complete"
	StatusIncomplete   OverviewStatus = "incomplete"
	StatusSession1Only OverviewStatus = "session_1_only"
	StatusSession2Only OverviewStatus = "session_2_only"
)

// OverviewFilter selects rows of the staff overview.
type OverviewFilter struct {
	Classes []string       `validate:"dive,required"`
	Search  string         `validate:"max=100"`
	Status  OverviewStatus `validate:"omitempty,oneof=all complete incomplete session_1_only session_2_only"`
}

// Match reports whether the overview row passes the status filter. Class
// and search filtering happen in the store.
func (f OverviewFilter) Match(o StudentOverview) bool {
	has1, has2 := o.Session1Topic != "", o.Session2Topic != ""
	switch f.Status {
	case StatusComplete:
		return has1 && has2
	case StatusIncomplete:
		return !has1 || !has2
	case StatusSession1Only:
		return has1 && !has2
	case StatusSession2Only:
		return !has1 && has2
	default:
		return true
	}
}

// Roster is the reference data imported before the career day opens.
type Roster struct {
	Locations []Location   `yaml:"locations"`
	Speakers  []Speaker    `yaml:"speakers"`
	Talks     []RosterTalk `yaml:"talks"`
	Students  []Student    `yaml:"students"`
}

// RosterTalk is a talk as written in a roster file, referencing its
// location and speaker by ID.
type RosterTalk struct {
	ID          string  `yaml:"id"`
	Session     Session `yaml:"session"`
	Topic       string  `yaml:"topic"`
	Description string  `yaml:"description"`
	SpeakerID   string  `yaml:"speaker_id"`
	LocationID  string  `yaml:"location_id"`
}

// EnrollRequest is the payload for enrolling in a talk.
type EnrollRequest struct {
	TalkID string `json:"talk_id"`
}

// ChangeRequest is the payload for switching an enrollment to another talk.
type ChangeRequest struct {
	TalkID string `json:"talk_id"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error   string  `json:"error"`
	Code    string  `json:"code,omitempty"`
	Session Session `json:"session,omitempty"`
}
