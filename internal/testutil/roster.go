// Package testutil holds fixtures shared by store, service and handler tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// RosterImporter is satisfied by every store.
type RosterImporter interface {
	ImportRoster(ctx context.Context, r model.Roster) error
}

// Fixture IDs of the base roster.
const (
	// T1 is session 1, capacity 2.
	T1 = "talk-1"
	// T2 is session 1, capacity 3.
	T2 = "talk-2"
	// T3 is session 1, capacity 5.
	T3 = "talk-3"
	// T4 is session 2, capacity 1.
	T4 = "talk-4"
	// T5 is session 2, capacity 0.
	T5 = "talk-5"
	// T6 is session 2, capacity 4.
	T6 = "talk-6"
)

// Roster returns a small career day: six talks over two sessions and
// `students` students with IDs student-1..N and NIS 10000001..
func Roster(students int) model.Roster {
	r := model.Roster{
		Locations: []model.Location{
			{ID: "loc-lab", Name: "Computer Lab", Capacity: 2},
			{ID: "loc-library", Name: "Library", Capacity: 3},
			{ID: "loc-hall", Name: "Main Hall", Capacity: 5},
			{ID: "loc-office", Name: "Counselling Office", Capacity: 1},
			{ID: "loc-closed", Name: "Closed Room", Capacity: 0},
			{ID: "loc-studio", Name: "Studio", Capacity: 4},
		},
		Speakers: []model.Speaker{
			{ID: "sp-1", Name: "Dr. Rina", Bio: "Physician"},
			{ID: "sp-2", Name: "Budi", PhotoURL: "https://example.com/budi.png"},
		},
		Talks: []model.RosterTalk{
			{ID: T1, Session: 1, Topic: "Software Engineering", SpeakerID: "sp-2", LocationID: "loc-lab"},
			{ID: T2, Session: 1, Topic: "Medicine", SpeakerID: "sp-1", LocationID: "loc-library"},
			{ID: T3, Session: 1, Topic: "Architecture", LocationID: "loc-hall"},
			{ID: T4, Session: 2, Topic: "Law", LocationID: "loc-office"},
			{ID: T5, Session: 2, Topic: "Aviation", LocationID: "loc-closed"},
			{ID: T6, Session: 2, Topic: "Journalism", SpeakerID: "sp-2", LocationID: "loc-studio"},
		},
	}
	for i := 1; i <= students; i++ {
		class := "XII-A"
		if i%2 == 0 {
			class = "XII-B"
		}
		r.Students = append(r.Students, model.Student{
			ID:    StudentID(i),
			NIS:   NIS(i),
			Name:  fmt.Sprintf("Student %02d", i),
			Class: class,
		})
	}
	return r
}

// StudentID returns the fixture ID of the i-th student.
func StudentID(i int) string {
	return fmt.Sprintf("student-%d", i)
}

// NIS returns the fixture enrollment number of the i-th student.
func NIS(i int) string {
	return fmt.Sprintf("%08d", 10000000+i)
}

// Seed imports Roster(students) into store.
func Seed(t testing.TB, store RosterImporter, students int) {
	t.Helper()
	if err := store.ImportRoster(context.Background(), Roster(students)); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
}
