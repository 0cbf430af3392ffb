package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

var (
	nisTag   = "nis"
	nisRegex = regexp.MustCompile(`^\d{8,10}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation(nisTag, func(fl validator.FieldLevel) bool {
		return nisRegex.MatchString(fl.Field().String())
	})
	return v
}

type enrollInput struct {
	StudentID string `validate:"required,max=64"`
	TalkID    string `validate:"required,max=64"`
}

type changeInput struct {
	StudentID string `validate:"required,max=64"`
	OldTalkID string `validate:"required,max=64"`
	NewTalkID string `validate:"required,max=64"`
}

type rosterLocation struct {
	ID       string `validate:"required,max=64"`
	Name     string `validate:"required"`
	Capacity int    `validate:"gte=0"`
}

type rosterTalk struct {
	ID         string        `validate:"required,max=64"`
	Session    model.Session `validate:"oneof=1 2"`
	Topic      string        `validate:"required"`
	LocationID string        `validate:"required"`
}

type rosterStudent struct {
	ID    string `validate:"required,max=64"`
	NIS   string `validate:"required,nis"`
	Name  string `validate:"required"`
	Class string `validate:"required"`
}

// ValidationError reports malformed input. It is never an admission
// outcome and is not retryable.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid input: " + explain(e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error) error {
	return &ValidationError{Err: err}
}

// explain renders validator failures as readable field messages.
func explain(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return strings.Join(msgs, "; ")
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	if field == "" {
		field = "value"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case nisTag:
		return field + " must be 8-10 digits"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// ValidateRoster checks a roster for well-formed entries and dangling
// references before any of it is written.
func ValidateRoster(r model.Roster) error {
	locations := make(map[string]bool, len(r.Locations))
	for _, l := range r.Locations {
		if err := validate.Struct(rosterLocation{ID: l.ID, Name: l.Name, Capacity: l.Capacity}); err != nil {
			return invalid(fmt.Errorf("location %q: %s", l.ID, explain(err)))
		}
		locations[l.ID] = true
	}
	speakers := make(map[string]bool, len(r.Speakers))
	for _, sp := range r.Speakers {
		if err := validate.Var(sp.ID, "required,max=64"); err != nil {
			return invalid(fmt.Errorf("speaker %q: %s", sp.Name, explain(err)))
		}
		speakers[sp.ID] = true
	}
	for _, t := range r.Talks {
		if err := validate.Struct(rosterTalk{ID: t.ID, Session: t.Session, Topic: t.Topic, LocationID: t.LocationID}); err != nil {
			return invalid(fmt.Errorf("talk %q: %s", t.ID, explain(err)))
		}
		if !locations[t.LocationID] {
			return invalid(fmt.Errorf("talk %q: unknown location %q", t.ID, t.LocationID))
		}
		if t.SpeakerID != "" && !speakers[t.SpeakerID] {
			return invalid(fmt.Errorf("talk %q: unknown speaker %q", t.ID, t.SpeakerID))
		}
	}
	nis := make(map[string]string, len(r.Students))
	for _, st := range r.Students {
		if err := validate.Struct(rosterStudent{ID: st.ID, NIS: st.NIS, Name: st.Name, Class: st.Class}); err != nil {
			return invalid(fmt.Errorf("student %q: %s", st.ID, explain(err)))
		}
		if other, dup := nis[st.NIS]; dup {
			return invalid(fmt.Errorf("students %q and %q share NIS %s", other, st.ID, st.NIS))
		}
		nis[st.NIS] = st.ID
	}
	return nil
}
