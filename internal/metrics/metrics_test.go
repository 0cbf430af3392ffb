package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
)

func TestAdmission_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewAdmission(reg)

	a.Observe("enroll", time.Now(), nil)
	a.Observe("enroll", time.Now(), admission.ErrTalkFull)
	a.Observe("enroll", time.Now(), admission.ErrTalkFull)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.decisions.WithLabelValues("enroll", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.decisions.WithLabelValues("enroll", "talk_full")))
	assert.Equal(t, 1, testutil.CollectAndCount(a.duration))
}

func TestAdmission_NilIsNoop(t *testing.T) {
	var a *Admission
	assert.NotPanics(t, func() { a.Observe("withdraw", time.Now(), nil) })
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "session_already_chosen", Outcome(admission.SessionAlreadyChosen(1)))
	assert.Equal(t, "unknown", Outcome(errors.New("boom")))
}
