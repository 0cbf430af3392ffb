// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
	"github.com/Shivanand-hulikatti/career-day/internal/service"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = 2

// EnrollmentHandler holds all HTTP handlers for the enrollment API.
type EnrollmentHandler struct {
	svc *service.EnrollmentService
	log logrus.FieldLogger
}

// NewEnrollmentHandler constructs an EnrollmentHandler.
func NewEnrollmentHandler(svc *service.EnrollmentService, log logrus.FieldLogger) *EnrollmentHandler {
	return &EnrollmentHandler{svc: svc, log: log}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	switch admission.KindOf(err) {
	case admission.KindNotFound:
		return http.StatusNotFound
	case admission.KindTalkFull, admission.KindSessionAlreadyChosen, admission.KindDuplicateEnrollment:
		return http.StatusConflict
	case admission.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err in the JSON error envelope. The code field
// carries the admission kind so clients can tell outcomes apart.
func (h *EnrollmentHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := model.ErrorResponse{Error: err.Error()}

	var verr *service.ValidationError
	switch kind := admission.KindOf(err); {
	case errors.As(err, &verr):
		resp.Code = "invalid_input"
	case kind == admission.KindUnknown:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		resp.Error = "internal error"
	case kind == admission.KindPartialChangeFailure:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("enrollment change left incomplete")
		resp.Code = kind.String()
		resp.Error = "the previous enrollment was removed but the new one could not be made; please enroll again"
	default:
		resp.Code = kind.String()
		resp.Session = admission.SessionOf(err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		resp.Error = "enrollment store unavailable, please try again"
	}
	writeJSON(w, status, resp)
}

// ─── Student handlers ─────────────────────────────────────────────────────────

// LookupStudent handles GET /students/{student}
// Finds a student by NIS; this is how students sign in.
func (h *EnrollmentHandler) LookupStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.LookupStudent(r.Context(), chi.URLParam(r, "student"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListEnrollments handles GET /students/{student}/enrollments
func (h *EnrollmentHandler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	held, err := h.svc.EnrollmentsForStudent(r.Context(), chi.URLParam(r, "student"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if held == nil {
		held = []model.EnrollmentDetail{}
	}
	writeJSON(w, http.StatusOK, held)
}

// Enroll handles POST /students/{student}/enrollments
// Performs a concurrency-safe admission into the requested talk.
func (h *EnrollmentHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req model.EnrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enr, err := h.svc.TryEnroll(r.Context(), chi.URLParam(r, "student"), req.TalkID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enr)
}

// Withdraw handles DELETE /students/{student}/enrollments/{talkID}
// Succeeds whether or not the enrollment existed.
func (h *EnrollmentHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Withdraw(r.Context(), chi.URLParam(r, "student"), chi.URLParam(r, "talkID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeEnrollment handles PUT /students/{student}/enrollments/{talkID}
// Moves the enrollment in talkID to the talk named in the body.
func (h *EnrollmentHandler) ChangeEnrollment(w http.ResponseWriter, r *http.Request) {
	var req model.ChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enr, err := h.svc.ChangeEnrollment(r.Context(), chi.URLParam(r, "student"), chi.URLParam(r, "talkID"), req.TalkID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

// ─── Talk handlers ────────────────────────────────────────────────────────────

// ListTalks handles GET /talks?session=N
// Without a session every talk is returned.
func (h *EnrollmentHandler) ListTalks(w http.ResponseWriter, r *http.Request) {
	var session model.Session
	if raw := r.URL.Query().Get("session"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "session must be a number")
			return
		}
		session = model.Session(n)
	}

	talks, err := h.svc.ListTalks(r.Context(), session)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if talks == nil {
		talks = []model.TalkListing{}
	}
	writeJSON(w, http.StatusOK, talks)
}

// Occupancy handles GET /talks/{talkID}/occupancy
func (h *EnrollmentHandler) Occupancy(w http.ResponseWriter, r *http.Request) {
	occ, err := h.svc.Occupancy(r.Context(), chi.URLParam(r, "talkID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		model.Occupancy
		Available int  `json:"available"`
		IsFull    bool `json:"is_full"`
	}{occ, occ.Available(), occ.IsFull()})
}

// ─── Admin handlers ───────────────────────────────────────────────────────────

// Stats handles GET /admin/stats
func (h *EnrollmentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.EnrollmentStats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if stats == nil {
		stats = []model.TalkStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// overviewResponse is the staff overview page payload.
type overviewResponse struct {
	Summary  model.OverviewSummary   `json:"summary"`
	Students []model.StudentOverview `json:"students"`
}

// StudentOverview handles GET /admin/students?status=&search=&class=
func (h *EnrollmentHandler) StudentOverview(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.StudentOverview(r.Context(), overviewFilter(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.StudentOverview{}
	}
	writeJSON(w, http.StatusOK, overviewResponse{Summary: model.Summarize(rows), Students: rows})
}

// ExportOverview handles GET /admin/students.csv with the same filters as
// StudentOverview.
func (h *EnrollmentHandler) ExportOverview(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := h.svc.ExportOverviewCSV(r.Context(), overviewFilter(r), &buf); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	filename := fmt.Sprintf("career-day-enrollments-%s.csv", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// overviewFilter reads status, search and class (repeated or
// comma-separated) from the query string.
func overviewFilter(r *http.Request) model.OverviewFilter {
	q := r.URL.Query()
	f := model.OverviewFilter{
		Search: q.Get("search"),
		Status: model.OverviewStatus(q.Get("status")),
	}
	for _, v := range q["class"] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				f.Classes = append(f.Classes, c)
			}
		}
	}
	return f
}
