// Package postgrest implements the enrollment store against a hosted
// PostgREST backend such as Supabase. Mutations call the stored procedures
// shipped with the Postgres schema so each admission decision still runs in
// one database transaction.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// PostgREST and PostgreSQL error codes the store reacts to.
const (
	codeRaiseException       = "P0001"
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeFunctionNotFound     = "PGRST202"
)

const maxErrorBody = 64 << 10

// Store is a PostgREST-backed enrollment store.
type Store struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.http = c }
}

// New returns a Store for the PostgREST root at baseURL, for example
// https://<project>.supabase.co/rest/v1.
func New(baseURL, apiKey string, opts ...Option) (*Store, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse postgrest url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("postgrest url %q must be absolute", baseURL)
	}
	s := &Store{
		base:   u,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks the backend answers by fetching a single talk ID.
func (s *Store) Ping(ctx context.Context) error {
	var rows []struct{}
	return s.do(ctx, request{
		method: http.MethodGet,
		path:   "talks",
		query:  url.Values{"select": {"id"}, "limit": {"1"}},
	}, &rows)
}

// apiError is the PostgREST error body.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("postgrest %d", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// request describes one PostgREST call.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer string
}

// do sends req and decodes a successful JSON response into out, which may
// be nil. Failures are classified into admission kinds.
func (s *Store) do(ctx context.Context, req request, out any) error {
	u := *s.base
	u.Path = s.base.Path + "/" + strings.TrimLeft(req.path, "/")
	if req.query != nil {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		buf, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", req.path, err)
		}
		body = bytes.NewReader(buf)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", req.path, err)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if req.prefer != "" {
		hreq.Header.Set("Prefer", req.prefer)
	}
	if s.apiKey != "" {
		hreq.Header.Set("apikey", s.apiKey)
		hreq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(hreq)
	if err != nil {
		return classify(fmt.Errorf("%s %s: %w", req.method, req.path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return classify(readError(resp))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(fmt.Errorf("decode %s response: %w", req.path, err))
	}
	return nil
}

func readError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// classify maps transport and PostgREST failures onto admission kinds.
func classify(err error) error {
	if err == nil || admission.KindOf(err) != admission.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return admission.Unavailable(err)
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return classifyAPI(apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return admission.Unavailable(err)
	}
	return err
}

func classifyAPI(e *apiError) error {
	switch e.Code {
	case codeRaiseException:
		return raised(e)
	case codeUniqueViolation:
		if strings.Contains(e.Message, "enrollments_student_talk_key") {
			return &admission.Error{Kind: admission.KindDuplicateEnrollment, Err: e}
		}
		if strings.Contains(e.Message, "enrollments_student_session_key") {
			return &admission.Error{Kind: admission.KindSessionAlreadyChosen, Err: e}
		}
		return e
	case codeSerializationFailure, codeDeadlockDetected:
		return admission.Unavailable(e)
	}
	if e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests {
		return admission.Unavailable(e)
	}
	return e
}

// raised decodes an exception raised by one of the enrollment procedures
// or roster guards: the message is the admission kind and the detail
// carries the session or what was not found.
func raised(e *apiError) error {
	if e.Message == admission.RosterConflictCode {
		return fmt.Errorf("%s: %w", e.Details, admission.ErrRosterConflict)
	}
	kind, ok := admission.ParseKind(e.Message)
	if !ok {
		return e
	}
	switch kind {
	case admission.KindNotFound:
		what := e.Details
		if what == "" {
			what = "record"
		}
		return admission.NotFound(what)
	case admission.KindSessionAlreadyChosen:
		n, _ := strconv.Atoi(e.Details)
		return admission.SessionAlreadyChosen(model.Session(n))
	default:
		return &admission.Error{Kind: kind}
	}
}
