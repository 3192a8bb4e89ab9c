package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
	"github.com/dunamismax/jobloop/internal/ratelimit"
	"github.com/dunamismax/jobloop/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGraph = "http://mu.semte.ch/graphs/test"

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.MemoryJobStore) {
	t.Helper()

	st := store.NewMemoryJobStore(testGraph)
	return NewServer(nil, st, opts...), st
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestRegisterFileThenCreateAndGetJob(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/files", `{"name":"in.json","location":"share://in.json"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fileID := decodeBody(t, rec)["file_id"].(string)

	location, ok, err := st.ResolveLocation(context.Background(), fileID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "share://in.json", location)

	rec = do(t, h, http.MethodPost, "/v1/jobs",
		`{"task_type":"http://example.com/tasks/echo","source_ref":"`+fileID+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	jobID := created["job_id"].(string)
	assert.Equal(t, "queued", created["status"])
	assert.Equal(t, domain.StatusQueued.URI(), created["status_uri"])
	assert.Equal(t, "/v1/jobs/"+jobID, rec.Header().Get("Location"))

	job, ok, err := st.FindQueued(context.Background(), "http://example.com/tasks/echo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobID, job.ID)

	require.NoError(t, st.SetStatus(context.Background(), jobID, domain.StatusDone))
	require.NoError(t, st.AttachResult(context.Background(), jobID, "artifact-1"))

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "done", got["status"])
	assert.Equal(t, "artifact-1", got["result_ref"])
}

func TestCreateJobRejectsUnknownSource(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{"task_type":"t","source_ref":"nope"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "not registered")
}

func TestCreateJobRejectsMalformedSource(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.RegisterFile(context.Background(), domain.File{ID: "broken", Name: "x"}))

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{"task_type":"t","source_ref":"broken"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "no location")
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"job missing task type", http.MethodPost, "/v1/jobs", `{"source_ref":"x"}`, http.StatusBadRequest},
		{"job unknown field", http.MethodPost, "/v1/jobs", `{"task_type":"t","source_ref":"x","extra":1}`, http.StatusBadRequest},
		{"job two documents", http.MethodPost, "/v1/jobs", `{"task_type":"t","source_ref":"x"}{}`, http.StatusBadRequest},
		{"file bad scheme", http.MethodPost, "/v1/files", `{"name":"a","location":"ftp://host/a"}`, http.StatusBadRequest},
		{"file missing name", http.MethodPost, "/v1/files", `{"location":"share://a"}`, http.StatusBadRequest},
		{"get invalid id", http.MethodGet, "/v1/jobs/not-a-uuid", ``, http.StatusBadRequest},
		{"get unknown job", http.MethodGet, "/v1/jobs/6f1c7e1e-4d0a-4b57-9a55-0b7d43c0f0aa", ``, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

type fakeLimiter struct {
	decisions map[string]ratelimit.Decision
	err       error
	keys      []string
}

func (l *fakeLimiter) Allow(_ context.Context, key ratelimit.Key) (ratelimit.Decision, error) {
	l.keys = append(l.keys, key.String())
	if l.err != nil {
		return ratelimit.Decision{}, l.err
	}
	if d, ok := l.decisions[key.String()]; ok {
		return d, nil
	}
	return ratelimit.Decision{Allowed: true, Limit: 10, Remaining: 9}, nil
}

func TestFileRegistrationBudgetPerCaller(t *testing.T) {
	limiter := &fakeLimiter{decisions: map[string]ratelimit.Decision{
		ratelimit.Key{Graph: testGraph, Caller: "greedy"}.String(): {Allowed: false, RetryAfter: 1500 * time.Millisecond},
	}}
	s, _ := newTestServer(t, WithRateLimiter(limiter, testGraph, "X-Client"))
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/files", `{"name":"a","location":"share://a"}`, "X-Client", "greedy")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodPost, "/v1/files", `{"name":"a","location":"share://a"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{
		ratelimit.Key{Graph: testGraph, Caller: "greedy"}.String(),
		ratelimit.Key{Graph: testGraph, Caller: "anonymous"}.String(),
	}, limiter.keys)
}

func TestJobCreationBudgetPerTaskType(t *testing.T) {
	limiter := &fakeLimiter{decisions: map[string]ratelimit.Decision{
		ratelimit.Key{Graph: testGraph, TaskType: "summarize"}.String(): {Allowed: false, RetryAfter: 20 * time.Second},
	}}
	s, st := newTestServer(t, WithRateLimiter(limiter, testGraph, ""))
	h := s.Handler()
	require.NoError(t, st.RegisterFile(context.Background(), domain.File{ID: "f1", Name: "in.json", Location: "share://in.json"}))

	rec := do(t, h, http.MethodPost, "/v1/jobs", `{"task_type":"summarize","source_ref":"f1"}`, "X-User-ID", "alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "20", rec.Header().Get("Retry-After"))

	_, ok, err := st.FindQueued(context.Background(), "summarize")
	require.NoError(t, err)
	assert.False(t, ok, "refused jobs are never queued")

	rec = do(t, h, http.MethodPost, "/v1/jobs", `{"task_type":"translate","source_ref":"f1"}`, "X-User-ID", "alice")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Invalid requests are refused before any budget is spent.
	rec = do(t, h, http.MethodPost, "/v1/jobs", `{"task_type":"translate","source_ref":"missing"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, []string{
		ratelimit.Key{Graph: testGraph, TaskType: "summarize"}.String(),
		ratelimit.Key{Graph: testGraph, TaskType: "translate"}.String(),
	}, limiter.keys)
}

func TestRateLimiterFailureLetsRequestThrough(t *testing.T) {
	s, _ := newTestServer(t, WithRateLimiter(&fakeLimiter{err: errors.New("redis down")}, testGraph, ""))

	rec := do(t, s.Handler(), http.MethodPost, "/v1/files", `{"name":"a","location":"share://a"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, http.MethodGet, "/v1/jobs/6f1c7e1e-4d0a-4b57-9a55-0b7d43c0f0aa", "")
	do(t, h, http.MethodGet, "/healthz", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `route="/v1/jobs/{id}"`)
	assert.NotContains(t, body, "6f1c7e1e")
	assert.Contains(t, body, `route="/healthz"`)
}
