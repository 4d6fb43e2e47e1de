package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coriumlabs/compute-node/pkg/orchestrator"
	"github.com/coriumlabs/compute-node/pkg/store"
)

type stubRunner struct {
	results []orchestrator.ContainerResult
	err     error
}

func (s *stubRunner) ProcessChainProcessorJob(ctx context.Context, jobID string, jobInput interface{}, source, destination string, containers []string, requiresProof bool) ([]orchestrator.ContainerResult, error) {
	return s.results, s.err
}

func (s *stubRunner) ProcessStreamingJob(ctx context.Context, jobID string, jobInput interface{}, containers []string, w io.Writer) ([]byte, error) {
	w.Write([]byte("chunk"))
	return []byte("chunk"), s.err
}

func (s *stubRunner) CollectServiceResources(ctx context.Context, containers []string, modelID string) map[string]interface{} {
	return map[string]interface{}{"gpu": "idle"}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(context.Background(), store.NewMemoryIndex(), store.NewMemoryIndex())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func TestHandleHealth(t *testing.T) {
	h := NewHandlers(&stubRunner{}, newTestStore(t), []string{"a"}, nil)
	router := NewRouter(h, RateLimit{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleJobs_Success(t *testing.T) {
	runner := &stubRunner{results: []orchestrator.ContainerResult{{Container: "a", Output: "ok"}}}
	h := NewHandlers(runner, newTestStore(t), []string{"a"}, nil)
	router := NewRouter(h, RateLimit{}, nil)

	body, _ := json.Marshal(jobRequest{Containers: []string{"a"}, Input: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := resp["job_id"]; !ok {
		t.Fatal("response missing job_id")
	}
}

func TestHandleJobs_FailureReturns500(t *testing.T) {
	runner := &stubRunner{err: errors.New("container blew up")}
	h := NewHandlers(runner, newTestStore(t), []string{"a"}, nil)
	router := NewRouter(h, RateLimit{}, nil)

	body, _ := json.Marshal(jobRequest{Containers: []string{"a"}})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("container blew up")) {
		t.Fatalf("body missing error text: %s", rec.Body.String())
	}
}

func TestHandlePutStatus_RejectsUntrustedIP(t *testing.T) {
	h := NewHandlers(&stubRunner{}, newTestStore(t), nil, nil)
	router := NewRouter(h, RateLimit{}, []string{"10.0.0.1"})

	body, _ := json.Marshal(map[string]bool{"paused": true})
	req := httptest.NewRequest(http.MethodPut, "/api/status", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandlePutStatus_AllowsTrustedIPAndPausesJobs(t *testing.T) {
	h := NewHandlers(&stubRunner{}, newTestStore(t), nil, nil)
	router := NewRouter(h, RateLimit{}, []string{"10.0.0.1"})

	body, _ := json.Marshal(map[string]bool{"paused": true})
	req := httptest.NewRequest(http.MethodPut, "/api/status", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	jobReq := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader([]byte(`{}`)))
	jobRec := httptest.NewRecorder()
	router.ServeHTTP(jobRec, jobReq)
	if jobRec.Code != http.StatusServiceUnavailable {
		t.Fatalf("paused job status = %d, want 503", jobRec.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	h := NewHandlers(&stubRunner{}, newTestStore(t), nil, nil)
	router := NewRouter(h, RateLimit{NumRequests: 1, Period: time.Minute}, nil)

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "1.2.3.4:5555"
		return r
	}

	first := httptest.NewRecorder()
	router.ServeHTTP(first, req())
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, req())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
}

func TestHandleResources(t *testing.T) {
	h := NewHandlers(&stubRunner{}, newTestStore(t), []string{"a"}, nil)
	router := NewRouter(h, RateLimit{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resources/model-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("gpu")) {
		t.Fatalf("body missing resource payload: %s", rec.Body.String())
	}
}
