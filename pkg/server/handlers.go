package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coriumlabs/compute-node/pkg/orchestrator"
	"github.com/coriumlabs/compute-node/pkg/store"
)

// JobRunner is the subset of the orchestrator the REST surface drives
// directly for off-chain job submissions.
type JobRunner interface {
	ProcessChainProcessorJob(ctx context.Context, jobID string, jobInput interface{}, source, destination string, containers []string, requiresProof bool) ([]orchestrator.ContainerResult, error)
	ProcessStreamingJob(ctx context.Context, jobID string, jobInput interface{}, containers []string, w io.Writer) ([]byte, error)
	CollectServiceResources(ctx context.Context, containers []string, modelID string) map[string]interface{}
}

// JobStore is the subset of the Data Store the REST surface reads and
// writes.
type JobStore interface {
	SetRunning(ctx context.Context, key string, rec store.Record) error
	SetSuccess(ctx context.Context, key string, results interface{}) error
	SetFailed(ctx context.Context, key string, results interface{}) error
	Get(ctx context.Context, keys []string, includeIntermediate bool) ([]store.Record, error)
	GetJobIDs(ctx context.Context, address string, includePending bool) ([]string, error)
}

// Handlers implements the node's REST collaborator surface.
type Handlers struct {
	jobs       JobRunner
	store      JobStore
	containers []string
	startedAt  time.Time
	logger     *log.Logger

	mu     sync.RWMutex
	paused bool
}

// NewHandlers builds the REST handler set over the orchestrator and store.
func NewHandlers(jobs JobRunner, st JobStore, containers []string, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[Server] ", log.LstdFlags)
	}
	return &Handlers{jobs: jobs, store: st, containers: containers, startedAt: time.Now(), logger: logger}
}

// HandleHealth reports process liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleInfo reports the node's configured containers and uptime.
func (h *Handlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	paused := h.paused
	h.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"containers": h.containers,
		"uptime":     time.Since(h.startedAt).String(),
		"paused":     paused,
	})
}

// HandleResources fans out /service-resources to every configured
// container, optionally scoped to a model id via /resources/<model_id>.
func (h *Handlers) HandleResources(w http.ResponseWriter, r *http.Request) {
	modelID := pathSuffix(r.URL.Path, "/resources/")
	resources := h.jobs.CollectServiceResources(r.Context(), h.containers, modelID)
	writeJSON(w, http.StatusOK, resources)
}

// jobRequest is the POST /api/jobs and /api/jobs/stream body.
type jobRequest struct {
	Containers    []string    `json:"containers"`
	Input         interface{} `json:"input"`
	Destination   string      `json:"destination"`
	RequiresProof bool        `json:"requires_proof"`
}

// HandleJobs runs a container pipeline synchronously and returns its
// results; failures surface as HTTP 500 with the error recorded in the
// store.
func (h *Handlers) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rejectIfPaused(w) {
		return
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	containers := h.jobContainers(req.Containers)
	destination := req.Destination
	if destination == "" {
		destination = orchestrator.DestOffchain
	}

	jobID := uuid.New().String()
	key := store.Key(remoteIP(r), jobID)
	ctx := r.Context()

	if err := h.store.SetRunning(ctx, key, store.Record{ID: jobID}); err != nil {
		h.logger.Printf("set running %s: %v", key, err)
	}

	results, err := h.jobs.ProcessChainProcessorJob(ctx, jobID, req.Input, orchestrator.SourceOffchain, destination, containers, req.RequiresProof)
	if err != nil {
		if serr := h.store.SetFailed(ctx, key, results); serr != nil {
			h.logger.Printf("set failed %s: %v", key, serr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"job_id": jobID, "error": err.Error(), "results": results})
		return
	}
	if err := h.store.SetSuccess(ctx, key, results); err != nil {
		h.logger.Printf("set success %s: %v", key, err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "results": results})
}

// HandleJobsStream proxies the first container's response stream to the
// caller, job id first on its own line.
func (h *Handlers) HandleJobsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rejectIfPaused(w) {
		return
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	containers := h.jobContainers(req.Containers)
	jobID := uuid.New().String()
	key := store.Key(remoteIP(r), jobID)
	ctx := r.Context()

	if err := h.store.SetRunning(ctx, key, store.Record{ID: jobID}); err != nil {
		h.logger.Printf("set running %s: %v", key, err)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	fmt.Fprintf(w, "%s\n", jobID)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	accumulated, err := h.jobs.ProcessStreamingJob(ctx, jobID, req.Input, containers, w)
	if err != nil {
		h.logger.Printf("streaming job %s: %v", jobID, err)
		if serr := h.store.SetFailed(ctx, key, err.Error()); serr != nil {
			h.logger.Printf("set failed %s: %v", key, serr)
		}
		return
	}
	if err := h.store.SetSuccess(ctx, key, string(accumulated)); err != nil {
		h.logger.Printf("set success %s: %v", key, err)
	}
}

// HandleJobsBatch runs a batch of jobs sequentially, matching the
// chain-processor pipeline's fail-isolation per job (one job's failure
// does not abort the others).
func (h *Handlers) HandleJobsBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rejectIfPaused(w) {
		return
	}

	var reqs []jobRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	out := make([]map[string]interface{}, 0, len(reqs))
	for _, req := range reqs {
		containers := h.jobContainers(req.Containers)
		destination := req.Destination
		if destination == "" {
			destination = orchestrator.DestOffchain
		}
		jobID := uuid.New().String()
		key := store.Key(remoteIP(r), jobID)

		if err := h.store.SetRunning(ctx, key, store.Record{ID: jobID}); err != nil {
			h.logger.Printf("set running %s: %v", key, err)
		}
		results, err := h.jobs.ProcessChainProcessorJob(ctx, jobID, req.Input, orchestrator.SourceOffchain, destination, containers, req.RequiresProof)
		if err != nil {
			if serr := h.store.SetFailed(ctx, key, results); serr != nil {
				h.logger.Printf("set failed %s: %v", key, serr)
			}
			out = append(out, map[string]interface{}{"job_id": jobID, "error": err.Error(), "results": results})
			continue
		}
		if err := h.store.SetSuccess(ctx, key, results); err != nil {
			h.logger.Printf("set success %s: %v", key, err)
		}
		out = append(out, map[string]interface{}{"job_id": jobID, "results": results})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetJobs returns completed (and optionally pending) job records for
// the caller's address.
func (h *Handlers) HandleGetJobs(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address is required"})
		return
	}
	includePending := r.URL.Query().Get("pending") == "true"
	includeIntermediate := r.URL.Query().Get("intermediate") == "true"

	ids, err := h.store.GetJobIDs(r.Context(), address, includePending)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	records, err := h.store.Get(r.Context(), ids, includeIntermediate)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandlePutStatus toggles whether the node accepts new off-chain job
// submissions. Reachable only from trusted IPs (enforced by the router).
func (h *Handlers) HandlePutStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.mu.Lock()
	h.paused = body.Paused
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": body.Paused})
}

func (h *Handlers) rejectIfPaused(w http.ResponseWriter) bool {
	h.mu.RLock()
	paused := h.paused
	h.mu.RUnlock()
	if paused {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "node is paused"})
	}
	return paused
}

// jobContainers returns requested if non-empty, else every configured
// container in order.
func (h *Handlers) jobContainers(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return h.containers
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func pathSuffix(path, prefix string) string {
	if len(path) <= len(prefix) {
		return ""
	}
	return path[len(prefix):]
}
