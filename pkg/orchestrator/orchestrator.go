// Package orchestrator runs a user-declared sequence of containers (each an
// HTTP service), chaining container i's output into container i+1's input,
// and serializes the final output for on-chain delivery.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Per-call timeouts: run-job vs streaming-job.
const (
	RunJobTimeout       = 180 * time.Second
	StreamingJobTimeout = 60 * time.Second
)

// Source/Destination tags carried on the wire JSON body a container
// receives and returns.
const (
	SourceOnchain  = "ONCHAIN"
	SourceOffchain = "OFFCHAIN"

	DestOnchain  = "ONCHAIN"
	DestOffchain = "OFFCHAIN"
	DestStream   = "STREAM"
)

// ContainerInput is the JSON body POSTed to a container's /service_output.
type ContainerInput struct {
	Source        string      `json:"source"`
	Destination   string      `json:"destination"`
	Data          interface{} `json:"data"`
	RequiresProof bool        `json:"requires_proof"`
}

// ContainerResult is one step's outcome: exactly one of Output or Error is
// set.
type ContainerResult struct {
	Container string      `json:"container"`
	Output    interface{} `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ContainerEndpoint resolves a configured container id to its base URL and
// optional bearer token.
type ContainerEndpoint interface {
	BaseURL(containerID string) (string, error)
	BearerToken(containerID string) string
}

// Orchestrator executes container pipelines over HTTP.
type Orchestrator struct {
	endpoints ContainerEndpoint
	client    *http.Client
	logger    *log.Logger
}

// New builds an Orchestrator. client defaults to http.DefaultClient's
// transport with no client-wide timeout, since each call gets its own
// context deadline.
func New(endpoints ContainerEndpoint, client *http.Client, logger *log.Logger) *Orchestrator {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{endpoints: endpoints, client: client, logger: logger}
}

// ProcessChainProcessorJob runs containers in order, chaining output to
// input, failing fast on the first container error. source tags the first
// container's input (ONCHAIN for subscription-driven jobs, OFFCHAIN for
// REST-submitted ones); every subsequent step is tagged OFFCHAIN regardless,
// since only the pipeline's origin is ever on-chain.
func (o *Orchestrator) ProcessChainProcessorJob(ctx context.Context, jobID string, jobInput interface{}, source, destination string, containers []string, requiresProof bool) ([]ContainerResult, error) {
	if len(containers) == 0 {
		return nil, fmt.Errorf("orchestrator: job %s: no containers configured", jobID)
	}

	results := make([]ContainerResult, 0, len(containers))
	current := ContainerInput{
		Source:        source,
		Destination:   singleOrOffchain(len(containers), destination),
		Data:          jobInput,
		RequiresProof: requiresProof,
	}

	for i, containerID := range containers {
		out, err := o.callContainer(ctx, RunJobTimeout, containerID, current)
		if err != nil {
			results = append(results, ContainerResult{Container: containerID, Error: err.Error()})
			return results, err
		}
		results = append(results, ContainerResult{Container: containerID, Output: out})

		nextDest := DestOffchain
		if i == len(containers)-2 {
			nextDest = destination
		}
		current = ContainerInput{Source: SourceOffchain, Destination: nextDest, Data: out, RequiresProof: requiresProof}
	}
	return results, nil
}

func singleOrOffchain(n int, destination string) string {
	if n == 1 {
		return destination
	}
	return DestOffchain
}

// callContainer POSTs input to containerID's /service_output under its own
// timeout-scoped context rather than a client-wide timeout.
func (o *Orchestrator) callContainer(ctx context.Context, timeout time.Duration, containerID string, input ContainerInput) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base, err := o.endpoints.BaseURL(containerID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", containerID, err)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for %s: %w", containerID, err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, base+"/service_output", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", containerID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := o.endpoints.BearerToken(containerID); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", containerID, err)
	}

	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("container %s returned non-JSON response: %s", containerID, string(raw))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("container %s returned status %d: %s", containerID, resp.StatusCode, string(raw))
	}
	return out, nil
}

// ProcessStreamingJob runs the first configured container only, streaming
// its response body back to w while also accumulating it for the completed
// job store.
func (o *Orchestrator) ProcessStreamingJob(ctx context.Context, jobID string, jobInput interface{}, containers []string, w io.Writer) ([]byte, error) {
	if len(containers) == 0 {
		return nil, fmt.Errorf("orchestrator: streaming job %s: no containers configured", jobID)
	}
	containerID := containers[0]

	callCtx, cancel := context.WithTimeout(ctx, StreamingJobTimeout)
	defer cancel()

	base, err := o.endpoints.BaseURL(containerID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", containerID, err)
	}

	input := ContainerInput{Source: SourceOffchain, Destination: DestStream, Data: jobInput}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for %s: %w", containerID, err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, base+"/service_output", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", containerID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := o.endpoints.BearerToken(containerID); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("container %s returned status %d: %s", containerID, resp.StatusCode, string(raw))
	}

	tee := io.TeeReader(resp.Body, w)
	accumulated, err := io.ReadAll(tee)
	if err != nil {
		return nil, fmt.Errorf("stream %s response: %w", containerID, err)
	}
	if len(accumulated) == 0 {
		return nil, fmt.Errorf("container %s returned an empty stream", containerID)
	}
	return accumulated, nil
}

// CollectServiceResources fans out GET /service-resources to every running
// container, omitting any that error.
func (o *Orchestrator) CollectServiceResources(ctx context.Context, containers []string, modelID string) map[string]interface{} {
	out := make(map[string]interface{}, len(containers))
	for _, containerID := range containers {
		res, err := o.serviceResources(ctx, containerID, modelID)
		if err != nil {
			o.logger.Printf("service-resources for %s: %v", containerID, err)
			continue
		}
		out[containerID] = res
	}
	return out
}

func (o *Orchestrator) serviceResources(ctx context.Context, containerID, modelID string) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, RunJobTimeout)
	defer cancel()

	base, err := o.endpoints.BaseURL(containerID)
	if err != nil {
		return nil, err
	}
	url := base + "/service-resources"
	if modelID != "" {
		url += "?model_id=" + modelID
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return out, nil
}
