package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubEndpoints struct {
	urls map[string]string
}

func (s stubEndpoints) BaseURL(id string) (string, error) { return s.urls[id], nil }
func (s stubEndpoints) BearerToken(string) string         { return "" }

func TestProcessChainProcessorJob_TwoContainerChain(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in ContainerInput
		json.NewDecoder(r.Body).Decode(&in)
		if in.Source != SourceOnchain || in.Destination != DestOffchain {
			t.Fatalf("container a got source=%s destination=%s", in.Source, in.Destination)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"step": "a"})
	}))
	defer srvA.Close()

	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in ContainerInput
		json.NewDecoder(r.Body).Decode(&in)
		if in.Source != SourceOffchain || in.Destination != DestOnchain {
			t.Fatalf("container b got source=%s destination=%s", in.Source, in.Destination)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"step": "b"})
	}))
	defer srvB.Close()

	o := New(stubEndpoints{urls: map[string]string{"a": srvA.URL, "b": srvB.URL}}, nil, nil)
	results, err := o.ProcessChainProcessorJob(context.Background(), "job-1", map[string]interface{}{"x": 1}, SourceOnchain, DestOnchain, []string{"a", "b"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].Error != "" {
		t.Fatalf("unexpected error in last result: %s", results[1].Error)
	}
}

func TestProcessChainProcessorJob_FailFast(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srvA.Close()
	called := false
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	defer srvB.Close()

	o := New(stubEndpoints{urls: map[string]string{"a": srvA.URL, "b": srvB.URL}}, nil, nil)
	results, err := o.ProcessChainProcessorJob(context.Background(), "job-2", map[string]interface{}{}, SourceOnchain, DestOnchain, []string{"a", "b"}, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(results) != 1 {
		t.Fatalf("expected to stop after first container, got %d results", len(results))
	}
	if called {
		t.Fatal("second container must not be called after first fails")
	}
}

func TestSerializeOutput_ProofShaped(t *testing.T) {
	output := map[string]interface{}{
		"raw_input": "ri", "processed_input": "pi",
		"raw_output": "ro", "processed_output": "po",
		"proof": "pf",
	}
	payload, err := SerializeOutput(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payload.Input) == 0 || len(payload.Output) == 0 {
		t.Fatal("expected non-empty encoded input/output")
	}
	if string(payload.Proof) != "pf" {
		t.Fatalf("proof = %q, want pf", payload.Proof)
	}
}

func TestSerializeOutput_Opaque(t *testing.T) {
	payload, err := SerializeOutput(map[string]interface{}{"foo": "bar"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payload.Input) != 0 || len(payload.Proof) != 0 {
		t.Fatal("expected empty input/proof for opaque output")
	}
	if len(payload.Output) == 0 {
		t.Fatal("expected non-empty encoded output")
	}
}

func TestEndpoints_PortAssignmentCollision(t *testing.T) {
	e := NewEndpoints([]ContainerConfig{
		{ID: "a", Port: 4000},
		{ID: "b", Port: 4000},
	}, false)
	urlA, _ := e.BaseURL("a")
	urlB, _ := e.BaseURL("b")
	if urlA == urlB {
		t.Fatalf("expected distinct ports on collision, got %s and %s", urlA, urlB)
	}
}

func TestEndpoints_ExternalURLTakesPrecedence(t *testing.T) {
	e := NewEndpoints([]ContainerConfig{{ID: "a", ExternalURL: "https://example.test"}}, false)
	url, err := e.BaseURL("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://example.test" {
		t.Fatalf("url = %s, want external url", url)
	}
}

func TestEndpoints_DockerHost(t *testing.T) {
	e := NewEndpoints([]ContainerConfig{{ID: "a", Port: 5001}}, true)
	url, _ := e.BaseURL("a")
	if url != "http://host.docker.internal:5001" {
		t.Fatalf("url = %s", url)
	}
}
