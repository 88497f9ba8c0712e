package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vibetune/internal/fault"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Prompt != "hello" {
			t.Errorf("prompt = %q, want hello", req.Prompt)
		}
		if req.ModelID != "training-12345" {
			t.Errorf("modelId = %q, want training-12345", req.ModelID)
		}

		json.NewEncoder(w).Encode(Response{Text: "hi there", Tokens: 4})
	}))
	defer srv.Close()

	client := New(srv.URL)
	resp, err := client.Generate(context.Background(), Request{
		Prompt:      "hello",
		Temperature: 0.7,
		MaxTokens:   250,
		TopP:        0.9,
		ModelID:     "training-12345",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != "hi there" || resp.Tokens != 4 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGenerateOmitsModelIDForBaseModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if _, present := payload["modelId"]; present {
			t.Error("modelId should be omitted when empty")
		}
		json.NewEncoder(w).Encode(Response{Text: "ok"})
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Generate(context.Background(), Request{Prompt: "x"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
}

func TestGenerateUpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Generate(context.Background(), Request{Prompt: "x"})
	if !fault.Is(err, fault.Upstream) {
		t.Errorf("expected upstream fault, got %v", err)
	}
}

func TestGenerateEmbeddedErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Error: "out of capacity"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Generate(context.Background(), Request{Prompt: "x"})
	if !fault.Is(err, fault.Upstream) {
		t.Errorf("expected upstream fault, got %v", err)
	}
}

func TestGenerateTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately, so the dial fails

	_, err := New(srv.URL).Generate(context.Background(), Request{Prompt: "x"})
	if !fault.Is(err, fault.Transport) {
		t.Errorf("expected transport fault, got %v", err)
	}
}
