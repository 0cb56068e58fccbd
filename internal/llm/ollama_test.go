package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaClient_GenerateSendsImages(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(ollamaResponse{Response: `{"score": 0.9}`, Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL+"/"), WithModel("llava"))

	out, err := c.Generate(context.Background(), "rate this page", GenerateOptions{
		Images:    [][]byte{[]byte("png-bytes")},
		Format:    "json",
		MaxTokens: 16,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"score": 0.9}` {
		t.Errorf("unexpected response %q", out)
	}

	if got.Model != "llava" {
		t.Errorf("expected default model llava, got %s", got.Model)
	}
	if got.Stream {
		t.Error("expected non-streaming request")
	}
	if got.Format != "json" {
		t.Errorf("expected json format, got %q", got.Format)
	}
	if len(got.Images) != 1 || got.Images[0] != base64.StdEncoding.EncodeToString([]byte("png-bytes")) {
		t.Errorf("expected base64 image, got %v", got.Images)
	}
	if got.Options["num_predict"] != float64(16) {
		t.Errorf("expected num_predict 16, got %v", got.Options["num_predict"])
	}
}

func TestOllamaClient_ModelOverride(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ollamaResponse{Response: "ok"})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL))
	if _, err := c.Generate(context.Background(), "p", GenerateOptions{Model: "other"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Model != "other" {
		t.Errorf("expected per-call model, got %s", got.Model)
	}
}

func TestOllamaClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), "p", GenerateOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("expected status in error, got %v", err)
	}
}
