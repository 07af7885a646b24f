package postlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDecideSendsCredentialsAndBody(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"post":    map[string]any{"id": "p 1", "status": "needs_adjustment"},
			"changed": true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "pl_key"
	res, err := c.Decide(context.Background(), "p 1", "rejected", "fix the headline")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if gotPath != "POST /v0/posts/p 1/decisions" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotKey != "pl_key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotBody["decision"] != "rejected" || gotBody["comment"] != "fix the headline" {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if !res.Changed || res.Post.Status != "needs_adjustment" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestErrorEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"cannot publish a draft"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Publish(context.Background(), "p1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestSubmitFormatsDeadline(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"post":{"id":"p1","status":"in_approval"},"changed":true}`))
	}))
	defer srv.Close()

	deadline := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	if _, err := New(srv.URL).Submit(context.Background(), "p1", deadline); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if body["approval_deadline"] != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected deadline %q", body["approval_deadline"])
	}
}
