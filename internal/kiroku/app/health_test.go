package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeStatusProvider returns a fixed message count or error.
type fakeStatusProvider struct {
	count int
	err   error
}

func (f *fakeStatusProvider) MessageCount(context.Context) (int, error) {
	return f.count, f.err
}

func TestHealthEndpoint(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", &fakeStatusProvider{count: 42})

	rec := httptest.NewRecorder()
	hs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: got %q", ct)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field: got %q", resp.Status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", &fakeStatusProvider{count: 42})

	rec := httptest.NewRecorder()
	hs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "running" {
		t.Errorf("status field: got %q", resp.Status)
	}
	if resp.MessageCount != 42 {
		t.Errorf("message count: got %d, want 42", resp.MessageCount)
	}
}

// TestStatusEndpointStoreError verifies /status stays 200 with a sentinel
// count when the store is unavailable, so probes keep passing during a
// database hiccup.
func TestStatusEndpointStoreError(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", &fakeStatusProvider{err: errors.New("db locked")})

	rec := httptest.NewRecorder()
	hs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 despite store error", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.MessageCount != -1 {
		t.Errorf("message count: got %d, want -1", resp.MessageCount)
	}
}
