package tmiapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"golang.org/x/oauth2"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testToken() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

func TestGetDiagramSnapshot_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}

		if r.URL.Path != "/threat_models/tm-1/diagrams/diag-1" {
			t.Errorf("Path = %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"cells": [
				{"id": "c1", "shape": "process", "geometry": {"x": 10, "y": 20, "width": 80, "height": 40}},
				{"id": "e1", "shape": "flow", "source": "c1", "target": "c2"}
			],
			"update_vector": 17
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, testToken(), testLogger(t))

	snap, err := client.GetDiagramSnapshot(context.Background(), "tm-1", "diag-1")
	if err != nil {
		t.Fatalf("GetDiagramSnapshot() error = %v", err)
	}

	if snap == nil {
		t.Fatal("snapshot is nil")
	}

	if len(snap.Cells) != 2 {
		t.Fatalf("len(Cells) = %d, want 2", len(snap.Cells))
	}

	if snap.Cells[0].Geometry == nil || snap.Cells[0].Geometry.Width != 80 {
		t.Errorf("Cells[0].Geometry = %+v", snap.Cells[0].Geometry)
	}

	if snap.Cells[1].Source != "c1" || snap.Cells[1].Target != "c2" {
		t.Errorf("edge endpoints = %q -> %q", snap.Cells[1].Source, snap.Cells[1].Target)
	}

	if snap.UpdateVector == nil || *snap.UpdateVector != 17 {
		t.Errorf("UpdateVector = %v, want 17", snap.UpdateVector)
	}
}

func TestGetDiagramSnapshot_NullUpdateVector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"cells": [], "update_vector": null}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, testToken(), testLogger(t))

	snap, err := client.GetDiagramSnapshot(context.Background(), "tm-1", "diag-1")
	if err != nil {
		t.Fatalf("GetDiagramSnapshot() error = %v", err)
	}

	if snap.UpdateVector != nil {
		t.Errorf("UpdateVector = %v, want nil", snap.UpdateVector)
	}

	if snap.Cells == nil || len(snap.Cells) != 0 {
		t.Errorf("Cells = %v, want empty", snap.Cells)
	}
}

func TestGetDiagramSnapshot_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, testToken(), testLogger(t))

	snap, err := client.GetDiagramSnapshot(context.Background(), "tm-1", "missing")
	if err != nil {
		t.Fatalf("not-found should map to (nil, nil), got error %v", err)
	}

	if snap != nil {
		t.Errorf("snapshot = %+v, want nil", snap)
	}
}

func TestGetDiagramSnapshot_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, testToken(), testLogger(t))

	_, err := client.GetDiagramSnapshot(context.Background(), "tm-1", "diag-1")
	if !errors.Is(err, ErrServer) {
		t.Errorf("error = %v, want ErrServer", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}

	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}
}

func TestGetDiagramSnapshot_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, testToken(), testLogger(t))

	_, err := client.GetDiagramSnapshot(context.Background(), "tm-1", "diag-1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestGetDiagramSnapshot_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"cells": [`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, testToken(), testLogger(t))

	_, err := client.GetDiagramSnapshot(context.Background(), "tm-1", "diag-1")
	if err == nil {
		t.Fatal("expected decode error")
	}
}

// failingTokenSource always errors, exercising the token failure path.
type failingTokenSource struct{}

func (failingTokenSource) Token() (*oauth2.Token, error) {
	return nil, errors.New("token store unavailable")
}

func TestGetDiagramSnapshot_TokenFailure(t *testing.T) {
	t.Parallel()

	client := NewClient("http://unused.invalid", nil, failingTokenSource{}, testLogger(t))

	_, err := client.GetDiagramSnapshot(context.Background(), "tm-1", "diag-1")
	if err == nil {
		t.Fatal("expected token error")
	}
}
