package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akademo-labs/playguard/internal/playback"
	"github.com/akademo-labs/playguard/internal/quota"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	apiClient, err := New(Config{BaseURL: server.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return apiClient, server
}

func TestNewRequiresBaseURLAndToken(t *testing.T) {
	if _, err := New(Config{Token: "t"}); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := New(Config{BaseURL: "http://localhost:8080"}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestPlayStateDecodesSnapshot(t *testing.T) {
	apiClient, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/videos/video-1/play-state" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if got := r.URL.Query().Get("viewer_id"); got != "viewer-1" {
			t.Errorf("unexpected viewer_id %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"video_id":"video-1","viewer_id":"viewer-1","total_watch_time_s":120,"last_position_s":340,"status":"ACTIVE"}`))
	}))

	snapshot, err := apiClient.PlayState(context.Background(), "video-1", "viewer-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.TotalWatchTimeSeconds != 120 || snapshot.LastPositionSeconds != 340 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.Status != quota.PlayStatusActive {
		t.Fatalf("unexpected status %q", snapshot.Status)
	}
}

func TestAppendWatchTimeSendsDelta(t *testing.T) {
	var received progressRequestPayload
	apiClient, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/videos/video-1/progress" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"video_id":"video-1","viewer_id":"viewer-1","total_watch_time_s":125,"last_position_s":345,"status":"ACTIVE"}`))
	}))

	snapshot, err := apiClient.AppendWatchTime(context.Background(), playback.AppendPayload{
		VideoID:         "video-1",
		ViewerID:        "viewer-1",
		ElapsedSeconds:  5,
		PositionSeconds: 345,
		PositionSeq:     3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.ElapsedSeconds != 5 || received.PositionSeconds != 345 || received.PositionSeq != 3 {
		t.Fatalf("unexpected request payload %+v", received)
	}
	if snapshot.TotalWatchTimeSeconds != 125 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestReportDurationSendsPayload(t *testing.T) {
	var received durationRequestPayload
	apiClient, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/videos/video-1/duration" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"video_id":"video-1","duration_s":600}`))
	}))

	if err := apiClient.ReportDuration(context.Background(), "video-1", 600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.DurationSeconds != 600 {
		t.Fatalf("unexpected request payload %+v", received)
	}
}

func TestSessionRoundTrips(t *testing.T) {
	apiClient, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/check" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"valid":true,"fingerprint":"abc123"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"valid":false,"message":"Your session has been terminated because you logged in from another device."}`))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))

	registered, err := apiClient.RegisterSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if !registered.Valid {
		t.Fatalf("expected valid registration, got %+v", registered)
	}

	checked, err := apiClient.CheckSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if checked.Valid || checked.Message == "" {
		t.Fatalf("expected displaced status with message, got %+v", checked)
	}
}

func TestErrorMapping(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     string
		expected error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"unauthorized"}`, expected: playback.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, body: `{"error":"forbidden"}`, expected: playback.ErrUnauthorized},
		{name: "missing play state", status: http.StatusNotFound, body: `{"error":"play_state_not_found"}`, expected: quota.ErrPlayStateNotFound},
		{name: "missing video", status: http.StatusNotFound, body: `{"error":"video_not_found"}`, expected: quota.ErrVideoNotFound},
		{name: "invalid elapsed", status: http.StatusBadRequest, body: `{"error":"invalid_elapsed"}`, expected: quota.ErrInvalidElapsed},
		{name: "invalid duration", status: http.StatusBadRequest, body: `{"error":"invalid_duration"}`, expected: quota.ErrInvalidDuration},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			apiClient, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))

			_, err := apiClient.PlayState(context.Background(), "video-1", "viewer-1")
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestUnexpectedStatusSurfacesAsTransient(t *testing.T) {
	apiClient, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := apiClient.PlayState(context.Background(), "video-1", "viewer-1")
	if err == nil {
		t.Fatal("expected an error")
	}
	// None of the fatal sentinels: the controller treats this as retryable.
	for _, sentinel := range []error{playback.ErrUnauthorized, quota.ErrVideoNotFound, quota.ErrPlayStateNotFound, quota.ErrInvalidElapsed} {
		if errors.Is(err, sentinel) {
			t.Fatalf("unexpected sentinel mapping for 502: %v", err)
		}
	}
}
