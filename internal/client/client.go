// Package client binds the client-resident playback components to the HTTP
// API. It implements the controller's ledger interface and the poller's
// session interface over plain JSON round-trips.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akademo-labs/playguard/internal/playback"
	"github.com/akademo-labs/playguard/internal/quota"
)

var (
	errMissingBaseURL = errors.New("client: base url is required")
	errMissingToken   = errors.New("client: bearer token is required")
)

const defaultTimeout = 15 * time.Second

// Config describes one authenticated API client.
type Config struct {
	BaseURL string
	Token   string
	// HTTPClient overrides the transport; defaults to a 15 s-timeout client.
	HTTPClient *http.Client
}

// Client talks to the playback API on behalf of one viewer.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs an API client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: base, token: cfg.Token, http: httpClient}, nil
}

type playStatePayload struct {
	VideoID               string  `json:"video_id"`
	ViewerID              string  `json:"viewer_id"`
	TotalWatchTimeSeconds int64   `json:"total_watch_time_s"`
	LastPositionSeconds   float64 `json:"last_position_s"`
	LastPositionSeq       int64   `json:"last_position_seq"`
	Status                string  `json:"status"`
}

func (p playStatePayload) snapshot() playback.PlaySnapshot {
	return playback.PlaySnapshot{
		TotalWatchTimeSeconds: p.TotalWatchTimeSeconds,
		LastPositionSeconds:   p.LastPositionSeconds,
		LastPositionSeq:       p.LastPositionSeq,
		Status:                quota.PlayStatus(p.Status),
	}
}

// PlayState fetches (creating if absent) the play state for a pair.
func (c *Client) PlayState(ctx context.Context, videoID, viewerID string) (playback.PlaySnapshot, error) {
	endpoint := fmt.Sprintf("%s/videos/%s/play-state?viewer_id=%s",
		c.baseURL, url.PathEscape(videoID), url.QueryEscape(viewerID))
	var payload playStatePayload
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return playback.PlaySnapshot{}, err
	}
	return payload.snapshot(), nil
}

type progressRequestPayload struct {
	ViewerID        string  `json:"viewer_id"`
	ElapsedSeconds  int64   `json:"elapsed_s"`
	PositionSeconds float64 `json:"position_s"`
	PositionSeq     int64   `json:"position_seq"`
}

// AppendWatchTime flushes one buffered delta to the ledger.
func (c *Client) AppendWatchTime(ctx context.Context, payload playback.AppendPayload) (playback.PlaySnapshot, error) {
	endpoint := fmt.Sprintf("%s/videos/%s/progress", c.baseURL, url.PathEscape(payload.VideoID))
	body := progressRequestPayload{
		ViewerID:        payload.ViewerID,
		ElapsedSeconds:  payload.ElapsedSeconds,
		PositionSeconds: payload.PositionSeconds,
		PositionSeq:     payload.PositionSeq,
	}
	var response playStatePayload
	if err := c.do(ctx, http.MethodPost, endpoint, body, &response); err != nil {
		return playback.PlaySnapshot{}, err
	}
	return response.snapshot(), nil
}

type durationRequestPayload struct {
	DurationSeconds int64 `json:"duration_s"`
}

// ReportDuration forwards the duration reported by the player's metadata
// probe, so the server can enforce the quota for videos ingested without one.
func (c *Client) ReportDuration(ctx context.Context, videoID string, durationSeconds int64) error {
	endpoint := fmt.Sprintf("%s/videos/%s/duration", c.baseURL, url.PathEscape(videoID))
	return c.do(ctx, http.MethodPost, endpoint, durationRequestPayload{DurationSeconds: durationSeconds}, nil)
}

type sessionCheckPayload struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// RegisterSession claims the single active session for this device.
func (c *Client) RegisterSession(ctx context.Context) (playback.SessionStatus, error) {
	var payload sessionCheckPayload
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/session/check", struct{}{}, &payload); err != nil {
		return playback.SessionStatus{}, err
	}
	return playback.SessionStatus{Valid: payload.Valid, Message: payload.Message}, nil
}

// CheckSession polls whether this device still holds the session.
func (c *Client) CheckSession(ctx context.Context) (playback.SessionStatus, error) {
	var payload sessionCheckPayload
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/session/check", nil, &payload); err != nil {
		return playback.SessionStatus{}, err
	}
	return playback.SessionStatus{Valid: payload.Valid, Message: payload.Message}, nil
}

type errorPayload struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return decodeError(response)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// decodeError maps API error codes onto the sentinels the playback controller
// classifies: missing rows are fatal, invalid elapsed deltas are dropped, and
// anything else counts as transient.
func decodeError(response *http.Response) error {
	var payload errorPayload
	_ = json.NewDecoder(response.Body).Decode(&payload)

	switch response.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", playback.ErrUnauthorized, payload.Error)
	case http.StatusNotFound:
		if payload.Error == "play_state_not_found" {
			return fmt.Errorf("%w", quota.ErrPlayStateNotFound)
		}
		return fmt.Errorf("%w", quota.ErrVideoNotFound)
	case http.StatusBadRequest:
		if payload.Error == "invalid_elapsed" {
			return fmt.Errorf("%w", quota.ErrInvalidElapsed)
		}
		if payload.Error == "invalid_duration" {
			return fmt.Errorf("%w", quota.ErrInvalidDuration)
		}
		return fmt.Errorf("client: bad request: %s", payload.Error)
	default:
		return fmt.Errorf("client: unexpected status %d: %s", response.StatusCode, payload.Error)
	}
}
