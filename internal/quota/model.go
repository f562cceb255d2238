package quota

import (
	"errors"
	"fmt"
	"strings"
)

// PlayStatus enumerates the lifecycle of a (video, viewer) play state row.
type PlayStatus string

const (
	// PlayStatusActive means the viewer may still accumulate watch time.
	PlayStatusActive PlayStatus = "ACTIVE"
	// PlayStatusBlocked means the accumulated time reached the ceiling and
	// playback is locked until an explicit administrative reset.
	PlayStatusBlocked PlayStatus = "BLOCKED"
)

const maxIdentifierLength = 190

// PlatformSettingsID is the fixed primary key of the singleton settings row.
const PlatformSettingsID = "platform_settings"

var (
	// ErrInvalidVideoID indicates a video identifier is empty or exceeds storage bounds.
	ErrInvalidVideoID = errors.New("quota: invalid video id")
	// ErrInvalidViewerID indicates a viewer identifier is empty or exceeds storage bounds.
	ErrInvalidViewerID = errors.New("quota: invalid viewer id")
	// ErrInvalidElapsed indicates a non-positive elapsed-seconds delta.
	ErrInvalidElapsed = errors.New("quota: elapsed seconds must be positive")
	// ErrInvalidDuration indicates a non-positive duration report.
	ErrInvalidDuration = errors.New("quota: duration seconds must be positive")
	// ErrVideoNotFound indicates the referenced video row is absent.
	ErrVideoNotFound = errors.New("quota: video not found")
	// ErrOrganizationNotFound indicates the video's owning chain is broken.
	ErrOrganizationNotFound = errors.New("quota: organization not found")
	// ErrPlayStateNotFound indicates no play state row exists for the pair.
	ErrPlayStateNotFound = errors.New("quota: play state not found")
)

// VideoID represents a validated video identifier.
type VideoID string

// NewVideoID validates raw input and returns a VideoID.
func NewVideoID(rawInput string) (VideoID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVideoID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVideoID, maxIdentifierLength)
	}
	return VideoID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VideoID) String() string {
	return string(id)
}

// ViewerID represents a validated viewer identifier.
type ViewerID string

// NewViewerID validates raw input and returns a ViewerID.
func NewViewerID(rawInput string) (ViewerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidViewerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidViewerID, maxIdentifierLength)
	}
	return ViewerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ViewerID) String() string {
	return string(id)
}

// Video carries the quota-relevant slice of the content catalog: the probed
// duration and the optional per-video multiplier override. DurationSeconds
// stays zero until the player's metadata probe reports it.
type Video struct {
	ID                     string   `gorm:"column:video_id;primaryKey;size:190;not null"`
	OrganizationID         string   `gorm:"column:organization_id;size:190;not null;index"`
	Title                  string   `gorm:"column:title;size:320"`
	DurationSeconds        int64    `gorm:"column:duration_s;not null;default:0"`
	MaxWatchTimeMultiplier *float64 `gorm:"column:max_watch_time_multiplier"`
	CreatedAtSeconds       int64    `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds       int64    `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Video) TableName() string {
	return "videos"
}

// Organization holds the organization-level defaults in the multiplier
// fallback chain.
type Organization struct {
	ID                            string   `gorm:"column:organization_id;primaryKey;size:190;not null"`
	Name                          string   `gorm:"column:name;size:320"`
	DefaultMaxWatchTimeMultiplier *float64 `gorm:"column:default_max_watch_time_multiplier"`
	DefaultWatermarkIntervalMins  *int     `gorm:"column:default_watermark_interval_mins"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// PlatformSettings is the singleton terminal of the fallback chain.
type PlatformSettings struct {
	ID                            string  `gorm:"column:settings_id;primaryKey;size:64;not null"`
	DefaultMaxWatchTimeMultiplier float64 `gorm:"column:default_max_watch_time_multiplier;not null;default:2"`
	DefaultWatermarkIntervalMins  int     `gorm:"column:default_watermark_interval_mins;not null;default:5"`
}

// TableName provides the explicit table binding for GORM.
func (PlatformSettings) TableName() string {
	return "platform_settings"
}

// PlayState is the per-(video, viewer) accounting row. The watch-time
// accumulator only ever grows; position is last-write-wins guarded by a
// client-monotonic sequence number.
type PlayState struct {
	VideoID               string     `gorm:"column:video_id;primaryKey;size:190;not null"`
	ViewerID              string     `gorm:"column:viewer_id;primaryKey;size:190;not null;index:idx_play_states_viewer"`
	TotalWatchTimeSeconds int64      `gorm:"column:total_watch_time_s;not null;default:0"`
	LastPositionSeconds   float64    `gorm:"column:last_position_s;not null;default:0"`
	LastPositionSeq       int64      `gorm:"column:last_position_seq;not null;default:0"`
	SessionStartAtSeconds *int64     `gorm:"column:session_start_at_s"`
	Status                PlayStatus `gorm:"column:status;size:16;not null;default:ACTIVE"`
	LastWatchedAtSeconds  int64      `gorm:"column:last_watched_at_s;not null;default:0"`
	CreatedAtSeconds      int64      `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PlayState) TableName() string {
	return "video_play_states"
}

// AppendRequest describes one watch-time delta flushed by a playback client.
type AppendRequest struct {
	VideoID         VideoID
	ViewerID        ViewerID
	ElapsedSeconds  int64
	PositionSeconds float64
	PositionSeq     int64
}
