// Package playback hosts the client-resident controller that drives a video
// surface inside its watch-time budget. The controller mirrors the server's
// accumulator locally so the UI stays responsive between flushes, and only
// talks to the ledger on tick boundaries.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akademo-labs/playguard/internal/quota"
	"github.com/akademo-labs/playguard/internal/viewer"
	"go.uber.org/zap"
)

// State enumerates the controller lifecycle.
type State string

const (
	// StateInit is the pre-Load state; nothing may play.
	StateInit State = "INIT"
	// StateReady means the play state was loaded and playback may start.
	StateReady State = "READY"
	// StatePlaying means the local one-second tick is accumulating time.
	StatePlaying State = "PLAYING"
	// StatePaused means playback is halted but may resume.
	StatePaused State = "PAUSED"
	// StateLocked is terminal: the budget is exhausted or the session was
	// invalidated. Only an external quota reset exits it.
	StateLocked State = "LOCKED"
)

// LockReason records why the controller reached StateLocked.
type LockReason string

const (
	// LockReasonQuota means the watch-time budget hit zero.
	LockReasonQuota LockReason = "quota_exhausted"
	// LockReasonSession means the session guard invalidated this device.
	LockReasonSession LockReason = "session_invalidated"
)

// WatchTimeLimitMessage is the viewer-facing text for quota exhaustion.
const WatchTimeLimitMessage = "You have used all your available watch time for this video."

var (
	// ErrNotLoaded indicates an operation before a successful Load.
	ErrNotLoaded = errors.New("playback: controller not loaded")
	// ErrPlaybackLocked indicates a play attempt against a locked controller.
	ErrPlaybackLocked = errors.New("playback: locked")
	// ErrUnauthorized indicates the viewer lacks access to the video; fatal
	// to initialization.
	ErrUnauthorized = errors.New("playback: unauthorized")

	errMissingLedger = errors.New("ledger client is required")
	errMissingVideo  = errors.New("video id is required")
	errMissingViewer = errors.New("viewer id is required")

	noOpLogger = zap.NewNop()
)

// PlaySnapshot is the controller's view of the server-side play state.
type PlaySnapshot struct {
	TotalWatchTimeSeconds int64
	LastPositionSeconds   float64
	LastPositionSeq       int64
	Status                quota.PlayStatus
}

// AppendPayload is one buffered delta flushed to the ledger.
type AppendPayload struct {
	VideoID         string
	ViewerID        string
	ElapsedSeconds  int64
	PositionSeconds float64
	PositionSeq     int64
}

// LedgerClient is the network surface the controller flushes through. All
// calls are fire-and-forget from the UI's perspective; the controller never
// blocks playback on them.
type LedgerClient interface {
	PlayState(ctx context.Context, videoID, viewerID string) (PlaySnapshot, error)
	AppendWatchTime(ctx context.Context, payload AppendPayload) (PlaySnapshot, error)
}

const defaultFlushThreshold = 5

// Config describes one controller instance.
type Config struct {
	VideoID  string
	ViewerID string
	Role     viewer.Role
	// Quota is the resolved budget for this video, typically fetched once
	// from the playback-context endpoint.
	Quota  quota.Quota
	Ledger LedgerClient
	// FlushThresholdSeconds is the buffered time that triggers a flush;
	// defaults to 5, bounding the loss on an ungraceful termination.
	FlushThresholdSeconds int
	Clock                 func() time.Time
	Logger                *zap.Logger
	// OnLocked fires once when the controller reaches StateLocked; the
	// hosting page uses it to swap the surface for the limit message.
	OnLocked func(reason LockReason)
}

// Controller is the playback state machine. Safe for concurrent use by the
// tick, poll, and UI callbacks.
type Controller struct {
	mu sync.Mutex

	videoID  string
	viewerID string
	role     viewer.Role
	quota    quota.Quota
	ledger   LedgerClient
	flushAt  int64
	clock    func() time.Time
	logger   *zap.Logger
	onLocked func(reason LockReason)

	state      State
	lockReason LockReason
	mirror     int64
	buffer     int64
	position   float64
	resumeAt   float64
	flushSeq   int64
}

// NewController constructs a controller in StateInit.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.VideoID == "" {
		return nil, errMissingVideo
	}
	if cfg.ViewerID == "" {
		return nil, errMissingViewer
	}
	flushAt := int64(cfg.FlushThresholdSeconds)
	if flushAt <= 0 {
		flushAt = defaultFlushThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Controller{
		videoID:  cfg.VideoID,
		viewerID: cfg.ViewerID,
		role:     cfg.Role,
		quota:    cfg.Quota,
		ledger:   cfg.Ledger,
		flushAt:  flushAt,
		clock:    clock,
		logger:   logger,
		onLocked: cfg.OnLocked,
		state:    StateInit,
	}, nil
}

// Load fetches the persisted play state and moves to StateReady, restoring
// the last reported position. A missing video or denied access is fatal.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return fmt.Errorf("playback: load from %s", c.state)
	}
	c.mu.Unlock()

	snapshot, err := c.ledger.PlayState(ctx, c.videoID, c.viewerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.mirror = snapshot.TotalWatchTimeSeconds
	if snapshot.LastPositionSeconds > 0 {
		c.resumeAt = snapshot.LastPositionSeconds
		c.position = snapshot.LastPositionSeconds
	}
	// Sequences continue from where the previous session left off, so this
	// session's position flushes are not discarded as stale.
	c.flushSeq = snapshot.LastPositionSeq
	if snapshot.Status == quota.PlayStatusBlocked || c.policy().Exhausted(c.mirror) {
		c.lockLocked(LockReasonQuota)
		return nil
	}
	c.state = StateReady
	return nil
}

// Play transitions to StatePlaying after re-checking the remaining budget
// against the local mirror. An exhausted quota-bound viewer is locked instead.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateLocked:
		return ErrPlaybackLocked
	case StateInit:
		return ErrNotLoaded
	case StatePlaying:
		return nil
	}

	if c.policy().Exhausted(c.mirror) {
		c.lockLocked(LockReasonQuota)
		return ErrPlaybackLocked
	}

	c.state = StatePlaying
	return nil
}

// Tick advances one second of playback: the local mirror and flush buffer
// grow, the scrubber position moves, and the buffer flushes once it reaches
// the threshold. Flush failures never interrupt playback.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return
	}

	c.mirror++
	c.buffer++
	c.position++

	exhausted := c.policy().Exhausted(c.mirror)
	shouldFlush := exhausted || c.buffer >= c.flushAt
	if exhausted {
		c.lockLocked(LockReasonQuota)
	}
	c.mu.Unlock()

	if shouldFlush {
		c.flush(ctx)
	}
}

// Pause halts playback and flushes whatever the buffer holds.
func (c *Controller) Pause(ctx context.Context) {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	c.state = StatePaused
	c.mu.Unlock()

	c.flush(ctx)
}

// Seek records the scrubber position reported by the surface.
func (c *Controller) Seek(positionSeconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if positionSeconds < 0 {
		return
	}
	c.position = positionSeconds
}

// SetDuration feeds the duration reported by the player's metadata probe.
// Until this reports a positive value the quota is not enforceable; once it
// does, an already-exhausted viewer locks on the next check.
func (c *Controller) SetDuration(durationSeconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if durationSeconds <= 0 {
		return
	}
	c.quota.DurationSeconds = durationSeconds
	if c.state == StatePlaying || c.state == StateReady || c.state == StatePaused {
		if c.policy().Exhausted(c.mirror) {
			c.lockLocked(LockReasonQuota)
		}
	}
}

// LockSession is invoked by the session poller when this device is displaced;
// the controller locks regardless of remaining budget.
func (c *Controller) LockSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLocked {
		return
	}
	c.lockLocked(LockReasonSession)
}

// Run drives the one-second tick until the context ends or the controller
// locks. Tests drive Tick directly instead.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Pause(context.Background())
			return
		case <-ticker.C:
			c.Tick(ctx)
			if c.State() == StateLocked {
				return
			}
		}
	}
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LockedReason returns why the controller locked, if it has.
func (c *Controller) LockedReason() (LockReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLocked {
		return "", false
	}
	return c.lockReason, true
}

// TotalWatched returns the locally mirrored accumulator.
func (c *Controller) TotalWatched() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror
}

// Remaining returns the budget left per the local mirror.
func (c *Controller) Remaining() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy().Remaining(c.mirror)
}

// ResumePosition returns the position the surface should seek to before
// allowing play, or zero when starting fresh.
func (c *Controller) ResumePosition() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeAt
}

// flush sends the buffered delta to the ledger. Transport failures keep the
// buffer for the next boundary; an invalid-input rejection signals a local
// bug and drops the buffer so it cannot loop.
func (c *Controller) flush(ctx context.Context) {
	c.mu.Lock()
	elapsed := c.buffer
	if elapsed <= 0 {
		c.mu.Unlock()
		return
	}
	c.flushSeq++
	payload := AppendPayload{
		VideoID:         c.videoID,
		ViewerID:        c.viewerID,
		ElapsedSeconds:  elapsed,
		PositionSeconds: c.position,
		PositionSeq:     c.flushSeq,
	}
	c.mu.Unlock()

	_, err := c.ledger.AppendWatchTime(ctx, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.buffer -= elapsed
	case errors.Is(err, quota.ErrInvalidElapsed):
		c.logger.Warn("watch time flush rejected, dropping buffer",
			zap.String("video_id", c.videoID),
			zap.Int64("elapsed_s", elapsed),
			zap.Error(err))
		c.buffer = 0
	default:
		c.logger.Warn("watch time flush failed, will retry",
			zap.String("video_id", c.videoID),
			zap.Int64("elapsed_s", elapsed),
			zap.Error(err))
	}
}

// policy derives the enforcement view for the current quota; callers hold mu.
func (c *Controller) policy() quota.Policy {
	return quota.NewPolicy(c.quota, c.role)
}

// lockLocked moves to StateLocked; callers hold mu.
func (c *Controller) lockLocked(reason LockReason) {
	if c.state == StateLocked {
		return
	}
	c.state = StateLocked
	c.lockReason = reason
	if c.onLocked != nil {
		callback := c.onLocked
		go callback(reason)
	}
}
