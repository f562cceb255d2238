package playback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/akademo-labs/playguard/internal/quota"
	"github.com/akademo-labs/playguard/internal/viewer"
)

type fakeLedger struct {
	mu sync.Mutex

	snapshot  PlaySnapshot
	loadErr   error
	appendErr error
	appends   []AppendPayload
}

func (f *fakeLedger) PlayState(ctx context.Context, videoID, viewerID string) (PlaySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return PlaySnapshot{}, f.loadErr
	}
	return f.snapshot, nil
}

func (f *fakeLedger) AppendWatchTime(ctx context.Context, payload AppendPayload) (PlaySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return PlaySnapshot{}, f.appendErr
	}
	f.appends = append(f.appends, payload)
	f.snapshot.TotalWatchTimeSeconds += payload.ElapsedSeconds
	return f.snapshot, nil
}

func (f *fakeLedger) appended() []AppendPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AppendPayload, len(f.appends))
	copy(out, f.appends)
	return out
}

func newTestController(t *testing.T, ledger *fakeLedger, q quota.Quota, role viewer.Role) *Controller {
	t.Helper()
	controller, err := NewController(Config{
		VideoID:  "video-1",
		ViewerID: "viewer-1",
		Role:     role,
		Quota:    q,
		Ledger:   ledger,
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	return controller
}

func mustLoad(t *testing.T, controller *Controller) {
	t.Helper()
	if err := controller.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
}

func mustPlay(t *testing.T, controller *Controller) {
	t.Helper()
	if err := controller.Play(); err != nil {
		t.Fatalf("unexpected play error: %v", err)
	}
}

func TestControllerLoadRestoresResumePosition(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{
		TotalWatchTimeSeconds: 120,
		LastPositionSeconds:   340,
		Status:                quota.PlayStatusActive,
	}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)

	mustLoad(t, controller)

	if controller.State() != StateReady {
		t.Fatalf("expected READY, got %s", controller.State())
	}
	if controller.ResumePosition() != 340 {
		t.Fatalf("expected resume at 340, got %v", controller.ResumePosition())
	}
	if controller.TotalWatched() != 120 {
		t.Fatalf("expected mirror 120, got %d", controller.TotalWatched())
	}
}

func TestControllerContinuesPositionSequenceAcrossSessions(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{
		TotalWatchTimeSeconds: 120,
		LastPositionSeconds:   340,
		LastPositionSeq:       7,
		Status:                quota.PlayStatusActive,
	}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)

	mustLoad(t, controller)
	mustPlay(t, controller)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		controller.Tick(ctx)
	}

	appends := ledger.appended()
	if len(appends) != 1 {
		t.Fatalf("expected one flush, got %d", len(appends))
	}
	// A fresh controller must not restart at sequence 1, or the server
	// rejects this session's position updates as stale.
	if appends[0].PositionSeq != 8 {
		t.Fatalf("expected sequence to continue at 8, got %d", appends[0].PositionSeq)
	}
}

func TestControllerLoadFailsOnMissingVideo(t *testing.T) {
	ledger := &fakeLedger{loadErr: quota.ErrVideoNotFound}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)

	err := controller.Load(context.Background())
	if !errors.Is(err, quota.ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
	if controller.State() != StateInit {
		t.Fatalf("expected INIT after fatal load, got %s", controller.State())
	}
	if err := controller.Play(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestControllerLoadLocksWhenAlreadyExhausted(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{
		TotalWatchTimeSeconds: 1250,
		Status:                quota.PlayStatusActive,
	}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)

	mustLoad(t, controller)

	if controller.State() != StateLocked {
		t.Fatalf("expected LOCKED, got %s", controller.State())
	}
	if err := controller.Play(); !errors.Is(err, ErrPlaybackLocked) {
		t.Fatalf("expected ErrPlaybackLocked, got %v", err)
	}
	reason, locked := controller.LockedReason()
	if !locked || reason != LockReasonQuota {
		t.Fatalf("expected quota lock reason, got %v %v", reason, locked)
	}
}

func TestControllerLoadLocksOnBlockedStatus(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{Status: quota.PlayStatusBlocked}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)

	mustLoad(t, controller)

	if controller.State() != StateLocked {
		t.Fatalf("expected LOCKED, got %s", controller.State())
	}
}

func TestControllerFlushesEveryFiveSeconds(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{Status: quota.PlayStatusActive}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)
	mustLoad(t, controller)
	mustPlay(t, controller)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		controller.Tick(ctx)
	}
	if got := len(ledger.appended()); got != 0 {
		t.Fatalf("expected no flush before the threshold, got %d", got)
	}

	controller.Tick(ctx)
	appends := ledger.appended()
	if len(appends) != 1 {
		t.Fatalf("expected one flush at the threshold, got %d", len(appends))
	}
	if appends[0].ElapsedSeconds != 5 {
		t.Fatalf("expected 5 buffered seconds, got %d", appends[0].ElapsedSeconds)
	}
	if appends[0].PositionSeq != 1 {
		t.Fatalf("expected first flush sequence 1, got %d", appends[0].PositionSeq)
	}
	if controller.TotalWatched() != 5 {
		t.Fatalf("expected mirror 5, got %d", controller.TotalWatched())
	}
}

func TestControllerPauseFlushesPartialBuffer(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{Status: quota.PlayStatusActive}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)
	mustLoad(t, controller)
	mustPlay(t, controller)

	ctx := context.Background()
	controller.Tick(ctx)
	controller.Tick(ctx)
	controller.Pause(ctx)

	appends := ledger.appended()
	if len(appends) != 1 {
		t.Fatalf("expected pause to flush, got %d appends", len(appends))
	}
	if appends[0].ElapsedSeconds != 2 {
		t.Fatalf("expected 2 buffered seconds, got %d", appends[0].ElapsedSeconds)
	}
	if controller.State() != StatePaused {
		t.Fatalf("expected PAUSED, got %s", controller.State())
	}
}

func TestControllerRetainsBufferAcrossTransientFlushFailure(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{Status: quota.PlayStatusActive}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)
	mustLoad(t, controller)
	mustPlay(t, controller)

	ctx := context.Background()
	ledger.mu.Lock()
	ledger.appendErr = errors.New("connection reset")
	ledger.mu.Unlock()

	for i := 0; i < 5; i++ {
		controller.Tick(ctx)
	}
	if got := len(ledger.appended()); got != 0 {
		t.Fatalf("expected failed flush to record nothing, got %d", got)
	}
	if controller.State() != StatePlaying {
		t.Fatalf("transient failure must not interrupt playback, got %s", controller.State())
	}

	ledger.mu.Lock()
	ledger.appendErr = nil
	ledger.mu.Unlock()

	// The retained buffer plus the new tick flush together on the next
	// boundary; no watched second is abandoned.
	controller.Tick(ctx)
	appends := ledger.appended()
	if len(appends) != 1 {
		t.Fatalf("expected one retried flush, got %d", len(appends))
	}
	if appends[0].ElapsedSeconds != 6 {
		t.Fatalf("expected 6 buffered seconds after retry, got %d", appends[0].ElapsedSeconds)
	}
}

func TestControllerDropsBufferOnInvalidInputRejection(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{Status: quota.PlayStatusActive}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)
	mustLoad(t, controller)
	mustPlay(t, controller)

	ctx := context.Background()
	ledger.mu.Lock()
	ledger.appendErr = quota.ErrInvalidElapsed
	ledger.mu.Unlock()

	for i := 0; i < 5; i++ {
		controller.Tick(ctx)
	}

	ledger.mu.Lock()
	ledger.appendErr = nil
	ledger.mu.Unlock()

	// The rejected buffer was dropped, so the next boundary flushes only
	// freshly ticked seconds instead of looping on the same payload.
	for i := 0; i < 5; i++ {
		controller.Tick(ctx)
	}
	appends := ledger.appended()
	if len(appends) != 1 {
		t.Fatalf("expected one flush after drop, got %d", len(appends))
	}
	if appends[0].ElapsedSeconds != 5 {
		t.Fatalf("expected 5 fresh seconds, got %d", appends[0].ElapsedSeconds)
	}
}

func TestControllerLocksAtExhaustion(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{
		TotalWatchTimeSeconds: 1198,
		Status:                quota.PlayStatusActive,
	}}
	locked := make(chan LockReason, 1)
	controller, err := NewController(Config{
		VideoID:  "video-1",
		ViewerID: "viewer-1",
		Role:     viewer.RoleStudent,
		Quota:    quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0},
		Ledger:   ledger,
		OnLocked: func(reason LockReason) { locked <- reason },
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	mustLoad(t, controller)
	mustPlay(t, controller)

	ctx := context.Background()
	controller.Tick(ctx) // 1199
	if controller.State() != StatePlaying {
		t.Fatalf("expected PLAYING below the ceiling, got %s", controller.State())
	}
	controller.Tick(ctx) // 1200: ceiling reached
	if controller.State() != StateLocked {
		t.Fatalf("expected LOCKED at the ceiling, got %s", controller.State())
	}

	// The callback runs on its own goroutine.
	if reason := <-locked; reason != LockReasonQuota {
		t.Fatalf("expected quota lock reason, got %s", reason)
	}

	// The final partial buffer was flushed on lock.
	appends := ledger.appended()
	if len(appends) != 1 {
		t.Fatalf("expected exhaustion flush, got %d", len(appends))
	}
	if appends[0].ElapsedSeconds != 2 {
		t.Fatalf("expected 2 buffered seconds, got %d", appends[0].ElapsedSeconds)
	}
	if err := controller.Play(); !errors.Is(err, ErrPlaybackLocked) {
		t.Fatalf("expected ErrPlaybackLocked, got %v", err)
	}
}

func TestControllerNeverLocksPrivilegedViewer(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{
		TotalWatchTimeSeconds: 1_000_000,
		Status:                quota.PlayStatusActive,
	}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleTeacher)
	mustLoad(t, controller)
	mustPlay(t, controller)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		controller.Tick(ctx)
	}
	if controller.State() != StatePlaying {
		t.Fatalf("privileged viewer must keep playing, got %s", controller.State())
	}
}

func TestControllerAllowsPlaybackWhileDurationUnknown(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{
		TotalWatchTimeSeconds: 5000,
		Status:                quota.PlayStatusActive,
	}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 0, EffectiveMultiplier: 2.0}, viewer.RoleStudent)
	mustLoad(t, controller)
	mustPlay(t, controller)

	if controller.State() != StatePlaying {
		t.Fatalf("expected PLAYING while duration unknown, got %s", controller.State())
	}

	// The metadata probe reports the real duration; the budget becomes
	// enforceable and the already-exhausted viewer locks.
	controller.SetDuration(600)
	if controller.State() != StateLocked {
		t.Fatalf("expected LOCKED once duration is known, got %s", controller.State())
	}
}

func TestControllerLockSessionOverridesPlayback(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{Status: quota.PlayStatusActive}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)
	mustLoad(t, controller)
	mustPlay(t, controller)

	controller.LockSession()

	if controller.State() != StateLocked {
		t.Fatalf("expected LOCKED, got %s", controller.State())
	}
	reason, _ := controller.LockedReason()
	if reason != LockReasonSession {
		t.Fatalf("expected session lock reason, got %s", reason)
	}
}

func TestControllerSeekTravelsWithNextFlush(t *testing.T) {
	ledger := &fakeLedger{snapshot: PlaySnapshot{Status: quota.PlayStatusActive}}
	controller := newTestController(t, ledger, quota.Quota{DurationSeconds: 600, EffectiveMultiplier: 2.0}, viewer.RoleStudent)
	mustLoad(t, controller)
	mustPlay(t, controller)

	controller.Seek(100)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		controller.Tick(ctx)
	}

	appends := ledger.appended()
	if len(appends) != 1 {
		t.Fatalf("expected one flush, got %d", len(appends))
	}
	if appends[0].PositionSeconds != 105 {
		t.Fatalf("expected position 105 after seek plus five ticks, got %v", appends[0].PositionSeconds)
	}
}
