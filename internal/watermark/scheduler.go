// Package watermark schedules the transient identity overlay rendered above
// the playback surface. The overlay appears for a short window immediately on
// playback start and again at a fixed cadence, so a screen capture of any
// meaningful length carries the viewer's identity somewhere in frame.
package watermark

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Position enumerates the small set of screen corners the overlay rotates
// through. Randomizing placement per window keeps a capture from being
// cropped to reliably exclude it.
type Position string

const (
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
)

var positions = []Position{
	PositionTopLeft,
	PositionTopRight,
	PositionBottomLeft,
	PositionBottomRight,
}

const (
	defaultIntervalMins = 5
	defaultShowWindow   = 5 * time.Second
)

// Overlay is one visible watermark window: the identity text and where to
// render it. Purely ephemeral, never persisted.
type Overlay struct {
	DisplayName string
	Contact     string
	Position    Position
}

// SchedulerConfig describes one viewer's overlay policy.
type SchedulerConfig struct {
	// DisplayName is the identity rendered in the overlay. An empty name
	// (or a privileged viewer, which callers signal the same way) makes the
	// scheduler inert.
	DisplayName string
	// Contact optionally adds a second identity line, e.g. an email.
	Contact string
	// IntervalMins is the operator-set cadence between windows.
	IntervalMins int
	// ShowWindow is how long each window stays visible.
	ShowWindow time.Duration
	// Rand drives placement randomization; defaults to a time-seeded source.
	Rand *rand.Rand
}

// Scheduler computes overlay visibility from wall-clock time while playback
// runs. All methods are safe for concurrent use with the playback timers.
type Scheduler struct {
	mu sync.Mutex

	displayName string
	contact     string
	interval    time.Duration
	showWindow  time.Duration
	rng         *rand.Rand

	running  bool
	startAt  time.Time
	window   int
	position Position
}

// NewScheduler constructs an overlay scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := time.Duration(cfg.IntervalMins) * time.Minute
	if cfg.IntervalMins <= 0 {
		interval = defaultIntervalMins * time.Minute
	}
	showWindow := cfg.ShowWindow
	if showWindow <= 0 {
		showWindow = defaultShowWindow
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		displayName: strings.TrimSpace(cfg.DisplayName),
		contact:     strings.TrimSpace(cfg.Contact),
		interval:    interval,
		showWindow:  showWindow,
		rng:         rng,
	}
}

// Start begins the overlay cadence at the given instant; the first window is
// visible immediately.
func (s *Scheduler) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.displayName == "" {
		return
	}
	s.running = true
	s.startAt = now
	s.window = -1
}

// Stop hides the overlay; pausing or closing the surface calls this.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Overlay reports whether the overlay is visible at the given instant and, if
// so, what to render. Placement is re-randomized once per window.
func (s *Scheduler) Overlay(now time.Time) (Overlay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.displayName == "" {
		return Overlay{}, false
	}
	elapsed := now.Sub(s.startAt)
	if elapsed < 0 {
		return Overlay{}, false
	}

	window := int(elapsed / s.interval)
	offset := elapsed % s.interval
	if offset >= s.showWindow {
		return Overlay{}, false
	}

	if window != s.window {
		s.window = window
		s.position = positions[s.rng.Intn(len(positions))]
	}

	return Overlay{
		DisplayName: s.displayName,
		Contact:     s.contact,
		Position:    s.position,
	}, true
}
