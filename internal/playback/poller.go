package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionStatus is the session guard's answer to a validity poll.
type SessionStatus struct {
	Valid   bool
	Message string
}

// SessionClient is the network surface the poller checks through.
type SessionClient interface {
	// RegisterSession claims the single active session for this device.
	RegisterSession(ctx context.Context) (SessionStatus, error)
	// CheckSession reports whether this device still holds the session.
	CheckSession(ctx context.Context) (SessionStatus, error)
}

const defaultPollInterval = 10 * time.Second

var errMissingSessionClient = errors.New("session client is required")

// PollerConfig describes the session-validity poll loop.
type PollerConfig struct {
	Client   SessionClient
	Interval time.Duration
	Logger   *zap.Logger
	// OnInvalid fires once with the viewer-facing message when the session
	// is displaced; the hosting page forces logout, which locks playback.
	OnInvalid func(message string)
}

// Poller periodically re-validates the device session. Transport failures
// are ignored until the next interval; a definitive negative answer stops
// the poller.
type Poller struct {
	client    SessionClient
	interval  time.Duration
	logger    *zap.Logger
	onInvalid func(string)

	mu          sync.Mutex
	invalidated bool
}

// NewPoller constructs a session poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Client == nil {
		return nil, errMissingSessionClient
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Poller{
		client:    cfg.Client,
		interval:  interval,
		logger:    logger,
		onInvalid: cfg.OnInvalid,
	}, nil
}

// Register claims the session for this device before playback starts.
func (p *Poller) Register(ctx context.Context) error {
	status, err := p.client.RegisterSession(ctx)
	if err != nil {
		return err
	}
	if !status.Valid {
		p.invalidate(status.Message)
	}
	return nil
}

// CheckNow performs one validity poll and reports whether the session still
// holds. A transport failure counts as still-valid; staleness is bounded by
// the poll interval, not by transient errors.
func (p *Poller) CheckNow(ctx context.Context) bool {
	p.mu.Lock()
	if p.invalidated {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	status, err := p.client.CheckSession(ctx)
	if err != nil {
		p.logger.Warn("session poll failed, will retry", zap.Error(err))
		return true
	}
	if status.Valid {
		return true
	}
	p.invalidate(status.Message)
	return false
}

// Run polls on the configured interval until the context ends or the session
// is invalidated.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.CheckNow(ctx) {
				return
			}
		}
	}
}

func (p *Poller) invalidate(message string) {
	p.mu.Lock()
	if p.invalidated {
		p.mu.Unlock()
		return
	}
	p.invalidated = true
	callback := p.onInvalid
	p.mu.Unlock()

	if callback != nil {
		callback(message)
	}
}
