package quota

import (
	"math"

	"github.com/akademo-labs/playguard/internal/viewer"
)

// Quota is the resolved budget input for one video: the probed duration and
// the effective multiplier after walking the fallback chain.
type Quota struct {
	DurationSeconds       int64
	EffectiveMultiplier   float64
	WatermarkIntervalMins int
}

// Policy binds a resolved quota to a viewer role and answers the enforcement
// questions the playback surface asks.
type Policy struct {
	quota Quota
	role  viewer.Role
}

// NewPolicy derives the enforcement policy for a role under a resolved quota.
func NewPolicy(quota Quota, role viewer.Role) Policy {
	return Policy{quota: quota, role: role}
}

// Quota returns the resolved quota backing this policy.
func (p Policy) Quota() Quota {
	return p.quota
}

// Enforceable reports whether the budget can be computed yet. A zero duration
// means the metadata probe has not reported, so the quota is not enforced.
func (p Policy) Enforceable() bool {
	return p.quota.DurationSeconds > 0
}

// MaxWatchTimeSeconds returns the watch-time ceiling. Privileged viewers and
// videos with unknown duration get an unbounded budget.
func (p Policy) MaxWatchTimeSeconds() float64 {
	if p.role.Privileged() || !p.Enforceable() {
		return math.Inf(1)
	}
	return float64(p.quota.DurationSeconds) * p.quota.EffectiveMultiplier
}

// Remaining returns the budget left after the given accumulated seconds,
// never negative.
func (p Policy) Remaining(totalWatchTimeSeconds int64) float64 {
	remaining := p.MaxWatchTimeSeconds() - float64(totalWatchTimeSeconds)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exhausted reports whether the accumulated seconds have consumed the budget.
// Always false for privileged viewers and unenforceable quotas.
func (p Policy) Exhausted(totalWatchTimeSeconds int64) bool {
	if p.role.Privileged() || !p.Enforceable() {
		return false
	}
	return float64(totalWatchTimeSeconds) >= p.MaxWatchTimeSeconds()
}
