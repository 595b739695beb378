package switchboard

import (
	"math/rand/v2"
	"sync"
	"time"
)

// ModelState tracks TPM/RPM accounting and the cooldown clock for one
// model on one Deployment. All methods are safe for concurrent use.
//
// Cooldown and usage counters are orthogonal by design (spec.md §4.1
// rationale): a window reset zeroes usage but must never rehabilitate a
// deployment that upstream explicitly failed.
type ModelState struct {
	mu sync.Mutex

	name string

	tpmLimit int64
	rpmLimit int64

	tpmUsage int64
	rpmUsage int64

	cooldownUntil  time.Time
	cooldownPeriod time.Duration
}

// ModelConfig configures one model slot on a Deployment.
type ModelConfig struct {
	Name           string
	TPMLimit       int64
	RPMLimit       int64
	CooldownPeriod time.Duration
}

// newModelState builds a ModelState from config, applying spec.md §6
// defaults (limits 0, cooldown 60s).
func newModelState(cfg ModelConfig) *ModelState {
	period := cfg.CooldownPeriod
	if period <= 0 {
		period = 60 * time.Second
	}
	return &ModelState{
		name:           cfg.Name,
		tpmLimit:       cfg.TPMLimit,
		rpmLimit:       cfg.RPMLimit,
		cooldownPeriod: period,
	}
}

// Name returns the model name this state tracks.
func (m *ModelState) Name() string {
	return m.name
}

// Healthy reports whether the model is currently outside its cooldown
// window.
func (m *ModelState) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *ModelState) healthyLocked() bool {
	return !time.Now().Before(m.cooldownUntil)
}

// Util returns the load figure used by the selector: 1 while cooling
// down, otherwise the higher of the TPM/RPM fill ratios plus a random
// tie-breaker in [0, 0.01) sampled fresh on every call (spec.md §4.1).
// The result is not clamped, so it exceeds 1 once usage passes a limit.
func (m *ModelState) Util() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.healthyLocked() {
		return 1
	}

	var tpmRatio, rpmRatio float64
	if m.tpmLimit > 0 {
		tpmRatio = float64(m.tpmUsage) / float64(m.tpmLimit)
	}
	if m.rpmLimit > 0 {
		rpmRatio = float64(m.rpmUsage) / float64(m.rpmLimit)
	}

	util := tpmRatio
	if rpmRatio > util {
		util = rpmRatio
	}
	return util + rand.Float64()*0.01
}

// SpendTokens adjusts the TPM counter by n, which may be negative when
// reconciling a preflight overestimate against actual usage. The counter
// saturates at 0.
func (m *ModelState) SpendTokens(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tpmUsage = saturatingAdd(m.tpmUsage, int64(n))
}

// SpendRequest increments the RPM counter by one.
func (m *ModelState) SpendRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpmUsage = saturatingAdd(m.rpmUsage, 1)
}

func saturatingAdd(current, delta int64) int64 {
	sum := current + delta
	if sum < 0 {
		return 0
	}
	return sum
}

// MarkDown puts the model into cooldown. A zero duration uses the
// model's configured cooldown period.
func (m *ModelState) MarkDown(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if duration <= 0 {
		duration = m.cooldownPeriod
	}
	m.cooldownUntil = time.Now().Add(duration)
}

// MarkUp clears any active cooldown.
func (m *ModelState) MarkUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldownUntil = time.Time{}
}

// ResetUsage zeroes the TPM/RPM counters. The cooldown clock is
// untouched — see the rationale in the ModelState doc above.
func (m *ModelState) ResetUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tpmUsage = 0
	m.rpmUsage = 0
}

// Snapshot is a value-typed, lock-free copy of a ModelState's counters,
// used by Switchboard.Stats so callers never see a mutex.
type Snapshot struct {
	Name      string
	TPMUsage  int64
	TPMLimit  int64
	RPMUsage  int64
	RPMLimit  int64
	Healthy   bool
}

// Snapshot returns a point-in-time copy of this ModelState.
func (m *ModelState) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Name:     m.name,
		TPMUsage: m.tpmUsage,
		TPMLimit: m.tpmLimit,
		RPMUsage: m.rpmUsage,
		RPMLimit: m.rpmLimit,
		Healthy:  m.healthyLocked(),
	}
}
