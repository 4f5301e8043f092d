// Package backoff computes retry intervals for jobs, inbox messages and outbox messages.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidPolicy is returned for a policy or attempt number that cannot produce an interval.
var ErrInvalidPolicy = errors.New("invalid backoff policy")

// Policy describes how the wait between retries grows.
// A Multiplier of 1 grows linearly (base*(attempt+1)), anything above grows
// exponentially (base*multiplier^attempt). JitterFactor is applied after capping.
type Policy struct {
	BaseInterval time.Duration `json:"baseInterval" yaml:"base_interval"`
	MaxInterval  time.Duration `json:"maxInterval" yaml:"max_interval"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	JitterFactor float64       `json:"jitterFactor" yaml:"jitter_factor"`
}

// Validate reports whether the policy can be used.
func (p Policy) Validate() error {
	switch {
	case p.BaseInterval <= 0:
		return errors.Wrapf(ErrInvalidPolicy, "base interval must be positive, got %s", p.BaseInterval)
	case p.MaxInterval < p.BaseInterval:
		return errors.Wrapf(ErrInvalidPolicy, "max interval %s is lower than base interval %s", p.MaxInterval, p.BaseInterval)
	case math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) || p.Multiplier < 1:
		return errors.Wrapf(ErrInvalidPolicy, "multiplier must be a finite number >= 1, got %v", p.Multiplier)
	case math.IsNaN(p.JitterFactor) || p.JitterFactor < 0 || p.JitterFactor > 1:
		return errors.Wrapf(ErrInvalidPolicy, "jitter factor must be within [0,1], got %v", p.JitterFactor)
	}
	return nil
}

// Calculator computes intervals using its own random source for jitter.
type Calculator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCalculator returns a Calculator seeded with seed.
func NewCalculator(seed int64) *Calculator {
	return &Calculator{rnd: rand.New(rand.NewSource(seed))}
}

var defaultCalculator = NewCalculator(time.Now().UnixNano())

// Interval returns the wait before retry number attempt (0-based) under policy p.
func Interval(attempt int, p Policy) (time.Duration, error) {
	return defaultCalculator.Interval(attempt, p)
}

// Interval returns the wait before retry number attempt (0-based) under policy p.
func (c *Calculator) Interval(attempt int, p Policy) (time.Duration, error) {
	if attempt < 0 {
		return 0, errors.Wrapf(ErrInvalidPolicy, "attempt must be >= 0, got %d", attempt)
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var raw float64
	if p.Multiplier == 1 {
		raw = float64(p.BaseInterval) * float64(attempt+1)
	} else {
		raw = float64(p.BaseInterval) * math.Pow(p.Multiplier, float64(attempt))
	}
	// float overflow on large attempts lands on +Inf, which the cap absorbs
	if raw > float64(p.MaxInterval) || math.IsInf(raw, 0) || math.IsNaN(raw) {
		raw = float64(p.MaxInterval)
	}

	if p.JitterFactor > 0 {
		c.mu.Lock()
		r := c.rnd.Float64()
		c.mu.Unlock()
		raw += raw * p.JitterFactor * (2*r - 1)
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw), nil
}

// Preset names.
const (
	PresetFast         = "fast"
	PresetStandard     = "standard"
	PresetAggressive   = "aggressive"
	PresetConservative = "conservative"
	PresetLinear       = "linear"
	PresetHeavyTask    = "heavy-task"
)

var presets = map[string]Policy{
	PresetFast:         {BaseInterval: time.Second, MaxInterval: 30 * time.Second, Multiplier: 2, JitterFactor: 0.1},
	PresetStandard:     {BaseInterval: 5 * time.Second, MaxInterval: 5 * time.Minute, Multiplier: 2, JitterFactor: 0.2},
	PresetAggressive:   {BaseInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second, Multiplier: 1.5, JitterFactor: 0.1},
	PresetConservative: {BaseInterval: 30 * time.Second, MaxInterval: 30 * time.Minute, Multiplier: 3, JitterFactor: 0.2},
	PresetLinear:       {BaseInterval: 5 * time.Second, MaxInterval: time.Minute, Multiplier: 1, JitterFactor: 0},
	PresetHeavyTask:    {BaseInterval: time.Minute, MaxInterval: time.Hour, Multiplier: 2, JitterFactor: 0.3},
}

// Preset returns the named canned policy.
func Preset(name string) (Policy, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, errors.Wrap(ErrInvalidPolicy, fmt.Sprintf("unknown preset '%s'", name))
	}
	return p, nil
}

// Standard is the policy used when nothing else is configured.
func Standard() Policy {
	return presets[PresetStandard]
}
