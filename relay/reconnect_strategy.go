package relay

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectDelayStrategy decides how long to wait before each reconnect
// attempt. Reset is called after a successful reconnect.
type ReconnectDelayStrategy interface {
	NextDelay() time.Duration
	Reset()
}

// FixedDelayStrategy waits the same delay before every attempt.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// NextDelay returns the configured delay.
func (strategy *FixedDelayStrategy) NextDelay() time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Delay
}

// Reset is a no-op for a fixed delay.
func (strategy *FixedDelayStrategy) Reset() {}

// ExponentialDelayStrategy grows the delay by Factor per attempt up to
// MaxDelay, optionally spreading it with jitter in [0.5, 1.5).
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Jitter    bool
	attempts  uint32
	rng       *rand.Rand
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

// WithJitter enables jitter and returns the strategy.
func (strategy *ExponentialDelayStrategy) WithJitter() *ExponentialDelayStrategy {
	strategy.lock.Lock()
	strategy.Jitter = true
	strategy.lock.Unlock()
	return strategy
}

// NextDelay returns the delay for the next attempt and advances the count.
func (strategy *ExponentialDelayStrategy) NextDelay() time.Duration {
	if strategy == nil {
		return 0
	}

	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	attempt := strategy.attempts
	strategy.attempts = attempt + 1

	delay := float64(strategy.BaseDelay)
	if attempt > 0 && delay > 0 {
		delay *= math.Pow(strategy.Factor, float64(attempt))
	}
	if delay > float64(strategy.MaxDelay) {
		delay = float64(strategy.MaxDelay)
	}
	if strategy.Jitter && strategy.rng != nil {
		delay *= 0.5 + strategy.rng.Float64()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset restarts the sequence at BaseDelay.
func (strategy *ExponentialDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
	strategy.lock.Lock()
	strategy.attempts = 0
	strategy.lock.Unlock()
}

func strategyFromSettings(settings Settings) ReconnectDelayStrategy {
	if settings.ReconnectFactor <= 1 {
		return NewFixedDelayStrategy(settings.ReconnectDelay)
	}
	return NewExponentialDelayStrategy(settings.ReconnectDelay, settings.ReconnectMaxDelay, settings.ReconnectFactor).WithJitter()
}
