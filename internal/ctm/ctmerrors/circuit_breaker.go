package ctmerrors

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of a StorageBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a StorageBreaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // consecutive half-open successes before closing (default 2)
	Timeout          time.Duration // time before trying half-open again (default 30s)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

// StorageBreaker trips after repeated StorageFailure errors so the
// orchestrator stops hammering a clearly-unwritable CTM_ROOT and fails fast
// instead. It never turns a StorageFailure into anything other than a
// StorageFailure at the call site — it only decides whether to attempt the
// underlying operation at all.
type StorageBreaker struct {
	name   string
	config BreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

func NewStorageBreaker(name string, config BreakerConfig) *StorageBreaker {
	return &StorageBreaker{name: name, config: config, state: StateClosed}
}

// Allow reports whether an operation may proceed, opening/half-opening the
// breaker's internal clock as needed.
func (b *StorageBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.Timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return nil
		}
		return NewStorageFailure(b.name,
			fmt.Errorf("circuit open, retry after %v", b.config.Timeout-time.Since(b.lastFailureTime)))
	default:
		return nil
	}
}

// Mark records the outcome of an operation already permitted by Allow.
func (b *StorageBreaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case StateClosed:
			b.failureCount = 0
		case StateHalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = StateClosed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.lastFailureTime = time.Now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
	}
}

// State reports the current breaker state (for diagnostics/status output).
func (b *StorageBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed, e.g. after an operator fixes the
// underlying filesystem.
func (b *StorageBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
}
