package core

import (
	"fmt"
	"sync"
)

// ReflectionLimiter enforces a maximum number of reflection rounds per task.
type ReflectionLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewReflectionLimiter creates a limiter allowing max rounds.
// A max of 0 allows no reflection at all; negative values are unlimited.
func NewReflectionLimiter(max int) *ReflectionLimiter {
	return &ReflectionLimiter{max: max}
}

// Increment reserves one reflection round. It returns an error wrapping
// ErrReflectionLimit once the limit is exceeded; the count is not advanced
// in that case.
func (rl *ReflectionLimiter) Increment() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.max >= 0 && rl.count >= rl.max {
		return fmt.Errorf("only %d reflections allowed: %w", rl.max, ErrReflectionLimit)
	}

	rl.count++

	return nil
}

// Count returns the number of rounds reserved so far.
func (rl *ReflectionLimiter) Count() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.count
}

// Max returns the configured maximum.
func (rl *ReflectionLimiter) Max() int { return rl.max }

// Remaining returns how many rounds are left before hitting the limit.
func (rl *ReflectionLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.max < 0 {
		return -1 // unlimited
	}

	return rl.max - rl.count
}
