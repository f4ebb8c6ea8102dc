package devserver

import (
	"sync"
	"time"
)

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
)

// loginRateLimiter tracks failed login attempts per account email and
// enforces exponential lockout, mirroring the production backend's
// behavior so client rate-limit surfacing can be exercised locally.
type loginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		attempts: make(map[string]*attemptRecord),
	}
}

// check returns whether the account is locked out and, if so, when the
// lockout resets.
func (rl *loginRateLimiter) check(email string) (blocked bool, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[email]
	if !ok {
		return false, time.Time{}
	}
	// Expire stale records.
	if time.Since(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, email)
		return false, time.Time{}
	}
	if time.Now().Before(rec.lockedUntil) {
		return true, rec.lockedUntil
	}
	return false, time.Time{}
}

// remaining returns how many attempts are left before lockout.
func (rl *loginRateLimiter) remaining(email string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[email]
	if !ok {
		return maxFailures
	}
	left := maxFailures - rec.failures
	if left < 0 {
		return 0
	}
	return left
}

// recordFailure increments the failure counter and applies exponential
// lockout once maxFailures is exceeded.
func (rl *loginRateLimiter) recordFailure(email string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[email]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[email] = rec
	}
	rec.failures++
	rec.lastFailure = time.Now()

	if rec.failures >= maxFailures {
		shift := rec.failures - maxFailures
		lockout := baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = time.Now().Add(lockout)
	}
}

// recordSuccess resets the failure counter on a successful login.
func (rl *loginRateLimiter) recordSuccess(email string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, email)
}
