package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	now          Clock
	rate         float64 // tokens per second
	burst        int     // maximum burst size
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a new rate limiter.
// rate is the sustained rate (operations per second)
// burst is the maximum allowed burst (operations)
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return NewRateLimiterWithClock(rate, burst, time.Now)
}

// NewRateLimiterWithClock creates a rate limiter driven by clock.
func NewRateLimiterWithClock(rate float64, burst int, clock Clock) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		now:        clock,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst), // Start full
		lastRefill: clock(),
	}
}

// Allow checks if an operation is allowed under the rate limit.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Before(r.blockedUntil) {
		return false
	}

	r.refill(now)

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.rate
		if r.tokens > float64(r.burst) {
			r.tokens = float64(r.burst)
		}
	}
	r.lastRefill = now
}

// Tokens returns the currently available tokens.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.now())
	return r.tokens
}

// Block temporarily blocks all operations for the specified duration.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blockedUntil = r.now().Add(duration)
}

// Reset resets the rate limiter to full capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = r.now()
	r.blockedUntil = time.Time{}
}

// SetLimits changes rate and burst in place. Used on config reload.
func (r *RateLimiter) SetLimits(rate float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = rate
	r.burst = burst
	if r.tokens > float64(burst) {
		r.tokens = float64(burst)
	}
}

// IPRateLimiter implements per-client rate limiting.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
	cleanup  time.Duration // How long to keep inactive limiters
	now      Clock

	stop     chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates a new per-client rate limiter. A background
// goroutine evicts idle clients until Stop is called.
func NewIPRateLimiter(rate float64, burst int, cleanup time.Duration) *IPRateLimiter {
	ipl := &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
		cleanup:  cleanup,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go ipl.cleanupLoop()

	return ipl
}

// Allow checks if an operation from the given client is allowed.
func (ipl *IPRateLimiter) Allow(ip string) bool {
	return ipl.limiter(ip).Allow()
}

// Block temporarily blocks a client.
func (ipl *IPRateLimiter) Block(ip string, duration time.Duration) {
	ipl.limiter(ip).Block(duration)
}

func (ipl *IPRateLimiter) limiter(ip string) *RateLimiter {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	limiter, ok := ipl.limiters[ip]
	if !ok {
		limiter = NewRateLimiterWithClock(ipl.rate, ipl.burst, ipl.now)
		ipl.limiters[ip] = limiter
	}
	return limiter
}

// SetLimits applies new limits to existing and future clients.
func (ipl *IPRateLimiter) SetLimits(rate float64, burst int) {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	ipl.rate = rate
	ipl.burst = burst
	for _, l := range ipl.limiters {
		l.SetLimits(rate, burst)
	}
}

// Len returns the number of tracked clients.
func (ipl *IPRateLimiter) Len() int {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()
	return len(ipl.limiters)
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (ipl *IPRateLimiter) Stop() {
	ipl.stopOnce.Do(func() { close(ipl.stop) })
}

func (ipl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(ipl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ipl.evictIdle()
		case <-ipl.stop:
			return
		}
	}
}

func (ipl *IPRateLimiter) evictIdle() {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	now := ipl.now()
	for ip, limiter := range ipl.limiters {
		limiter.mu.Lock()
		idle := now.Sub(limiter.lastRefill) > ipl.cleanup
		limiter.mu.Unlock()
		if idle {
			delete(ipl.limiters, ip)
		}
	}
}

// ConnectionLimiter limits the number of concurrent requests.
type ConnectionLimiter struct {
	mu       sync.Mutex
	current  int
	max      int
	perIP    map[string]int
	maxPerIP int
}

// NewConnectionLimiter creates a new connection limiter.
func NewConnectionLimiter(max, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:      max,
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
	}
}

// Acquire attempts to acquire a slot. Returns false if a limit is reached.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current >= cl.max {
		return false
	}
	if cl.perIP[ip] >= cl.maxPerIP {
		return false
	}

	cl.current++
	cl.perIP[ip]++
	return true
}

// Release releases a slot.
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current > 0 {
		cl.current--
	}
	if cl.perIP[ip] > 0 {
		cl.perIP[ip]--
		if cl.perIP[ip] == 0 {
			delete(cl.perIP, ip)
		}
	}
}

// Current returns the number of held slots.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}

// FailureLimiter locks out clients that keep sending rejected payloads.
type FailureLimiter struct {
	mu           sync.Mutex
	now          Clock
	failures     map[string]*failureRecord
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewFailureLimiter creates a new failure limiter.
func NewFailureLimiter(baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		now:          time.Now,
		failures:     make(map[string]*failureRecord),
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
	}
}

// WithClock replaces the limiter's clock.
func (fl *FailureLimiter) WithClock(clock Clock) *FailureLimiter {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.now = clock
	return fl
}

// RecordFailure records a failure for the given key and returns the
// backoff delay before the next attempt.
func (fl *FailureLimiter) RecordFailure(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}

	if now.Sub(record.lastFailed) > fl.resetAfter {
		record.count = 0
	}

	record.count++
	record.lastFailed = now

	if record.count >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
	}

	return fl.delayFor(record.count)
}

func (fl *FailureLimiter) delayFor(count int) time.Duration {
	shift := count - 1
	if shift > 30 {
		shift = 30
	}
	delay := fl.baseDelay * time.Duration(1<<uint(shift))
	if delay > fl.maxDelay || delay <= 0 {
		delay = fl.maxDelay
	}
	return delay
}

// IsLocked checks if the key is currently locked.
func (fl *FailureLimiter) IsLocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return false
	}
	return fl.now().Before(record.lockedUntil)
}

// RecordSuccess resets the failure count for the given key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	delete(fl.failures, key)
}

// GetDelay returns the remaining backoff for the given key.
func (fl *FailureLimiter) GetDelay(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return 0
	}

	elapsed := fl.now().Sub(record.lastFailed)
	delay := fl.delayFor(record.count)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}
