package httpx

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter decides whether a keyed request fits in its fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// ratePolicy is a budget shared by every request charged to the same subject.
type ratePolicy struct {
	scope  string
	limit  int
	window time.Duration
}

var (
	readPolicy    = ratePolicy{scope: "read", limit: 120, window: time.Minute}
	writePolicy   = ratePolicy{scope: "write", limit: 30, window: time.Minute}
	streamPolicy  = ratePolicy{scope: "stream", limit: 30, window: 30 * time.Second}
	webhookPolicy = ratePolicy{scope: "webhook", limit: 60, window: time.Minute}

	// There is one build slot for all projects, so each project gets its own
	// trigger budget on top of the caller's.
	projectDeployPolicy = ratePolicy{scope: "deploys", limit: 6, window: time.Minute}
)

func (p ratePolicy) bucket(subject string) string {
	return p.scope + "|" + subject
}

const rateSweepInterval = 5 * time.Minute

// memoryRateLimiter keeps windows in process. Expired windows are dropped
// lazily from Allow, so no goroutine is needed.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*fixedWindow
	now       func() time.Time
	lastSweep time.Time
}

type fixedWindow struct {
	hits    int
	resetAt time.Time
}

// NewMemoryRateLimiter returns a limiter local to this process.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{windows: make(map[string]*fixedWindow), now: now}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) >= rateSweepInterval {
		rl.sweepLocked(now)
	}

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(window)}
		rl.windows[key] = w
	}
	if w.hits >= limit {
		return rateDecision{count: w.hits, windowEnd: w.resetAt}
	}
	w.hits++
	return rateDecision{allowed: true, count: w.hits, windowEnd: w.resetAt}
}

func (rl *memoryRateLimiter) sweepLocked(now time.Time) {
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
	rl.lastSweep = now
}

func (rl *memoryRateLimiter) Close() {}

// limited charges every request to policy under the caller's address.
func (r *Router) limited(route string, policy ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.spend(w, route, policy, r.callerSubject(req)) {
			return
		}
		next(w, req)
	}
}

// spendProjectDeploy charges one trigger to the project's budget. API and
// webhook triggers share it.
func (r *Router) spendProjectDeploy(w http.ResponseWriter, route, projectID string) bool {
	return r.spend(w, route, projectDeployPolicy, "project:"+projectID)
}

// spend takes one unit from subject's bucket and answers 429 when the budget
// is exhausted.
func (r *Router) spend(w http.ResponseWriter, route string, policy ratePolicy, subject string) bool {
	if r.limiter == nil || policy.limit <= 0 {
		return true
	}
	decision := r.limiter.Allow(policy.bucket(subject), policy.limit, policy.window)
	r.applyRateHeaders(w, policy.limit, decision)
	if decision.allowed {
		return true
	}
	r.recordRateLimitHit(route, policy.scope)
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (r *Router) callerSubject(req *http.Request) string {
	host := r.clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}
