// Package ratelimit provides sliding-window rate limiting with named
// per-operation profiles. Each profile scopes its own key namespace, so a
// caller's join quota never shares state with its telemetry quota.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waitgate/waitgate/internal/config"
	"github.com/waitgate/waitgate/internal/metrics"
	"github.com/waitgate/waitgate/internal/syncutil"
)

// Profile names. Each maps to a distinct limit/window pair.
const (
	ProfileJoin      = "join"
	ProfileStream    = "stream"
	ProfileTelemetry = "telemetry"
	ProfilePurchase  = "purchase"
	ProfileAdmin     = "admin"
	ProfileGeneral   = "general"
)

// Profile is the limit/window pair for one operation class.
type Profile struct {
	Limit         int
	WindowSeconds int
}

func defaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileJoin:      {Limit: 10, WindowSeconds: 60},
		ProfileStream:    {Limit: 30, WindowSeconds: 60},
		ProfileTelemetry: {Limit: 60, WindowSeconds: 60},
		ProfilePurchase:  {Limit: 5, WindowSeconds: 60},
		ProfileAdmin:     {Limit: 30, WindowSeconds: 60},
		ProfileGeneral:   {Limit: 120, WindowSeconds: 60},
	}
}

// Result reports the outcome of a single Check call.
type Result struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

type bucket struct {
	times []time.Time
}

// Limiter tracks call timestamps per profile-scoped key. The evict, record
// and count steps of Check run as one atomic unit per key.
type Limiter struct {
	profiles map[string]Profile
	keys     syncutil.ShardedMutex
	buckets  sync.Map // profile:key -> *bucket
	stop     chan struct{}
	stopOnce sync.Once

	// now is swappable in tests
	now func() time.Time
}

// New builds a limiter from the built-in profiles with any configured
// overrides applied on top, and starts the cleanup goroutine. A zero field
// in an override keeps the default.
func New(overrides map[string]config.RateOverride) *Limiter {
	profiles := defaultProfiles()
	for name, o := range overrides {
		p, ok := profiles[name]
		if !ok {
			continue
		}
		if o.Limit > 0 {
			p.Limit = o.Limit
		}
		if o.WindowSeconds > 0 {
			p.WindowSeconds = o.WindowSeconds
		}
		profiles[name] = p
	}

	l := &Limiter{
		profiles: profiles,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go l.cleanup()
	return l
}

// cleanup removes stale buckets periodically.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			horizon := l.now().Add(-l.maxWindow())
			l.buckets.Range(func(k, v any) bool {
				key := k.(string)
				unlock := l.keys.Lock(key)
				b := v.(*bucket)
				if len(b.times) == 0 || b.times[len(b.times)-1].Before(horizon) {
					l.buckets.Delete(key)
				}
				unlock()
				return true
			})
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Check records one call for key under the given profile and reports whether
// it fits inside the window. Unknown profiles fall back to general. On
// rejection, RetryAfterSeconds says how long until the oldest recorded call
// ages out of the window, floored at one second.
func (l *Limiter) Check(profile, key string) Result {
	p, ok := l.profiles[profile]
	if !ok {
		profile = ProfileGeneral
		p = l.profiles[ProfileGeneral]
	}

	scoped := profile + ":" + key
	unlock := l.keys.Lock(scoped)
	defer unlock()

	now := l.now()
	window := time.Duration(p.WindowSeconds) * time.Second
	cutoff := now.Add(-window)

	v, _ := l.buckets.LoadOrStore(scoped, &bucket{})
	b := v.(*bucket)

	kept := b.times[:0]
	for _, t := range b.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.times = append(kept, now)

	if count := len(b.times); count <= p.Limit {
		return Result{Allowed: true, Remaining: p.Limit - count}
	}

	retry := int(math.Ceil((window - now.Sub(b.times[0])).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return Result{Allowed: false, RetryAfterSeconds: retry}
}

// maxWindow is the horizon past which no bucket can matter again.
func (l *Limiter) maxWindow() time.Duration {
	max := 0
	for _, p := range l.profiles {
		if p.WindowSeconds > max {
			max = p.WindowSeconds
		}
	}
	return time.Duration(max) * time.Second
}

// Middleware returns a Gin middleware that limits by client IP under the
// given profile.
func (l *Limiter) Middleware(profile string) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := l.Check(profile, c.ClientIP())
		if !res.Allowed {
			metrics.RateLimitRejectionsTotal.WithLabelValues(profile).Inc()
			c.Header("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate_limited",
				"message":             "Too many requests. Please slow down.",
				"retry_after_seconds": res.RetryAfterSeconds,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
