package findings

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylab/prospector/internal/metrics"
)

// Rejection reasons reported by the limiter.
const (
	reasonSessionCap  = "session_cap"
	reasonHourlyCap   = "hourly_cap"
	reasonMinInterval = "min_interval"
)

// limiterEntry tracks one session. Entries live only in memory; they reset
// on process restart, an accepted limitation.
type limiterEntry struct {
	count     int
	hourCount int
	hourStart time.Time
	lastSeen  time.Time
	spacing   *rate.Limiter
}

// Limiter enforces the three per-session thresholds. It is owned by the
// Store and keyed by session id in a bounded map with LRU eviction.
type Limiter struct {
	mu          sync.Mutex
	limits      Limits
	entries     map[string]*limiterEntry
	maxSessions int
	logger      *zap.Logger

	now func() time.Time
}

// NewLimiter builds a limiter with the given thresholds.
func NewLimiter(limits Limits, logger *zap.Logger) *Limiter {
	return &Limiter{
		limits:      limits,
		entries:     make(map[string]*limiterEntry),
		maxSessions: 1024,
		logger:      logger,
		now:         time.Now,
	}
}

// SetLimits swaps the thresholds, applying the new spacing to existing
// sessions as well.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
	now := l.now()
	interval := time.Duration(limits.MinIntervalMs) * time.Millisecond
	for _, e := range l.entries {
		e.spacing.SetLimitAt(now, limitForInterval(interval))
	}
	l.logger.Info("Finding limits updated",
		zap.Int("session_max", limits.SessionMax),
		zap.Int("hourly_max", limits.HourlyMax),
		zap.Int("min_interval_ms", limits.MinIntervalMs),
	)
}

// Allow reports whether a finding from the session may be accepted now and,
// when it may not, which threshold rejected it. A true result commits the
// attempt against all three counters.
func (l *Limiter) Allow(sessionID string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[sessionID]
	if !ok {
		interval := time.Duration(l.limits.MinIntervalMs) * time.Millisecond
		e = &limiterEntry{
			hourStart: now,
			lastSeen:  now,
			spacing:   rate.NewLimiter(limitForInterval(interval), 1),
		}
		l.entries[sessionID] = e
		l.evictLocked()
		metrics.LimiterSessions.Set(float64(len(l.entries)))
	}
	e.lastSeen = now

	if l.limits.SessionMax > 0 && e.count >= l.limits.SessionMax {
		return false, reasonSessionCap
	}

	// The hourly window restarts once more than an hour has elapsed since
	// it opened.
	if now.Sub(e.hourStart) > time.Hour {
		e.hourStart = now
		e.hourCount = 0
	}
	if l.limits.HourlyMax > 0 && e.hourCount >= l.limits.HourlyMax {
		return false, reasonHourlyCap
	}

	// Checked last: a passing AllowN consumes the spacing token, so earlier
	// rejections must not reach it.
	if !e.spacing.AllowN(now, 1) {
		return false, reasonMinInterval
	}

	e.count++
	e.hourCount++
	return true, ""
}

// evictLocked drops the least recently seen entries once the map exceeds its
// bound. Evicted sessions restart their counters, the price of keeping the
// map bounded.
func (l *Limiter) evictLocked() {
	if len(l.entries) <= l.maxSessions {
		return
	}
	type seen struct {
		id string
		at time.Time
	}
	order := make([]seen, 0, len(l.entries))
	for id, e := range l.entries {
		order = append(order, seen{id: id, at: e.lastSeen})
	}
	for i := 0; i < len(order)-1; i++ {
		for j := i + 1; j < len(order); j++ {
			if order[j].at.Before(order[i].at) {
				order[i], order[j] = order[j], order[i]
			}
		}
	}
	toRemove := len(l.entries) - l.maxSessions
	for i := 0; i < toRemove && i < len(order); i++ {
		delete(l.entries, order[i].id)
		metrics.LimiterEvictions.Inc()
	}
}

func limitForInterval(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
