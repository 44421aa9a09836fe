// Package ratelimit enforces the dispatcher's admission policy: a global
// token bucket, a per-chat bucket, and a per-producer bucket, admitting
// only when all three agree.
package ratelimit

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Decision is the outcome of Acquire.
type Decision struct {
	Admit bool
	// Defer is the minimum wait before retrying, valid when !Admit.
	Defer time.Duration
}

// Config sets the three bucket rates, each expressed as events allowed
// per second.
type Config struct {
	GlobalPerSecond   int
	PerChatPerSecond  int
	PerProducerPerSec int
}

func (c Config) setDefaults() Config {
	if c.GlobalPerSecond <= 0 {
		c.GlobalPerSecond = 30
	}
	if c.PerChatPerSecond <= 0 {
		c.PerChatPerSecond = 10
	}
	if c.PerProducerPerSec <= 0 {
		c.PerProducerPerSec = 10
	}
	return c
}

// Limiter wraps three independent catrate.Limiter instances, one per
// bucket dimension. Each bucket tracks its own categories (chat ids,
// producer names), so admission for one chat never starves another.
type Limiter struct {
	global  *catrate.Limiter
	perChat *catrate.Limiter
	perProd *catrate.Limiter
}

// New constructs a Limiter from cfg, applying defaults for any zero
// fields.
func New(cfg Config) *Limiter {
	cfg = cfg.setDefaults()
	return &Limiter{
		global:  catrate.NewLimiter(map[time.Duration]int{time.Second: cfg.GlobalPerSecond}),
		perChat: catrate.NewLimiter(map[time.Duration]int{time.Second: cfg.PerChatPerSecond}),
		perProd: catrate.NewLimiter(map[time.Duration]int{time.Second: cfg.PerProducerPerSec}),
	}
}

// Acquire attempts to admit one event addressed to chatID, originating
// from source. Admission requires all three buckets to agree; a single
// refusal deferrs the whole attempt for the maximum of the refusing
// buckets' wait times, since the caller must wait out the longest
// constraint regardless of which other buckets already admitted.
//
// Each bucket's Allow is still called unconditionally (not short-circuited)
// so that a producer hammering a busy chat doesn't silently consume an
// unbounded share of the global bucket while waiting on the per-chat one.
func (l *Limiter) Acquire(chatID, source string) Decision {
	gNext, gOK := l.global.Allow("global")
	cNext, cOK := l.perChat.Allow(chatID)
	pNext, pOK := l.perProd.Allow(source)

	if gOK && cOK && pOK {
		return Decision{Admit: true}
	}

	now := time.Now()
	var wait time.Duration
	for _, next := range []time.Time{gNext, cNext, pNext} {
		if next.IsZero() {
			continue
		}
		if d := next.Sub(now); d > wait {
			wait = d
		}
	}
	return Decision{Admit: false, Defer: wait}
}
