package validate

import "time"

// rateTracker keeps rejected/total counts in two rotating buckets covering
// the sliding span, enough to answer "is the recent rejection rate above the
// limit" without retaining per-event history. Owned by a single shard
// worker, so no locking.
type rateTracker struct {
	span     time.Duration
	limit    float64
	bucketAt time.Time
	cur      bucket
	prev     bucket
	warnedAt time.Time
}

type bucket struct {
	total    int
	rejected int
}

const warnCooldown = 30 * time.Second

func newRateTracker(span time.Duration, limit float64) *rateTracker {
	if span <= 0 {
		span = time.Minute
	}
	return &rateTracker{span: span, limit: limit}
}

// observe records one outcome and reports whether a threshold warning is due.
func (r *rateTracker) observe(now time.Time, rejected bool) bool {
	r.rotate(now)
	r.cur.total++
	if rejected {
		r.cur.rejected++
	}
	if !rejected {
		return false
	}
	rate := r.Rate(now)
	total := r.cur.total + r.prev.total
	if rate <= r.limit || total < 10 {
		return false
	}
	if now.Sub(r.warnedAt) < warnCooldown {
		return false
	}
	r.warnedAt = now
	return true
}

func (r *rateTracker) Rate(now time.Time) float64 {
	r.rotate(now)
	total := r.cur.total + r.prev.total
	if total == 0 {
		return 0
	}
	return float64(r.cur.rejected+r.prev.rejected) / float64(total)
}

func (r *rateTracker) rotate(now time.Time) {
	if r.bucketAt.IsZero() {
		r.bucketAt = now
		return
	}
	elapsed := now.Sub(r.bucketAt)
	switch {
	case elapsed >= 2*r.span:
		r.prev = bucket{}
		r.cur = bucket{}
		r.bucketAt = now
	case elapsed >= r.span:
		r.prev = r.cur
		r.cur = bucket{}
		r.bucketAt = r.bucketAt.Add(r.span)
	}
}
