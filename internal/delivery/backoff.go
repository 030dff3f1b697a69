package delivery

import (
	"math"
	"time"
)

// Policy is the retry schedule for failed delivery attempts.
//
// Delay grows exponentially from Base by Factor per attempt, capped at Cap.
// The dispatcher applies full jitter on top; the pre-jitter delay is
// non-decreasing in the attempt number. MaxAttempts bounds how often one
// notification is tried, MaxElapsed bounds the total retry window measured
// from the notification's creation; whichever trips first exhausts it.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	MaxAttempts int
	MaxElapsed  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         5 * time.Minute,
		Factor:      2.0,
		MaxAttempts: 6,
		MaxElapsed:  48 * time.Hour,
	}
}

// Delay returns the pre-jitter backoff before retry number attempt
// (attempt 1 is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2.0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether a notification that has now failed attempts
// times, created at createdAt, is out of retries.
func (p Policy) Exhausted(attempts int, createdAt, now time.Time) bool {
	if attempts >= p.MaxAttempts {
		return true
	}
	return p.MaxElapsed > 0 && now.Sub(createdAt) >= p.MaxElapsed
}
