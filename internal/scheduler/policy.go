package scheduler

import (
	"math"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Policy decides a feed's next interval from the outcome of a tick.
type Policy struct {
	Min   time.Duration
	Max   time.Duration
	Grace time.Duration // how long a feed may keep failing before it is disabled
	Step  float64       // fractional change per tick, e.g. 0.1
}

// Outcome is what a tick observed.
type Outcome struct {
	Err     error
	Created int
}

// Decision is the feed state a tick should persist.
type Decision struct {
	IntervalSecs int
	FailingSince *time.Time
	Available    bool
	Disable      bool
}

// Interval returns the decided interval as a duration.
func (d Decision) Interval() time.Duration {
	return time.Duration(d.IntervalSecs) * time.Second
}

// Next applies one step. New entries shorten the interval, anything else
// lengthens it. Failures start or continue a failure streak, and a streak
// older than Grace disables the feed.
func (p Policy) Next(feed model.Feed, o Outcome, now time.Time) Decision {
	minSecs := int(p.Min / time.Second)
	maxSecs := int(p.Max / time.Second)
	cur := clamp(feed.FetchIntervalSecs, minSecs, maxSecs)

	longer := min(int(math.Round(float64(cur)*(1+p.Step))), maxSecs)

	if o.Err == nil {
		if o.Created > 0 {
			return Decision{
				IntervalSecs: max(int(math.Round(float64(cur)*(1-p.Step))), minSecs),
				Available:    true,
			}
		}
		return Decision{IntervalSecs: longer, Available: true}
	}

	since := now
	if feed.FailingSince != nil {
		since = *feed.FailingSince
	}
	d := Decision{IntervalSecs: longer, FailingSince: &since, Available: true}
	if now.Sub(since) > p.Grace {
		d.Available = false
		d.Disable = true
	}
	return d
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
