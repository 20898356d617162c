package query

import "time"

// DefaultMinPoll is the floor of the readiness wait.
const DefaultMinPoll = 10 * time.Millisecond

// Policy computes retry and timeout deadlines. It performs no I/O.
//
// For retry budget R and interval I the next action of a counter with
// remaining retries r is first + I*(R-r+1).
type Policy struct {
	Interval         time.Duration
	MinPoll          time.Duration
	Retries          int
	MasterMultiplier int
}

// IntervalFor returns the retry interval for ordinary or master targets.
func (p Policy) IntervalFor(master bool) time.Duration {
	if master {
		return p.Interval * time.Duration(p.MasterMultiplier)
	}
	return p.Interval
}

// NextAction returns when the counter must act next.
func (p Policy) NextAction(first time.Time, remaining int, master bool) time.Time {
	return first.Add(p.IntervalFor(master) * time.Duration(p.Retries-remaining+1))
}

// Due reports whether the counter must act at now.
func (p Policy) Due(now, first time.Time, remaining int, master bool) bool {
	return !now.Before(p.NextAction(first, remaining, master))
}

// Exhausted reports whether the counter ran out of retries without a reply.
func (p Policy) Exhausted(now, first time.Time, remaining int, master bool) bool {
	return remaining <= 0 && p.Due(now, first, remaining, master)
}

// Anchor returns a schedule start such that the next action is one interval
// after now without touching the remaining count.
func (p Policy) Anchor(now time.Time, remaining int, master bool) time.Time {
	return now.Add(-p.IntervalFor(master) * time.Duration(p.Retries-remaining))
}

// Floor clamps a wait to the minimum poll granularity.
func (p Policy) Floor(d time.Duration) time.Duration {
	min := p.MinPoll
	if min <= 0 {
		min = DefaultMinPoll
	}
	if d < min {
		return min
	}
	return d
}
