package metrics

import "time"

// Timer measures a duration and records it into a histogram in seconds.
type Timer struct {
	hist  *Histogram
	start time.Time
}

// NewTimer starts a timer against the given histogram.
func NewTimer(hist *Histogram) *Timer {
	return &Timer{hist: hist, start: time.Now()}
}

// ObserveDuration records the elapsed time since the timer started and
// returns it. Safe to call with a nil histogram.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.hist != nil {
		t.hist.Observe(d.Seconds())
	}
	return d
}
