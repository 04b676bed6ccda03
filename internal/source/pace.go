package source

import "time"

// pacer releases timed lines for generated and replayed feeds, honoring the
// read timeout the same way a serial read would.
type pacer struct {
	now     func() time.Time
	sleep   func(time.Duration)
	timeout time.Duration
}

// wait blocks until due or until the read timeout elapses, whichever comes
// first, and reports whether due was reached.
func (p pacer) wait(due time.Time) bool {
	d := due.Sub(p.now())
	if d <= 0 {
		return true
	}
	if p.timeout <= 0 {
		return false
	}
	if d > p.timeout {
		p.sleep(p.timeout)
		return false
	}
	p.sleep(d)
	return true
}
