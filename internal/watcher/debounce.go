package watcher

import "time"

// debouncer coalesces events per path. schedule and pop are called from the
// monitor goroutine only; timers hand expired paths back through flush.
type debouncer struct {
	duration time.Duration
	flush    func(string)
	entries  map[string]*time.Timer
}

func newDebouncer(duration time.Duration, flush func(string)) *debouncer {
	return &debouncer{
		duration: duration,
		flush:    flush,
		entries:  make(map[string]*time.Timer),
	}
}

// schedule arms or re-arms the timer for path and reports whether an
// earlier pending event was coalesced.
func (d *debouncer) schedule(path string) bool {
	if timer, ok := d.entries[path]; ok {
		timer.Reset(d.duration)
		return true
	}
	d.entries[path] = time.AfterFunc(d.duration, func() {
		d.flush(path)
	})
	return false
}

// pop clears the pending entry for path. A timer that fired after its entry
// was already delivered finds nothing and is ignored.
func (d *debouncer) pop(path string) bool {
	timer, ok := d.entries[path]
	if !ok {
		return false
	}
	timer.Stop()
	delete(d.entries, path)
	return true
}

func (d *debouncer) stop() {
	for _, timer := range d.entries {
		timer.Stop()
	}
	d.entries = make(map[string]*time.Timer)
}
