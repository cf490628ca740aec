package stats

import "sync"

// SequenceDetector tracks the last matched prefix across all identities.
// A run of admissions to the same prefix, from any user, grows the
// sequential-call count; it detects a trunk hammering one destination.
type SequenceDetector struct {
	mu   sync.Mutex
	last []byte
	set  bool
}

// NewSequenceDetector returns a detector with no prefix seen yet.
func NewSequenceDetector() *SequenceDetector {
	return &SequenceDetector{}
}

// Observe reports whether prefix equals the previously observed one and
// records prefix as the new last prefix.
func (d *SequenceDetector) Observe(prefix string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.set && string(d.last) == prefix {
		return true
	}
	d.last = append(d.last[:0], prefix...)
	d.set = true
	return false
}

// Last returns the last observed prefix.
func (d *SequenceDetector) Last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.last)
}
