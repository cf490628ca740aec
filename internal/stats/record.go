package stats

import (
	"sync"
	"time"
)

// Record holds the counters of one identity. All fields are guarded by mu.
type Record struct {
	mu sync.Mutex

	lastRule int64
	lastTime int64 // unix seconds, 0 before the first admission

	window []uint32 // per-second counts, indexed by second mod len(window)
	rate   uint32   // sum of window

	total      uint32
	concurrent uint32
	seq        uint32

	// generation changes whenever the counters are reset, so a late
	// Release for a call admitted before the reset is ignored.
	generation uint64
}

// Snapshot is a copy of a record's counters.
type Snapshot struct {
	RuleID          int64  `json:"ruleId"`
	LastMatchedTime int64  `json:"lastMatchedTime"`
	CallsPerWindow  uint32 `json:"callsPerWindow"`
	TotalCalls      uint32 `json:"totalCalls"`
	ConcurrentCalls uint32 `json:"concurrentCalls"`
	SequentialCalls uint32 `json:"sequentialCalls"`
	Generation      uint64 `json:"generation"`
}

func newRecord(window int) *Record {
	return &Record{window: make([]uint32, window)}
}

// Admit accounts one call matched by ruleID at now and returns the counters
// after the update. prefix is checked against seq while the record lock is held.
func (r *Record) Admit(now int64, ruleID int64, prefix string, seq *SequenceDetector) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastTime == 0 || r.lastRule != ruleID || !sameDay(r.lastTime, now) {
		r.reset()
	}

	if seq.Observe(prefix) {
		r.seq++
	} else {
		r.seq = 1
	}

	r.lastRule = ruleID
	r.total++
	r.slide(now)
	r.concurrent++

	return r.snapshotLocked()
}

// Release ends one concurrent call admitted under generation gen.
// It is a no-op if the counters were reset since.
func (r *Record) Release(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen || r.concurrent == 0 {
		return false
	}
	r.concurrent--
	return true
}

// Snapshot returns a copy of the current counters.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Snapshot {
	return Snapshot{
		RuleID:          r.lastRule,
		LastMatchedTime: r.lastTime,
		CallsPerWindow:  r.rate,
		TotalCalls:      r.total,
		ConcurrentCalls: r.concurrent,
		SequentialCalls: r.seq,
		Generation:      r.generation,
	}
}

func (r *Record) reset() {
	clear(r.window)
	r.rate = 0
	r.total = 0
	r.concurrent = 0
	r.generation++
}

// slide moves the window to now and counts one call in the current second.
func (r *Record) slide(now int64) {
	w := int64(len(r.window))

	if r.lastTime == 0 || now-r.lastTime >= w {
		clear(r.window)
		r.window[now%w] = 1
		r.rate = 1
		r.lastTime = now
		return
	}

	// A clock step backwards counts into the last second seen.
	if now < r.lastTime {
		now = r.lastTime
	}

	for t := r.lastTime + 1; t <= now; t++ {
		i := t % w
		r.rate -= r.window[i]
		r.window[i] = 0
	}
	r.window[now%w]++
	r.rate++
	r.lastTime = now
}

func sameDay(a, b int64) bool {
	ta := time.Unix(a, 0).UTC()
	tb := time.Unix(b, 0).UTC()
	return ta.Year() == tb.Year() && ta.YearDay() == tb.YearDay()
}
