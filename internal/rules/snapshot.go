package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rule is a compiled rule inside a snapshot.
type Rule struct {
	domain.Rule
	schedule  schedule
	condition cel.Program
}

// profileTable holds the rules of one profile, grouped by prefix.
type profileTable struct {
	byPrefix  map[string][]*Rule // sorted by rule id
	maxPrefix int
}

// Snapshot is an immutable rule table. It is safe for concurrent readers.
type Snapshot struct {
	profiles map[int]*profileTable
	rules    []*Rule
}

// Build compiles rules into a new snapshot. Disabled rules are skipped.
// Any invalid rule fails the whole build.
func (c *Compiler) Build(list []*domain.Rule) (*Snapshot, error) {
	snap := &Snapshot{profiles: make(map[int]*profileTable)}
	seen := make(map[int64]struct{}, len(list))

	for _, r := range list {
		if r == nil {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %d", r.ID)
		}
		seen[r.ID] = struct{}{}

		if !r.Enabled {
			continue
		}

		compiled, err := c.compile(r)
		if err != nil {
			return nil, err
		}

		pt, ok := snap.profiles[r.ProfileID]
		if !ok {
			pt = &profileTable{byPrefix: make(map[string][]*Rule)}
			snap.profiles[r.ProfileID] = pt
		}
		pt.byPrefix[r.Prefix] = append(pt.byPrefix[r.Prefix], compiled)
		if len(r.Prefix) > pt.maxPrefix {
			pt.maxPrefix = len(r.Prefix)
		}
		snap.rules = append(snap.rules, compiled)
	}

	for _, pt := range snap.profiles {
		for _, rs := range pt.byPrefix {
			sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
		}
	}
	sort.Slice(snap.rules, func(i, j int) bool { return snap.rules[i].ID < snap.rules[j].ID })

	return snap, nil
}

// Match finds the rule for a dialed number: the longest prefix of number that
// has an applicable rule in the profile, and among those the lowest rule id
// whose schedule and condition pass at time at. It returns the matched prefix length.
func (s *Snapshot) Match(profile int, number string, at time.Time, user string) (*Rule, int, bool) {
	if s == nil {
		return nil, 0, false
	}
	pt, ok := s.profiles[profile]
	if !ok {
		return nil, 0, false
	}

	var activation map[string]any

	l := min(pt.maxPrefix, len(number))
	for ; l >= 0; l-- {
		candidates := pt.byPrefix[number[:l]]
		for _, r := range candidates {
			if !r.schedule.active(at) {
				continue
			}
			if r.condition != nil {
				if activation == nil {
					u := at.UTC()
					activation = map[string]any{
						"user":    user,
						"number":  number,
						"profile": int64(profile),
						"hour":    int64(u.Hour()),
						"weekday": int64(u.Weekday()),
					}
				}
				out, _, err := r.condition.Eval(activation)
				if err != nil || out != types.True {
					continue
				}
			}
			return r, l, true
		}
	}
	return nil, 0, false
}

// Len returns the number of enabled rules.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the rules in id order.
func (s *Snapshot) Rules() []domain.Rule {
	if s == nil {
		return nil
	}
	out := make([]domain.Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}
