package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// monday is 2026-03-02 10:30 UTC.
var monday = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}
	return c
}

func rule(id int64, profile int, prefix string) *domain.Rule {
	return &domain.Rule{
		ID:        id,
		ProfileID: profile,
		Prefix:    prefix,
		Enabled:   true,
		Thresholds: domain.Thresholds{
			CallsPerWindow:  domain.Threshold{Warning: 10, Critical: 20},
			CallDuration:    domain.Threshold{Warning: 600, Critical: 3600},
			TotalCalls:      domain.Threshold{Warning: 100, Critical: 200},
			ConcurrentCalls: domain.Threshold{Warning: 5, Critical: 10},
			SequentialCalls: domain.Threshold{Warning: 20, Critical: 50},
		},
	}
}

func TestMatchLongestPrefix(t *testing.T) {
	c := newCompiler(t)
	snap, err := c.Build([]*domain.Rule{
		rule(1, 1, ""),
		rule(2, 1, "44"),
		rule(3, 1, "4420"),
		rule(4, 2, "44"),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	tests := []struct {
		name    string
		profile int
		number  string
		wantID  int64
		wantLen int
		wantOK  bool
	}{
		{"Longest", 1, "442079460000", 3, 4, true},
		{"Shorter", 1, "441612000000", 2, 2, true},
		{"CatchAll", 1, "33123456", 1, 0, true},
		{"OtherProfile", 2, "442079460000", 4, 2, true},
		{"OtherProfileNoMatch", 2, "33123456", 0, 0, false},
		{"UnknownProfile", 9, "44", 0, 0, false},
		{"NumberShorterThanPrefix", 1, "442", 2, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, l, ok := snap.Match(tt.profile, tt.number, monday, "alice")
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if !ok {
				return
			}
			if r.ID != tt.wantID {
				t.Errorf("expected rule %d, got %d", tt.wantID, r.ID)
			}
			if l != tt.wantLen {
				t.Errorf("expected prefix length %d, got %d", tt.wantLen, l)
			}
		})
	}
}

func TestMatchSchedule(t *testing.T) {
	c := newCompiler(t)

	office := rule(1, 1, "44")
	office.StartHour = "09:00"
	office.EndHour = "18:00"
	office.Days = "mon-fri"

	night := rule(2, 1, "44")
	night.StartHour = "18:00"
	night.EndHour = "09:00"

	weekend := rule(3, 1, "44")
	weekend.Days = "sat,sun"

	snap, err := c.Build([]*domain.Rule{office, night, weekend})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	tests := []struct {
		name   string
		at     time.Time
		wantID int64
	}{
		{"WeekdayOfficeHours", monday, 1},
		{"WeekdayEvening", time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC), 2},
		{"WeekdayEarlyMorning", time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), 2},
		{"SaturdayNoon", time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC), 3},
		{"EndIsExclusive", time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, ok := snap.Match(1, "4420", tt.at, "alice")
			if !ok {
				t.Fatal("expected a match")
			}
			if r.ID != tt.wantID {
				t.Errorf("expected rule %d, got %d", tt.wantID, r.ID)
			}
		})
	}
}

func TestMatchFallsBackToShorterPrefix(t *testing.T) {
	c := newCompiler(t)

	specific := rule(1, 1, "4420")
	specific.Days = "sat"

	snap, err := c.Build([]*domain.Rule{specific, rule(2, 1, "44")})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	r, l, ok := snap.Match(1, "442079", monday, "alice")
	if !ok || r.ID != 2 || l != 2 {
		t.Errorf("expected rule 2 on prefix length 2, got %v %d %v", r, l, ok)
	}
}

func TestMatchCondition(t *testing.T) {
	c := newCompiler(t)

	vip := rule(1, 1, "44")
	vip.Condition = `user.startsWith("vip-")`

	snap, err := c.Build([]*domain.Rule{vip, rule(2, 1, "44")})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	r, _, _ := snap.Match(1, "4420", monday, "vip-alice")
	if r.ID != 1 {
		t.Errorf("expected rule 1 for vip user, got %d", r.ID)
	}
	r, _, _ = snap.Match(1, "4420", monday, "bob")
	if r.ID != 2 {
		t.Errorf("expected rule 2 for regular user, got %d", r.ID)
	}
}

func TestMatchConditionVariables(t *testing.T) {
	c := newCompiler(t)

	r := rule(1, 7, "")
	r.Condition = `profile == 7 && hour == 10 && weekday == 1 && number.startsWith("00")`

	snap, err := c.Build([]*domain.Rule{r})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, _, ok := snap.Match(7, "0044", monday, "alice"); !ok {
		t.Error("expected condition to hold")
	}
	if _, _, ok := snap.Match(7, "44", monday, "alice"); ok {
		t.Error("expected condition to fail")
	}
}

func TestBuildRejectsInvalidRules(t *testing.T) {
	c := newCompiler(t)

	tests := []struct {
		name    string
		mutate  func(r *domain.Rule)
		wantErr string
	}{
		{"ZeroID", func(r *domain.Rule) { r.ID = 0 }, "positive"},
		{"NonDigitPrefix", func(r *domain.Rule) { r.Prefix = "44a" }, "digits"},
		{"WarningAboveCritical", func(r *domain.Rule) { r.Thresholds.TotalCalls.Warning = 500 }, "total_calls"},
		{"BadHour", func(r *domain.Rule) { r.StartHour = "25:00" }, "start hour"},
		{"BadDays", func(r *domain.Rule) { r.Days = "mon-funday" }, "days"},
		{"BadCondition", func(r *domain.Rule) { r.Condition = "this is not CEL !!!" }, "compile"},
		{"NonBoolCondition", func(r *domain.Rule) { r.Condition = "hour + 1" }, "bool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule(1, 1, "44")
			tt.mutate(r)

			_, err := c.Build([]*domain.Rule{r})
			if err == nil {
				t.Fatal("expected build error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if err := c.ValidateRule(r); err == nil {
				t.Error("expected ValidateRule to fail too")
			}
		})
	}

	t.Run("DuplicateID", func(t *testing.T) {
		_, err := c.Build([]*domain.Rule{rule(1, 1, "44"), rule(1, 1, "33")})
		if err == nil {
			t.Fatal("expected duplicate id error")
		}
	})
}

func TestBuildSkipsDisabled(t *testing.T) {
	c := newCompiler(t)

	off := rule(2, 1, "4420")
	off.Enabled = false
	off.Condition = "not even compiled !!!"

	snap, err := c.Build([]*domain.Rule{rule(1, 1, "44"), off})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if snap.Len() != 1 {
		t.Errorf("expected 1 rule, got %d", snap.Len())
	}
	r, _, _ := snap.Match(1, "442079", monday, "alice")
	if r.ID != 1 {
		t.Errorf("expected rule 1, got %d", r.ID)
	}
}

func TestNilSnapshot(t *testing.T) {
	var snap *Snapshot
	if _, _, ok := snap.Match(1, "44", monday, "alice"); ok {
		t.Error("nil snapshot must not match")
	}
	if snap.Len() != 0 || snap.Rules() != nil {
		t.Error("nil snapshot must be empty")
	}
}

func TestParseDays(t *testing.T) {
	tests := []struct {
		in   string
		want uint8
	}{
		{"", allDays},
		{"*", allDays},
		{"mon", 1 << time.Monday},
		{"sat,sun", 1<<time.Saturday | 1<<time.Sunday},
		{"fri-mon", 1<<time.Friday | 1<<time.Saturday | 1<<time.Sunday | 1<<time.Monday},
		{"Mon-Fri", 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday},
	}
	for _, tt := range tests {
		got, err := parseDays(tt.in)
		if err != nil {
			t.Fatalf("parseDays(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseDays(%q) = %07b, want %07b", tt.in, got, tt.want)
		}
	}
}
