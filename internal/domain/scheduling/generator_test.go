package scheduling

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// 2026-01-05 is a Monday.
var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func mustTimeOfDay(t *testing.T, s string) TimeOfDay {
	t.Helper()
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tod
}

func collect(g *Grid) []Candidate {
	var out []Candidate
	for c := range g.All() {
		out = append(out, c)
	}
	return out
}

func TestGrid_SingleWeekdayTwoSlots(t *testing.T) {
	g, err := NewGrid(GridSpec{
		ProviderID:      uuid.New(),
		DurationMinutes: 30,
		Dates:           DateRange{Start: monday, End: monday},
		Window:          DailyWindow{Start: mustTimeOfDay(t, "08:00"), End: mustTimeOfDay(t, "09:00")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := collect(g)
	if len(got) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(got))
	}
	want := []time.Time{monday.Add(8 * time.Hour), monday.Add(8*time.Hour + 30*time.Minute)}
	for i, c := range got {
		if !c.Start.Equal(want[i]) {
			t.Errorf("slot %d: expected start %v, got %v", i, want[i], c.Start)
		}
		if !c.End.Equal(want[i].Add(30 * time.Minute)) {
			t.Errorf("slot %d: expected end %v, got %v", i, want[i].Add(30*time.Minute), c.End)
		}
	}
}

func TestGrid_Properties(t *testing.T) {
	providerID := uuid.New()
	g, err := NewGrid(GridSpec{
		ProviderID:      providerID,
		DurationMinutes: 50,
		Dates:           DateRange{Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)},
		Window:          DailyWindow{Start: mustTimeOfDay(t, "08:00"), End: mustTimeOfDay(t, "17:00")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := collect(g)
	// 22 weekdays in January 2026, 10 whole 50 minute visits in 9 hours
	if len(got) != 22*10 {
		t.Fatalf("expected %d slots, got %d", 22*10, len(got))
	}
	for i, c := range got {
		if c.ProviderID != providerID {
			t.Fatalf("slot %d: wrong provider", i)
		}
		if d := c.End.Sub(c.Start); d != 50*time.Minute {
			t.Errorf("slot %d: expected 50m, got %v", i, d)
		}
		if wd := c.Start.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("slot %d falls on %s", i, wd)
		}
		if c.End.Hour() > 17 || (c.End.Hour() == 17 && c.End.Minute() > 0) {
			t.Errorf("slot %d overruns the window: ends %v", i, c.End)
		}
		if i > 0 {
			prev := got[i-1]
			if !prev.Start.Before(c.Start) {
				t.Errorf("slot %d not strictly after slot %d", i, i-1)
			}
			if c.Start.Before(prev.End) {
				t.Errorf("slot %d overlaps slot %d", i, i-1)
			}
		}
	}
	last := got[len(got)-1]
	if last.End.Hour() != 16 || last.End.Minute() != 20 {
		t.Errorf("expected last slot to end at 16:20, got %v", last.End)
	}
}

func TestGrid_SkipsWeekends(t *testing.T) {
	g, err := NewGrid(GridSpec{
		DurationMinutes: 30,
		Dates:           DateRange{Start: monday, End: monday.AddDate(0, 0, 6)},
		Window:          DailyWindow{Start: mustTimeOfDay(t, "08:00"), End: mustTimeOfDay(t, "09:00")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(collect(g)); got != 10 {
		t.Errorf("expected 10 slots across five weekdays, got %d", got)
	}
}

func TestGrid_InvalidDuration(t *testing.T) {
	for _, d := range []int{0, -15} {
		_, err := NewGrid(GridSpec{DurationMinutes: d, Dates: DateRange{Start: monday, End: monday}})
		if !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("duration %d: expected ErrInvalidDuration, got %v", d, err)
		}
	}
}

func TestGrid_EmptyCases(t *testing.T) {
	tests := []struct {
		name   string
		dates  DateRange
		window DailyWindow
	}{
		{"window end before start", DateRange{Start: monday, End: monday}, DailyWindow{Start: 9 * 60, End: 8 * 60}},
		{"window end equals start", DateRange{Start: monday, End: monday}, DailyWindow{Start: 9 * 60, End: 9 * 60}},
		{"window shorter than a visit", DateRange{Start: monday, End: monday}, DailyWindow{Start: 9 * 60, End: 9*60 + 20}},
		{"range reversed", DateRange{Start: monday.AddDate(0, 0, 1), End: monday}, DailyWindow{Start: 8 * 60, End: 12 * 60}},
		{"weekend only", DateRange{Start: monday.AddDate(0, 0, 5), End: monday.AddDate(0, 0, 6)}, DailyWindow{Start: 8 * 60, End: 12 * 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGrid(GridSpec{DurationMinutes: 30, Dates: tt.dates, Window: tt.window})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(collect(g)); got != 0 {
				t.Errorf("expected no slots, got %d", got)
			}
		})
	}
}

func TestGrid_Restartable(t *testing.T) {
	g, err := NewGrid(GridSpec{
		DurationMinutes: 15,
		Dates:           DateRange{Start: monday, End: monday.AddDate(0, 0, 2)},
		Window:          DailyWindow{Start: 8 * 60, End: 10 * 60},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, second := collect(g), collect(g)
	if len(first) != 24 || len(second) != 24 {
		t.Fatalf("expected 24 slots on both passes, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("pass mismatch at %d", i)
		}
	}

	n := 0
	for range g.All() {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("expected early stop after 3, got %d", n)
	}
}

func TestGrid_NormalisesToUTCDays(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	// 22:00 on Sunday in UTC-5 is already Monday in UTC
	start := time.Date(2026, 1, 4, 22, 0, 0, 0, loc)
	g, err := NewGrid(GridSpec{
		DurationMinutes: 60,
		Dates:           DateRange{Start: start, End: start},
		Window:          DailyWindow{Start: 8 * 60, End: 10 * 60},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := collect(g)
	if len(got) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(got))
	}
	if !got[0].Start.Equal(monday.Add(8 * time.Hour)) {
		t.Errorf("expected first slot Monday 08:00 UTC, got %v", got[0].Start)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"08:00", 480, false},
		{"8:30", 510, false},
		{"00:00", 0, false},
		{"24:00", 1440, false},
		{"24:01", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRange) {
					t.Errorf("expected ErrInvalidRange, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
	if s := TimeOfDay(510).String(); s != "08:30" {
		t.Errorf("expected 08:30, got %s", s)
	}
}
