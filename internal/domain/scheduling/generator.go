package scheduling

import (
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeOfDay is an offset from UTC midnight with minute precision.
type TimeOfDay int

// ParseTimeOfDay accepts "HH:MM" between 00:00 and 24:00.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: time of day %q is not HH:MM", ErrInvalidRange, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%w: hour %q", ErrInvalidRange, hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("%w: minute %q", ErrInvalidRange, mm)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: time of day %q out of range", ErrInvalidRange, s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) Offset() time.Duration { return time.Duration(t) * time.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60) }

// DailyWindow is the part of each day a provider sees clients.
type DailyWindow struct {
	Start TimeOfDay
	End   TimeOfDay
}

// DateRange is an inclusive span of UTC calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

type GridSpec struct {
	ProviderID      uuid.UUID
	DurationMinutes int
	Dates           DateRange
	Window          DailyWindow
}

// Candidate is a slot the grid proposes; it has no identity until stored.
type Candidate struct {
	ProviderID uuid.UUID
	Start      time.Time
	End        time.Time
}

// Grid produces a provider's candidate slots for a date range.
type Grid struct {
	spec     GridSpec
	duration time.Duration
}

func NewGrid(spec GridSpec) (*Grid, error) {
	if spec.DurationMinutes <= 0 {
		return nil, ErrInvalidDuration
	}
	return &Grid{spec: spec, duration: time.Duration(spec.DurationMinutes) * time.Minute}, nil
}

// All yields candidates ordered by start. Weekends are skipped and a slot
// that would run past the window end is dropped. The sequence can be ranged
// over any number of times.
func (g *Grid) All() iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		first, last := utcDay(g.spec.Dates.Start), utcDay(g.spec.Dates.End)
		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			closing := day.Add(g.spec.Window.End.Offset())
			for cursor := day.Add(g.spec.Window.Start.Offset()); !cursor.Add(g.duration).After(closing); cursor = cursor.Add(g.duration) {
				c := Candidate{ProviderID: g.spec.ProviderID, Start: cursor, End: cursor.Add(g.duration)}
				if !yield(c) {
					return
				}
			}
		}
	}
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
