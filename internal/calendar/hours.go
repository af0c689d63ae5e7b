package calendar

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
	"github.com/visioncare/eyecare-scheduling/internal/config"
)

const DateLayout = "2006-01-02"

var ErrInvalidDateRange = errors.New("date is outside the bookable range")

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (a Interval) Overlaps(b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// clock is minutes since local midnight.
type clock int

func parseClock(raw string) (clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q must be HH:MM", raw)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("clock %q has invalid hour", raw)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || len(m) != 2 {
		return 0, fmt.Errorf("clock %q has invalid minute", raw)
	}
	c := clock(hh*60 + mm)
	if c > 24*60 {
		return 0, fmt.Errorf("clock %q is past midnight", raw)
	}
	return c, nil
}

func (c clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

type clockRange struct {
	from, to clock
}

// BusinessHours describes when the practice takes appointments. It is
// immutable after construction and safe for concurrent use.
type BusinessHours struct {
	loc         *time.Location
	open        clock
	close       clock
	slot        time.Duration
	breaks      []clockRange
	closed      map[time.Weekday]bool
	holidays    map[string]bool
	horizonDays int
}

func NewBusinessHours(cfg config.ScheduleConfig) (*BusinessHours, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	open, err := parseClock(cfg.OpenTime)
	if err != nil {
		return nil, fmt.Errorf("open time: %w", err)
	}
	closeAt, err := parseClock(cfg.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("close time: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("close time %s must be after open time %s", closeAt, open)
	}
	if cfg.SlotMinutes <= 0 {
		return nil, fmt.Errorf("slot minutes must be positive, got %d", cfg.SlotMinutes)
	}
	if cfg.HorizonDays < 0 {
		return nil, fmt.Errorf("booking horizon must not be negative, got %d", cfg.HorizonDays)
	}

	h := &BusinessHours{
		loc:         loc,
		open:        open,
		close:       closeAt,
		slot:        time.Duration(cfg.SlotMinutes) * time.Minute,
		closed:      make(map[time.Weekday]bool, len(cfg.ClosedWeekdays)),
		holidays:    make(map[string]bool, len(cfg.Holidays)),
		horizonDays: cfg.HorizonDays,
	}

	for _, raw := range cfg.Breaks {
		from, to, ok := strings.Cut(raw, "-")
		if !ok {
			return nil, fmt.Errorf("break %q must be HH:MM-HH:MM", raw)
		}
		f, err := parseClock(from)
		if err != nil {
			return nil, fmt.Errorf("break %q: %w", raw, err)
		}
		t, err := parseClock(to)
		if err != nil {
			return nil, fmt.Errorf("break %q: %w", raw, err)
		}
		if t <= f {
			return nil, fmt.Errorf("break %q ends before it starts", raw)
		}
		h.breaks = append(h.breaks, clockRange{from: f, to: t})
	}

	for _, d := range cfg.ClosedWeekdays {
		h.closed[d] = true
	}
	for _, raw := range cfg.Holidays {
		d, err := time.ParseInLocation(DateLayout, raw, loc)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", raw, err)
		}
		h.holidays[d.Format(DateLayout)] = true
	}

	return h, nil
}

func (h *BusinessHours) Location() *time.Location { return h.loc }

func (h *BusinessHours) SlotDuration() time.Duration { return h.slot }

// Day truncates t to local midnight in the practice's time zone.
func (h *BusinessHours) Day(t time.Time) time.Time {
	y, m, d := t.In(h.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, h.loc)
}

// ParseDate parses a YYYY-MM-DD calendar date in the practice's time zone.
func (h *BusinessHours) ParseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), h.loc)
	if err != nil {
		return time.Time{}, apperr.Validationf("date %q must be YYYY-MM-DD", raw)
	}
	return d, nil
}

// CheckBookable rejects dates before today or beyond the booking horizon.
func (h *BusinessHours) CheckBookable(date, now time.Time) error {
	day := h.Day(date)
	today := h.Day(now)
	if day.Before(today) {
		return fmt.Errorf("%w: %s is in the past", ErrInvalidDateRange, day.Format(DateLayout))
	}
	last := today.AddDate(0, 0, h.horizonDays)
	if day.After(last) {
		return fmt.Errorf("%w: %s is beyond %s", ErrInvalidDateRange, day.Format(DateLayout), last.Format(DateLayout))
	}
	return nil
}

// IsOpen reports whether the practice takes bookings on date at all.
func (h *BusinessHours) IsOpen(date time.Time) bool {
	day := h.Day(date)
	if h.closed[day.Weekday()] {
		return false
	}
	return !h.holidays[day.Format(DateLayout)]
}

// Candidates returns every slot the hours allow on date, ordered by start.
func (h *BusinessHours) Candidates(date time.Time) []Interval {
	if !h.IsOpen(date) {
		return nil
	}
	y, m, d := h.Day(date).Date()
	step := clock(h.slot / time.Minute)

	var out []Interval
	for c := h.open; c+step <= h.close; c += step {
		if h.inBreak(c, c+step) {
			continue
		}
		start := time.Date(y, m, d, 0, int(c), 0, 0, h.loc)
		end := time.Date(y, m, d, 0, int(c+step), 0, 0, h.loc)
		out = append(out, Interval{Start: start, End: end})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (h *BusinessHours) inBreak(from, to clock) bool {
	for _, b := range h.breaks {
		if from < b.to && b.from < to {
			return true
		}
	}
	return false
}

// ResolveSlot maps a "HH:MM" start on date to its grid interval. Starts that
// are not on the grid (closed day, break, misaligned) are validation errors.
func (h *BusinessHours) ResolveSlot(date time.Time, start string) (Interval, error) {
	c, err := parseClock(start)
	if err != nil {
		return Interval{}, apperr.Validationf("slot %q must be HH:MM", start)
	}
	y, m, d := h.Day(date).Date()
	want := time.Date(y, m, d, 0, int(c), 0, 0, h.loc)
	for _, iv := range h.Candidates(date) {
		if iv.Start.Equal(want) {
			return iv, nil
		}
	}
	return Interval{}, apperr.Validationf("slot %s is not bookable on %s", c, h.Day(date).Format(DateLayout))
}
