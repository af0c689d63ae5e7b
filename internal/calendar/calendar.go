package calendar

import (
	"context"
	"fmt"
	"time"
)

// Slot is a derived, never-persisted view of one grid interval.
type Slot struct {
	Start     time.Time
	End       time.Time
	Available bool
}

// BookingSource returns the intervals held by non-cancelled appointments on
// a date. It must read current ledger state; results are never cached here.
type BookingSource interface {
	BookedIntervals(ctx context.Context, date time.Time) ([]Interval, error)
}

type Calendar struct {
	hours  *BusinessHours
	source BookingSource
	now    func() time.Time
}

func New(hours *BusinessHours, source BookingSource) *Calendar {
	return &Calendar{hours: hours, source: source, now: time.Now}
}

// WithClock overrides the time source.
func (c *Calendar) WithClock(now func() time.Time) *Calendar {
	c.now = now
	return c
}

func (c *Calendar) Hours() *BusinessHours { return c.hours }

// AvailableSlots lists every grid slot on date with its availability. A slot
// is unavailable when a non-cancelled appointment overlaps it or when it has
// already started.
func (c *Calendar) AvailableSlots(ctx context.Context, date time.Time) ([]Slot, error) {
	now := c.now()
	if err := c.hours.CheckBookable(date, now); err != nil {
		return nil, err
	}

	candidates := c.hours.Candidates(date)
	if len(candidates) == 0 {
		return []Slot{}, nil
	}

	booked, err := c.source.BookedIntervals(ctx, c.hours.Day(date))
	if err != nil {
		return nil, fmt.Errorf("load booked intervals: %w", err)
	}

	out := make([]Slot, 0, len(candidates))
	for _, iv := range candidates {
		available := iv.Start.After(now)
		if available {
			for _, b := range booked {
				if iv.Overlaps(b) {
					available = false
					break
				}
			}
		}
		out = append(out, Slot{Start: iv.Start, End: iv.End, Available: available})
	}
	return out, nil
}
