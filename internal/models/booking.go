package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type BookingType string

const (
	BookingInstant  BookingType = "INSTANT"
	BookingFullDay  BookingType = "FULL_DAY"
	BookingRental   BookingType = "RENTAL"
	BookingDateWise BookingType = "DATE_WISE"
)

func (t BookingType) Valid() bool {
	switch t {
	case BookingInstant, BookingFullDay, BookingRental, BookingDateWise:
		return true
	}
	return false
}

// Scheduled reports whether the booking reserves the driver for a
// bounded window (FULL_DAY, RENTAL) instead of a single trip.
func (t BookingType) Scheduled() bool {
	return t == BookingFullDay || t == BookingRental
}

// BookingMeta holds the schedule of non-instant bookings. Which fields are
// set depends on the booking type.
type BookingMeta struct {
	StartTime *time.Time  `json:"start_time,omitempty" bson:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Days      int         `json:"days,omitempty" bson:"days,omitempty"`
	Dates     []time.Time `json:"dates,omitempty" bson:"dates,omitempty"`
}

var (
	ErrMissingSchedule = errors.New("booking schedule incomplete")
	ErrBadSchedule     = errors.New("booking schedule invalid")
)

// Normalize validates meta for the booking type and returns the canonical
// form stored on the ride (RENTAL gets a derived end time, DATE_WISE dates
// are truncated to days, sorted and deduplicated).
func (m BookingMeta) Normalize(t BookingType) (BookingMeta, error) {
	switch t {
	case BookingInstant, "":
		return BookingMeta{}, nil
	case BookingFullDay:
		if m.StartTime == nil || m.EndTime == nil {
			return m, fmt.Errorf("%w: FULL_DAY requires start_time and end_time", ErrMissingSchedule)
		}
		if !m.EndTime.After(*m.StartTime) {
			return m, fmt.Errorf("%w: end_time must be after start_time", ErrBadSchedule)
		}
		return BookingMeta{StartTime: m.StartTime, EndTime: m.EndTime}, nil
	case BookingRental:
		if m.Days <= 0 || m.StartTime == nil {
			return m, fmt.Errorf("%w: RENTAL requires days and start_time", ErrMissingSchedule)
		}
		end := m.StartTime.Add(time.Duration(m.Days) * 24 * time.Hour)
		return BookingMeta{StartTime: m.StartTime, EndTime: &end, Days: m.Days}, nil
	case BookingDateWise:
		if len(m.Dates) == 0 {
			return m, fmt.Errorf("%w: DATE_WISE requires dates", ErrMissingSchedule)
		}
		seen := make(map[time.Time]bool, len(m.Dates))
		dates := make([]time.Time, 0, len(m.Dates))
		for _, d := range m.Dates {
			day := truncateDay(d)
			if seen[day] {
				continue
			}
			seen[day] = true
			dates = append(dates, day)
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		return BookingMeta{Dates: dates}, nil
	}
	return m, fmt.Errorf("%w: unknown booking type %q", ErrBadSchedule, t)
}

// End is when the booking's window, or its last day, is over. INSTANT
// bookings have no scheduled end.
func (m BookingMeta) End(t BookingType) (time.Time, bool) {
	switch t {
	case BookingFullDay, BookingRental:
		if m.EndTime != nil {
			return *m.EndTime, true
		}
	case BookingDateWise:
		if n := len(m.Dates); n > 0 {
			return truncateDay(m.Dates[n-1]).Add(24 * time.Hour), true
		}
	}
	return time.Time{}, false
}

// DatesOverlap reports whether two DATE_WISE schedules share a day.
func DatesOverlap(a, b []time.Time) bool {
	days := make(map[time.Time]bool, len(a))
	for _, d := range a {
		days[truncateDay(d)] = true
	}
	for _, d := range b {
		if days[truncateDay(d)] {
			return true
		}
	}
	return false
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
