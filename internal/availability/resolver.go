// Package availability turns a stored appointment schedule into the dates and periods a
// conversation may offer for booking.
//
// Everything here is a pure function of its inputs. Callers supply the clock.
package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

// DefaultWindowDays is used when a step does not bound its date range.
const DefaultWindowDays = 30

// Resolve returns the offerable days between now+StartDays (inclusive) and
// now+min(EndDays, MaxAdvanceBookingDays) (exclusive), in date order. Days with no
// enabled, requested period are omitted.
//
// MinAdvanceBookingHours is not applied: a period later today is offered even when it
// starts within the minimum lead time.
func Resolve(schedule models.AvailabilitySchedule, cfg models.AvailabilityConfig, now time.Time) []models.OfferableSlot {
	loc := schedule.Location()
	today := startOfDay(now.In(loc))

	first, last := window(schedule, cfg)
	var out []models.OfferableSlot
	for i := first; i < last; i++ {
		day := today.AddDate(0, 0, i)
		if slot, ok := resolveDay(schedule, cfg, day); ok {
			out = append(out, slot)
		}
	}
	return out
}

// ResolveDay returns the offerable periods of one already chosen date. The date's
// calendar day is read in the schedule's time zone.
func ResolveDay(schedule models.AvailabilitySchedule, cfg models.AvailabilityConfig, date time.Time) (models.OfferableSlot, bool) {
	return resolveDay(schedule, cfg, startOfDay(date.In(schedule.Location())))
}

// ResolveDate parses a "YYYY-MM-DD" date in the schedule's zone and resolves it.
func ResolveDate(schedule models.AvailabilitySchedule, cfg models.AvailabilityConfig, date string) (models.OfferableSlot, bool) {
	d, err := time.ParseInLocation(models.DateLayout, normalizeDate(date), schedule.Location())
	if err != nil {
		return models.OfferableSlot{}, false
	}
	return resolveDay(schedule, cfg, d)
}

func window(schedule models.AvailabilitySchedule, cfg models.AvailabilityConfig) (int, int) {
	first := cfg.DateRange.StartDays
	if first < 0 {
		first = 0
	}
	last := cfg.DateRange.EndDays
	if last <= 0 {
		last = DefaultWindowDays
	}
	if schedule.MaxAdvanceBookingDays > 0 && schedule.MaxAdvanceBookingDays < last {
		last = schedule.MaxAdvanceBookingDays
	}
	return first, last
}

// periodSource yields the slot configured for a period on one day.
type periodSource func(models.Period) models.TimeSlot

func resolveDay(schedule models.AvailabilitySchedule, cfg models.AvailabilityConfig, day time.Time) (models.OfferableSlot, bool) {
	var source periodSource
	if special, ok := findSpecialDate(schedule.SpecialDates, day); ok {
		if !special.IsAvailable {
			return models.OfferableSlot{}, false
		}
		source = special.Slot
	} else {
		weekly, ok := schedule.WeeklySchedule.For(day.Weekday())
		if !ok || !weekly.IsAvailable {
			return models.OfferableSlot{}, false
		}
		source = weekly.Slot
	}

	slot := models.OfferableSlot{
		Date:      day.Format(models.DateLayout),
		DateLabel: FormatDate(day),
	}
	for _, p := range models.Periods {
		ts := source(p)
		if !ts.Enabled || !cfg.Shows(p) {
			continue
		}
		start, err := ParseClock(ts.StartTime)
		if err != nil {
			continue
		}
		slot.Periods = append(slot.Periods, models.OfferablePeriod{
			Period: p,
			Start:  ts.StartTime,
			End:    ts.EndTime,
			Label:  PeriodLabel(start),
		})
	}
	if len(slot.Periods) == 0 {
		return models.OfferableSlot{}, false
	}
	return slot, true
}

func findSpecialDate(dates []models.SpecialDate, day time.Time) (models.SpecialDate, bool) {
	key := day.Format(models.DateLayout)
	for _, sd := range dates {
		if normalizeDate(sd.Date) == key {
			return sd, true
		}
	}
	return models.SpecialDate{}, false
}

// normalizeDate accepts "2025-11-03" as well as an ISO timestamp and keeps the calendar day.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > len(models.DateLayout) {
		return s[:len(models.DateLayout)]
	}
	return s
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

// FormatClock renders minutes after midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Format12h renders minutes after midnight as "9:00 AM".
func Format12h(minutes int) string {
	hour, minute := minutes/60, minutes%60
	suffix := "AM"
	if hour >= 12 {
		suffix = "PM"
	}
	display := hour % 12
	if display == 0 {
		display = 12
	}
	return fmt.Sprintf("%d:%02d %s", display, minute, suffix)
}

// PeriodLabel renders a start time with its part-of-day marker: before noon,
// afternoon until 17:00, evening after.
func PeriodLabel(startMinutes int) string {
	marker := "🕔"
	switch hour := startMinutes / 60; {
	case hour < 12:
		marker = "🕘"
	case hour < 17:
		marker = "🕑"
	}
	return marker + " " + Format12h(startMinutes)
}

// FormatDate renders "Monday, 3 November 2025".
func FormatDate(day time.Time) string {
	return day.Format("Monday, 2 January 2006")
}

// FormatDateShort renders "Mon, 3 Nov 2025", which fits a list row title.
func FormatDateShort(day time.Time) string {
	return day.Format("Mon, 2 Jan 2006")
}

// Subdivide slices a period into bookable start times of slotMinutes separated by
// bufferMinutes. A start is offered only when the whole slot fits in the period.
func Subdivide(period models.OfferablePeriod, slotMinutes, bufferMinutes int) []string {
	start, err := ParseClock(period.Start)
	if err != nil {
		return nil
	}
	end, err := ParseClock(period.End)
	if err != nil || end <= start {
		return []string{period.Start}
	}
	if slotMinutes <= 0 {
		return []string{period.Start}
	}
	if bufferMinutes < 0 {
		bufferMinutes = 0
	}
	var starts []string
	for t := start; t+slotMinutes <= end; t += slotMinutes + bufferMinutes {
		starts = append(starts, FormatClock(t))
	}
	return starts
}
