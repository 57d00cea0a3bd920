package availability

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
	"gopkg.in/yaml.v3"
)

var weekdays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// DecodeSchedule parses a schedule written as YAML or JSON.
func DecodeSchedule(data []byte) (models.AvailabilitySchedule, error) {
	var s models.AvailabilitySchedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to decode schedule: %w", err)
	}
	return s, nil
}

// ValidateSchedule checks that a schedule can be resolved: known weekdays, HH:MM times with
// start before end, parseable special dates and a loadable time zone.
func ValidateSchedule(s models.AvailabilitySchedule) error {
	var errs []error
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", s.Timezone, err))
		}
	}
	for name, day := range s.WeeklySchedule {
		if !weekdays[strings.ToLower(name)] {
			errs = append(errs, fmt.Errorf("weeklySchedule: unknown weekday %q", name))
			continue
		}
		for _, p := range models.Periods {
			if err := validateSlot(day.Slot(p)); err != nil {
				errs = append(errs, fmt.Errorf("weeklySchedule.%s.%s: %w", name, p, err))
			}
		}
	}
	seen := make(map[string]bool)
	for i, sd := range s.SpecialDates {
		key := normalizeDate(sd.Date)
		if _, err := time.Parse(models.DateLayout, key); err != nil {
			errs = append(errs, fmt.Errorf("specialDates[%d]: invalid date %q", i, sd.Date))
			continue
		}
		if seen[key] {
			errs = append(errs, fmt.Errorf("specialDates[%d]: duplicate date %s", i, key))
		}
		seen[key] = true
		switch sd.Type {
		case "", models.SpecialDateHoliday, models.SpecialDateCustom:
		default:
			errs = append(errs, fmt.Errorf("specialDates[%d]: unknown type %q", i, sd.Type))
		}
		for _, p := range models.Periods {
			if err := validateSlot(sd.Slot(p)); err != nil {
				errs = append(errs, fmt.Errorf("specialDates[%d].%s: %w", i, p, err))
			}
		}
	}
	if s.SlotDurationMinutes < 0 || s.BufferMinutes < 0 || s.MaxAdvanceBookingDays < 0 || s.MinAdvanceBookingHours < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

func validateSlot(ts models.TimeSlot) error {
	if !ts.Enabled {
		return nil
	}
	start, err := ParseClock(ts.StartTime)
	if err != nil {
		return err
	}
	end, err := ParseClock(ts.EndTime)
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("end %s is not after start %s", ts.EndTime, ts.StartTime)
	}
	return nil
}
