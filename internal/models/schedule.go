package models

import (
	"strings"
	"time"
)

// Period is a named part of the day.
type Period string

const (
	PeriodMorning   Period = "morning"
	PeriodAfternoon Period = "afternoon"
	PeriodEvening   Period = "evening"
)

// Periods lists the periods of a day in chronological order.
var Periods = []Period{PeriodMorning, PeriodAfternoon, PeriodEvening}

// SpecialDateType distinguishes holidays from custom working hours.
type SpecialDateType string

const (
	SpecialDateHoliday SpecialDateType = "holiday"
	SpecialDateCustom  SpecialDateType = "custom"
)

// DateLayout is the calendar-day format used for special dates and offered dates.
const DateLayout = "2006-01-02"

// TimeSlot is one period of a day in "HH:MM" local time.
type TimeSlot struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	StartTime string `json:"startTime" yaml:"startTime"`
	EndTime   string `json:"endTime" yaml:"endTime"`
}

// DayAvailability is the recurring availability for one weekday.
type DayAvailability struct {
	IsAvailable bool     `json:"isAvailable" yaml:"isAvailable"`
	Morning     TimeSlot `json:"morning" yaml:"morning"`
	Afternoon   TimeSlot `json:"afternoon" yaml:"afternoon"`
	Evening     TimeSlot `json:"evening" yaml:"evening"`
}

// Slot returns the slot for a period.
func (d DayAvailability) Slot(p Period) TimeSlot {
	switch p {
	case PeriodMorning:
		return d.Morning
	case PeriodAfternoon:
		return d.Afternoon
	case PeriodEvening:
		return d.Evening
	}
	return TimeSlot{}
}

// SpecialDate overrides the weekly schedule for one calendar day.
type SpecialDate struct {
	Date        string          `json:"date" yaml:"date"`
	Type        SpecialDateType `json:"type,omitempty" yaml:"type,omitempty"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	IsAvailable bool            `json:"isAvailable" yaml:"isAvailable"`
	Morning     *TimeSlot       `json:"morning,omitempty" yaml:"morning,omitempty"`
	Afternoon   *TimeSlot       `json:"afternoon,omitempty" yaml:"afternoon,omitempty"`
	Evening     *TimeSlot       `json:"evening,omitempty" yaml:"evening,omitempty"`
}

// Slot returns the override for a period, or a disabled slot when none is set.
func (s SpecialDate) Slot(p Period) TimeSlot {
	var ts *TimeSlot
	switch p {
	case PeriodMorning:
		ts = s.Morning
	case PeriodAfternoon:
		ts = s.Afternoon
	case PeriodEvening:
		ts = s.Evening
	}
	if ts == nil {
		return TimeSlot{}
	}
	return *ts
}

// WeeklySchedule is keyed by lowercase English weekday name.
type WeeklySchedule map[string]DayAvailability

// For returns the availability of a weekday.
func (w WeeklySchedule) For(day time.Weekday) (DayAvailability, bool) {
	d, ok := w[strings.ToLower(day.String())]
	return d, ok
}

// AvailabilitySchedule is a tenant's (or department's) bookable hours.
type AvailabilitySchedule struct {
	TenantID               string         `json:"tenantId" yaml:"tenantId"`
	DepartmentID           string         `json:"departmentId,omitempty" yaml:"departmentId,omitempty"`
	Timezone               string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	WeeklySchedule         WeeklySchedule `json:"weeklySchedule" yaml:"weeklySchedule"`
	SpecialDates           []SpecialDate  `json:"specialDates,omitempty" yaml:"specialDates,omitempty"`
	SlotDurationMinutes    int            `json:"slotDuration" yaml:"slotDuration"`
	BufferMinutes          int            `json:"bufferBetweenSlots" yaml:"bufferBetweenSlots"`
	MaxAdvanceBookingDays  int            `json:"maxAdvanceBookingDays" yaml:"maxAdvanceBookingDays"`
	MinAdvanceBookingHours int            `json:"minAdvanceBookingHours" yaml:"minAdvanceBookingHours"`
	UpdatedAt              time.Time      `json:"updatedAt,omitempty" yaml:"-"`
}

// Location returns the schedule's time zone, or UTC when unset or unknown.
func (s AvailabilitySchedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultSchedule is used when a tenant has not stored one: weekdays with three
// periods, weekends off.
func DefaultSchedule(tenantID, departmentID string) AvailabilitySchedule {
	workday := DayAvailability{
		IsAvailable: true,
		Morning:     TimeSlot{Enabled: true, StartTime: "09:00", EndTime: "12:00"},
		Afternoon:   TimeSlot{Enabled: true, StartTime: "14:00", EndTime: "17:00"},
		Evening:     TimeSlot{Enabled: true, StartTime: "17:00", EndTime: "19:00"},
	}
	return AvailabilitySchedule{
		TenantID:     tenantID,
		DepartmentID: departmentID,
		WeeklySchedule: WeeklySchedule{
			"monday":    workday,
			"tuesday":   workday,
			"wednesday": workday,
			"thursday":  workday,
			"friday":    workday,
			"saturday":  {IsAvailable: false},
			"sunday":    {IsAvailable: false},
		},
		SlotDurationMinutes:    30,
		BufferMinutes:          10,
		MaxAdvanceBookingDays:  30,
		MinAdvanceBookingHours: 24,
	}
}

// OfferablePeriod is one bookable period of a day.
type OfferablePeriod struct {
	Period Period `json:"period"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Label  string `json:"label"`
}

// OfferableSlot is one bookable day and its periods.
type OfferableSlot struct {
	Date      string            `json:"date"`
	DateLabel string            `json:"dateLabel"`
	Periods   []OfferablePeriod `json:"periods"`
}
