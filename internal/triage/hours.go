package triage

import (
	"fmt"
	"time"
)

// Office hours used to pick the closing message of the data collection steps.
const (
	DefaultOpeningHour = 8
	DefaultClosingHour = 19
	// DefaultTimezone is where the office operates.
	DefaultTimezone = "America/Sao_Paulo"
)

// BusinessHours is an inclusive [Open, Close] range of wall-clock hours.
type BusinessHours struct {
	Open     int
	Close    int
	Location *time.Location
}

// DefaultBusinessHours returns 08..19 in the office timezone, falling back to UTC
// when the tz database is unavailable.
func DefaultBusinessHours() BusinessHours {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return BusinessHours{Open: DefaultOpeningHour, Close: DefaultClosingHour, Location: loc}
}

// NewBusinessHours builds business hours for a named timezone.
func NewBusinessHours(openHour, closeHour int, timezone string) (BusinessHours, error) {
	if openHour < 0 || closeHour > 23 || openHour > closeHour {
		return BusinessHours{}, fmt.Errorf("invalid business hours %d-%d", openHour, closeHour)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return BusinessHours{}, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return BusinessHours{Open: openHour, Close: closeHour, Location: loc}, nil
}

// Contains reports whether now falls inside office hours.
func (b BusinessHours) Contains(now time.Time) bool {
	if b.Location != nil {
		now = now.In(b.Location)
	}
	h := now.Hour()
	return h >= b.Open && h <= b.Close
}
