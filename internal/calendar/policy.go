// Package calendar evaluates a company's business calendar: weekend days and
// office hours. Every function here is pure and only ever moves an instant
// forward, so adjustment always terminates.
package calendar

import (
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"

	"github.com/iago/crm-automation/internal/domain"
)

var (
	ErrInvalidClock    = errors.New("invalid clock value")
	ErrUnknownTimezone = errors.New("unknown timezone")
)

// FallbackHour is the hour of the conservative fallback instant.
const FallbackHour = 9

// Location resolves the settings timezone. Unknown zones resolve to UTC and
// return ErrUnknownTimezone so callers can log the degradation.
func Location(settings *domain.CalendarSettings) (*time.Location, error) {
	if settings == nil || strings.TrimSpace(settings.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(settings.Timezone))
	if err != nil {
		return time.UTC, errors.Wrapf(ErrUnknownTimezone, "timezone %q", settings.Timezone)
	}
	return loc, nil
}

// ParseClock converts "HH" or "HH:MM" to minutes since midnight.
func ParseClock(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.Wrap(ErrInvalidClock, "empty value")
	}

	hourPart, minutePart, hasMinutes := strings.Cut(trimmed, ":")
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 24 {
		return 0, errors.Wrapf(ErrInvalidClock, "hour in %q", value)
	}
	minute := 0
	if hasMinutes {
		minute, err = strconv.Atoi(minutePart)
		if err != nil || minute < 0 || minute > 59 {
			return 0, errors.Wrapf(ErrInvalidClock, "minute in %q", value)
		}
	}
	if hour == 24 && minute != 0 {
		return 0, errors.Wrapf(ErrInvalidClock, "%q is past midnight", value)
	}
	return hour*60 + minute, nil
}

// IsWeekendDay reports whether the instant falls on one of the configured
// weekend days. Without settings the weekend is Saturday and Sunday.
func IsWeekendDay(instant time.Time, settings *domain.CalendarSettings) bool {
	loc, _ := Location(settings)
	return isWeekend(instant.In(loc), settings)
}

// IsWithinOfficeHours reports whether the local time of day lies within
// [dayStart, dayEnd]. Missing or unparsable hours do not restrict.
func IsWithinOfficeHours(instant time.Time, settings *domain.CalendarSettings) bool {
	start, end, ok := officeWindow(settings)
	if !ok {
		return true
	}
	loc, _ := Location(settings)
	minutes := minutesOfDay(instant.In(loc))
	return minutes >= start && minutes <= end
}

// AdjustToNextValidInstant returns the earliest instant at or after the
// candidate that honours the requested restrictions. The weekend skip runs
// first, then the office-hours clamp, then the weekend check again because
// clamping to the next morning can land on a weekend.
func AdjustToNextValidInstant(
	candidate time.Time,
	settings *domain.CalendarSettings,
	respectWeekdays bool,
	respectOfficeHours bool,
) time.Time {
	if !respectWeekdays && !respectOfficeHours {
		return candidate
	}

	loc, _ := Location(settings)
	local := candidate.In(loc)

	if respectWeekdays {
		local = skipWeekend(local, settings)
	}

	if respectOfficeHours {
		if start, end, ok := officeWindow(settings); ok {
			minutes := minutesOfDay(local)
			switch {
			case minutes < start:
				local = atMinutes(local, start)
			case minutes > end:
				local = atMinutes(local.AddDate(0, 0, 1), start)
				if respectWeekdays {
					local = skipWeekend(local, settings)
				}
			}
		}
	}

	return local
}

// IsValidInstant reports whether the instant needs no adjustment.
func IsValidInstant(
	instant time.Time,
	settings *domain.CalendarSettings,
	respectWeekdays bool,
	respectOfficeHours bool,
) bool {
	return AdjustToNextValidInstant(instant, settings, respectWeekdays, respectOfficeHours).Equal(instant)
}

// ConservativeFallback is the instant used when a rule asks for calendar
// restrictions but the company has no settings: the next day at 09:00 UTC.
func ConservativeFallback(candidate time.Time) time.Time {
	next := candidate.UTC().AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), FallbackHour, 0, 0, 0, time.UTC)
}

// ExecuteAt computes base+delay and applies the calendar restrictions.
// degraded is true when restrictions were requested without settings and
// the conservative fallback was used instead.
func ExecuteAt(
	base time.Time,
	delaySeconds int64,
	settings *domain.CalendarSettings,
	respectWeekdays bool,
	respectOfficeHours bool,
) (executeAt time.Time, degraded bool) {
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	candidate := base.Add(time.Duration(delaySeconds) * time.Second)
	if !respectWeekdays && !respectOfficeHours {
		return candidate.UTC(), false
	}
	if settings == nil {
		return ConservativeFallback(candidate), true
	}
	return AdjustToNextValidInstant(candidate, settings, respectWeekdays, respectOfficeHours).UTC(), false
}

func isWeekend(local time.Time, settings *domain.CalendarSettings) bool {
	day := local.Weekday()
	if settings == nil {
		return day == time.Saturday || day == time.Sunday
	}
	return day == settings.Weekend1 || day == settings.Weekend2
}

func skipWeekend(local time.Time, settings *domain.CalendarSettings) time.Time {
	if !isWeekend(local, settings) {
		return local
	}
	next := local.AddDate(0, 0, 1)
	if isWeekend(next, settings) {
		return local.AddDate(0, 0, 2)
	}
	return next
}

func officeWindow(settings *domain.CalendarSettings) (start int, end int, ok bool) {
	if settings == nil {
		return 0, 0, false
	}
	start, err := ParseClock(settings.DayStart)
	if err != nil {
		return 0, 0, false
	}
	end, err = ParseClock(settings.DayEnd)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func minutesOfDay(local time.Time) int {
	return local.Hour()*60 + local.Minute()
}

func atMinutes(local time.Time, minutes int) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), minutes/60, minutes%60, 0, 0, local.Location())
}
