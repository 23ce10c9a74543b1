package calendar

import (
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/crm-automation/internal/domain"
)

// 2024-06-07 is a Friday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, time.June, day, hour, minute, 0, 0, time.UTC)
}

func shopSettings() *domain.CalendarSettings {
	return &domain.CalendarSettings{
		WeekStart: time.Monday,
		DayStart:  "10:00",
		DayEnd:    "18:00",
		Weekend1:  time.Saturday,
		Weekend2:  time.Sunday,
		Timezone:  "UTC",
	}
}

func TestParseClock(t *testing.T) {
	minutes, err := ParseClock("9")
	require.NoError(t, err)
	assert.Equal(t, 540, minutes)

	minutes, err = ParseClock("17:45")
	require.NoError(t, err)
	assert.Equal(t, 17*60+45, minutes)

	for _, bad := range []string{"", "25", "10:75", "ten", "24:30"} {
		_, err := ParseClock(bad)
		assert.True(t, errors.Is(err, ErrInvalidClock), bad)
	}
}

func TestIsWeekendDayDefaultsToSaturdaySunday(t *testing.T) {
	assert.True(t, IsWeekendDay(at(8, 12, 0), nil))
	assert.True(t, IsWeekendDay(at(9, 12, 0), nil))
	assert.False(t, IsWeekendDay(at(7, 12, 0), nil))
}

func TestIsWeekendDayCustomPair(t *testing.T) {
	settings := &domain.CalendarSettings{Weekend1: time.Friday, Weekend2: time.Saturday}
	assert.True(t, IsWeekendDay(at(7, 12, 0), settings))
	assert.False(t, IsWeekendDay(at(9, 12, 0), settings))
}

func TestIsWithinOfficeHoursInclusiveBounds(t *testing.T) {
	settings := shopSettings()
	assert.True(t, IsWithinOfficeHours(at(7, 10, 0), settings))
	assert.True(t, IsWithinOfficeHours(at(7, 18, 0), settings))
	assert.False(t, IsWithinOfficeHours(at(7, 9, 59), settings))
	assert.False(t, IsWithinOfficeHours(at(7, 18, 1), settings))
	assert.True(t, IsWithinOfficeHours(at(7, 3, 0), nil))
}

func TestAdjustWithoutFlagsIsIdentity(t *testing.T) {
	candidate := at(8, 3, 17)
	assert.Equal(t, candidate, AdjustToNextValidInstant(candidate, shopSettings(), false, false))
}

func TestAdjustWeekendSkip(t *testing.T) {
	settings := shopSettings()

	saturday := at(8, 11, 30)
	assert.Equal(t, at(10, 11, 30), AdjustToNextValidInstant(saturday, settings, true, false).UTC())

	sunday := at(9, 11, 30)
	assert.Equal(t, at(10, 11, 30), AdjustToNextValidInstant(sunday, settings, true, false).UTC())

	friday := at(7, 11, 30)
	assert.Equal(t, friday, AdjustToNextValidInstant(friday, settings, true, false).UTC())
}

func TestAdjustOfficeHoursClamp(t *testing.T) {
	settings := shopSettings()

	assert.Equal(t, at(5, 10, 0), AdjustToNextValidInstant(at(5, 8, 0), settings, false, true).UTC())
	assert.Equal(t, at(6, 10, 0), AdjustToNextValidInstant(at(5, 19, 0), settings, false, true).UTC())
	assert.Equal(t, at(5, 14, 0), AdjustToNextValidInstant(at(5, 14, 0), settings, false, true).UTC())
}

func TestAdjustFridayEveningLandsOnMonday(t *testing.T) {
	got := AdjustToNextValidInstant(at(7, 19, 0), shopSettings(), true, true)
	assert.Equal(t, at(10, 10, 0), got.UTC())
}

func TestAdjustOfficeHoursOnlyMayLandOnWeekend(t *testing.T) {
	got := AdjustToNextValidInstant(at(7, 19, 0), shopSettings(), false, true)
	assert.Equal(t, at(8, 10, 0), got.UTC())
}

func TestAdjustUsesCompanyTimezone(t *testing.T) {
	settings := shopSettings()
	settings.Timezone = "America/Sao_Paulo"

	// 12:00 UTC is 09:00 in Sao Paulo (UTC-3), before the 10:00 opening.
	got := AdjustToNextValidInstant(at(5, 12, 0), settings, false, true)
	assert.Equal(t, at(5, 13, 0), got.UTC())
}

func TestLocationUnknownTimezone(t *testing.T) {
	loc, err := Location(&domain.CalendarSettings{Timezone: "Mars/Olympus"})
	assert.True(t, errors.Is(err, ErrUnknownTimezone))
	assert.Equal(t, time.UTC, loc)
}

func TestExecuteAtFallbackWithoutSettings(t *testing.T) {
	got, degraded := ExecuteAt(at(5, 16, 40), 60, nil, true, false)
	assert.True(t, degraded)
	assert.Equal(t, at(6, FallbackHour, 0), got)

	got, degraded = ExecuteAt(at(5, 16, 40), 60, nil, false, false)
	assert.False(t, degraded)
	assert.Equal(t, at(5, 16, 41), got)
}

func TestAdjustPropertiesOverRandomInstants(t *testing.T) {
	rng := rand.New(rand.NewSource(20240607))
	settings := shopSettings()
	origin := at(1, 0, 0)

	for i := 0; i < 2000; i++ {
		candidate := origin.Add(time.Duration(rng.Int63n(int64(60 * 24 * time.Hour))))
		weekdays := rng.Intn(2) == 0
		office := rng.Intn(2) == 0

		adjusted := AdjustToNextValidInstant(candidate, settings, weekdays, office)

		require.False(t, adjusted.Before(candidate), "adjustment moved backwards for %s", candidate)
		require.True(t, IsValidInstant(adjusted, settings, weekdays, office), "not stable for %s", candidate)
		if weekdays {
			require.False(t, IsWeekendDay(adjusted, settings))
		}
		if office {
			require.True(t, IsWithinOfficeHours(adjusted, settings))
		}
	}
}

func TestExecuteAtIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	settings := shopSettings()

	for i := 0; i < 500; i++ {
		base := at(1, 0, 0).Add(time.Duration(rng.Int63n(int64(30 * 24 * time.Hour))))
		delay := rng.Int63n(14 * 24 * 3600)

		first, _ := ExecuteAt(base, delay, settings, false, false)
		second, _ := ExecuteAt(base, delay, settings, false, false)
		require.Equal(t, first, second)
		require.Equal(t, base.Add(time.Duration(delay)*time.Second).UTC(), first)

		restricted, _ := ExecuteAt(base, delay, settings, true, true)
		again, _ := ExecuteAt(base, delay, settings, true, true)
		require.Equal(t, restricted, again)
	}
}
