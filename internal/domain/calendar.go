package domain

import "time"

// CalendarSettings is a company's business calendar. DayStart and DayEnd
// accept "HH" or "HH:MM".
type CalendarSettings struct {
	WeekStart time.Weekday
	DayStart  string
	DayEnd    string
	Weekend1  time.Weekday
	Weekend2  time.Weekday
	Timezone  string
}
