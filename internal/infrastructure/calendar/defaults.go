package calendar

import "github.com/chongiou/itolearn/internal/domain/schedule"

// DefaultTimetable returns the campus's fixed 10-period day: four morning
// periods, four afternoon periods and two evening periods.
func DefaultTimetable() []schedule.ClassTime {
	return []schedule.ClassTime{
		// Morning
		{Period: 1, Start: "08:40", End: "09:20"},
		{Period: 2, Start: "09:30", End: "10:10"},
		{Period: 3, Start: "10:30", End: "11:10"},
		{Period: 4, Start: "11:20", End: "12:00"},

		// Afternoon
		{Period: 5, Start: "14:30", End: "15:10"},
		{Period: 6, Start: "15:20", End: "16:00"},
		{Period: 7, Start: "16:10", End: "16:50"},
		{Period: 8, Start: "17:00", End: "17:40"},

		// Evening
		{Period: 9, Start: "19:40", End: "20:20"},
		{Period: 10, Start: "20:30", End: "21:10"},
	}
}

// DefaultHolidays returns the 2025 PRC public holiday arrangement, including
// the make-up workdays announced with each holiday. Override via the calendar
// file for later years.
func DefaultHolidays() []schedule.Holiday {
	return []schedule.Holiday{
		{
			Name:     "元旦",
			Start:    "2025-01-01",
			End:      "2025-01-01",
			Days:     1,
			Workdays: []string{},
		},
		{
			Name:     "春节",
			Start:    "2025-01-28",
			End:      "2025-02-04",
			Days:     8,
			Workdays: []string{"2025-01-26", "2025-02-08"},
		},
		{
			Name:     "清明节",
			Start:    "2025-04-04",
			End:      "2025-04-06",
			Days:     3,
			Workdays: []string{},
		},
		{
			Name:     "劳动节",
			Start:    "2025-05-01",
			End:      "2025-05-05",
			Days:     5,
			Workdays: []string{"2025-04-27"},
		},
		{
			Name:     "端午节",
			Start:    "2025-05-31",
			End:      "2025-06-02",
			Days:     3,
			Workdays: []string{},
		},
		{
			Name:     "国庆节、中秋节",
			Start:    "2025-10-01",
			End:      "2025-10-08",
			Days:     8,
			Workdays: []string{"2025-09-28", "2025-10-11"},
		},
	}
}
