package calendar

import "strings"

// holidayKeywords classify calendar events as holidays by title match.
// English and German, lowercase.
var holidayKeywords = []string{
	"holiday", "feiertag", "ferien",
	"christmas", "weihnachten", "heiligabend",
	"easter", "ostern", "karfreitag",
	"new year", "neujahr", "silvester",
	"pfingsten", "pentecost",
	"thanksgiving", "allerheiligen",
	"tag der arbeit", "labor day",
	"tag der deutschen einheit", "independence day",
	"himmelfahrt", "ascension",
	"fronleichnam",
}

// IsHoliday reports whether an event title names a holiday.
func IsHoliday(title string) bool {
	t := strings.ToLower(title)
	for _, kw := range holidayKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}
