package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/calendar"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// timeOfDayBucket maps an hour to the coarse buckets used in the temporal
// context block.
func timeOfDayBucket(hour int) string {
	switch {
	case hour >= 5 && hour < 11:
		return "morning"
	case hour >= 11 && hour < 14:
		return "midday"
	case hour >= 14 && hour < 18:
		return "afternoon"
	case hour >= 18 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

// temporalBlock renders the time-awareness section of the system prompt:
// local date and time, weekday, today's calendar events split into holidays
// and appointments, and a behavioral hint.
func temporalBlock(now time.Time, todays []store.CalendarEvent) string {
	bucket := timeOfDayBucket(now.Hour())
	weekend := now.Weekday() == time.Saturday || now.Weekday() == time.Sunday

	var holidays, others []store.CalendarEvent
	for _, ev := range todays {
		if calendar.IsHoliday(ev.Title) {
			holidays = append(holidays, ev)
		} else {
			others = append(others, ev)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current date: %s\n", now.Format("Monday, 2 January 2006"))
	fmt.Fprintf(&b, "Current time: %s (%s)\n", now.Format("15:04"), bucket)
	if weekend {
		b.WriteString("It is the weekend.\n")
	}
	if len(holidays) > 0 {
		b.WriteString("Today is a holiday: ")
		b.WriteString(joinTitles(holidays))
		b.WriteString("\n")
	}
	if len(others) > 0 {
		b.WriteString("Today's scheduled events: ")
		b.WriteString(joinTitles(others))
		b.WriteString("\n")
	}
	b.WriteString(behavioralHint(now.Weekday(), bucket, weekend, len(holidays) > 0))
	return b.String()
}

func joinTitles(events []store.CalendarEvent) string {
	titles := make([]string, 0, len(events))
	for _, ev := range events {
		titles = append(titles, fmt.Sprintf("%s (%s)", ev.Title, ev.StartAt.Format("15:04")))
	}
	return strings.Join(titles, ", ")
}

// behavioralHint derives one line of tone guidance from weekday, time of day
// and holiday status.
func behavioralHint(day time.Weekday, bucket string, weekend, holiday bool) string {
	switch {
	case holiday:
		return "It is a holiday; keep the tone relaxed and avoid pushing work topics."
	case weekend:
		return "It is the weekend; be helpful but do not assume a work context."
	case day == time.Monday && bucket == "morning":
		return "It is the start of the work week; be energizing and focused on planning."
	case day == time.Friday && (bucket == "afternoon" || bucket == "evening"):
		return "The work week is winding down; favor wrap-up and summaries over new initiatives."
	case bucket == "night":
		return "It is late; keep responses brief and calm."
	case bucket == "morning":
		return "It is morning; a brisk, forward-looking tone fits well."
	default:
		return "It is a regular working hour; respond in a focused, professional tone."
	}
}
