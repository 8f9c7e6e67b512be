package scheduler

import (
	"strings"
	"time"
)

// RenderPrompt substitutes the template placeholders a job action may carry.
// {{event_title}} is empty unless the fire came from a calendar event.
func RenderPrompt(action string, now time.Time, eventTitle string) string {
	r := strings.NewReplacer(
		"{{date}}", now.Format("2006-01-02"),
		"{{time}}", now.Format("15:04"),
		"{{datetime}}", now.Format("2006-01-02 15:04"),
		"{{event_title}}", eventTitle,
	)
	return r.Replace(action)
}
