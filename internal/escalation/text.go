package escalation

import (
	"strings"

	"chronocal/internal/config"
	"chronocal/internal/model"
)

// StepPhrase returns the phrase spoken at escalation step k.
func StepPhrase(k int, name string) string {
	switch k {
	case 0:
		return "Psst, " + name + "..."
	case 1:
		return "Hey " + name + "..."
	default:
		return name + "!"
	}
}

// DetailText is the full-detail announcement for ev. The start time is
// spoken in the configured zone; location and attendees are only mentioned
// when the event has them.
func DetailText(ev model.Event, cfg config.ReminderConfig) string {
	var b strings.Builder
	b.WriteString("You have a meeting at ")
	b.WriteString(ev.Start.In(cfg.Location()).Format("15:04"))
	b.WriteString(" with ")
	b.WriteString(ev.Title)
	b.WriteString(".")
	if loc := strings.TrimSpace(ev.Location); loc != "" {
		b.WriteString(" Location: ")
		b.WriteString(loc)
		b.WriteString(".")
	}
	if len(ev.Attendees) > 0 {
		b.WriteString(" Attendees: ")
		b.WriteString(strings.Join(ev.Attendees, ", "))
		b.WriteString(".")
	}
	return b.String()
}
