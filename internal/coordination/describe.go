package coordination

import (
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dukerupert/screenpoints/internal/model"
)

var printer = message.NewPrinter(language.English)

func intChange(e model.CoordinationEvent, key string) int {
	n, _ := strconv.Atoi(e.Changes[key])
	return n
}

// Describe renders an event as a single line for an activity feed.
func Describe(e model.CoordinationEvent) string {
	name := e.Changes[KeyChildName]
	app := e.Changes[KeyDisplayName]
	if app == "" {
		app = e.Changes[KeyBundleID]
	}

	switch e.ActivityType {
	case model.ActivityChildAdded:
		return printer.Sprintf("%s joined the family", name)
	case model.ActivityProfileModified:
		return printer.Sprintf("%s's profile was updated", name)
	case model.ActivityPointsAdjusted:
		points := intChange(e, KeyPoints)
		verb := "received"
		if points < 0 {
			verb = "lost"
			points = -points
		}
		line := printer.Sprintf("%s %s %d points", name, verb, points)
		if reason := e.Changes[KeyReason]; reason != "" {
			line += printer.Sprintf(" for %s", reason)
		}
		return line + printer.Sprintf(" (balance %d)", intChange(e, KeyNewBalance))
	case model.ActivityLearningPointsEarned:
		return printer.Sprintf("%s earned %d points from %d minutes of %s",
			name, intChange(e, KeyPoints), intChange(e, KeyMinutes), app)
	case model.ActivityRewardRedeemed:
		if e.Changes[KeyExtendsID] != "" {
			return printer.Sprintf("%s extended %s by %d minutes for %d points",
				name, app, intChange(e, KeyMinutes), intChange(e, KeyPoints))
		}
		return printer.Sprintf("%s redeemed %d points for %d minutes of %s",
			name, intChange(e, KeyPoints), intChange(e, KeyMinutes), app)
	case model.ActivityCategorizationAdded:
		return printer.Sprintf("%s was added as a %s app for %s", app, e.Changes[KeyCategory], name)
	case model.ActivityCategorizationModified:
		return printer.Sprintf("%s was updated for %s", app, name)
	case model.ActivityCategorizationRemoved:
		return printer.Sprintf("%s was removed for %s", app, name)
	case model.ActivitySettingsUpdated:
		return printer.Sprintf("Setting %s changed to %s", e.Changes[KeySettingKey], e.Changes[KeySettingValue])
	default:
		return printer.Sprintf("%s on %s %s", e.ActivityType, e.TargetEntity, e.TargetEntityID)
	}
}
