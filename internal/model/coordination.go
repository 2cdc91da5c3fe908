package model

import "time"

type ActivityType string

const (
	ActivityCategorizationAdded    ActivityType = "categorizationAdded"
	ActivityCategorizationModified ActivityType = "categorizationModified"
	ActivityCategorizationRemoved  ActivityType = "categorizationRemoved"
	ActivityPointsAdjusted         ActivityType = "pointsAdjusted"
	ActivityRewardRedeemed         ActivityType = "rewardRedeemed"
	ActivityProfileModified        ActivityType = "profileModified"
	ActivitySettingsUpdated        ActivityType = "settingsUpdated"
	ActivityChildAdded             ActivityType = "childAdded"
	ActivityLearningPointsEarned   ActivityType = "learningPointsEarned"
)

// Target entity names carried by coordination events.
const (
	EntityChildProfile      = "childProfile"
	EntityAppCategorization = "appCategorization"
	EntityRedemption        = "redemption"
	EntitySetting           = "setting"
)

// CoordinationEvent describes a change made on one device so that other
// devices know what to re-fetch. It is never authoritative.
type CoordinationEvent struct {
	ID               string            `json:"id"`
	FamilyID         string            `json:"familyID"`
	TriggeringUserID string            `json:"triggeringUserID"`
	ActivityType     ActivityType      `json:"activityType"`
	TargetEntity     string            `json:"targetEntity"`
	TargetEntityID   string            `json:"targetEntityID"`
	Changes          map[string]string `json:"changes"`
	Timestamp        time.Time         `json:"timestamp"`
	DeviceID         string            `json:"deviceID"`
}
