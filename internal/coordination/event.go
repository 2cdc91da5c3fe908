// Package coordination builds coordination events and publishes them,
// together with the records they describe, to the family zone.
package coordination

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/screenpoints/internal/auth"
	"github.com/dukerupert/screenpoints/internal/model"
)

// Change payload keys.
const (
	KeyChildID        = "childID"
	KeyChildName      = "childName"
	KeyPoints         = "points"
	KeyReason         = "reason"
	KeyNewBalance     = "newBalance"
	KeyTransactionID  = "transactionID"
	KeyRedemptionID   = "redemptionID"
	KeyMinutes        = "minutes"
	KeyBundleID       = "bundleID"
	KeyDisplayName    = "displayName"
	KeyCategory       = "category"
	KeyPointsPerHour  = "pointsPerHour"
	KeyActive         = "active"
	KeySettingKey     = "key"
	KeySettingValue   = "value"
	KeyBirthDate      = "birthDate"
	KeyIsVerified     = "isVerified"
	KeyExpiresAt      = "expiresAt"
	KeyConversionRate = "conversionRate"
	KeyExtendsID      = "extendsID"
)

var now = time.Now

func newEvent(a auth.Actor, activity model.ActivityType, entity, entityID string, changes map[string]string) model.CoordinationEvent {
	return model.CoordinationEvent{
		ID:               uuid.NewString(),
		FamilyID:         a.FamilyID,
		TriggeringUserID: a.UserID,
		ActivityType:     activity,
		TargetEntity:     entity,
		TargetEntityID:   entityID,
		Changes:          changes,
		Timestamp:        now().UTC(),
		DeviceID:         a.DeviceID,
	}
}

func ChildAdded(a auth.Actor, child model.ChildProfile) model.CoordinationEvent {
	return newEvent(a, model.ActivityChildAdded, model.EntityChildProfile, child.ID, profileChanges(child))
}

func ProfileModified(a auth.Actor, child model.ChildProfile) model.CoordinationEvent {
	return newEvent(a, model.ActivityProfileModified, model.EntityChildProfile, child.ID, profileChanges(child))
}

func profileChanges(child model.ChildProfile) map[string]string {
	c := map[string]string{
		KeyChildID:    child.ID,
		KeyChildName:  child.Name,
		KeyIsVerified: strconv.FormatBool(child.IsVerified),
	}
	if child.BirthDate != nil {
		c[KeyBirthDate] = child.BirthDate.Format(time.DateOnly)
	}
	return c
}

// PointsAdjusted records a manual parent adjustment. points is signed.
func PointsAdjusted(a auth.Actor, child model.ChildProfile, t model.PointTransaction, newBalance int) model.CoordinationEvent {
	return newEvent(a, model.ActivityPointsAdjusted, model.EntityChildProfile, child.ID, map[string]string{
		KeyChildID:       child.ID,
		KeyChildName:     child.Name,
		KeyPoints:        strconv.Itoa(t.Points),
		KeyReason:        t.Reason,
		KeyNewBalance:    strconv.Itoa(newBalance),
		KeyTransactionID: t.ID,
	})
}

func LearningPointsEarned(a auth.Actor, child model.ChildProfile, app model.AppCategorization, minutes int, t model.PointTransaction, newBalance int) model.CoordinationEvent {
	return newEvent(a, model.ActivityLearningPointsEarned, model.EntityChildProfile, child.ID, map[string]string{
		KeyChildID:       child.ID,
		KeyChildName:     child.Name,
		KeyDisplayName:   app.DisplayName,
		KeyBundleID:      app.BundleID,
		KeyMinutes:       strconv.Itoa(minutes),
		KeyPoints:        strconv.Itoa(t.Points),
		KeyNewBalance:    strconv.Itoa(newBalance),
		KeyTransactionID: t.ID,
	})
}

func RewardRedeemed(a auth.Actor, child model.ChildProfile, app model.AppCategorization, r model.Redemption, newBalance int) model.CoordinationEvent {
	changes := map[string]string{
		KeyChildID:        child.ID,
		KeyChildName:      child.Name,
		KeyDisplayName:    app.DisplayName,
		KeyBundleID:       app.BundleID,
		KeyPoints:         strconv.Itoa(r.PointsSpent),
		KeyMinutes:        strconv.Itoa(r.TimeGrantedMinutes),
		KeyConversionRate: strconv.FormatFloat(r.ConversionRate, 'f', -1, 64),
		KeyNewBalance:     strconv.Itoa(newBalance),
		KeyTransactionID:  r.TransactionID,
		KeyRedemptionID:   r.ID,
		KeyExpiresAt:      r.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if r.ExtendsID != "" {
		changes[KeyExtendsID] = r.ExtendsID
	}
	return newEvent(a, model.ActivityRewardRedeemed, model.EntityRedemption, r.ID, changes)
}

func CategorizationAdded(a auth.Actor, child model.ChildProfile, c model.AppCategorization) model.CoordinationEvent {
	return newEvent(a, model.ActivityCategorizationAdded, model.EntityAppCategorization, c.ID, categorizationChanges(child, c))
}

func CategorizationModified(a auth.Actor, child model.ChildProfile, c model.AppCategorization) model.CoordinationEvent {
	return newEvent(a, model.ActivityCategorizationModified, model.EntityAppCategorization, c.ID, categorizationChanges(child, c))
}

func CategorizationRemoved(a auth.Actor, child model.ChildProfile, c model.AppCategorization) model.CoordinationEvent {
	return newEvent(a, model.ActivityCategorizationRemoved, model.EntityAppCategorization, c.ID, categorizationChanges(child, c))
}

func categorizationChanges(child model.ChildProfile, c model.AppCategorization) map[string]string {
	return map[string]string{
		KeyChildID:       child.ID,
		KeyChildName:     child.Name,
		KeyBundleID:      c.BundleID,
		KeyDisplayName:   c.DisplayName,
		KeyCategory:      string(c.Category),
		KeyPointsPerHour: strconv.Itoa(c.PointsPerHour),
		KeyActive:        strconv.FormatBool(c.Active),
	}
}

func SettingsUpdated(a auth.Actor, s model.Setting) model.CoordinationEvent {
	return newEvent(a, model.ActivitySettingsUpdated, model.EntitySetting, s.Key, map[string]string{
		KeySettingKey:   s.Key,
		KeySettingValue: s.Value,
	})
}
