package recordstore

import (
	"fmt"

	"github.com/dukerupert/screenpoints/internal/model"
)

func encode(zone, recordType, id, ownerID, deviceID string, v any) (Record, error) {
	fields, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", recordType, err)
	}
	return Record{
		Type:     recordType,
		ID:       id,
		ZoneID:   zone,
		OwnerID:  ownerID,
		DeviceID: deviceID,
		Fields:   fields,
	}, nil
}

func decode[T any](r Record, recordType string) (T, error) {
	var v T
	if r.Type != recordType {
		return v, fmt.Errorf("decode %s: record is a %s", recordType, r.Type)
	}
	if err := json.Unmarshal(r.Fields, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", recordType, err)
	}
	return v, nil
}

func FromProfile(zone, deviceID string, p model.ChildProfile) (Record, error) {
	return encode(zone, TypeChildProfile, p.ID, p.ID, deviceID, p)
}

func ToProfile(r Record) (model.ChildProfile, error) {
	return decode[model.ChildProfile](r, TypeChildProfile)
}

func FromTransaction(zone string, t model.PointTransaction) (Record, error) {
	return encode(zone, TypePointTransaction, t.ID, t.ChildID, t.DeviceID, t)
}

func ToTransaction(r Record) (model.PointTransaction, error) {
	return decode[model.PointTransaction](r, TypePointTransaction)
}

func FromCategorization(zone, deviceID string, c model.AppCategorization) (Record, error) {
	return encode(zone, TypeAppCategorization, c.ID, c.ChildID, deviceID, c)
}

func ToCategorization(r Record) (model.AppCategorization, error) {
	return decode[model.AppCategorization](r, TypeAppCategorization)
}

func FromRedemption(zone, deviceID string, rd model.Redemption) (Record, error) {
	return encode(zone, TypeRedemption, rd.ID, rd.ChildID, deviceID, rd)
}

func ToRedemption(r Record) (model.Redemption, error) {
	return decode[model.Redemption](r, TypeRedemption)
}

func FromEvent(zone string, e model.CoordinationEvent) (Record, error) {
	return encode(zone, TypeCoordinationEvent, e.ID, e.TargetEntityID, e.DeviceID, e)
}

func ToEvent(r Record) (model.CoordinationEvent, error) {
	return decode[model.CoordinationEvent](r, TypeCoordinationEvent)
}

func FromSetting(zone, deviceID string, s model.Setting) (Record, error) {
	return encode(zone, TypeSetting, s.Key, "", deviceID, s)
}

func ToSetting(r Record) (model.Setting, error) {
	return decode[model.Setting](r, TypeSetting)
}

// mergeFields reconciles an update with the stored copy of the same
// record. Redemptions merge monotonically; other types are replaced.
func mergeFields(stored, incoming Record) ([]byte, error) {
	if incoming.Type != TypeRedemption {
		return incoming.Fields, nil
	}
	old, err := ToRedemption(stored)
	if err != nil {
		return nil, err
	}
	in, err := ToRedemption(incoming)
	if err != nil {
		return nil, err
	}
	merged, err := json.Marshal(in.Merge(old))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeRedemption, err)
	}
	return merged, nil
}
