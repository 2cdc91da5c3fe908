// Package recordstore talks to the family zone: the shared, per-family
// record store every device of a household reads and writes.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a record does not exist. It is permanent:
// retrying a read of a missing record never helps.
var ErrNotFound = retry.Permanent(errors.New("record not found"))

// Record types stored in a family zone.
const (
	TypeChildProfile      = "childProfile"
	TypePointTransaction  = "pointTransaction"
	TypeAppCategorization = "appCategorization"
	TypeRedemption        = "redemption"
	TypeCoordinationEvent = "coordinationEvent"
	TypeSetting           = "setting"
)

// ZoneFor returns the zone id shared by every device of a family.
func ZoneFor(familyID string) string {
	return "family-" + familyID
}

// Record is one typed, keyed document in a zone. Seq is assigned by the
// zone on every write and grows monotonically within the zone.
type Record struct {
	Type       string              `json:"type"`
	ID         string              `json:"id"`
	ZoneID     string              `json:"zoneID"`
	OwnerID    string              `json:"ownerID,omitempty"`
	DeviceID   string              `json:"deviceID,omitempty"`
	Fields     jsoniter.RawMessage `json:"fields"`
	Seq        int64               `json:"seq"`
	CreatedAt  time.Time           `json:"createdAt"`
	ModifiedAt time.Time           `json:"modifiedAt"`
}

// Change notifies a subscriber that a record in a zone was written.
type Change struct {
	ZoneID   string              `json:"zoneID"`
	Type     string              `json:"type"`
	ID       string              `json:"id"`
	DeviceID string              `json:"deviceID"`
	Op       model.OperationType `json:"op"`
	Seq      int64               `json:"seq"`
}

// Query selects records of one type in a zone, ordered by Seq.
type Query struct {
	Type     string
	OwnerID  string
	AfterSeq int64
	Limit    int
}

// Store is a family zone.
type Store interface {
	// EnsureZone creates the zone if it does not exist.
	EnsureZone(ctx context.Context, zone string) error
	// Create inserts r. Creating a record whose id already exists leaves
	// the stored record untouched and returns it.
	Create(ctx context.Context, r Record) (Record, error)
	Read(ctx context.Context, zone, recordType, id string) (Record, error)
	// Update replaces r, creating it when missing.
	Update(ctx context.Context, r Record) (Record, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, zone, recordType, id string) error
	Query(ctx context.Context, zone string, q Query) ([]Record, error)
	// Subscribe streams changes to the zone made by devices other than
	// excludingDeviceID. The channel closes when ctx ends or the stream
	// is lost.
	Subscribe(ctx context.Context, zone, excludingDeviceID string) (<-chan Change, error)
}

// Write is a single record mutation, the unit an offline operation replays.
type Write struct {
	Op     model.OperationType `json:"op"`
	Record Record              `json:"record"`
}

func CreateWrite(r Record) Write { return Write{Op: model.OperationCreate, Record: r} }
func UpdateWrite(r Record) Write { return Write{Op: model.OperationUpdate, Record: r} }
func DeleteWrite(r Record) Write { return Write{Op: model.OperationDelete, Record: r} }

// Apply performs w against s. Replaying the same write is safe: creates
// are insert-if-absent, updates are upserts and deletes ignore missing
// records.
func Apply(ctx context.Context, s Store, w Write) error {
	var err error
	switch w.Op {
	case model.OperationCreate:
		_, err = s.Create(ctx, w.Record)
	case model.OperationUpdate:
		_, err = s.Update(ctx, w.Record)
	case model.OperationDelete:
		err = s.Delete(ctx, w.Record.ZoneID, w.Record.Type, w.Record.ID)
	default:
		return retry.Permanent(fmt.Errorf("unknown write op %q", w.Op))
	}
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", w.Op, w.Record.Type, w.Record.ID, err)
	}
	return nil
}

func EncodeWrites(writes []Write) ([]byte, error) {
	data, err := json.Marshal(writes)
	if err != nil {
		return nil, fmt.Errorf("encode writes: %w", err)
	}
	return data, nil
}

func DecodeWrites(data []byte) ([]Write, error) {
	var writes []Write
	if err := json.Unmarshal(data, &writes); err != nil {
		return nil, fmt.Errorf("decode writes: %w", err)
	}
	return writes, nil
}

// ErrInvalidRecord is returned for records missing their key fields.
var ErrInvalidRecord = errors.New("invalid record")

func errInvalid(err error) error {
	return retry.Permanent(fmt.Errorf("%w: %v", ErrInvalidRecord, err))
}

// ApplyAll applies writes in order, stopping at the first failure.
func ApplyAll(ctx context.Context, s Store, writes []Write) error {
	for _, w := range writes {
		if err := Apply(ctx, s, w); err != nil {
			return err
		}
	}
	return nil
}
