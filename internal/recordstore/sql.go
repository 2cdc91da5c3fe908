package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/dukerupert/screenpoints/internal/model"
)

const (
	tableZones   = "zones"
	tableRecords = "records"

	colZoneID     = "zone_id"
	colRecordType = "record_type"
	colID         = "id"
	colOwnerID    = "owner_id"
	colDeviceID   = "device_id"
	colFields     = "fields"
	colSeq        = "seq"
	colCreatedAt  = "created_at"
	colModifiedAt = "modified_at"
)

var recordCols = []any{colZoneID, colRecordType, colID, colOwnerID, colDeviceID, colFields, colSeq, colCreatedAt, colModifiedAt}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is a Store over a SQL database. The schema is portable across
// SQLite and Postgres; dialect selects the SQL flavor. Changes are
// published on broker after commit.
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	broker  *Broker
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect string, broker *Broker) *SQLStore {
	if broker == nil {
		broker = NewBroker()
	}
	return &SQLStore{
		db:      db,
		dialect: goqu.Dialect(dialect),
		broker:  broker,
		now:     time.Now,
	}
}

func (s *SQLStore) Broker() *Broker { return s.broker }

func (s *SQLStore) build(b sqlBuilder) (string, []any, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build sql: %w", err)
	}
	return query, args, nil
}

func (s *SQLStore) exec(ctx context.Context, q querier, b sqlBuilder) (int64, error) {
	query, args, err := s.build(b)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) ensureZone(ctx context.Context, q querier, zone string) error {
	ins := s.dialect.Insert(tableZones).Prepared(true).
		Rows(goqu.Record{colZoneID: zone, colSeq: 0, colCreatedAt: s.now().UnixMilli()}).
		OnConflict(goqu.DoNothing())
	if _, err := s.exec(ctx, q, ins); err != nil {
		return fmt.Errorf("ensure zone: %w", err)
	}
	return nil
}

func (s *SQLStore) EnsureZone(ctx context.Context, zone string) error {
	return s.ensureZone(ctx, s.db, zone)
}

// nextSeq bumps and returns the zone's sequence counter.
func (s *SQLStore) nextSeq(ctx context.Context, tx *sql.Tx, zone string) (int64, error) {
	if err := s.ensureZone(ctx, tx, zone); err != nil {
		return 0, err
	}

	upd := s.dialect.Update(tableZones).Prepared(true).
		Set(goqu.Record{colSeq: goqu.L("seq + 1")}).
		Where(goqu.C(colZoneID).Eq(zone))
	if _, err := s.exec(ctx, tx, upd); err != nil {
		return 0, fmt.Errorf("bump zone seq: %w", err)
	}

	query, args, err := s.build(s.dialect.From(tableZones).Prepared(true).
		Select(colSeq).Where(goqu.C(colZoneID).Eq(zone)))
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read zone seq: %w", err)
	}
	return seq, nil
}

func scanRecord(sc interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var fields string
	var created, modified int64
	err := sc.Scan(&r.ZoneID, &r.Type, &r.ID, &r.OwnerID, &r.DeviceID, &fields, &r.Seq, &created, &modified)
	if err != nil {
		return Record{}, err
	}
	r.Fields = []byte(fields)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.ModifiedAt = time.UnixMilli(modified).UTC()
	return r, nil
}

func (s *SQLStore) read(ctx context.Context, q querier, zone, recordType, id string) (Record, error) {
	query, args, err := s.build(s.dialect.From(tableRecords).Prepared(true).
		Select(recordCols...).
		Where(goqu.Ex{colZoneID: zone, colRecordType: recordType, colID: id}))
	if err != nil {
		return Record{}, err
	}

	r, err := scanRecord(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	return r, nil
}

func (s *SQLStore) Read(ctx context.Context, zone, recordType, id string) (Record, error) {
	return s.read(ctx, s.db, zone, recordType, id)
}

// write runs fn in a transaction holding a freshly bumped sequence number.
// When fn reports that nothing changed the transaction is rolled back so
// the sequence is not consumed.
func (s *SQLStore) write(ctx context.Context, zone string, fn func(tx *sql.Tx, seq int64, now time.Time) (changed bool, err error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := s.nextSeq(ctx, tx, zone)
	if err != nil {
		return false, err
	}

	changed, err := fn(tx, seq, s.now())
	if err != nil || !changed {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func validate(r Record) error {
	if r.ZoneID == "" || r.Type == "" || r.ID == "" {
		return fmt.Errorf("record needs zone, type and id")
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, r Record) (Record, error) {
	if err := validate(r); err != nil {
		return Record{}, errInvalid(err)
	}

	var stored Record
	created, err := s.write(ctx, r.ZoneID, func(tx *sql.Tx, seq int64, now time.Time) (bool, error) {
		ins := s.dialect.Insert(tableRecords).Prepared(true).
			Rows(goqu.Record{
				colZoneID:     r.ZoneID,
				colRecordType: r.Type,
				colID:         r.ID,
				colOwnerID:    r.OwnerID,
				colDeviceID:   r.DeviceID,
				colFields:     string(r.Fields),
				colSeq:        seq,
				colCreatedAt:  now.UnixMilli(),
				colModifiedAt: now.UnixMilli(),
			}).
			OnConflict(goqu.DoNothing())
		n, err := s.exec(ctx, tx, ins)
		if err != nil {
			return false, fmt.Errorf("insert record: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		stored, err = s.read(ctx, tx, r.ZoneID, r.Type, r.ID)
		return err == nil, err
	})
	if err != nil {
		return Record{}, err
	}
	if !created {
		return s.Read(ctx, r.ZoneID, r.Type, r.ID)
	}

	s.publish(stored, model.OperationCreate)
	return stored, nil
}

// Update replaces a record, creating it when missing. Redemption updates
// are merged with the stored copy so a late or stale write cannot move
// usage or status backwards.
func (s *SQLStore) Update(ctx context.Context, r Record) (Record, error) {
	if err := validate(r); err != nil {
		return Record{}, errInvalid(err)
	}

	var stored Record
	_, err := s.write(ctx, r.ZoneID, func(tx *sql.Tx, seq int64, now time.Time) (bool, error) {
		existing, err := s.read(ctx, tx, r.ZoneID, r.Type, r.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			ins := s.dialect.Insert(tableRecords).Prepared(true).
				Rows(goqu.Record{
					colZoneID:     r.ZoneID,
					colRecordType: r.Type,
					colID:         r.ID,
					colOwnerID:    r.OwnerID,
					colDeviceID:   r.DeviceID,
					colFields:     string(r.Fields),
					colSeq:        seq,
					colCreatedAt:  now.UnixMilli(),
					colModifiedAt: now.UnixMilli(),
				})
			if _, err := s.exec(ctx, tx, ins); err != nil {
				return false, fmt.Errorf("insert record: %w", err)
			}
		case err != nil:
			return false, err
		default:
			fields, err := mergeFields(existing, r)
			if err != nil {
				return false, errInvalid(err)
			}
			upd := s.dialect.Update(tableRecords).Prepared(true).
				Set(goqu.Record{
					colOwnerID:    r.OwnerID,
					colDeviceID:   r.DeviceID,
					colFields:     string(fields),
					colSeq:        seq,
					colModifiedAt: now.UnixMilli(),
				}).
				Where(goqu.Ex{colZoneID: r.ZoneID, colRecordType: r.Type, colID: r.ID})
			if _, err := s.exec(ctx, tx, upd); err != nil {
				return false, fmt.Errorf("update record: %w", err)
			}
		}
		stored, err = s.read(ctx, tx, r.ZoneID, r.Type, r.ID)
		return err == nil, err
	})
	if err != nil {
		return Record{}, err
	}

	s.publish(stored, model.OperationUpdate)
	return stored, nil
}

func (s *SQLStore) Delete(ctx context.Context, zone, recordType, id string) error {
	var deleted Record
	changed, err := s.write(ctx, zone, func(tx *sql.Tx, seq int64, _ time.Time) (bool, error) {
		existing, err := s.read(ctx, tx, zone, recordType, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		del := s.dialect.Delete(tableRecords).Prepared(true).
			Where(goqu.Ex{colZoneID: zone, colRecordType: recordType, colID: id})
		if _, err := s.exec(ctx, tx, del); err != nil {
			return false, fmt.Errorf("delete record: %w", err)
		}
		deleted = existing
		deleted.Seq = seq
		return true, nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.publish(deleted, model.OperationDelete)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, zone string, q Query) ([]Record, error) {
	where := goqu.Ex{colZoneID: zone}
	if q.Type != "" {
		where[colRecordType] = q.Type
	}
	if q.OwnerID != "" {
		where[colOwnerID] = q.OwnerID
	}

	ds := s.dialect.From(tableRecords).Prepared(true).
		Select(recordCols...).
		Where(where, goqu.C(colSeq).Gt(q.AfterSeq)).
		Order(goqu.C(colSeq).Asc())
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}

	query, args, err := s.build(ds)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLStore) Subscribe(ctx context.Context, zone, excludingDeviceID string) (<-chan Change, error) {
	return s.broker.Subscribe(ctx, zone, excludingDeviceID), nil
}

func (s *SQLStore) publish(r Record, op model.OperationType) {
	s.broker.Publish(Change{
		ZoneID:   r.ZoneID,
		Type:     r.Type,
		ID:       r.ID,
		DeviceID: r.DeviceID,
		Op:       op,
		Seq:      r.Seq,
	})
}
