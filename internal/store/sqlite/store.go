package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parcelnet/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS parcels (
	id TEXT PRIMARY KEY,
	urgency TEXT NOT NULL,
	status TEXT NOT NULL,
	info TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_parcels_status ON parcels(status);

CREATE TABLE IF NOT EXISTS delivery_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parcel_id TEXT NOT NULL,
	status TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	FOREIGN KEY(parcel_id) REFERENCES parcels(id)
);
CREATE INDEX IF NOT EXISTS idx_delivery_log_parcel ON delivery_log(parcel_id, timestamp);

CREATE TABLE IF NOT EXISTS courier_status_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	courier_id TEXT NOT NULL,
	location TEXT NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	battery REAL NOT NULL,
	load_count INTEGER NOT NULL,
	capacity INTEGER NOT NULL,
	busy INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_courier_status_log_courier ON courier_status_log(courier_id, recorded_at);

CREATE TABLE IF NOT EXISTS delivery_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parcel_id TEXT NOT NULL,
	courier_id TEXT NOT NULL,
	status TEXT NOT NULL,
	route TEXT NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS comm_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	type TEXT NOT NULL,
	correlation_token TEXT NOT NULL DEFAULT ''
);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps read-compare-write status updates serialized
	// and is the one that receives the per-connection pragmas below.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateParcel inserts the parcel. It reports false when the id already
// exists; the stored record is left untouched.
func (s *Store) CreateParcel(ctx context.Context, p domain.Parcel) (bool, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Status == "" {
		p.Status = domain.ParcelStatusPending
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO parcels(id, urgency, status, info, destination, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		p.ID, string(p.Urgency), string(p.Status), p.Info, p.Destination,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create parcel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create parcel rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdateParcelStatus moves the parcel forward. Updates that would move the
// status backwards are ignored and reported as not applied.
func (s *Store) UpdateParcelStatus(ctx context.Context, parcelID string, status domain.ParcelStatus, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx update parcel status: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	applied, err := advanceStatus(ctx, tx, parcelID, status, at)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update parcel status: %w", err)
	}
	return applied, nil
}

func (s *Store) AppendDeliveryLog(ctx context.Context, parcelID string, status domain.ParcelStatus, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO delivery_log(parcel_id, status, timestamp) VALUES(?, ?, ?)`,
		parcelID, string(status), toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

// RecordDelivery applies the status update and appends the log row in one
// transaction. The log row is written only when the parcel exists.
func (s *Store) RecordDelivery(ctx context.Context, parcelID string, status domain.ParcelStatus, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx record delivery: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	applied, err := advanceStatus(ctx, tx, parcelID, status, at)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO delivery_log(parcel_id, status, timestamp) VALUES(?, ?, ?)`,
		parcelID, string(status), toMillis(at),
	); err != nil {
		return false, fmt.Errorf("insert delivery log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record delivery: %w", err)
	}
	return applied, nil
}

func advanceStatus(ctx context.Context, tx *sql.Tx, parcelID string, status domain.ParcelStatus, at time.Time) (bool, error) {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM parcels WHERE id = ?`, parcelID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("update parcel %s: %w", parcelID, domain.ErrParcelNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read parcel status: %w", err)
	}
	if status.Rank() <= domain.ParcelStatus(current).Rank() {
		return false, nil
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE parcels SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(at), parcelID,
	); err != nil {
		return false, fmt.Errorf("update parcel status: %w", err)
	}
	return true, nil
}

func (s *Store) QueryParcel(ctx context.Context, parcelID string) (domain.Parcel, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, urgency, status, info, destination, created_at, updated_at
		FROM parcels WHERE id = ?`,
		parcelID,
	)
	var p domain.Parcel
	var urgency, status string
	var created, updated int64
	if err := row.Scan(&p.ID, &urgency, &status, &p.Info, &p.Destination, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Parcel{}, domain.ErrParcelNotFound
		}
		return domain.Parcel{}, fmt.Errorf("query parcel: %w", err)
	}
	p.Urgency = domain.Urgency(urgency)
	p.Status = domain.ParcelStatus(status)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (s *Store) ListParcels(ctx context.Context, limit int) ([]domain.Parcel, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, urgency, status, info, destination, created_at, updated_at
		FROM parcels ORDER BY created_at DESC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list parcels: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Parcel, 0)
	for rows.Next() {
		var p domain.Parcel
		var urgency, status string
		var created, updated int64
		if err := rows.Scan(&p.ID, &urgency, &status, &p.Info, &p.Destination, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan parcel: %w", err)
		}
		p.Urgency = domain.Urgency(urgency)
		p.Status = domain.ParcelStatus(status)
		p.CreatedAt = fromMillis(created)
		p.UpdatedAt = fromMillis(updated)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parcels: %w", err)
	}
	return result, nil
}

func (s *Store) ListDeliveryLog(ctx context.Context, parcelID string) ([]domain.DeliveryLogEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, parcel_id, status, timestamp FROM delivery_log
		WHERE parcel_id = ? ORDER BY timestamp ASC, id ASC`,
		parcelID,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery log: %w", err)
	}
	defer rows.Close()

	var result []domain.DeliveryLogEntry
	for rows.Next() {
		var e domain.DeliveryLogEntry
		var status string
		var ts int64
		if err := rows.Scan(&e.ID, &e.ParcelID, &status, &ts); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		e.Status = domain.ParcelStatus(status)
		e.Timestamp = fromMillis(ts)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery log: %w", err)
	}
	return result, nil
}

func (s *Store) CountParcelsByStatus(ctx context.Context) (map[domain.ParcelStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM parcels GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count parcels: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.ParcelStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan parcel count: %w", err)
		}
		result[domain.ParcelStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parcel counts: %w", err)
	}
	return result, nil
}

func (s *Store) AppendCourierStatus(ctx context.Context, row domain.CourierStatusRow) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO courier_status_log(
			courier_id, location, lat, lon, battery, load_count, capacity, busy, updated_at, recorded_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.CourierID, row.Location, row.Lat, row.Lon, row.Battery, row.Load, row.Capacity,
		boolToInt(row.Busy), toMillis(row.UpdatedAt), toMillis(row.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append courier status: %w", err)
	}
	return nil
}

func (s *Store) AppendDelivery(ctx context.Context, row domain.DeliveryRow) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO delivery_history(
			parcel_id, courier_id, status, route, lat, lon, started_at, finished_at, recorded_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ParcelID, row.CourierID, string(row.Status), row.Route, row.Lat, row.Lon,
		toMillis(row.StartedAt), toMillis(row.FinishedAt), toMillis(row.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, row domain.CommRow) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO comm_log(ts, from_agent, to_agent, type, correlation_token) VALUES(?, ?, ?, ?, ?)`,
		toMillis(row.Timestamp), row.From, row.To, string(row.Type), row.CorrelationToken,
	)
	if err != nil {
		return fmt.Errorf("append comm log: %w", err)
	}
	return nil
}

func (s *Store) ListCourierStatus(ctx context.Context, courierID string, limit int) ([]domain.CourierStatusRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT courier_id, location, lat, lon, battery, load_count, capacity, busy, updated_at, recorded_at
		FROM courier_status_log WHERE courier_id = ?
		ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		courierID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list courier status: %w", err)
	}
	defer rows.Close()

	var result []domain.CourierStatusRow
	for rows.Next() {
		var r domain.CourierStatusRow
		var busy int
		var updated, recorded int64
		if err := rows.Scan(
			&r.CourierID, &r.Location, &r.Lat, &r.Lon, &r.Battery, &r.Load, &r.Capacity,
			&busy, &updated, &recorded,
		); err != nil {
			return nil, fmt.Errorf("scan courier status: %w", err)
		}
		r.Busy = busy != 0
		r.UpdatedAt = fromMillis(updated)
		r.RecordedAt = fromMillis(recorded)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate courier status: %w", err)
	}
	return result, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
