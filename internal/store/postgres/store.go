package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"parcelnet/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS parcels (
	id TEXT PRIMARY KEY,
	urgency TEXT NOT NULL,
	status TEXT NOT NULL,
	info TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_parcels_status ON parcels(status);

CREATE TABLE IF NOT EXISTS delivery_log (
	id BIGSERIAL PRIMARY KEY,
	parcel_id TEXT NOT NULL REFERENCES parcels(id),
	status TEXT NOT NULL,
	timestamp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_log_parcel ON delivery_log(parcel_id, timestamp);

CREATE TABLE IF NOT EXISTS courier_status_log (
	id BIGSERIAL PRIMARY KEY,
	courier_id TEXT NOT NULL,
	location TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	battery DOUBLE PRECISION NOT NULL,
	load_count INTEGER NOT NULL,
	capacity INTEGER NOT NULL,
	busy BOOLEAN NOT NULL,
	updated_at BIGINT NOT NULL,
	recorded_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_history (
	id BIGSERIAL PRIMARY KEY,
	parcel_id TEXT NOT NULL,
	courier_id TEXT NOT NULL,
	status TEXT NOT NULL,
	route TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	started_at BIGINT NOT NULL,
	finished_at BIGINT NOT NULL,
	recorded_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS comm_log (
	id BIGSERIAL PRIMARY KEY,
	ts BIGINT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	type TEXT NOT NULL,
	correlation_token TEXT NOT NULL DEFAULT ''
);
`

// Store is the record store on a shared Postgres server, for runs where
// several simulation processes report into one database.
type Store struct {
	db *sql.DB
}

func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("openDB: open postgres database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("openDB: verify postgres connection: %w", err)
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
		VALUES($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, string(p.Urgency), string(p.Status), p.Info, p.Destination,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
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

func (s *Store) UpdateParcelStatus(ctx context.Context, parcelID string, status domain.ParcelStatus, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx update parcel status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

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
		`INSERT INTO delivery_log(parcel_id, status, timestamp) VALUES($1, $2, $3)`,
		parcelID, string(status), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, parcelID string, status domain.ParcelStatus, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx record delivery: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied, err := advanceStatus(ctx, tx, parcelID, status, at)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO delivery_log(parcel_id, status, timestamp) VALUES($1, $2, $3)`,
		parcelID, string(status), at.UnixMilli(),
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
	err := tx.QueryRowContext(ctx, `SELECT status FROM parcels WHERE id = $1 FOR UPDATE`, parcelID).Scan(&current)
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
		`UPDATE parcels SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), at.UnixMilli(), parcelID,
	); err != nil {
		return false, fmt.Errorf("update parcel status: %w", err)
	}
	return true, nil
}

func (s *Store) QueryParcel(ctx context.Context, parcelID string) (domain.Parcel, error) {
	var p domain.Parcel
	var urgency, status string
	var created, updated int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, urgency, status, info, destination, created_at, updated_at
		FROM parcels WHERE id = $1`,
		parcelID,
	).Scan(&p.ID, &urgency, &status, &p.Info, &p.Destination, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Parcel{}, domain.ErrParcelNotFound
	}
	if err != nil {
		return domain.Parcel{}, fmt.Errorf("query parcel: %w", err)
	}
	p.Urgency = domain.Urgency(urgency)
	p.Status = domain.ParcelStatus(status)
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return p, nil
}

func (s *Store) ListDeliveryLog(ctx context.Context, parcelID string) ([]domain.DeliveryLogEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, parcel_id, status, timestamp FROM delivery_log
		WHERE parcel_id = $1 ORDER BY timestamp ASC, id ASC`,
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
		e.Timestamp = time.UnixMilli(ts).UTC()
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
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.CourierID, row.Location, row.Lat, row.Lon, row.Battery, row.Load, row.Capacity,
		row.Busy, row.UpdatedAt.UnixMilli(), row.RecordedAt.UnixMilli(),
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
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.ParcelID, row.CourierID, string(row.Status), row.Route, row.Lat, row.Lon,
		row.StartedAt.UnixMilli(), row.FinishedAt.UnixMilli(), row.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, row domain.CommRow) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO comm_log(ts, from_agent, to_agent, type, correlation_token) VALUES($1, $2, $3, $4, $5)`,
		row.Timestamp.UnixMilli(), row.From, row.To, string(row.Type), row.CorrelationToken,
	)
	if err != nil {
		return fmt.Errorf("append comm log: %w", err)
	}
	return nil
}
