package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigcal/internal/model"
)

// querier is the subset of *pgxpool.Pool the store needs.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const deviceByTokenSQL = `
SELECT id, name
FROM linked_devices
WHERE secret = $1 AND revoked_at IS NULL`

// Events owned by the device's user, with their band names.
const eventsForDeviceSQL = `
SELECT e.id, e.name, e.description, e.start_date, e.end_date, e.updated_at,
       COALESCE(array_agg(b.name) FILTER (WHERE b.name IS NOT NULL), '{}') AS band_names
FROM events e
JOIN linked_devices d ON d.user_id = e.owner_id
LEFT JOIN event_bands eb ON eb.event_id = e.id
LEFT JOIN bands b ON b.id = eb.band_id
WHERE d.id = $1
GROUP BY e.id
ORDER BY e.start_date NULLS LAST, e.id`

// PostgresStore reads devices and events from the application database.
type PostgresStore struct {
	db    querier
	close func()
}

// OpenPostgres connects a pgx pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func newPostgresStore(db querier) *PostgresStore {
	return &PostgresStore{db: db, close: func() {}}
}

func (s *PostgresStore) DeviceByToken(ctx context.Context, token string) (model.Device, error) {
	defer observe("postgres", "device_by_token")()

	if token == "" {
		return model.Device{}, ErrNotFound
	}

	var (
		d    model.Device
		name *string
	)
	err := s.db.QueryRow(ctx, deviceByTokenSQL, token).Scan(&d.ID, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("load device: %w", err)
	}
	if name != nil {
		d.Name = *name
	}
	d.Token = token
	return d, nil
}

func (s *PostgresStore) EventsForDevice(ctx context.Context, device model.Device) ([]model.Event, error) {
	defer observe("postgres", "events_for_device")()

	rows, err := s.db.Query(ctx, eventsForDeviceSQL, device.ID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (model.Event, error) {
	var (
		ev          model.Event
		name        *string
		description *string
		start, end  *time.Time
		bandNames   []string
	)
	if err := row.Scan(&ev.ID, &name, &description, &start, &end, &ev.UpdatedAt, &bandNames); err != nil {
		return model.Event{}, fmt.Errorf("scan event: %w", err)
	}
	if name != nil {
		ev.Name = *name
	}
	if description != nil {
		ev.Description = *description
	}
	ev.Start = start
	ev.End = end
	for _, b := range bandNames {
		ev.Bands = append(ev.Bands, model.Band{Name: b})
	}
	return ev, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	defer observe("postgres", "ping")()
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.close()
}
