package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres keeps routes in two tables sharing the {bus}-{route} key:
// routes and active_trips. SetActive updates both inside one transaction,
// so the mirror invariant holds at every commit point.
type Postgres struct {
	db *sql.DB
}

func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates both partitions when missing. One statement per
// Exec: the pgx extended protocol rejects multi-command strings.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS routes (
  bus_id       text NOT NULL,
  route_name   text NOT NULL,
  waypoints    jsonb NOT NULL DEFAULT '[]',
  direction    text NOT NULL DEFAULT 'forward',
  current_city text,
  active       boolean NOT NULL DEFAULT false,
  destination  text NOT NULL DEFAULT '',
  updated_at   timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (bus_id, route_name)
)`,
		`CREATE TABLE IF NOT EXISTS active_trips (
  bus_id       text NOT NULL,
  route_name   text NOT NULL,
  waypoints    jsonb NOT NULL DEFAULT '[]',
  direction    text NOT NULL DEFAULT 'forward',
  current_city text,
  destination  text NOT NULL DEFAULT '',
  started_at   timestamptz NOT NULL DEFAULT now(),
  updated_at   timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (bus_id, route_name)
)`,
	}
	for _, stmt := range ddl {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id fleet.TripID) (fleet.Route, error) {
	const q = `SELECT waypoints, direction, COALESCE(current_city, ''), active, destination, updated_at
FROM routes WHERE bus_id = $1 AND route_name = $2`
	var (
		r   = fleet.Route{BusID: id.BusID, RouteName: id.RouteName}
		raw []byte
		dir string
	)
	err := p.db.QueryRowContext(ctx, q, id.BusID, id.RouteName).
		Scan(&raw, &dir, &r.CurrentCity, &r.Active, &r.Destination, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Route{}, fleet.ErrNotFound
	}
	if err != nil {
		return fleet.Route{}, fmt.Errorf("get route %s: %w", id, err)
	}
	r.Direction = fleet.Direction(dir)
	if err := json.Unmarshal(raw, &r.Waypoints); err != nil {
		return fleet.Route{}, fmt.Errorf("decode waypoints for %s: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) Upsert(ctx context.Context, id fleet.TripID, patch RoutePatch) error {
	var wpJSON []byte
	if patch.Waypoints != nil {
		b, err := json.Marshal(patch.Waypoints)
		if err != nil {
			return fmt.Errorf("encode waypoints for %s: %w", id, err)
		}
		wpJSON = b
	}
	var dir *string
	if patch.Direction != nil {
		s := string(*patch.Direction)
		dir = &s
	}
	const q = `INSERT INTO routes (bus_id, route_name, waypoints, direction, current_city, destination, updated_at)
VALUES ($1, $2, COALESCE($3::jsonb, '[]'::jsonb), COALESCE($4, 'forward'), $5, COALESCE($6, ''), now())
ON CONFLICT (bus_id, route_name) DO UPDATE SET
  waypoints    = COALESCE($3::jsonb, routes.waypoints),
  direction    = COALESCE($4, routes.direction),
  current_city = COALESCE($5, routes.current_city),
  destination  = COALESCE($6, routes.destination),
  updated_at   = now()`
	if _, err := p.db.ExecContext(ctx, q, id.BusID, id.RouteName, wpJSON, dir, patch.CurrentCity, patch.Destination); err != nil {
		return fmt.Errorf("upsert route %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) SetActive(ctx context.Context, id fleet.TripID, active bool, destination string, dir fleet.Direction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set active %s: %w", id, err)
	}
	defer tx.Rollback()

	if active {
		res, err := tx.ExecContext(ctx,
			`UPDATE routes SET active = true, destination = $3, direction = $4, updated_at = now()
			 WHERE bus_id = $1 AND route_name = $2`,
			id.BusID, id.RouteName, destination, string(dir))
		if err != nil {
			return fmt.Errorf("set active %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fleet.ErrNotFound
		}
		// Retried starts keep the original started_at.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO active_trips (bus_id, route_name, waypoints, direction, current_city, destination, started_at, updated_at)
			 SELECT bus_id, route_name, waypoints, direction, current_city, destination, now(), now()
			 FROM routes WHERE bus_id = $1 AND route_name = $2
			 ON CONFLICT (bus_id, route_name) DO UPDATE SET
			   waypoints    = EXCLUDED.waypoints,
			   direction    = EXCLUDED.direction,
			   current_city = EXCLUDED.current_city,
			   destination  = EXCLUDED.destination,
			   started_at   = active_trips.started_at,
			   updated_at   = now()`,
			id.BusID, id.RouteName)
		if err != nil {
			return fmt.Errorf("mirror trip %s: %w", id, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE routes SET active = false, updated_at = now() WHERE bus_id = $1 AND route_name = $2`,
			id.BusID, id.RouteName); err != nil {
			return fmt.Errorf("set inactive %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM active_trips WHERE bus_id = $1 AND route_name = $2`,
			id.BusID, id.RouteName); err != nil {
			return fmt.Errorf("drop mirror %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ReverseDirection(ctx context.Context, id fleet.TripID) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reverse %s: %w", id, err)
	}
	defer tx.Rollback()

	var (
		raw []byte
		dir string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT waypoints, direction FROM routes WHERE bus_id = $1 AND route_name = $2 FOR UPDATE`,
		id.BusID, id.RouteName).Scan(&raw, &dir)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reverse %s: %w", id, err)
	}
	var wps []fleet.Waypoint
	if err := json.Unmarshal(raw, &wps); err != nil {
		return fmt.Errorf("decode waypoints for %s: %w", id, err)
	}
	reverseWaypoints(wps)
	flipped := fleet.Direction(dir).Flip()
	destination := ""
	if len(wps) > 0 {
		destination = wps[len(wps)-1].Name
	}
	out, err := json.Marshal(wps)
	if err != nil {
		return fmt.Errorf("encode waypoints for %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE routes SET waypoints = $3, direction = $4, destination = $5, updated_at = now()
		 WHERE bus_id = $1 AND route_name = $2`,
		id.BusID, id.RouteName, out, string(flipped), destination); err != nil {
		return fmt.Errorf("reverse route %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE active_trips SET waypoints = $3, direction = $4, destination = $5, updated_at = now()
		 WHERE bus_id = $1 AND route_name = $2`,
		id.BusID, id.RouteName, out, string(flipped), destination); err != nil {
		return fmt.Errorf("reverse mirror %s: %w", id, err)
	}
	return tx.Commit()
}

func (p *Postgres) SetCurrentCity(ctx context.Context, id fleet.TripID, city string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set city %s: %w", id, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE routes SET current_city = $3, updated_at = now() WHERE bus_id = $1 AND route_name = $2`,
		id.BusID, id.RouteName, city); err != nil {
		return fmt.Errorf("set city %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE active_trips SET current_city = $3, updated_at = now() WHERE bus_id = $1 AND route_name = $2`,
		id.BusID, id.RouteName, city); err != nil {
		return fmt.Errorf("set mirror city %s: %w", id, err)
	}
	return tx.Commit()
}

func (p *Postgres) Mirror(ctx context.Context, id fleet.TripID) (fleet.ActiveTrip, bool, error) {
	const q = `SELECT waypoints, direction, COALESCE(current_city, ''), destination, started_at, updated_at
FROM active_trips WHERE bus_id = $1 AND route_name = $2`
	var (
		t   = fleet.ActiveTrip{Route: fleet.Route{BusID: id.BusID, RouteName: id.RouteName, Active: true}}
		raw []byte
		dir string
	)
	err := p.db.QueryRowContext(ctx, q, id.BusID, id.RouteName).
		Scan(&raw, &dir, &t.CurrentCity, &t.Destination, &t.StartedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.ActiveTrip{}, false, nil
	}
	if err != nil {
		return fleet.ActiveTrip{}, false, fmt.Errorf("get mirror %s: %w", id, err)
	}
	t.Direction = fleet.Direction(dir)
	if err := json.Unmarshal(raw, &t.Waypoints); err != nil {
		return fleet.ActiveTrip{}, false, fmt.Errorf("decode mirror waypoints for %s: %w", id, err)
	}
	return t, true, nil
}

func (p *Postgres) ActiveTrips(ctx context.Context) ([]fleet.ActiveTrip, error) {
	const q = `SELECT bus_id, route_name, waypoints, direction, COALESCE(current_city, ''), destination, started_at, updated_at
FROM active_trips ORDER BY bus_id, route_name`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("scan active trips: %w", err)
	}
	defer rows.Close()

	var trips []fleet.ActiveTrip
	for rows.Next() {
		var (
			t   fleet.ActiveTrip
			raw []byte
			dir string
		)
		if err := rows.Scan(&t.BusID, &t.RouteName, &raw, &dir, &t.CurrentCity, &t.Destination, &t.StartedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Active = true
		t.Direction = fleet.Direction(dir)
		if err := json.Unmarshal(raw, &t.Waypoints); err != nil {
			return nil, fmt.Errorf("decode mirror waypoints for %s: %w", t.ID(), err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func reverseWaypoints(wps []fleet.Waypoint) {
	for i, j := 0, len(wps)-1; i < j; i, j = i+1, j-1 {
		wps[i], wps[j] = wps[j], wps[i]
	}
}
