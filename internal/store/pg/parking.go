package pg

import (
	"context"
	"database/sql"
	"errors"

	"parkgrid.io/internal/ids"
	"parkgrid.io/internal/parking"
)

// ParkingStore implements parking.Service on Postgres. The concurrency stamp
// is a column checked in the where clause of every mutation, mirroring the
// conditional update used for refresh-token rotation.
type ParkingStore struct {
	db *sql.DB
}

var _ parking.Service = (*ParkingStore)(nil)

func NewParkingStore(db *sql.DB) *ParkingStore { return &ParkingStore{db: db} }

// Parking exposes the parking service backed by the same pool.
func (s *Store) Parking() *ParkingStore { return &ParkingStore{db: s.db} }

func (p *ParkingStore) CreateLocation(ctx context.Context, loc parking.Location) (parking.Location, error) {
	if loc.Name == "" {
		return parking.Location{}, parking.ErrInvalidInput
	}
	loc.ID = ids.New()
	loc.Stamp = ids.New()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return parking.Location{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into parking_locations (id, name, address, latitude, longitude, capacity, stamp)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, loc.ID, loc.Name, loc.Address, loc.Latitude, loc.Longitude, loc.Capacity, loc.Stamp)
	if err := row.Scan(&loc.CreatedAt, &loc.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return parking.Location{}, parking.ErrConflict
		}
		return parking.Location{}, err
	}
	for i := range loc.Zones {
		loc.Zones[i].ID = ids.New()
		if _, err := tx.ExecContext(ctx, `
			insert into parking_zones (id, location_id, name, spots) values ($1, $2, $3, $4)
		`, loc.Zones[i].ID, loc.ID, loc.Zones[i].Name, loc.Zones[i].Spots); err != nil {
			return parking.Location{}, err
		}
	}
	for i := range loc.Rates {
		loc.Rates[i].ID = ids.New()
		if _, err := tx.ExecContext(ctx, `
			insert into parking_rates (id, location_id, name, currency, per_hour) values ($1, $2, $3, $4, $5)
		`, loc.Rates[i].ID, loc.ID, loc.Rates[i].Name, loc.Rates[i].Currency, loc.Rates[i].PerHour); err != nil {
			return parking.Location{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return parking.Location{}, err
	}
	return loc, nil
}

func (p *ParkingStore) GetLocation(ctx context.Context, id string) (parking.Location, error) {
	var loc parking.Location
	err := p.db.QueryRowContext(ctx, `
		select id, name, address, latitude, longitude, capacity, stamp, created_at, updated_at
		from parking_locations
		where id = $1
	`, id).Scan(&loc.ID, &loc.Name, &loc.Address, &loc.Latitude, &loc.Longitude, &loc.Capacity, &loc.Stamp, &loc.CreatedAt, &loc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return parking.Location{}, parking.ErrNotFound
	}
	if err != nil {
		return parking.Location{}, err
	}
	if loc.Zones, err = p.zonesFor(ctx, id); err != nil {
		return parking.Location{}, err
	}
	if loc.Rates, err = p.ratesFor(ctx, id); err != nil {
		return parking.Location{}, err
	}
	return loc, nil
}

func (p *ParkingStore) zonesFor(ctx context.Context, locationID string) ([]parking.Zone, error) {
	rows, err := p.db.QueryContext(ctx, `
		select id, name, spots from parking_zones where location_id = $1 order by name
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []parking.Zone
	for rows.Next() {
		var z parking.Zone
		if err := rows.Scan(&z.ID, &z.Name, &z.Spots); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

func (p *ParkingStore) ratesFor(ctx context.Context, locationID string) ([]parking.Rate, error) {
	rows, err := p.db.QueryContext(ctx, `
		select id, name, currency, per_hour from parking_rates where location_id = $1 order by name
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []parking.Rate
	for rows.Next() {
		var r parking.Rate
		if err := rows.Scan(&r.ID, &r.Name, &r.Currency, &r.PerHour); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

func (p *ParkingStore) ListLocations(ctx context.Context) ([]parking.Location, error) {
	rows, err := p.db.QueryContext(ctx, `
		select id, name, address, latitude, longitude, capacity, stamp, created_at, updated_at
		from parking_locations
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []parking.Location
	for rows.Next() {
		var loc parking.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Address, &loc.Latitude, &loc.Longitude, &loc.Capacity, &loc.Stamp, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (p *ParkingStore) UpdateLocation(ctx context.Context, loc parking.Location) (parking.Location, error) {
	if loc.Name == "" {
		return parking.Location{}, parking.ErrInvalidInput
	}
	newStamp := ids.New()
	res, err := p.db.ExecContext(ctx, `
		update parking_locations
		set name = $3, address = $4, latitude = $5, longitude = $6, capacity = $7,
		    stamp = $8, updated_at = now()
		where id = $1 and stamp = $2
	`, loc.ID, loc.Stamp, loc.Name, loc.Address, loc.Latitude, loc.Longitude, loc.Capacity, newStamp)
	if err != nil {
		return parking.Location{}, err
	}
	if err := p.mutationOutcome(ctx, res, loc.ID); err != nil {
		return parking.Location{}, err
	}
	return p.GetLocation(ctx, loc.ID)
}

func (p *ParkingStore) DeleteLocation(ctx context.Context, id, stamp string) error {
	res, err := p.db.ExecContext(ctx, `
		delete from parking_locations where id = $1 and stamp = $2
	`, id, stamp)
	if err != nil {
		return err
	}
	return p.mutationOutcome(ctx, res, id)
}

func (p *ParkingStore) SetZones(ctx context.Context, locationID, stamp string, zones []parking.Zone) (parking.Location, error) {
	err := p.replaceChildren(ctx, locationID, stamp, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from parking_zones where location_id = $1`, locationID); err != nil {
			return err
		}
		for i := range zones {
			id := zones[i].ID
			if id == "" {
				id = ids.New()
			}
			if _, err := tx.ExecContext(ctx, `
				insert into parking_zones (id, location_id, name, spots) values ($1, $2, $3, $4)
			`, id, locationID, zones[i].Name, zones[i].Spots); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return parking.Location{}, err
	}
	return p.GetLocation(ctx, locationID)
}

func (p *ParkingStore) SetRates(ctx context.Context, locationID, stamp string, rates []parking.Rate) (parking.Location, error) {
	err := p.replaceChildren(ctx, locationID, stamp, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from parking_rates where location_id = $1`, locationID); err != nil {
			return err
		}
		for i := range rates {
			id := rates[i].ID
			if id == "" {
				id = ids.New()
			}
			if _, err := tx.ExecContext(ctx, `
				insert into parking_rates (id, location_id, name, currency, per_hour) values ($1, $2, $3, $4, $5)
			`, id, locationID, rates[i].Name, rates[i].Currency, rates[i].PerHour); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return parking.Location{}, err
	}
	return p.GetLocation(ctx, locationID)
}

// replaceChildren rotates the stamp under the CAS condition first, so only
// one writer per stamp can reach the child-table rewrite.
func (p *ParkingStore) replaceChildren(ctx context.Context, locationID, stamp string, rewrite func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update parking_locations set stamp = $3, updated_at = now()
		where id = $1 and stamp = $2
	`, locationID, stamp, ids.New())
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return p.conflictOrMissing(ctx, locationID)
	}
	if err := rewrite(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// mutationOutcome maps a zero-row CAS mutation to ErrNotFound or ErrConflict.
func (p *ParkingStore) mutationOutcome(ctx context.Context, res sql.Result, locationID string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return p.conflictOrMissing(ctx, locationID)
	}
	return nil
}

func (p *ParkingStore) conflictOrMissing(ctx context.Context, locationID string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `select 1 from parking_locations where id = $1`, locationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return parking.ErrNotFound
	}
	if err != nil {
		return err
	}
	return parking.ErrConflict
}
