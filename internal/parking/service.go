// Package parking manages parking locations, their zones and rates.
package parking

import (
	"context"
	"sort"
	"sync"
	"time"

	"parkgrid.io/internal/ids"
)

// Service defines parking operations.
type Service interface {
	CreateLocation(ctx context.Context, loc Location) (Location, error)
	GetLocation(ctx context.Context, id string) (Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
	// UpdateLocation overwrites name/address/coords/capacity. loc.Stamp must
	// equal the stored stamp or the call fails with ErrConflict.
	UpdateLocation(ctx context.Context, loc Location) (Location, error)
	// DeleteLocation requires the current stamp like UpdateLocation.
	DeleteLocation(ctx context.Context, id, stamp string) error
	SetZones(ctx context.Context, locationID, stamp string, zones []Zone) (Location, error)
	SetRates(ctx context.Context, locationID, stamp string, rates []Rate) (Location, error)
}

// InMemory implements Service with in-process concurrency safety. Used in
// tests and as a fallback when no database is configured.
type InMemory struct {
	mu   sync.RWMutex
	locs map[string]*Location
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{locs: make(map[string]*Location)}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) CreateLocation(ctx context.Context, loc Location) (Location, error) {
	if err := loc.validate(); err != nil {
		return Location{}, err
	}
	if err := validateZones(loc.Zones); err != nil {
		return Location{}, err
	}
	if err := validateRates(loc.Rates); err != nil {
		return Location{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	loc.ID = ids.New()
	loc.Stamp = ids.New()
	loc.CreatedAt = now
	loc.UpdatedAt = now
	for i := range loc.Zones {
		loc.Zones[i].ID = ids.New()
	}
	for i := range loc.Rates {
		loc.Rates[i].ID = ids.New()
	}
	cp := loc
	s.locs[loc.ID] = &cp
	return copyLocation(&cp), nil
}

func (s *InMemory) GetLocation(ctx context.Context, id string) (Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locs[id]
	if !ok {
		return Location{}, ErrNotFound
	}
	return copyLocation(loc), nil
}

func (s *InMemory) ListLocations(ctx context.Context) ([]Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Location, 0, len(s.locs))
	for _, loc := range s.locs {
		out = append(out, copyLocation(loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemory) UpdateLocation(ctx context.Context, loc Location) (Location, error) {
	if err := loc.validate(); err != nil {
		return Location{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locs[loc.ID]
	if !ok {
		return Location{}, ErrNotFound
	}
	if cur.Stamp != loc.Stamp {
		return Location{}, ErrConflict
	}
	cur.Name = loc.Name
	cur.Address = loc.Address
	cur.Latitude = loc.Latitude
	cur.Longitude = loc.Longitude
	cur.Capacity = loc.Capacity
	cur.Stamp = ids.New()
	cur.UpdatedAt = time.Now().UTC()
	return copyLocation(cur), nil
}

func (s *InMemory) DeleteLocation(ctx context.Context, id, stamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locs[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Stamp != stamp {
		return ErrConflict
	}
	delete(s.locs, id)
	return nil
}

func (s *InMemory) SetZones(ctx context.Context, locationID, stamp string, zones []Zone) (Location, error) {
	if err := validateZones(zones); err != nil {
		return Location{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locs[locationID]
	if !ok {
		return Location{}, ErrNotFound
	}
	if cur.Stamp != stamp {
		return Location{}, ErrConflict
	}
	cur.Zones = make([]Zone, len(zones))
	copy(cur.Zones, zones)
	for i := range cur.Zones {
		if cur.Zones[i].ID == "" {
			cur.Zones[i].ID = ids.New()
		}
	}
	cur.Stamp = ids.New()
	cur.UpdatedAt = time.Now().UTC()
	return copyLocation(cur), nil
}

func (s *InMemory) SetRates(ctx context.Context, locationID, stamp string, rates []Rate) (Location, error) {
	if err := validateRates(rates); err != nil {
		return Location{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locs[locationID]
	if !ok {
		return Location{}, ErrNotFound
	}
	if cur.Stamp != stamp {
		return Location{}, ErrConflict
	}
	cur.Rates = make([]Rate, len(rates))
	copy(cur.Rates, rates)
	for i := range cur.Rates {
		if cur.Rates[i].ID == "" {
			cur.Rates[i].ID = ids.New()
		}
	}
	cur.Stamp = ids.New()
	cur.UpdatedAt = time.Now().UTC()
	return copyLocation(cur), nil
}

func copyLocation(loc *Location) Location {
	out := *loc
	out.Zones = make([]Zone, len(loc.Zones))
	copy(out.Zones, loc.Zones)
	out.Rates = make([]Rate, len(loc.Rates))
	copy(out.Rates, loc.Rates)
	return out
}
