package parking

import (
	"errors"
	"strings"
	"time"
)

// Location is a managed parking site. Stamp is an opaque concurrency token
// regenerated on every write; updates and deletes must present the current
// stamp or fail with ErrConflict.
type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Capacity  int       `json:"capacity"`
	Zones     []Zone    `json:"zones,omitempty"`
	Rates     []Rate    `json:"rates,omitempty"`
	Stamp     string    `json:"stamp"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Zone partitions a location's capacity.
type Zone struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Spots int    `json:"spots"`
}

// Rate prices a location. Amounts are minor units per hour; no floats.
type Rate struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	PerHour  int64  `json:"per_hour"`
}

var (
	ErrNotFound     = errors.New("parking: not found")
	ErrConflict     = errors.New("parking: concurrent modification")
	ErrInvalidInput = errors.New("parking: invalid input")
)

func (l *Location) validate() error {
	l.Name = strings.TrimSpace(l.Name)
	if l.Name == "" {
		return ErrInvalidInput
	}
	if l.Capacity < 0 {
		return ErrInvalidInput
	}
	return nil
}

func validateZones(zones []Zone) error {
	for i := range zones {
		zones[i].Name = strings.TrimSpace(zones[i].Name)
		if zones[i].Name == "" || zones[i].Spots < 0 {
			return ErrInvalidInput
		}
	}
	return nil
}

func validateRates(rates []Rate) error {
	for i := range rates {
		rates[i].Name = strings.TrimSpace(rates[i].Name)
		rates[i].Currency = strings.ToUpper(strings.TrimSpace(rates[i].Currency))
		if rates[i].Name == "" || rates[i].Currency == "" || rates[i].PerHour < 0 {
			return ErrInvalidInput
		}
	}
	return nil
}
