package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

// SeedRoute is one route definition from the routes file. Seeding merges
// into the directory, so live fields (currentCity, active) survive
// restarts.
type SeedRoute struct {
	Bus         string           `yaml:"bus" validate:"required"`
	Name        string           `yaml:"name" validate:"required"`
	Destination string           `yaml:"destination"`
	Waypoints   []fleet.Waypoint `yaml:"waypoints" validate:"min=2,dive"`
}

func (s SeedRoute) ID() fleet.TripID { return fleet.TripID{BusID: s.Bus, RouteName: s.Name} }

type seedFile struct {
	Routes []SeedRoute `yaml:"routes"`
}

// LoadSeed parses and validates a routes YAML file.
func LoadSeed(path string) ([]SeedRoute, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	v := validator.New()
	for i, r := range f.Routes {
		if err := v.Struct(r); err != nil {
			return nil, fmt.Errorf("route %d (%s-%s): %w", i, r.Bus, r.Name, err)
		}
	}
	return f.Routes, nil
}
