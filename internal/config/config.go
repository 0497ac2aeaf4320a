// Package config loads the YAML configuration shared by the origin server
// and the simulator.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/geo-origin/anchor"
	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/model"
)

// DefaultAccuracyTolerance is the relative error accepted by the planar
// accuracy probe when computing a valid radius.
const DefaultAccuracyTolerance = 0.005

// Config is the top-level configuration document.
type Config struct {
	// Level is the S2 level of the origin cell.
	Level int `yaml:"level"`

	// ValidRadius bounds where the local frame is trusted. Zero asks the
	// server to compute it with the accuracy probe.
	ValidRadius float64 `yaml:"valid_radius"`

	Accuracy   Accuracy      `yaml:"accuracy"`
	Refresh    Refresh       `yaml:"refresh"`
	Alignment  Alignment     `yaml:"alignment"`
	Anchors    []Anchor      `yaml:"anchors"`
	Simulation []Measurement `yaml:"measurements"`
}

// Accuracy configures the planar accuracy probe.
type Accuracy struct {
	Tolerance float64   `yaml:"tolerance"`
	Radii     []float64 `yaml:"radii"`
	Bearings  []float64 `yaml:"bearings"`
}

// Refresh configures automatic measurement requests.
type Refresh struct {
	Timeout  time.Duration `yaml:"timeout"`
	Distance float64       `yaml:"distance"`
}

// Alignment configures camera world transform correction.
type Alignment struct {
	Enabled   bool          `yaml:"enabled"`
	Smoothing time.Duration `yaml:"smoothing"`
}

// Anchor describes an anchor to place at startup.
type Anchor struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Latitude    float64 `yaml:"latitude"`
	Longitude   float64 `yaml:"longitude"`
	Altitude    float64 `yaml:"altitude"`
	MaxDistance float64 `yaml:"max_distance"`
}

// Measurement is a scripted fix replayed by the simulator.
type Measurement struct {
	// At is the offset from the start of the replay.
	At time.Duration `yaml:"at"`

	Latitude   float64 `yaml:"latitude"`
	Longitude  float64 `yaml:"longitude"`
	Heading    float64 `yaml:"heading"`
	Height     float64 `yaml:"height"`
	Confidence float64 `yaml:"confidence"`

	// Status is one of no_results, unavailable_area, results_found or
	// internal_error. Empty means results_found.
	Status string `yaml:"status"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML document from r, applies defaults and validates it.
// Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Level == 0 {
		c.Level = cellindex.DefaultLevel
	}
	if c.Accuracy.Tolerance <= 0 {
		c.Accuracy.Tolerance = DefaultAccuracyTolerance
	}
	for i := range c.Anchors {
		if c.Anchors[i].MaxDistance == 0 {
			c.Anchors[i].MaxDistance = anchor.DefaultMaxDistance
		}
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := cellindex.ValidateLevel(c.Level); err != nil {
		return fmt.Errorf("config level: %w", err)
	}
	if c.ValidRadius < 0 {
		return fmt.Errorf("config valid_radius must be >= 0, got %v", c.ValidRadius)
	}
	if c.Refresh.Timeout < 0 || c.Refresh.Distance < 0 {
		return fmt.Errorf("config refresh values must be >= 0")
	}
	if c.Alignment.Smoothing < 0 {
		return fmt.Errorf("config alignment smoothing must be >= 0")
	}
	for _, r := range c.Accuracy.Radii {
		if r <= 0 {
			return fmt.Errorf("config accuracy radii must be positive, got %v", r)
		}
	}
	seen := make(map[string]bool, len(c.Anchors))
	for i, a := range c.Anchors {
		if err := a.Coordinate().Validate(); err != nil {
			return fmt.Errorf("config anchors[%d]: %w", i, err)
		}
		if a.MaxDistance <= 0 {
			return fmt.Errorf("config anchors[%d]: max_distance must be positive", i)
		}
		if a.ID != "" {
			if seen[a.ID] {
				return fmt.Errorf("config anchors[%d]: duplicate id %q", i, a.ID)
			}
			seen[a.ID] = true
		}
	}
	for i, m := range c.Simulation {
		if _, err := m.ToMeasurement(time.Time{}); err != nil {
			return fmt.Errorf("config measurements[%d]: %w", i, err)
		}
	}
	return nil
}

// Coordinate returns the anchor's position.
func (a Anchor) Coordinate() model.GeoCoordinate {
	return model.GeoCoordinate{Latitude: a.Latitude, Longitude: a.Longitude}
}

// AnchorConfig converts a to the anchor package configuration.
func (a Anchor) AnchorConfig(validRadius float64) anchor.Config {
	return anchor.Config{
		ID:          a.ID,
		Name:        a.Name,
		Coordinate:  a.Coordinate(),
		Altitude:    a.Altitude,
		MaxDistance: a.MaxDistance,
		ValidRadius: validRadius,
	}
}

// ToMeasurement converts m into a fix timestamped at start plus m.At.
func (m Measurement) ToMeasurement(start time.Time) (model.Measurement, error) {
	status := model.MeasurementResultsFound
	if m.Status != "" {
		s, ok := model.ParseMeasurementStatus(m.Status)
		if !ok {
			return model.Measurement{}, fmt.Errorf("unknown status %q", m.Status)
		}
		status = s
	}
	c := model.GeoCoordinate{Latitude: m.Latitude, Longitude: m.Longitude}
	if status == model.MeasurementResultsFound {
		if err := c.Validate(); err != nil {
			return model.Measurement{}, err
		}
	}
	if m.At < 0 {
		return model.Measurement{}, fmt.Errorf("negative offset %v", m.At)
	}
	return model.Measurement{
		Timestamp:         start.Add(m.At),
		Coordinate:        c,
		Heading:           m.Heading,
		RawHeightEstimate: m.Height,
		Confidence:        m.Confidence,
		Status:            status,
	}, nil
}
