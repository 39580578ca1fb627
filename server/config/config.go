package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/countcam/countcam/server/counter"
)

// Config is the process configuration, loaded once at startup from a JSON
// file. Everything has a usable default, so an empty file (or no file) gives
// a working server.
type Config struct {
	Port int `json:"port"` // HTTP listen port

	// Counting policy
	LineFraction      float64  `json:"lineFraction"`      // Vertical position of the counting line, as a fraction of frame height
	AllowedClasses    []string `json:"allowedClasses"`    // Detection classes that count as vehicles
	CountingDirection string   `json:"countingDirection"` // topToBottom, bottomToTop, or both
	MaxTrackPositions int      `json:"maxTrackPositions"` // Soft cap on remembered track positions per session (0 = unbounded)
	TrackForgetFrames int      `json:"trackForgetFrames"` // Frames without a sighting before a track position is evictable

	// Session lifecycle
	SessionIdleTimeoutSeconds int `json:"sessionIdleTimeoutSeconds"` // Destroy sessions idle for this long (0 = never)

	// AssignTrackIDs enables the built-in tracker, for detectors that send
	// detections without track ids (eg a Haar cascade).
	AssignTrackIDs bool `json:"assignTrackIds"`
}

func Default() *Config {
	opts := counter.DefaultOptions()
	return &Config{
		Port:                      8080,
		LineFraction:              opts.LineFraction,
		AllowedClasses:            opts.AllowedClasses,
		CountingDirection:         opts.Direction.String(),
		MaxTrackPositions:         opts.MaxTrackPositions,
		TrackForgetFrames:         int(opts.TrackForgetFrames),
		SessionIdleTimeoutSeconds: 300,
	}
}

// Load reads a config file. An empty filename returns the defaults.
// Fields absent from the file keep their default values.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading %v as JSON: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %v is out of range", c.Port)
	}
	if c.LineFraction <= 0 || c.LineFraction >= 1 {
		return fmt.Errorf("lineFraction %v is out of range (0,1)", c.LineFraction)
	}
	if len(c.AllowedClasses) == 0 {
		return fmt.Errorf("allowedClasses is empty")
	}
	if c.SessionIdleTimeoutSeconds < 0 {
		return fmt.Errorf("sessionIdleTimeoutSeconds %v is negative", c.SessionIdleTimeoutSeconds)
	}
	if _, err := counter.ParseDirection(c.CountingDirection); err != nil {
		return err
	}
	return nil
}

// CounterOptions converts the counting policy fields into engine options.
func (c *Config) CounterOptions() (counter.Options, error) {
	dir, err := counter.ParseDirection(c.CountingDirection)
	if err != nil {
		return counter.Options{}, err
	}
	return counter.Options{
		LineFraction:      c.LineFraction,
		AllowedClasses:    c.AllowedClasses,
		Direction:         dir,
		MaxTrackPositions: c.MaxTrackPositions,
		TrackForgetFrames: int64(c.TrackForgetFrames),
	}, nil
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}
