// Package config provides configuration structures and defaults for the telecube tools
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Stream  StreamConfig  `yaml:"stream" mapstructure:"stream"`   // Block streaming settings shared by all tools
	Convert ConvertConfig `yaml:"convert" mapstructure:"convert"` // Format conversion settings
	Dice    DiceConfig    `yaml:"dice" mapstructure:"dice"`       // Dicing settings
	Match   MatchConfig   `yaml:"match" mapstructure:"match"`     // Coincidence matching settings
	Site    SiteConfig    `yaml:"site" mapstructure:"site"`       // Observatory position stamping
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"` // Logging configuration
}

// StreamConfig controls how much of a dataset is held in memory at once
type StreamConfig struct {
	BlockBytes int  `yaml:"block_bytes" mapstructure:"block_bytes"` // In-memory size of one block in bytes
	Workers    int  `yaml:"workers" mapstructure:"workers"`         // Codec workers (0 = one per CPU)
	Mmap       bool `yaml:"mmap" mapstructure:"mmap"`               // Memory-map filterbank inputs
}

// ConvertConfig contains output format and encoding settings
type ConvertConfig struct {
	Format      string `yaml:"format" mapstructure:"format"`           // Output format: sigproc, guppi or container
	Bits        int    `yaml:"bits" mapstructure:"bits"`               // Output bits per sample (0 = keep)
	SampleType  string `yaml:"sample_type" mapstructure:"sample_type"` // Output sample type: unsigned, signed, float (empty = keep)
	AllowLossy  bool   `yaml:"allow_lossy" mapstructure:"allow_lossy"` // Permit conversions that lose precision or range
	Compression string `yaml:"compression" mapstructure:"compression"` // Container chunk compressor
	ChunkTime   int    `yaml:"chunk_time" mapstructure:"chunk_time"`   // Container chunk height in time samples (0 = from block size)
	ChunkChans  int    `yaml:"chunk_chans" mapstructure:"chunk_chans"` // Container chunk width in channels (0 = all)
	BlockTime   int    `yaml:"block_time" mapstructure:"block_time"`   // GUPPI sub-block length in time samples (0 = from source)
	Overwrite   bool   `yaml:"overwrite" mapstructure:"overwrite"`     // Replace an existing output file
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`   // Directory for outputs named after their input
}

// DiceConfig contains dicing settings
type DiceConfig struct {
	Format string `yaml:"format" mapstructure:"format"` // Output format (empty = same as input)
}

// MatchConfig contains coincidence matching tolerances and export settings
type MatchConfig struct {
	TimeTolerance      float64 `yaml:"time_tolerance" mapstructure:"time_tolerance"`           // Seconds
	FrequencyTolerance float64 `yaml:"frequency_tolerance" mapstructure:"frequency_tolerance"` // MHz
	AngularTolerance   float64 `yaml:"angular_tolerance" mapstructure:"angular_tolerance"`     // Degrees (0 = ignore coordinates)
	Export             string  `yaml:"export" mapstructure:"export"`                           // Export format: json or csv
}

// SiteConfig describes where the observatory position comes from
type SiteConfig struct {
	Mode      string  `yaml:"mode" mapstructure:"mode"`           // Site mode: "none", "nmea", or "manual"
	NMEAFile  string  `yaml:"nmea_file" mapstructure:"nmea_file"` // Recorded NMEA log (for nmea mode)
	Latitude  float64 `yaml:"latitude" mapstructure:"latitude"`   // Manual latitude in decimal degrees
	Longitude float64 `yaml:"longitude" mapstructure:"longitude"` // Manual longitude in decimal degrees
	Elevation float64 `yaml:"elevation" mapstructure:"elevation"` // Manual elevation in meters
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"` // Log level (debug, info, warn, error)
	File  string `yaml:"file" mapstructure:"file"`   // Log file path (empty = stderr)
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			BlockBytes: 32 << 20, // 32 MiB of float64 samples per block
			Workers:    0,        // One codec worker per CPU
			Mmap:       false,    // Positioned reads by default
		},
		Convert: ConvertConfig{
			Format:      "container", // Chunked container output
			Bits:        0,           // Keep the input encoding
			SampleType:  "",          // Keep the input sample type
			AllowLossy:  false,       // Refuse lossy conversions
			Compression: "deflate",   // HDF5 deflate filter
			ChunkTime:   0,           // Derive from block size
			ChunkChans:  0,           // Whole spectra per chunk
			BlockTime:   0,           // Keep the source sub-block layout
			Overwrite:   false,       // Never clobber by default
			OutputDir:   "",          // Next to the input
		},
		Dice: DiceConfig{
			Format: "", // Same format as the input
		},
		Match: MatchConfig{
			TimeTolerance:      1.0,    // 1 second
			FrequencyTolerance: 0.001,  // 1 kHz
			AngularTolerance:   0,      // Ignore coordinates
			Export:             "json", // JSON export
		},
		Site: SiteConfig{
			Mode: "none", // No site stamping
		},
		Logging: LoggingConfig{
			Level: "info", // Info level logging
			File:  "",     // Log to stderr
		},
	}
}

// Validate checks values that the tools cannot recover from
func (c *Config) Validate() error {
	if c.Stream.BlockBytes < 0 {
		return fmt.Errorf("stream.block_bytes must not be negative, got %d", c.Stream.BlockBytes)
	}
	if c.Stream.Workers < 0 {
		return fmt.Errorf("stream.workers must not be negative, got %d", c.Stream.Workers)
	}
	if c.Convert.Bits < 0 {
		return fmt.Errorf("convert.bits must not be negative, got %d", c.Convert.Bits)
	}
	if c.Convert.ChunkTime < 0 || c.Convert.ChunkChans < 0 || c.Convert.BlockTime < 0 {
		return fmt.Errorf("chunk and block sizes must not be negative")
	}
	if c.Match.TimeTolerance < 0 || c.Match.FrequencyTolerance < 0 || c.Match.AngularTolerance < 0 {
		return fmt.Errorf("match tolerances must not be negative")
	}
	switch strings.ToLower(c.Match.Export) {
	case "json", "csv":
	default:
		return fmt.Errorf("invalid export format: %s (must be 'json' or 'csv')", c.Match.Export)
	}

	switch c.Site.Mode {
	case "none", "":
	case "nmea":
		if c.Site.NMEAFile == "" {
			return fmt.Errorf("NMEA log not specified for nmea site mode")
		}
	case "manual":
		if c.Site.Latitude < -90 || c.Site.Latitude > 90 {
			return fmt.Errorf("invalid latitude: %.8f (must be between -90 and 90 degrees)", c.Site.Latitude)
		}
		if c.Site.Longitude < -180 || c.Site.Longitude > 180 {
			return fmt.Errorf("invalid longitude: %.8f (must be between -180 and 180 degrees)", c.Site.Longitude)
		}
	default:
		return fmt.Errorf("invalid site mode: %s (must be 'none', 'nmea', or 'manual')", c.Site.Mode)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// YAML renders the configuration as a config file
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// Parse reads a YAML config file over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load overlays the config file, environment and bound flags held by v on
// the defaults and validates the result
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
