// Package config provides configuration loading and management for usrecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"usrecon/pkg/reconstruction"
	"usrecon/pkg/transform"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reconstruction parameters
	Reconstruction struct {
		// OutputSpacing is the voxel size of the output volume in mm (x, y, z)
		OutputSpacing []float64 `yaml:"outputSpacing"`

		// Compounding selects how overlapping samples combine: last, max or mean
		Compounding string `yaml:"compounding"`

		// FillHoles runs the hole-filling pass after all slices are inserted
		FillHoles bool `yaml:"fillHoles"`

		// HoleFilling configures the hole-filling pass
		HoleFilling struct {
			// Neighborhood is 6 or 26
			Neighborhood int `yaml:"neighborhood"`

			// MaxPasses bounds the number of passes, 0 runs until convergence
			MaxPasses int `yaml:"maxPasses"`
		} `yaml:"holeFilling"`

		// MaxMemoryMB caps the size of the output volume
		MaxMemoryMB int64 `yaml:"maxMemoryMB"`

		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"reconstruction"`

	// Calibration of the tracked probe
	Calibration struct {
		// ImageToTool is the 4x4 image-to-tool matrix in row-major order
		ImageToTool []float64 `yaml:"imageToTool"`
	} `yaml:"calibration"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogFormat is "text" or "json"
		LogFormat string `yaml:"logFormat"`

		// SliceDir receives TIFF slices of the volume along each axis when set
		SliceDir string `yaml:"sliceDir"`

		// ReportFile receives a PNG plot of per-frame insertion counts when set
		ReportFile string `yaml:"reportFile"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default reconstruction parameters
	cfg.Reconstruction.OutputSpacing = []float64{1.0, 1.0, 1.0}
	cfg.Reconstruction.Compounding = reconstruction.LastWrite.String()
	cfg.Reconstruction.FillHoles = false
	cfg.Reconstruction.HoleFilling.Neighborhood = 6
	cfg.Reconstruction.HoleFilling.MaxPasses = 1
	cfg.Reconstruction.MaxMemoryMB = reconstruction.DefaultMaxBytes >> 20
	cfg.Reconstruction.NumCores = runtime.NumCPU() // Use all available cores by default

	// Identity calibration: one pixel per mm
	identity := transform.Identity()
	cfg.Calibration.ImageToTool = append([]float64(nil), identity[:]...)

	// Set default output parameters
	cfg.Output.Verbose = false
	cfg.Output.LogFormat = "text"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// Validate checks value ranges that YAML decoding cannot express.
func (c *Config) Validate() error {
	if len(c.Reconstruction.OutputSpacing) != 3 {
		return fmt.Errorf("outputSpacing needs 3 values, got %d", len(c.Reconstruction.OutputSpacing))
	}
	for _, s := range c.Reconstruction.OutputSpacing {
		if !(s > 0) {
			return fmt.Errorf("outputSpacing values must be positive, got %v", c.Reconstruction.OutputSpacing)
		}
	}
	if _, err := reconstruction.ParsePolicy(c.Reconstruction.Compounding); err != nil {
		return err
	}
	if _, err := transform.FromSlice(c.Calibration.ImageToTool); err != nil {
		return fmt.Errorf("calibration.imageToTool: %w", err)
	}
	if c.Reconstruction.MaxMemoryMB < 0 {
		return fmt.Errorf("maxMemoryMB must not be negative, got %d", c.Reconstruction.MaxMemoryMB)
	}
	switch strings.ToLower(c.Output.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logFormat must be text or json, got %q", c.Output.LogFormat)
	}
	return c.holeFillOptions().Validate()
}

func (c *Config) holeFillOptions() reconstruction.HoleFillOptions {
	return reconstruction.HoleFillOptions{
		Neighborhood: c.Reconstruction.HoleFilling.Neighborhood,
		MaxPasses:    c.Reconstruction.HoleFilling.MaxPasses,
	}
}

// Params converts the configuration into reconstruction parameters.
func (c *Config) Params() (*reconstruction.Params, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	policy, _ := reconstruction.ParsePolicy(c.Reconstruction.Compounding)
	calibration, _ := transform.FromSlice(c.Calibration.ImageToTool)
	spacing := c.Reconstruction.OutputSpacing

	params := &reconstruction.Params{
		ImageToTool:    calibration,
		Policy:         policy,
		FillHoles:      c.Reconstruction.FillHoles,
		HoleFill:       c.holeFillOptions(),
		MaxMemoryBytes: c.Reconstruction.MaxMemoryMB << 20,
		NumCores:       c.Reconstruction.NumCores,
	}
	params.OutputSpacing.X, params.OutputSpacing.Y, params.OutputSpacing.Z = spacing[0], spacing[1], spacing[2]
	return params, nil
}

// NewLogger returns a structured logger following the output settings.
func (c *Config) NewLogger() *slog.Logger {
	level := slog.LevelInfo
	if c.Output.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Output.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
