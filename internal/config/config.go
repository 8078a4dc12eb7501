package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/meteorcal/config.json"
	defaultParallel   = 4
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "METEORCAL_CONFIG"

// Config holds user-editable settings for the reduction pipeline.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Stacking   Stacking   `json:"stacking" yaml:"stacking"`
	Tools      Tools      `json:"tools" yaml:"tools"`
	Refinement Refinement `json:"refinement" yaml:"refinement"`
	Server     Server     `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int     `json:"parallel_jobs" yaml:"parallel_jobs"`
	Parallelism  int     `json:"parallelism" yaml:"parallelism"` // workers per frame set
	Exposure     float64 `json:"exposure" yaml:"exposure"`       // seconds; frames with other exposures are skipped
	TempDir      string  `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json, traditional
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // Max size in MB before rotation
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // Days to keep log files
}

// Paths configures the station archive layout.
type Paths struct {
	StationDir     string `json:"station_dir" yaml:"station_dir"` // raw captures, <dir>/<CODE>/<YYYYMM>/
	ProcDir        string `json:"proc_dir" yaml:"proc_dir"`       // reductions, <dir>/<CODE>/<YYYYMM>/processed_<DD>/
	MetaDir        string `json:"meta_dir" yaml:"meta_dir"`       // per-station mask.fits
	ConfDir        string `json:"conf_dir" yaml:"conf_dir"`       // solver configuration files
	DatabasePath   string `json:"database_path" yaml:"database_path"`
	FrameIndexPath string `json:"frame_index_path" yaml:"frame_index_path"`
}

// Stacking names the products of the sliding median.
type Stacking struct {
	Window            int    `json:"window" yaml:"window"`
	ProcessedPrefix   string `json:"processed_prefix" yaml:"processed_prefix"`
	BackgroundPrefix  string `json:"background_prefix" yaml:"background_prefix"` // empty disables background output
	QualityMaskPrefix string `json:"quality_mask_prefix" yaml:"quality_mask_prefix"`
	Quicklook         bool   `json:"quicklook" yaml:"quicklook"`
}

// Tools locates the external astrometry programs.
type Tools struct {
	SExtractor string `json:"sextractor" yaml:"sextractor"`
	Scamp      string `json:"scamp" yaml:"scamp"`
	RefCatalog string `json:"ref_catalog" yaml:"ref_catalog"`
	Timeout    string `json:"timeout" yaml:"timeout"` // Go duration, empty for none
}

// Refinement controls the global calibration loop.
type Refinement struct {
	MaxIterations  int     `json:"max_iterations" yaml:"max_iterations"`
	AttemptTimeout string  `json:"attempt_timeout" yaml:"attempt_timeout"`
	EventMaxDays   float64 `json:"event_max_days" yaml:"event_max_days"`
}

// Server configures the HTTP status surface.
type Server struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Validate checks the settings that the pipeline cannot run without.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Processing),
		validation.Field(&c.Logging),
		validation.Field(&c.Stacking),
		validation.Field(&c.Tools),
		validation.Field(&c.Refinement),
	)
}

// Validate implements validation.Validatable.
func (p Processing) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ParallelJobs, validation.Required, validation.Min(1)),
		validation.Field(&p.Parallelism, validation.Min(0)),
		validation.Field(&p.Exposure, validation.Min(0.0)),
	)
}

// Validate implements validation.Validatable.
func (l Logging) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "warning", "error")),
		validation.Field(&l.Format, validation.In("text", "json", "traditional")),
	)
}

// Validate implements validation.Validatable.
func (s Stacking) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Window, validation.Required, validation.Min(1)),
		validation.Field(&s.ProcessedPrefix, validation.Required),
		validation.Field(&s.QualityMaskPrefix, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (t Tools) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.SExtractor, validation.Required),
		validation.Field(&t.Scamp, validation.Required),
		validation.Field(&t.Timeout, validation.By(durationRule)),
	)
}

// Validate implements validation.Validatable.
func (r Refinement) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxIterations, validation.Min(0)),
		validation.Field(&r.AttemptTimeout, validation.By(durationRule)),
		validation.Field(&r.EventMaxDays, validation.Min(0.0)),
	)
}

func durationRule(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return errors.New("must be a duration such as 10m")
	}
	return nil
}

// ToolTimeout returns the per-invocation bound of the external tools.
func (c *Config) ToolTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Tools.Timeout)
	return d
}

// AttemptTimeout returns the bound of one global solver attempt.
func (c *Config) AttemptTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Refinement.AttemptTimeout)
	return d
}

// StationDir is the raw capture directory of a station.
func (c *Config) StationDir(code string) string {
	return filepath.Join(c.Paths.StationDir, strings.ToUpper(code))
}

// StationProcDir is the reduction root of a station.
func (c *Config) StationProcDir(code string) string {
	return filepath.Join(c.Paths.ProcDir, strings.ToUpper(code))
}

// RunDir is the output directory of one night, <proc>/<CODE>/<YYYYMM>/processed_<DD>.
func (c *Config) RunDir(code string, night time.Time) string {
	return filepath.Join(c.StationProcDir(code), night.Format("200601"), "processed_"+night.Format("02"))
}

// CaptureDir is the raw capture directory of the month holding night.
func (c *Config) CaptureDir(code string, night time.Time) string {
	return filepath.Join(c.StationDir(code), night.Format("200601"))
}

// MaskPath is the static station mask.
func (c *Config) MaskPath(code string) string {
	return filepath.Join(c.Paths.MetaDir, strings.ToUpper(code), "mask.fits")
}

// AheadPath is the station calibration header template.
func (c *Config) AheadPath(code string) string {
	return filepath.Join(c.StationProcDir(code), "scamp", "scamp.ahead")
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path. A missing file yields the
// defaults. Files ending in .yaml or .yml are read as YAML, anything
// else as JSON. Environment references in the file are expanded.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	raw = []byte(os.ExpandEnv(string(raw)))

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, cfg)
	default:
		err = json.Unmarshal(raw, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Path reports the file Load would read.
func Path() (string, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			Parallelism:  0,
			Exposure:     5.0,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			StationDir:     "/data/stations",
			ProcDir:        "/data/proc",
			MetaDir:        "/data/meta",
			ConfDir:        "/data/conf",
			DatabasePath:   filepath.Join(os.TempDir(), "meteorcal.db"),
			FrameIndexPath: filepath.Join(os.TempDir(), "meteorcal-frames.db"),
		},
		Stacking: Stacking{
			Window:            10,
			ProcessedPrefix:   "p",
			QualityMaskPrefix: "om",
		},
		Tools: Tools{
			SExtractor: "sex",
			Scamp:      "scamp",
			RefCatalog: "GAIA-DR1",
			Timeout:    "30m",
		},
		Refinement: Refinement{
			MaxIterations:  10,
			AttemptTimeout: "2h",
			EventMaxDays:   30,
		},
		Server: Server{
			Addr: "127.0.0.1:8090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
