package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/gate"
)

// #region config
// Config is the controller's full configuration.
type Config struct {
	Gate           gate.GateConfig
	DwellingMaxAge int

	DBPath         string
	CandidatesPath string
	FacetAddr      string // remote facet scorer; empty uses the batch's scripted rounds
	ListenAddr     string
	SystemIdentity string

	LogLevel string
	LogJSON  bool

	Concurrency int
	Interval    time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Gate:           gate.DefaultGateConfig(),
		DwellingMaxAge: 20,
		DBPath:         "data/triad.db",
		CandidatesPath: "candidates.yaml",
		ListenAddr:     "localhost:50061",
		SystemIdentity: "triad-controller",
		LogLevel:       "info",
		Concurrency:    4,
		Interval:       30 * time.Second,
	}
}

// Validate rejects settings the controller cannot run with.
func (c Config) Validate() error {
	var errs []error
	if !(c.Gate.DisagreementThreshold > 0 && c.Gate.DisagreementThreshold <= 1) {
		errs = append(errs, fmt.Errorf("disagreement_threshold %v outside (0,1]", c.Gate.DisagreementThreshold))
	}
	if c.Gate.ConsecutiveRounds < 1 {
		errs = append(errs, fmt.Errorf("consecutive_rounds %d < 1", c.Gate.ConsecutiveRounds))
	}
	if c.DwellingMaxAge < 1 {
		errs = append(errs, fmt.Errorf("dwelling_max_age %d < 1", c.DwellingMaxAge))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency %d < 1", c.Concurrency))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval %v must be positive", c.Interval))
	}
	if strings.TrimSpace(c.SystemIdentity) == "" {
		errs = append(errs, errors.New("system_identity is empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is empty"))
	}
	return errors.Join(errs...)
}

// #endregion config

// #region file
type fileConfig struct {
	DisagreementThreshold float64 `toml:"disagreement_threshold"`
	ConsecutiveRounds     int     `toml:"consecutive_rounds"`
	DwellingMaxAge        int     `toml:"dwelling_max_age"`
	DBPath                string  `toml:"db_path"`
	CandidatesPath        string  `toml:"candidates_path"`
	FacetAddr             string  `toml:"facet_addr"`
	ListenAddr            string  `toml:"listen_addr"`
	SystemIdentity        string  `toml:"system_identity"`
	LogLevel              string  `toml:"log_level"`
	LogJSON               bool    `toml:"log_json"`
	Concurrency           int     `toml:"concurrency"`
	Interval              string  `toml:"interval"`
}

// Load overlays a TOML file (when path is non-empty) and then TRIAD_*
// environment variables onto Default, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = overlayFile(cfg, path); err != nil {
			return Config{}, err
		}
	}
	cfg, err := overlayEnv(cfg, os.Getenv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func overlayFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("disagreement_threshold") {
		cfg.Gate.DisagreementThreshold = raw.DisagreementThreshold
	}
	if meta.IsDefined("consecutive_rounds") {
		cfg.Gate.ConsecutiveRounds = raw.ConsecutiveRounds
	}
	if meta.IsDefined("dwelling_max_age") {
		cfg.DwellingMaxAge = raw.DwellingMaxAge
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("candidates_path") {
		cfg.CandidatesPath = strings.TrimSpace(raw.CandidatesPath)
	}
	if meta.IsDefined("facet_addr") {
		cfg.FacetAddr = strings.TrimSpace(raw.FacetAddr)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("system_identity") {
		cfg.SystemIdentity = strings.TrimSpace(raw.SystemIdentity)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_json") {
		cfg.LogJSON = raw.LogJSON
	}
	if meta.IsDefined("concurrency") {
		cfg.Concurrency = raw.Concurrency
	}
	if meta.IsDefined("interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
		if err != nil {
			return Config{}, fmt.Errorf("parse interval: %w", err)
		}
		cfg.Interval = d
	}
	return cfg, nil
}

// #endregion file

// #region env
func overlayEnv(cfg Config, getenv func(string) string) (Config, error) {
	var err error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("parse %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}

	if v := strings.TrimSpace(getenv("TRIAD_DISAGREEMENT_THRESHOLD")); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return Config{}, fmt.Errorf("parse TRIAD_DISAGREEMENT_THRESHOLD: %w", perr)
		}
		cfg.Gate.DisagreementThreshold = f
	}
	num("TRIAD_CONSECUTIVE_ROUNDS", &cfg.Gate.ConsecutiveRounds)
	num("TRIAD_DWELLING_MAX_AGE", &cfg.DwellingMaxAge)
	num("TRIAD_CONCURRENCY", &cfg.Concurrency)
	str("TRIAD_DB_PATH", &cfg.DBPath)
	str("TRIAD_CANDIDATES_PATH", &cfg.CandidatesPath)
	str("TRIAD_FACET_ADDR", &cfg.FacetAddr)
	str("TRIAD_LISTEN_ADDR", &cfg.ListenAddr)
	str("TRIAD_SYSTEM_IDENTITY", &cfg.SystemIdentity)
	str("TRIAD_LOG_LEVEL", &cfg.LogLevel)
	if v := strings.TrimSpace(getenv("TRIAD_LOG_JSON")); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return Config{}, fmt.Errorf("parse TRIAD_LOG_JSON: %w", perr)
		}
		cfg.LogJSON = b
	}
	if v := strings.TrimSpace(getenv("TRIAD_INTERVAL")); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return Config{}, fmt.Errorf("parse TRIAD_INTERVAL: %w", perr)
		}
		cfg.Interval = d
	}
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// #endregion env
