package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

const defaultStartFrom = "2024-01-01T00:00:00Z"

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseURL  string
	EnsureSchema bool
	DryRun       bool

	Sources         []domain.Source
	StartFrom       time.Time
	DatastreamAllow []domain.FilterEntry
	DatastreamDeny  []domain.FilterEntry

	RequestTimeout   time.Duration
	RemoteMaxRetries int
	PageSize         int
	BatchSize        int
	Workers          int

	RunInterval     time.Duration
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Optional Kafka notifications of recomputed hourly aggregates.
	KafkaBrokers []string
	KafkaTopic   string

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// sourceFile is the YAML layout of SOURCES_FILE.
type sourceFile struct {
	Sources []struct {
		Name                 string                          `yaml:"name"`
		URL                  string                          `yaml:"url"`
		LocationNames        []string                        `yaml:"location_names"`
		MatchLocationsByName bool                            `yaml:"match_locations_by_name"`
		Properties           map[int]domain.PropertyOverride `yaml:"multidatastream_properties"`
	} `yaml:"sources"`
}

// Load reads configuration from the environment (after an optional .env
// file), applying defaults where unset.
func Load() (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	startFrom, err := time.Parse(time.RFC3339, EnvOrDefault("START_FROM", defaultStartFrom))
	if err != nil {
		return nil, errors.New("invalid START_FROM: expected RFC 3339 timestamp")
	}

	requestTimeout, err := parseDuration("REQUEST_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	mapboxTimeout, err := parseDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	runInterval := time.Duration(0)
	if v := os.Getenv("RUN_INTERVAL"); v != "" {
		runInterval, err = time.ParseDuration(v)
		if err != nil || runInterval < 0 {
			return nil, errors.New("invalid RUN_INTERVAL")
		}
	}

	maxRetries, err := parseInt("REMOTE_MAX_RETRIES", 4, 0)
	if err != nil {
		return nil, err
	}
	pageSize, err := parseInt("PAGE_SIZE", 1000, 1)
	if err != nil {
		return nil, err
	}
	batchSize, err := parseInt("BATCH_SIZE", 1000, 1)
	if err != nil {
		return nil, err
	}
	workers, err := parseInt("WORKERS", 4, 1)
	if err != nil {
		return nil, err
	}

	sources, err := loadSources()
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		EnsureSchema:    os.Getenv("ENSURE_SCHEMA") == "true",
		DryRun:          os.Getenv("DRY_RUN") == "true",
		Sources:         sources,
		StartFrom:       startFrom.UTC(),
		DatastreamAllow: parseFilter(os.Getenv("DATASTREAM_ALLOW"), sources),
		DatastreamDeny:  parseFilter(os.Getenv("DATASTREAM_DENY"), sources),

		RequestTimeout:   requestTimeout,
		RemoteMaxRetries: maxRetries,
		PageSize:         pageSize,
		BatchSize:        batchSize,
		Workers:          workers,

		RunInterval:     runInterval,
		HTTPAddr:        EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaBrokers: ParseList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   EnvOrDefault("KAFKA_TOPIC", "sensor-hourly-aggregates"),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),
	}

	if len(cfg.Sources) == 0 {
		return nil, errors.New("SOURCES or SOURCES_FILE is required")
	}
	if cfg.DatabaseURL == "" && !cfg.DryRun {
		return nil, errors.New("DATABASE_URL is required unless DRY_RUN is true")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

// RunConfig returns the immutable configuration value handed to one
// ingestion run.
func (c *Config) RunConfig() domain.RunConfig {
	sources := make([]domain.Source, len(c.Sources))
	for i, s := range c.Sources {
		s.LocationNames = append([]string(nil), s.LocationNames...)
		if s.PropertyOverrides != nil {
			o := make(map[int]domain.PropertyOverride, len(s.PropertyOverrides))
			for k, v := range s.PropertyOverrides {
				o[k] = v
			}
			s.PropertyOverrides = o
		}
		sources[i] = s
	}
	return domain.RunConfig{
		StartFrom: c.StartFrom,
		Sources:   sources,
		Filter:    domain.NewFilter(c.DatastreamAllow, c.DatastreamDeny),
		BatchSize: c.BatchSize,
		Workers:   c.Workers,
	}
}

// EnvOrDefault returns the value of the environment variable or def when unset.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ParseList splits a comma separated value, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, def, minimum int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}

func parseFilter(s string, sources []domain.Source) []domain.FilterEntry {
	names := make([]string, len(sources))
	for i, src := range sources {
		names[i] = src.Name
	}
	var out []domain.FilterEntry
	for _, item := range ParseList(s) {
		out = append(out, domain.ParseFilterEntry(item, names))
	}
	return out
}

// loadSources merges SOURCES_FILE with SOURCES. An env entry replaces the
// URL of a file source with the same name.
func loadSources() ([]domain.Source, error) {
	var sources []domain.Source

	if path := os.Getenv("SOURCES_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read SOURCES_FILE: %w", err)
		}
		var f sourceFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse SOURCES_FILE: %w", err)
		}
		for _, s := range f.Sources {
			sources = append(sources, domain.Source{
				Name:                 s.Name,
				BaseURL:              s.URL,
				LocationNames:        s.LocationNames,
				MatchLocationsByName: s.MatchLocationsByName,
				PropertyOverrides:    s.Properties,
			})
		}
	}

	for _, item := range ParseList(os.Getenv("SOURCES")) {
		name, url, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid SOURCES entry %q: expected name=url", item)
		}
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		replaced := false
		for i := range sources {
			if sources[i].Name == name {
				sources[i].BaseURL = url
				replaced = true
			}
		}
		if !replaced {
			sources = append(sources, domain.Source{Name: name, BaseURL: url})
		}
	}

	seen := make(map[string]bool, len(sources))
	for i := range sources {
		s := &sources[i]
		s.BaseURL = strings.TrimRight(s.BaseURL, "/")
		if s.Name == "" || s.BaseURL == "" {
			return nil, errors.New("every source needs a name and a url")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
	}
	return sources, nil
}
