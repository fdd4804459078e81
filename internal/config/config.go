package config

import (
	"os"
	"time"

	"github.com/go-yaml/yaml"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Sync       Sync       `yaml:"sync"`
	Enrichment Enrichment `yaml:"enrichment"`
}

type Server struct {
	Listen        string `yaml:"listen"`
	PostgresDsn   string `yaml:"postgresDsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	LogLevel      string `yaml:"logLevel"` // debug, info, warn, error
}

// Sync tunes the persistence engine.
type Sync struct {
	QuietPeriod  time.Duration `yaml:"quietPeriod"`
	MinInterval  time.Duration `yaml:"minInterval"`
	SettlePeriod time.Duration `yaml:"settlePeriod"`
	FlushOnClose bool          `yaml:"flushOnClose"`
	AssetDelay   time.Duration `yaml:"assetDelay"`
}

type Enrichment struct {
	// Endpoint of the enrichment service. Empty means this process serves it.
	Endpoint         string        `yaml:"endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	PollAttempts     int           `yaml:"pollAttempts"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	PlaceholderImage string        `yaml:"placeholderImage"`
	ProbeAttempts    int           `yaml:"probeAttempts"`
	ProbeInterval    time.Duration `yaml:"probeInterval"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	AllowPrivate     bool          `yaml:"allowPrivate"`
}

func Load(path string) (Config, error) {

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, err
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Sync.QuietPeriod <= 0 {
		c.Sync.QuietPeriod = time.Second
	}
	if c.Sync.SettlePeriod <= 0 {
		c.Sync.SettlePeriod = 2 * time.Second
	}
	if c.Enrichment.Timeout <= 0 {
		c.Enrichment.Timeout = 10 * time.Second
	}
	if c.Enrichment.ProbeAttempts <= 0 {
		c.Enrichment.ProbeAttempts = 3
	}
	if c.Enrichment.ProbeInterval <= 0 {
		c.Enrichment.ProbeInterval = 200 * time.Millisecond
	}
}
