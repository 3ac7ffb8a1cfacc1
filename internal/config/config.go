package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	ODS       ODSConfig       `yaml:"ods" mapstructure:"ods"`
	Companies CompaniesConfig `yaml:"companies" mapstructure:"companies"`
	GovUK     GovUKConfig     `yaml:"govuk" mapstructure:"govuk"`
	Postcodes PostcodesConfig `yaml:"postcodes" mapstructure:"postcodes"`
	Geography GeographyConfig `yaml:"geography" mapstructure:"geography"`
	Match     MatchConfig     `yaml:"match" mapstructure:"match"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// StorageConfig holds object-storage credentials for presigned access.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	// ExpirySecs bounds the lifetime of generated presigned URLs.
	ExpirySecs int `yaml:"expiry_secs" mapstructure:"expiry_secs"`
}

// ODSConfig configures the health-organisation directory client.
type ODSConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// CompaniesConfig configures the company registry client.
type CompaniesConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	// RateWindow requests per WindowSecs, enforced client-side.
	RateWindow int `yaml:"rate_window" mapstructure:"rate_window"`
	WindowSecs int `yaml:"window_secs" mapstructure:"window_secs"`
}

// GovUKConfig configures the central-government directory client.
type GovUKConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PostcodesConfig configures the postcode geocoding client.
type PostcodesConfig struct {
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// GeographyConfig configures the administrative-geography register.
type GeographyConfig struct {
	RegisterPath  string `yaml:"register_path" mapstructure:"register_path"`
	BoundaryPath  string `yaml:"boundary_path" mapstructure:"boundary_path"`
	DirectoryURL  string `yaml:"directory_url" mapstructure:"directory_url"`
	EnableLookups bool   `yaml:"enable_lookups" mapstructure:"enable_lookups"`
}

// MatchConfig holds the confidence-threshold policy for supplier/buyer
// matching. Thresholds default identically across source types.
type MatchConfig struct {
	AutoMatch     float64 `yaml:"auto_match" mapstructure:"auto_match"`
	MinSimilarity float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
	FuzzyLocal    float64 `yaml:"fuzzy_local" mapstructure:"fuzzy_local"`
	CooldownSecs  int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	BatchLimit    int     `yaml:"batch_limit" mapstructure:"batch_limit"`
}

// FetchConfig holds external-fetch tunables shared by all registry clients.
type FetchConfig struct {
	TimeoutSecs     int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries      int `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMillis   int `yaml:"backoff_millis" mapstructure:"backoff_millis"`
	MinIntervalMill int `yaml:"min_interval_millis" mapstructure:"min_interval_millis"`
}

// Timeout returns the fetch timeout as a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// EnrichConfig bounds the location enrichment sweep.
type EnrichConfig struct {
	MaxEntities  int `yaml:"max_entities" mapstructure:"max_entities"`
	MaxPostcodes int `yaml:"max_postcodes" mapstructure:"max_postcodes"`
	Concurrency  int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SPEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("storage.region", "eu-west-2")
	v.SetDefault("storage.expiry_secs", 900)
	v.SetDefault("ods.base_url", "https://directory.spineservices.nhs.uk/ORD/2-0-0")
	v.SetDefault("companies.base_url", "https://api.company-information.service.gov.uk")
	v.SetDefault("companies.rate_window", 600)
	v.SetDefault("companies.window_secs", 300)
	v.SetDefault("govuk.base_url", "https://www.gov.uk")
	v.SetDefault("postcodes.base_url", "https://api.postcodes.io")
	v.SetDefault("postcodes.rps", 10)
	v.SetDefault("geography.register_path", "data/local-authorities.csv")
	v.SetDefault("geography.enable_lookups", true)
	v.SetDefault("match.auto_match", 0.90)
	v.SetDefault("match.min_similarity", 0.50)
	v.SetDefault("match.fuzzy_local", 0.90)
	v.SetDefault("match.cooldown_secs", 60)
	v.SetDefault("match.batch_limit", 500)
	v.SetDefault("fetch.timeout_secs", 25)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_millis", 500)
	v.SetDefault("fetch.min_interval_millis", 200)
	v.SetDefault("enrich.max_entities", 500)
	v.SetDefault("enrich.max_postcodes", 200)
	v.SetDefault("enrich.concurrency", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
