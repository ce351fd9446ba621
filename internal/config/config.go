package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"

	StrategyInMemory    = "in-memory"
	StrategyAlwaysQuery = "always-query"

	HeadersDocument         = "document"
	HeadersArrayOfDocuments = "array-of-documents"
	HeadersArrayOfArrays    = "array-of-arrays"

	PayloadsStructured = "structured"
	PayloadsBinary     = "binary"
)

type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Polling     PollingConfig     `mapstructure:"polling"`
	Log         LogConfig         `mapstructure:"log"`
}

type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnIdleTimeout time.Duration `mapstructure:"conn_idle_timeout"`
}

type PersistenceConfig struct {
	CheckpointStrategy string `mapstructure:"checkpoint_strategy"`
	FillHoles          bool   `mapstructure:"fill_holes"`
	Snapshots          bool   `mapstructure:"snapshots"`
	PageSize           int    `mapstructure:"page_size"`
	Headers            string `mapstructure:"headers"`
	Payloads           string `mapstructure:"payloads"`
}

type PollingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	HoleWait time.Duration `mapstructure:"hole_wait"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the file at path, if any, then the COMMITDB_ environment variables on top.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("commitdb")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// every key needs a default, AutomaticEnv only overrides keys viper knows about
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", DriverBolt)
	v.SetDefault("storage.path", "data/commits.db")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 0)
	v.SetDefault("storage.user", "")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.database", "commitdb")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_open_conns", 20)
	v.SetDefault("storage.conn_idle_timeout", 5*time.Minute)

	v.SetDefault("persistence.checkpoint_strategy", StrategyInMemory)
	v.SetDefault("persistence.fill_holes", true)
	v.SetDefault("persistence.snapshots", true)
	v.SetDefault("persistence.page_size", 128)
	v.SetDefault("persistence.headers", HeadersDocument)
	v.SetDefault("persistence.payloads", PayloadsStructured)

	v.SetDefault("polling.interval", time.Second)
	v.SetDefault("polling.hole_wait", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBolt, DriverSQLite:
		if c.Storage.Path == "" && c.Storage.DSN == "" {
			return errors.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case DriverPostgres, DriverMySQL:
		if c.Storage.DSN == "" && (c.Storage.Host == "" || c.Storage.Database == "") {
			return errors.Errorf("storage.host and storage.database or storage.dsn are required for the %s driver", c.Storage.Driver)
		}
	default:
		return errors.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if err := oneOf("persistence.checkpoint_strategy", c.Persistence.CheckpointStrategy, StrategyInMemory, StrategyAlwaysQuery); err != nil {
		return err
	}
	if err := oneOf("persistence.headers", c.Persistence.Headers, HeadersDocument, HeadersArrayOfDocuments, HeadersArrayOfArrays); err != nil {
		return err
	}
	if err := oneOf("persistence.payloads", c.Persistence.Payloads, PayloadsStructured, PayloadsBinary); err != nil {
		return err
	}
	if c.Persistence.PageSize <= 0 {
		return errors.New("persistence.page_size must be positive")
	}
	if c.Polling.Interval <= 0 {
		return errors.New("polling.interval must be positive")
	}
	if c.Polling.HoleWait < 0 {
		return errors.New("polling.hole_wait must not be negative")
	}
	if err := oneOf("log.format", c.Log.Format, "text", "json"); err != nil {
		return err
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
