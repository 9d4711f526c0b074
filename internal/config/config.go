package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/georgeji/record-observer/internal/observer"
	"github.com/georgeji/record-observer/internal/source"
	"github.com/georgeji/record-observer/internal/source/postgres"
	"github.com/georgeji/record-observer/internal/source/salesforce"
)

const envPrefix = "OBSERVER"

const (
	SourceSalesforce = "salesforce"
	SourcePostgres   = "postgres"
	SourceMemory     = "memory"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Log      LogConfig      `mapstructure:"log"`
	Observer ObserverConfig `mapstructure:"observer"`
	Source   SourceConfig   `mapstructure:"source"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
}

type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ObserverConfig struct {
	EntityName             string        `mapstructure:"entity_name" validate:"required,identifier"`
	PollIntervalSeconds    int           `mapstructure:"poll_interval_seconds" validate:"min=1"`
	InitialObservationTime string        `mapstructure:"initial_observation_time"`
	DebounceWindow         time.Duration `mapstructure:"debounce_window"`
	ScanTimeout            time.Duration `mapstructure:"scan_timeout"`
	EndSkew                time.Duration `mapstructure:"end_skew" validate:"min=0"`
	SubscriberBuffer       int           `mapstructure:"subscriber_buffer" validate:"min=0"`
	ErrorBuffer            int           `mapstructure:"error_buffer" validate:"min=0"`
	Backoff                BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type SourceConfig struct {
	Kind       string           `mapstructure:"kind" validate:"oneof=salesforce postgres memory"`
	Salesforce SalesforceConfig `mapstructure:"salesforce"`
	Postgres   DatabaseConfig   `mapstructure:"postgres"`
}

type SalesforceConfig struct {
	LoginURL     string `mapstructure:"login_url"`
	Sandbox      bool   `mapstructure:"sandbox"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	APIVersion   string `mapstructure:"api_version"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"sslmode"`
	Table           string `mapstructure:"table"`
	IDColumn        string `mapstructure:"id_column"`
	UpdatedAtColumn string `mapstructure:"updated_at_column"`
	// CommitLag 扫描窗口向前多覆盖的时长，兜住扫描时尚未提交的事务
	CommitLag time.Duration `mapstructure:"commit_lag" validate:"min=0"`
}

type AuthConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	Credentials []Credential `mapstructure:"credentials" validate:"dive"`
}

// Credential AK/SK 凭证
type Credential struct {
	AccessKey string `mapstructure:"access_key" validate:"required"`
	SecretKey string `mapstructure:"secret_key" validate:"required"`
	Name      string `mapstructure:"name"`
}

// Load reads configPath (optional) and applies OBSERVER_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 默认值
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9091)
	v.SetDefault("log.level", "info")
	v.SetDefault("observer.entity_name", "")
	v.SetDefault("observer.poll_interval_seconds", int(observer.DefaultPollInterval/time.Second))
	v.SetDefault("observer.initial_observation_time", "")
	v.SetDefault("observer.debounce_window", observer.DefaultDebounceWindow)
	v.SetDefault("observer.scan_timeout", observer.DefaultScanTimeout)
	v.SetDefault("observer.end_skew", observer.DefaultEndSkew)
	v.SetDefault("observer.subscriber_buffer", observer.DefaultSubscriberBuffer)
	v.SetDefault("observer.error_buffer", observer.DefaultErrorBuffer)
	v.SetDefault("observer.backoff.enabled", false)
	v.SetDefault("observer.backoff.initial_interval", observer.DefaultPollInterval)
	v.SetDefault("observer.backoff.max_interval", 10*observer.DefaultPollInterval)
	v.SetDefault("source.kind", SourceSalesforce)
	v.SetDefault("source.salesforce.login_url", "")
	v.SetDefault("source.salesforce.client_id", "")
	v.SetDefault("source.salesforce.client_secret", "")
	v.SetDefault("source.salesforce.api_version", salesforce.DefaultAPIVersion)
	v.SetDefault("source.postgres.host", "localhost")
	v.SetDefault("source.postgres.port", 5432)
	v.SetDefault("source.postgres.user", "")
	v.SetDefault("source.postgres.password", "")
	v.SetDefault("source.postgres.database", "")
	v.SetDefault("source.postgres.sslmode", "disable")
	v.SetDefault("source.postgres.table", "")
	v.SetDefault("source.postgres.id_column", "id")
	v.SetDefault("source.postgres.updated_at_column", "updated_at")
	v.SetDefault("source.postgres.commit_lag", postgres.DefaultCommitLag)
	v.SetDefault("auth.enabled", false)

	// 兼容 SF_* 环境变量
	for key, legacy := range map[string]string{
		"source.salesforce.username": "SF_USERNAME",
		"source.salesforce.password": "SF_PASSWORD",
		"source.salesforce.sandbox":  "SF_SANDBOX",
	} {
		primary := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, primary, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return source.ValidIdentifier(fl.Field().String())
	})
	return v
}

// Validate checks field constraints and the cross-field rules for the chosen source.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Observer.initialObservationTime(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Source.Kind {
	case SourceSalesforce:
		sf := c.Source.Salesforce
		if sf.Username == "" || sf.Password == "" {
			return errors.New("invalid config: salesforce username and password are required")
		}
	case SourcePostgres:
		if c.Source.Postgres.Database == "" {
			return errors.New("invalid config: postgres database is required")
		}
	}
	if c.Auth.Enabled && len(c.Auth.Credentials) == 0 {
		return errors.New("invalid config: auth enabled without credentials")
	}
	return nil
}

func (o ObserverConfig) initialObservationTime() (time.Time, error) {
	if o.InitialObservationTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, o.InitialObservationTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("initial_observation_time: %w", err)
	}
	return t, nil
}

// ObserverConfig converts to the engine configuration.
func (c *Config) ObserverConfig() observer.Config {
	initial, _ := c.Observer.initialObservationTime()
	return observer.Config{
		EntityName:             c.Observer.EntityName,
		PollInterval:           time.Duration(c.Observer.PollIntervalSeconds) * time.Second,
		InitialObservationTime: initial,
		DebounceWindow:         c.Observer.DebounceWindow,
		EndSkew:                c.Observer.EndSkew,
		ScanTimeout:            c.Observer.ScanTimeout,
		SubscriberBuffer:       c.Observer.SubscriberBuffer,
		ErrorBuffer:            c.Observer.ErrorBuffer,
		Backoff: observer.BackoffConfig{
			Enabled:         c.Observer.Backoff.Enabled,
			InitialInterval: c.Observer.Backoff.InitialInterval,
			MaxInterval:     c.Observer.Backoff.MaxInterval,
		},
	}
}

func (c *Config) SalesforceConfig() salesforce.Config {
	sf := c.Source.Salesforce
	return salesforce.Config{
		LoginURL:     sf.LoginURL,
		Sandbox:      sf.Sandbox,
		ClientID:     sf.ClientID,
		ClientSecret: sf.ClientSecret,
		Username:     sf.Username,
		Password:     sf.Password,
		APIVersion:   sf.APIVersion,
	}
}

func (c *Config) PostgresConfig() postgres.Config {
	pg := c.Source.Postgres
	return postgres.Config{
		DSN:             pg.DSN(),
		Table:           pg.Table,
		IDColumn:        pg.IDColumn,
		UpdatedAtColumn: pg.UpdatedAtColumn,
		CommitLag:       pg.CommitLag,
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
