package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "NOTIFY"

type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	FCM      FCMConfig      `mapstructure:"fcm"`
	Expo     ExpoConfig     `mapstructure:"expo"`
	Email    EmailConfig    `mapstructure:"email"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the notification store: postgres, mongo or memory.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	MongoURI        string        `mapstructure:"mongo_uri"`
	MongoDatabase   string        `mapstructure:"mongo_database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type DeliveryConfig struct {
	ChannelTimeout time.Duration `mapstructure:"channel_timeout"`
}

type SweepConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	StaleClaimAfter time.Duration `mapstructure:"stale_claim_after"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

type FCMConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	ProjectID       string  `mapstructure:"project_id"`
	CredentialsFile string  `mapstructure:"credentials_file"`
	CredentialsJSON string  `mapstructure:"credentials_json"`
	RatePerSecond   float64 `mapstructure:"rate_per_second"`
}

type ExpoConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AccessToken string `mapstructure:"access_token"`
	Endpoint    string `mapstructure:"endpoint"`
}

type EmailConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIKey     string `mapstructure:"api_key"`
	From       string `mapstructure:"from"`
	RedirectTo string `mapstructure:"redirect_to"`
	AppName    string `mapstructure:"app_name"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// PolicyConfig picks the authorization engine: hardcoded or opa. An opa
// engine without a file uses the embedded policy.
type PolicyConfig struct {
	Engine string `mapstructure:"engine"`
	File   string `mapstructure:"file"`
}

type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type SecretsConfig struct {
	AWSSecretID string `mapstructure:"aws_secret_id"`
	AWSRegion   string `mapstructure:"aws_region"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "notifications")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("store.mongo_database", "notifications")
	v.SetDefault("store.max_open_conns", 20)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.queue", "notification.changes")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "notification-deliveries")
	v.SetDefault("kafka.group_id", "notification-outcomes")

	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)

	v.SetDefault("delivery.channel_timeout", 10*time.Second)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 5m")
	v.SetDefault("sweep.stale_claim_after", 15*time.Minute)
	v.SetDefault("sweep.lock_ttl", 4*time.Minute)

	v.SetDefault("fcm.enabled", true)
	v.SetDefault("fcm.project_id", "")
	v.SetDefault("fcm.credentials_file", "")
	v.SetDefault("fcm.credentials_json", "")
	v.SetDefault("fcm.rate_per_second", 0)

	v.SetDefault("expo.enabled", true)
	v.SetDefault("expo.access_token", "")
	v.SetDefault("expo.endpoint", "")

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.redirect_to", "")
	v.SetDefault("email.app_name", "Notifications")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("policy.engine", "hardcoded")
	v.SetDefault("policy.file", "")

	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("secrets.aws_secret_id", "")
	v.SetDefault("secrets.aws_region", "")
}

// Load reads defaults, then the optional YAML file at path, then NOTIFY_*
// environment variables (NOTIFY_STORE_DRIVER overrides store.driver).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ApplySecrets overwrites credential fields with non-empty values keyed by
// their config key, e.g. "fcm.credentials_json".
func (c *Config) ApplySecrets(values map[string]string) {
	fields := map[string]*string{
		"fcm.credentials_json": &c.FCM.CredentialsJSON,
		"expo.access_token":    &c.Expo.AccessToken,
		"email.api_key":        &c.Email.APIKey,
		"auth.jwt_secret":      &c.Auth.JWTSecret,
		"store.postgres_dsn":   &c.Store.PostgresDSN,
		"store.mongo_uri":      &c.Store.MongoURI,
		"redis.password":       &c.Redis.Password,
		"rabbitmq.url":         &c.RabbitMQ.URL,
	}
	for key, dst := range fields {
		if v := values[key]; v != "" {
			*dst = v
		}
	}
}

// Validate checks the settings every subcommand relies on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Policy.Engine {
	case "hardcoded", "opa":
	default:
		errs = append(errs, fmt.Errorf("unknown policy.engine %q", c.Policy.Engine))
	}

	if c.FCM.Enabled && c.FCM.ProjectID == "" {
		errs = append(errs, errors.New("fcm.project_id is required when fcm is enabled"))
	}
	if c.Email.Enabled && (c.Email.APIKey == "" || c.Email.From == "") {
		errs = append(errs, errors.New("email.api_key and email.from are required when email is enabled"))
	}
	if c.Delivery.ChannelTimeout <= 0 {
		errs = append(errs, errors.New("delivery.channel_timeout must be positive"))
	}
	return errors.Join(errs...)
}
