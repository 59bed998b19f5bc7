package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Saga     SagaConfig     `yaml:"saga"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Payment  PaymentConfig  `yaml:"payment"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Address    string `yaml:"address"`
	SwaggerDir string `yaml:"swagger_dir"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	// Memory swaps Postgres for the in-process store. Local runs only.
	Memory bool `yaml:"memory"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	BookingEventsTopic string   `yaml:"booking_events_topic"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	DeadLetterTopic    string   `yaml:"dead_letter_topic"`
	GroupID            string   `yaml:"group_id"`
}

type SagaConfig struct {
	Workers              int      `yaml:"workers"`
	HoldTTL              Duration `yaml:"hold_ttl"`
	StepTimeout          Duration `yaml:"step_timeout"`
	StepAttempts         int      `yaml:"step_attempts"`
	StepBackoff          Duration `yaml:"step_backoff"`
	SubmitTimeout        Duration `yaml:"submit_timeout"`
	CASRetries           int      `yaml:"cas_retries"`
	CompensationAttempts int      `yaml:"compensation_attempts"`
	CompensationBackoff  Duration `yaml:"compensation_backoff"`
	ComboDiscountBps     int64    `yaml:"combo_discount_bps"`
	CustomerLookup       Duration `yaml:"customer_lookup_timeout"`
}

type ReaperConfig struct {
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
	// PerSecond caps how many expired bookings are compensated per second.
	PerSecond float64 `yaml:"per_second"`
	// StaleAfter is how long a booking may sit in COMPENSATING before the
	// sweep finishes the compensation itself.
	StaleAfter Duration `yaml:"stale_after"`
}

type PaymentConfig struct {
	// Provider is "stripe" or "sandbox".
	Provider        string `yaml:"provider"`
	StripeSecretKey string `yaml:"stripe_secret_key"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

// Duration reads YAML values such as "15m" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate fills defaults and rejects settings the saga cannot run with.
func (c *Config) Validate() error {
	setDefault(&c.Saga.HoldTTL, 15*time.Minute)
	setDefault(&c.Saga.StepTimeout, 10*time.Second)
	setDefault(&c.Saga.StepBackoff, 100*time.Millisecond)
	setDefault(&c.Saga.SubmitTimeout, 2*time.Second)
	setDefault(&c.Saga.CompensationBackoff, 100*time.Millisecond)
	setDefault(&c.Saga.CustomerLookup, 300*time.Millisecond)
	setDefault(&c.Reaper.Interval, time.Minute)
	setDefault(&c.Reaper.StaleAfter, 5*time.Minute)
	if c.Saga.Workers == 0 {
		c.Saga.Workers = 16
	}
	if c.Saga.StepAttempts == 0 {
		c.Saga.StepAttempts = 3
	}
	if c.Saga.CASRetries == 0 {
		c.Saga.CASRetries = 3
	}
	if c.Saga.CompensationAttempts == 0 {
		c.Saga.CompensationAttempts = 3
	}
	if c.Saga.ComboDiscountBps == 0 {
		c.Saga.ComboDiscountBps = 500
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = 100
	}
	if c.Reaper.PerSecond == 0 {
		c.Reaper.PerSecond = 50
	}
	if c.Payment.Provider == "" {
		c.Payment.Provider = "sandbox"
	}

	switch {
	case c.Saga.Workers < 0:
		return fmt.Errorf("saga.workers must be positive")
	case c.Saga.ComboDiscountBps < 0 || c.Saga.ComboDiscountBps >= 10_000:
		return fmt.Errorf("saga.combo_discount_bps must be in [0, 10000)")
	case c.Payment.Provider != "stripe" && c.Payment.Provider != "sandbox":
		return fmt.Errorf("payment.provider must be stripe or sandbox, got %q", c.Payment.Provider)
	case c.Payment.Provider == "stripe" && c.Payment.StripeSecretKey == "":
		return fmt.Errorf("payment.stripe_secret_key is required for the stripe provider")
	}
	return nil
}

func setDefault(d *Duration, v time.Duration) {
	if d.Duration == 0 {
		d.Duration = v
	}
}
