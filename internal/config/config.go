// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"coldfront/internal/featureflags"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	JWTSecret            string `mapstructure:"JWT_SECRET"`
	TokenExpirationHours int    `mapstructure:"TOKEN_EXPIRATION_HOURS"`
	Port                 string `mapstructure:"PORT"`
	Env                  string `mapstructure:"APP_ENV"`
	AllowedOrigins       string `mapstructure:"ALLOWED_ORIGINS"`
	FeatureFlags         string `mapstructure:"FEATURE_FLAGS"`
	SchemaMode           string `mapstructure:"SCHEMA_MODE"`
	LogLevel             string `mapstructure:"LOG_LEVEL"`
	APIRateLimit         int    `mapstructure:"API_RATE_LIMIT"`

	AutoMigrateAllowDestructive bool `mapstructure:"DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE"`

	DevBootstrapRoot        bool   `mapstructure:"DEV_BOOTSTRAP_ROOT"`
	DevRootUsername         string `mapstructure:"DEV_ROOT_USERNAME"`
	DevRootEmail            string `mapstructure:"DEV_ROOT_EMAIL"`
	DevRootPassword         string `mapstructure:"DEV_ROOT_PASSWORD"`
	DevRootForceCredentials bool   `mapstructure:"DEV_ROOT_FORCE_CREDENTIALS"`

	DBHost                   string `mapstructure:"DB_HOST"`
	DBPort                   string `mapstructure:"DB_PORT"`
	DBUser                   string `mapstructure:"DB_USER"`
	DBPassword               string `mapstructure:"DB_PASSWORD"`
	DBName                   string `mapstructure:"DB_NAME"`
	DBSSLMode                string `mapstructure:"DB_SSLMODE"`
	DBMaxOpenConns           int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns           int    `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetimeMinutes int    `mapstructure:"DB_CONN_MAX_LIFETIME_MINUTES"`
	RedisURL                 string `mapstructure:"REDIS_URL"`

	EmailEnabled          bool   `mapstructure:"EMAIL_ENABLED"`
	EmailSender           string `mapstructure:"EMAIL_SENDER"`
	EmailSignature        string `mapstructure:"EMAIL_SIGNATURE"`
	EmailAdminList        string `mapstructure:"EMAIL_ADMIN_LIST"`
	RequestApprovalCCList string `mapstructure:"REQUEST_APPROVAL_CC_LIST"`
	CenterHelpEmail       string `mapstructure:"CENTER_HELP_EMAIL"`
	CenterBaseURL         string `mapstructure:"CENTER_BASE_URL"`
	SMTPHost              string `mapstructure:"SMTP_HOST"`
	SMTPPort              int    `mapstructure:"SMTP_PORT"`
	SMTPUsername          string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword          string `mapstructure:"SMTP_PASSWORD"`

	AllocationMinRaw        string `mapstructure:"ALLOCATION_MIN"`
	AllocationMaxRaw        string `mapstructure:"ALLOCATION_MAX"`
	FCADefaultAllocationRaw string `mapstructure:"FCA_DEFAULT_ALLOCATION"`
	PCADefaultAllocationRaw string `mapstructure:"PCA_DEFAULT_ALLOCATION"`
	CODefaultAllocationRaw  string `mapstructure:"CO_DEFAULT_ALLOCATION"`
	ICADefaultAllocationRaw string `mapstructure:"ICA_DEFAULT_ALLOCATION"`
	DecimalMaxDigits        int    `mapstructure:"DECIMAL_MAX_DIGITS"`
	DecimalMaxPlaces        int    `mapstructure:"DECIMAL_MAX_PLACES"`
	DisplayTimeZone         string `mapstructure:"DISPLAY_TIME_ZONE"`

	AccountDeactivationQueueDays   int    `mapstructure:"ACCOUNT_DEACTIVATION_QUEUE_DAYS"`
	AccountDeletionManualQueueDays int    `mapstructure:"ACCOUNT_DELETION_MANUAL_QUEUE_DAYS"`
	AccountDeletionAutoQueueDays   int    `mapstructure:"ACCOUNT_DELETION_AUTO_QUEUE_DAYS"`
	SavioProjectForVectorUsers     string `mapstructure:"SAVIO_PROJECT_FOR_VECTOR_USERS"`
	BatchCommandTimeoutMinutes     int    `mapstructure:"BATCH_COMMAND_TIMEOUT_MINUTES"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix string `mapstructure:"KAFKA_TOPIC_PREFIX"`

	OTelExporter    string  `mapstructure:"OTEL_EXPORTER"`
	OTelEndpoint    string  `mapstructure:"OTEL_ENDPOINT"`
	OTelSampleRatio float64 `mapstructure:"OTEL_SAMPLE_RATIO"`

	// Parsed in Validate.
	AllocationMin        decimal.Decimal `mapstructure:"-"`
	AllocationMax        decimal.Decimal `mapstructure:"-"`
	FCADefaultAllocation decimal.Decimal `mapstructure:"-"`
	PCADefaultAllocation decimal.Decimal `mapstructure:"-"`
	CODefaultAllocation  decimal.Decimal `mapstructure:"-"`
	ICADefaultAllocation decimal.Decimal `mapstructure:"-"`
	Location             *time.Location  `mapstructure:"-"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base file is optional; env vars and defaults are enough to boot.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.DBSSLMode = strings.ToLower(strings.TrimSpace(config.DBSSLMode))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("TOKEN_EXPIRATION_HOURS", 24)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	viper.SetDefault("FEATURE_FLAGS", "")
	viper.SetDefault("SCHEMA_MODE", "hybrid")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("API_RATE_LIMIT", 100)
	viper.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
	viper.SetDefault("DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE", false)
	viper.SetDefault("DEV_BOOTSTRAP_ROOT", false)
	viper.SetDefault("DEV_ROOT_USERNAME", "coldfront_root")
	viper.SetDefault("DEV_ROOT_EMAIL", "root@coldfront.local")

	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "coldfront")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "coldfront")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 10)
	viper.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30)
	viper.SetDefault("REDIS_URL", "localhost:6379")

	viper.SetDefault("EMAIL_ENABLED", false)
	viper.SetDefault("EMAIL_SENDER", "noreply@example.edu")
	viper.SetDefault("EMAIL_SIGNATURE", "Research IT Team")
	viper.SetDefault("EMAIL_ADMIN_LIST", "")
	viper.SetDefault("REQUEST_APPROVAL_CC_LIST", "")
	viper.SetDefault("CENTER_HELP_EMAIL", "help@example.edu")
	viper.SetDefault("CENTER_BASE_URL", "http://localhost:8375")
	viper.SetDefault("SMTP_HOST", "localhost")
	viper.SetDefault("SMTP_PORT", 25)

	viper.SetDefault("ALLOCATION_MIN", "0.00")
	viper.SetDefault("ALLOCATION_MAX", "100000000.00")
	viper.SetDefault("FCA_DEFAULT_ALLOCATION", "300000.00")
	viper.SetDefault("PCA_DEFAULT_ALLOCATION", "300000.00")
	viper.SetDefault("CO_DEFAULT_ALLOCATION", "100000000.00")
	viper.SetDefault("ICA_DEFAULT_ALLOCATION", "200000.00")
	viper.SetDefault("DECIMAL_MAX_DIGITS", 11)
	viper.SetDefault("DECIMAL_MAX_PLACES", 2)
	viper.SetDefault("DISPLAY_TIME_ZONE", "America/Los_Angeles")

	viper.SetDefault("ACCOUNT_DEACTIVATION_QUEUE_DAYS", 14)
	viper.SetDefault("ACCOUNT_DELETION_MANUAL_QUEUE_DAYS", 7)
	viper.SetDefault("ACCOUNT_DELETION_AUTO_QUEUE_DAYS", 30)
	viper.SetDefault("SAVIO_PROJECT_FOR_VECTOR_USERS", "vector_users")
	viper.SetDefault("BATCH_COMMAND_TIMEOUT_MINUTES", 30)

	viper.SetDefault("KAFKA_BROKERS", "")
	viper.SetDefault("KAFKA_TOPIC_PREFIX", "coldfront")
	viper.SetDefault("OTEL_EXPORTER", "none")
	viper.SetDefault("OTEL_ENDPOINT", "")
}

// Validate ensures that required configuration values are present and meet security standards.
// It also parses the decimal and time zone settings into their typed fields.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			return errors.New("DB_SSLMODE must enable SSL in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	if _, err := featureflags.Parse(c.FeatureFlags); err != nil {
		return fmt.Errorf("FEATURE_FLAGS: %w", err)
	}

	if c.EmailEnabled && strings.TrimSpace(c.EmailSender) == "" {
		return errors.New("EMAIL_SENDER is required when EMAIL_ENABLED is set")
	}
	if c.TokenExpirationHours <= 0 {
		c.TokenExpirationHours = 24
	}

	return c.parseAllocationSettings()
}

func (c *Config) parseAllocationSettings() error {
	fields := []struct {
		key string
		raw string
		dst *decimal.Decimal
	}{
		{"ALLOCATION_MIN", c.AllocationMinRaw, &c.AllocationMin},
		{"ALLOCATION_MAX", c.AllocationMaxRaw, &c.AllocationMax},
		{"FCA_DEFAULT_ALLOCATION", c.FCADefaultAllocationRaw, &c.FCADefaultAllocation},
		{"PCA_DEFAULT_ALLOCATION", c.PCADefaultAllocationRaw, &c.PCADefaultAllocation},
		{"CO_DEFAULT_ALLOCATION", c.CODefaultAllocationRaw, &c.CODefaultAllocation},
		{"ICA_DEFAULT_ALLOCATION", c.ICADefaultAllocationRaw, &c.ICADefaultAllocation},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return fmt.Errorf("%s is not a decimal: %w", f.key, err)
		}
		*f.dst = d
	}
	if !c.AllocationMin.LessThan(c.AllocationMax) {
		return errors.New("ALLOCATION_MIN must be less than ALLOCATION_MAX")
	}
	if c.DecimalMaxDigits <= 0 {
		c.DecimalMaxDigits = 11
	}
	if c.DecimalMaxPlaces < 0 {
		c.DecimalMaxPlaces = 2
	}

	tz := c.DisplayTimeZone
	if tz == "" {
		tz = "America/Los_Angeles"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("DISPLAY_TIME_ZONE %q cannot be loaded: %w", tz, err)
	}
	c.Location = loc
	return nil
}

// IsProduction reports whether the config targets a production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// AdminEmails returns EMAIL_ADMIN_LIST as a slice.
func (c *Config) AdminEmails() []string {
	return splitList(c.EmailAdminList)
}

// ApprovalCCEmails returns REQUEST_APPROVAL_CC_LIST as a slice.
func (c *Config) ApprovalCCEmails() []string {
	return splitList(c.RequestApprovalCCList)
}

// KafkaBrokerList returns KAFKA_BROKERS as a slice; empty disables publishing.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ForTests returns a validated config with development defaults, suitable
// for unit tests that do not read files or the environment.
func ForTests() *Config {
	c := &Config{
		JWTSecret:                      "test-secret-at-least-32-characters-long",
		TokenExpirationHours:           24,
		Port:                           "8375",
		Env:                            "test",
		APIRateLimit:                   10000,
		DBSSLMode:                      "disable",
		AllocationMinRaw:               "0.00",
		AllocationMaxRaw:               "100000000.00",
		FCADefaultAllocationRaw:        "300000.00",
		PCADefaultAllocationRaw:        "300000.00",
		CODefaultAllocationRaw:         "100000000.00",
		ICADefaultAllocationRaw:        "200000.00",
		DecimalMaxDigits:               11,
		DecimalMaxPlaces:               2,
		DisplayTimeZone:                "America/Los_Angeles",
		AccountDeactivationQueueDays:   14,
		AccountDeletionManualQueueDays: 7,
		AccountDeletionAutoQueueDays:   30,
		SavioProjectForVectorUsers:     "vector_users",
		EmailSender:                    "noreply@example.edu",
		EmailSignature:                 "Research IT Team",
		CenterHelpEmail:                "help@example.edu",
		CenterBaseURL:                  "http://localhost:8375",
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}
