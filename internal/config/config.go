package config

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/memberreview/internal/events"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "MEMBERREVIEW"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "memberreview.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultCookieName    = "app_session"
	defaultSessionIssuer = "tauth"
	defaultBulkLimit     = 50
	defaultEventsDriver  = events.DriverLog
	defaultKafkaTopic    = "member-review-events"
	defaultRedisStream   = "member-review-events"
	defaultRedisMaxLen   = 10000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogFormat            string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	AllowedOrigins       []string
	BulkLimit            int
	Events               events.Config
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("review.bulk_limit", defaultBulkLimit)
	configViper.SetDefault("events.driver", defaultEventsDriver)
	configViper.SetDefault("events.kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("events.redis.stream", defaultRedisStream)
	configViper.SetDefault("events.redis.max_len", defaultRedisMaxLen)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		BulkLimit:            configViper.GetInt("review.bulk_limit"),
		Events: events.Config{
			Driver:       strings.ToLower(strings.TrimSpace(configViper.GetString("events.driver"))),
			KafkaBrokers: splitList(configViper.GetStringSlice("events.kafka.brokers")),
			KafkaTopic:   configViper.GetString("events.kafka.topic"),
			RedisAddress: configViper.GetString("events.redis.address"),
			RedisStream:  configViper.GetString("events.redis.stream"),
			RedisMaxLen:  configViper.GetInt64("events.redis.max_len"),
			SNSTopicARN:  configViper.GetString("events.sns.topic_arn"),
			SNSRegion:    configViper.GetString("events.sns.region"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase parses only the settings needed to open and migrate the database.
func LoadDatabase(configViper *viper.Viper) (string, string, error) {
	path := strings.TrimSpace(configViper.GetString("database.path"))
	if path == "" {
		return "", "", fmt.Errorf("database.path is required")
	}
	return path, configViper.GetString("log.level"), nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.BulkLimit <= 0 {
		return fmt.Errorf("review.bulk_limit must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	switch c.Events.Driver {
	case events.DriverLog, events.DriverMemory:
	case events.DriverKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required for the kafka driver")
		}
	case events.DriverRedis:
		if strings.TrimSpace(c.Events.RedisAddress) == "" {
			return fmt.Errorf("events.redis.address is required for the redis driver")
		}
	case events.DriverSNS:
		if strings.TrimSpace(c.Events.SNSTopicARN) == "" {
			return fmt.Errorf("events.sns.topic_arn is required for the sns driver")
		}
	default:
		return fmt.Errorf("events.driver %q is not supported", c.Events.Driver)
	}
	return nil
}

// splitList accepts both list values and comma separated environment strings.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
