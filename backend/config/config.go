package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text | json
	} `mapstructure:"log"`
	Database struct {
		Driver string `mapstructure:"driver"` // mysql | sqlite
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		// IndexTopic receives new notes for search indexing.
		IndexTopic string `mapstructure:"index_topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Realtime  Realtime  `mapstructure:"realtime"`
	Heartbeat Heartbeat `mapstructure:"heartbeat"`
}

// Realtime tunes the document channels.
type Realtime struct {
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	SendQueue         int           `mapstructure:"send_queue"`
	MaxInflight       int           `mapstructure:"max_inflight"`
	SubmitTimeout     time.Duration `mapstructure:"submit_timeout"`
	CompactEvery      int           `mapstructure:"compact_every"`       // live channel update count
	CompactInterval   time.Duration `mapstructure:"compact_interval"`    // live channel elapsed time
	AuditCompactEvery int           `mapstructure:"audit_compact_every"` // audit channel event count
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
}

// Heartbeat tunes the offline reconciliation protocol.
type Heartbeat struct {
	MaxPendingNotes      int           `mapstructure:"max_pending_notes"`
	MaxPendingHighlights int           `mapstructure:"max_pending_highlights"`
	DrainLimit           int           `mapstructure:"drain_limit"`
	FastInterval         time.Duration `mapstructure:"fast_interval"`
	SteadyInterval       time.Duration `mapstructure:"steady_interval"`
	EventRetention       time.Duration `mapstructure:"event_retention"`
	// DailyPushQuota caps annotations pushed per owner per day; 0 is unlimited.
	DailyPushQuota int `mapstructure:"daily_push_quota"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("kafka.topic", "doc-updates")
	v.SetDefault("kafka.index_topic", "note-index")

	v.SetDefault("realtime.send_timeout", 2*time.Second)
	v.SetDefault("realtime.send_queue", 64)
	v.SetDefault("realtime.max_inflight", 100)
	v.SetDefault("realtime.submit_timeout", 200*time.Millisecond)
	v.SetDefault("realtime.compact_every", 100)
	v.SetDefault("realtime.compact_interval", 300*time.Second)
	v.SetDefault("realtime.audit_compact_every", 20)
	v.SetDefault("realtime.presence_ttl", 600*time.Second)

	v.SetDefault("heartbeat.max_pending_notes", 50)
	v.SetDefault("heartbeat.max_pending_highlights", 50)
	v.SetDefault("heartbeat.drain_limit", 20)
	v.SetDefault("heartbeat.fast_interval", 5*time.Second)
	v.SetDefault("heartbeat.steady_interval", 15*time.Second)
	v.SetDefault("heartbeat.event_retention", 720*time.Hour)
	v.SetDefault("heartbeat.daily_push_quota", 0)
}

// Load reads syncConfig.yaml (when present) and SYNC_* environment overrides.
// A missing config file is not an error; defaults cover every tunable.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncConfig")
		v.SetConfigType("yaml")
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
