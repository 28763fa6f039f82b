package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Demo      DemoConfig      `mapstructure:"demo"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver     string `mapstructure:"driver"`
	URL        string `mapstructure:"url"`
	Path       string `mapstructure:"path"`
	AuditTable string `mapstructure:"audit_table"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	// Driver is one of redis or memory.
	Driver       string        `mapstructure:"driver"`
	Name         string        `mapstructure:"name"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	LockDuration time.Duration `mapstructure:"lock_duration"`
}

type SchedulerConfig struct {
	SleepInterval       time.Duration `mapstructure:"sleep_interval"`
	AutoStart           bool          `mapstructure:"auto_start"`
	RescheduleAttempts  int           `mapstructure:"reschedule_attempts"`
	CommentHistoryLimit int           `mapstructure:"comment_history_limit"`
	ReclaimInterval     time.Duration `mapstructure:"reclaim_interval"`
}

type DemoConfig struct {
	OwnerService string `mapstructure:"owner_service"`
	OutputPath   string `mapstructure:"output_path"`
}

type HTTPConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// Load reads defaults, then the optional config file, then the environment.
// Environment variables use the CHIME_ prefix with dots replaced by
// underscores (CHIME_QUEUE_LOCK_DURATION).
func Load(configPath string) (*Config, error) {
	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configPath)
		}
	}
	return LoadWithViper(v)
}

func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CHIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	bindLegacyEnv(v)
	return v
}

// bindLegacyEnv keeps the unprefixed variable names used by earlier
// deployments working. The prefixed name wins when both are set.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"database.url":   "DATABASE_URL",
		"redis.addr":     "REDIS_ADDR",
		"redis.password": "REDIS_PASSWORD",
		"http.port":      "PORT",
	}
	for key, env := range legacy {
		prefixed := "CHIME_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return errors.Newf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "redis", "memory":
	default:
		return errors.Newf("unsupported queue driver %q", c.Queue.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return errors.New("database.url is required for the postgres driver")
	}
	if c.Queue.LockDuration <= 0 {
		return errors.New("queue.lock_duration must be positive")
	}
	if c.Scheduler.RescheduleAttempts < 1 {
		return errors.New("scheduler.reschedule_attempts must be at least 1")
	}
	return nil
}
