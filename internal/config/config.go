package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerCfg struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WSCfg struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type DatabaseCfg struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type StorageCfg struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver"`
}

type RedisCfg struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type JWTCfg struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogCfg struct {
	Development bool `mapstructure:"development"`
}

type Config struct {
	Server   ServerCfg   `mapstructure:"server"`
	WS       WSCfg       `mapstructure:"ws"`
	Database DatabaseCfg `mapstructure:"database"`
	Storage  StorageCfg  `mapstructure:"storage"`
	Redis    RedisCfg    `mapstructure:"redis"`
	JWT      JWTCfg      `mapstructure:"jwt"`
	Log      LogCfg      `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("ws.write_wait", 10*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.ping_period", 54*time.Second)
	v.SetDefault("ws.max_message_size", 4096)
	v.SetDefault("ws.send_buffer", 256)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "chat-relay")

	v.SetDefault("jwt.issuer", "gigchat")
	v.SetDefault("jwt.ttl", 24*time.Hour)
}

// Load reads the optional YAML file at path, then applies CHAT_* environment
// overrides (CHAT_DATABASE_DSN, CHAT_JWT_SECRET, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"database.dsn", "jwt.secret", "redis.password"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is not set")
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is not set")
		}
	case "memory":
	default:
		return errors.New("storage.driver must be postgres or memory")
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return errors.New("ws.ping_period must be less than ws.pong_wait")
	}
	return nil
}
