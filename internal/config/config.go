package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	MinIO     MinIOConfig     `yaml:"minio"`
	JWT       JWTConfig       `yaml:"jwt"`
	Signaling SignalingConfig `yaml:"signaling"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Call      CallConfig      `yaml:"call"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	NATSURL       string `yaml:"nats_url"`
	KeyPrefix     string `yaml:"key_prefix"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type JWTConfig struct {
	AccessTokenSecret string        `yaml:"access_token_secret"`
	AccessTokenExpiry time.Duration `yaml:"access_token_expiry"`
	Issuer            string        `yaml:"issuer"`
}

type SignalingConfig struct {
	// SignalTTL is written into every signal's expires_at.
	SignalTTL time.Duration `yaml:"signal_ttl"`
	// MaxSignalAge bounds how long any signal survives the sweep, processed
	// or not.
	MaxSignalAge    time.Duration `yaml:"max_signal_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	EventBuffer     int           `yaml:"event_buffer"`
}

type TransferConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	MaxFileSize  int64         `yaml:"max_file_size"`
	Workers      int           `yaml:"workers"`
	CleanupDelay time.Duration `yaml:"cleanup_delay"`
	// InlineChunkLimit is the largest chunk sent inline over the data
	// channel; larger chunks are staged in the blobstore.
	InlineChunkLimit int  `yaml:"inline_chunk_limit"`
	SealChunks       bool `yaml:"seal_chunks"`
}

type CallConfig struct {
	RingTimeout    time.Duration `yaml:"ring_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Signaling.SignalTTL == 0 {
		c.Signaling.SignalTTL = 5 * time.Minute
	}
	if c.Signaling.MaxSignalAge == 0 {
		c.Signaling.MaxSignalAge = 24 * time.Hour
	}
	if c.Signaling.CleanupInterval == 0 {
		c.Signaling.CleanupInterval = time.Minute
	}
	if c.Signaling.EventBuffer == 0 {
		c.Signaling.EventBuffer = 64
	}
	if c.Transfer.ChunkSize == 0 {
		c.Transfer.ChunkSize = 64 * 1024
	}
	if c.Transfer.MaxFileSize == 0 {
		c.Transfer.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Transfer.Workers == 0 {
		c.Transfer.Workers = 4
	}
	if c.Transfer.CleanupDelay == 0 {
		c.Transfer.CleanupDelay = 30 * time.Second
	}
	if c.Transfer.InlineChunkLimit == 0 {
		c.Transfer.InlineChunkLimit = 16 * 1024
	}
	if c.Call.RingTimeout == 0 {
		c.Call.RingTimeout = 45 * time.Second
	}
	if c.Call.ConnectTimeout == 0 {
		c.Call.ConnectTimeout = 30 * time.Second
	}
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		c.Store.RedisHost = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Store.RedisPort = p
		}
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Store.RedisPassword = pass
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Store.NATSURL = url
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Database.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		c.Database.User = user
	}
	if pass := os.Getenv("DB_PASSWORD"); pass != "" {
		c.Database.Password = pass
	}
	if db := os.Getenv("DB_NAME"); db != "" {
		c.Database.Database = db
	}
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		c.MinIO.AccessKey = key
	}
	if key := os.Getenv("MINIO_SECRET_KEY"); key != "" {
		c.MinIO.SecretKey = key
	}
	if secret := os.Getenv("JWT_ACCESS_SECRET"); secret != "" {
		c.JWT.AccessTokenSecret = secret
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

func (c *StoreConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
