package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Motion   MotionConfig   `mapstructure:"motion"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type StorageDriver string

const (
	StorageDriverPostgres StorageDriver = "postgres"
	StorageDriverBolt     StorageDriver = "bolt"
)

type StorageConfig struct {
	Driver   StorageDriver `mapstructure:"driver"`
	BoltPath string        `mapstructure:"bolt_path"`
}

type AuthConfig struct {
	JWTSecretEnv    string         `mapstructure:"jwt_secret_env"`
	AccessTokenTTL  time.Duration  `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration  `mapstructure:"refresh_token_ttl"`
	Users           []UserConfig   `mapstructure:"users"`
	APIKeys         []APIKeyConfig `mapstructure:"api_keys"`
}

// UserConfig is a login account. PasswordHash is an argon2id PHC string.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// APIKeyConfig is a non-interactive credential for scripts. TokenHash
// is the hex SHA-256 of the key.
type APIKeyConfig struct {
	Name      string `mapstructure:"name"`
	TokenHash string `mapstructure:"token_hash"`
	Role      string `mapstructure:"role"`
}

type MotionConfig struct {
	SettleMargin   time.Duration `mapstructure:"settle_margin"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	DefaultMinMove float64       `mapstructure:"default_min_move"`
	UpdateBuffer   int           `mapstructure:"update_buffer"`
}

type ModbusConfig struct {
	DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      int    `mapstructure:"qos"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	Files       []string `mapstructure:"files"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "beamline")
	v.SetDefault("database.user", "beamline")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("storage.driver", string(StorageDriverBolt))
	v.SetDefault("storage.bolt_path", "data/beamline.db")

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")

	v.SetDefault("motion.settle_margin", "10s")
	v.SetDefault("motion.connect_timeout", "10s")
	v.SetDefault("motion.default_min_move", 0.0)
	v.SetDefault("motion.update_buffer", 256)

	v.SetDefault("modbus.default_timeout", "1s")
	v.SetDefault("modbus.default_poll_interval", "100ms")

	v.SetDefault("mqtt.client_id", "openbeamlinecore")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("devices.search_paths", []string{"configs/beamlines"})

	v.SetDefault("log.development", false)
}

// Load reads the YAML file at path. OBC_ environment variables override
// file values, e.g. OBC_SERVER_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("OBC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverBolt:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Motion.SettleMargin <= 0 {
		return fmt.Errorf("motion.settle_margin must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	for _, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users entries need username and password_hash")
		}
		if !validRole(u.Role) {
			return fmt.Errorf("auth.users %s: unknown role %q", u.Username, u.Role)
		}
	}
	for _, k := range c.Auth.APIKeys {
		if k.Name == "" || len(k.TokenHash) != 64 {
			return fmt.Errorf("auth.api_keys entries need name and a sha256 token_hash")
		}
		if !validRole(k.Role) {
			return fmt.Errorf("auth.api_keys %s: unknown role %q", k.Name, k.Role)
		}
	}
	return nil
}

func validRole(role string) bool {
	switch role {
	case "", "operator", "technician", "admin":
		return true
	}
	return false
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// GetJWTSecret reads the signing secret from the configured variable.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
