package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации плоскости управления.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Health   HealthConfig   `mapstructure:"health"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// LimitsConfig: общий лимит запросов к API плоскости управления.
type LimitsConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (счетчики квот, Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: проверка сервисных токенов агентов (RS256).
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig содержит настройки классификатора и best-effort записи.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Таймаут на каждый вызов хранилища (очередь, журнал, счетчики)
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	ApprovalTTL   time.Duration `mapstructure:"approval_ttl"`
	PolicyTTL     time.Duration `mapstructure:"policy_ttl"`

	// Типы агентов на паузе при первом старте кластера (пока Redis пуст)
	PausedAgents []string `mapstructure:"paused_agents"`
	// tenant -> agent_type -> category
	CategoryOverrides map[string]map[string]string `mapstructure:"category_overrides"`

	// Настройки Circuit Breaker для записи в хранилище
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
}

// HealthConfig: цикл супервизора и окно метрик.
type HealthConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MetricsWindow  time.Duration `mapstructure:"metrics_window"`
	ErrorsLimit    int           `mapstructure:"errors_limit"`
	AlertsPerMin   float64       `mapstructure:"alerts_per_min"`
	ApplyDirective bool          `mapstructure:"apply_directives"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// DATABASE_URL перекроет database.url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит конфигурации, с которыми сервис заведомо не сможет работать.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if c.Engine.StoreTimeout <= 0 {
		return errors.New("config: engine.store_timeout must be positive")
	}
	if c.Health.Interval <= 0 {
		return errors.New("config: health.interval must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.PublicKey) == 0 {
		return errors.New("config: auth enabled but public key is missing")
	}
	return nil
}

// setDefaults: ключ без дефолта не увидит AutomaticEnv при Unmarshal,
// поэтому пустые значения тоже объявлены.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("limits.rps", 200)
	v.SetDefault("limits.burst", 400)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
	v.SetDefault("engine.store_timeout", 2*time.Second)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.approval_ttl", 7*24*time.Hour)
	v.SetDefault("engine.policy_ttl", 30*time.Second)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_max_failures", 5)
	v.SetDefault("health.interval", 15*time.Second)
	v.SetDefault("health.metrics_window", 15*time.Minute)
	v.SetDefault("health.errors_limit", 200)
	v.SetDefault("health.alerts_per_min", 6)
	v.SetDefault("health.apply_directives", true)
}

// loadKeyResource: PEM из ENV имеет приоритет над файлом
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
