package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

var Cfg Config

type Config struct {
	// 服务配置
	ServerPort  string `env:"SERVER_PORT" envDefault:"8888"`
	ServerHost  string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	ServiceName string `env:"SERVICE_NAME" envDefault:"crmnotify"`
	Version     string `env:"SERVICE_VERSION" envDefault:"0.1.0"`
	Timezone    string `env:"TIMEZONE" envDefault:"Local"` // 重复规则按该时区做日历计算

	// 持久化后端：redis, postgres, memory
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"redis"`
	// 平台通知后端：amqp（延迟消息）, memory（进程内定时器）
	PlatformBackend string `env:"PLATFORM_BACKEND" envDefault:"amqp"`

	// PostgreSQL 配置
	PostgreSQLHost     string `env:"POSTGRESQL_HOST" envDefault:"localhost"`
	PostgreSQLPort     string `env:"POSTGRESQL_PORT" envDefault:"5432"`
	PostgreSQLUser     string `env:"POSTGRESQL_USER" envDefault:"postgres"`
	PostgreSQLPassword string `env:"POSTGRESQL_PASSWORD" envDefault:"postgres"`
	PostgreSQLDatabase string `env:"POSTGRESQL_DATABASE" envDefault:"crmnotify"`
	PostgreSQLSchema   string `env:"POSTGRESQL_SCHEMA" envDefault:"public"`
	PostgreSQLSSLMode  string `env:"POSTGRESQL_SSLMODE" envDefault:"disable"`
	PostgreSQLMaxIdle  int    `env:"POSTGRESQL_MAX_IDLE" envDefault:"10"`
	PostgreSQLMaxOpen  int    `env:"POSTGRESQL_MAX_OPEN" envDefault:"50"`

	// Redis 配置
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"crmn"`

	// RabbitMQ 配置
	RabbitMQAddr     string `env:"RABBITMQ_ADDR" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost    string `env:"RABBITMQ_VHOST" envDefault:"/"`

	// CRM 后端接口
	CRMAPIBaseURL string        `env:"CRM_API_BASE_URL"` // 为空时告警只做本地调度
	CRMAPIToken   string        `env:"CRM_API_TOKEN"`
	CRMAPITimeout time.Duration `env:"CRM_API_TIMEOUT" envDefault:"10s"`

	// 提醒轮询
	ReminderPollInterval  time.Duration `env:"REMINDER_POLL_INTERVAL" envDefault:"1m"`
	ReminderDueTolerance  time.Duration `env:"REMINDER_DUE_TOLERANCE" envDefault:"2m"`
	ReminderSnoozeDefault time.Duration `env:"REMINDER_SNOOZE_DEFAULT" envDefault:"10m"`

	// 通知点击后的导航
	NavigationCooldown         time.Duration `env:"NAVIGATION_COOLDOWN" envDefault:"3s"`
	NavigationSettleDelay      time.Duration `env:"NAVIGATION_SETTLE_DELAY" envDefault:"300ms"`
	NavigationReadyTimeout     time.Duration `env:"NAVIGATION_READY_TIMEOUT" envDefault:"10s"`
	NavigationReadyPoll        time.Duration `env:"NAVIGATION_READY_POLL" envDefault:"100ms"`
	NavigationHandledRetention time.Duration `env:"NAVIGATION_HANDLED_RETENTION" envDefault:"24h"`

	// Snowflake ID 生成器配置
	SnowflakeMachineID  int64 `env:"SNOWFLAKE_MACHINE_ID" envDefault:"1"`
	SnowflakeDataCenter int64 `env:"SNOWFLAKE_DATACENTER_ID" envDefault:"1"`

	// 日志配置
	LoggerLevel      string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat     string `env:"LOGGER_FORMAT" envDefault:"text"` // json, text
	LoggerOutputPath string `env:"LOGGER_OUTPUT_PATH" envDefault:"stdout"`

	// 链路追踪配置
	TracingEnabled  bool    `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint    string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTELSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"0.1"`
}

func init() {

	if err := godotenv.Load(); err != nil {

		log.Printf("WARN: Cannot load .env file: %v, using environment variables", err)
	}

	Cfg = Config{}
	if err := env.Parse(&Cfg); err != nil {
		log.Fatalf("Failed to parse environment variables: %v", err)
	}

	validateConfig()
}

func validateConfig() {
	switch Cfg.StorageBackend {
	case "redis", "postgres", "memory":
	default:
		log.Fatalf("STORAGE_BACKEND must be one of redis, postgres, memory (got %q)", Cfg.StorageBackend)
	}

	switch Cfg.PlatformBackend {
	case "amqp", "memory":
	default:
		log.Fatalf("PLATFORM_BACKEND must be one of amqp, memory (got %q)", Cfg.PlatformBackend)
	}

	if Cfg.ReminderPollInterval <= 0 {
		log.Fatal("REMINDER_POLL_INTERVAL must be positive")
	}

	if Cfg.CRMAPIBaseURL == "" {
		log.Printf("WARN: CRM_API_BASE_URL is not set, alerts will only be scheduled locally")
	}

	if Cfg.StorageBackend == "memory" && Cfg.PlatformBackend == "amqp" {
		log.Printf("WARN: memory storage is not shared with the worker process, background taps will not reach the server")
	}
}

func (c *Config) GetDSN() string {
	return "host=" + c.PostgreSQLHost +
		" port=" + c.PostgreSQLPort +
		" user=" + c.PostgreSQLUser +
		" password=" + c.PostgreSQLPassword +
		" dbname=" + c.PostgreSQLDatabase +
		" sslmode=" + c.PostgreSQLSSLMode +
		" search_path=" + c.PostgreSQLSchema
}

func (c *Config) GetRabbitMQURL() string {
	return "amqp://" + c.RabbitMQUsername + ":" + c.RabbitMQPassword + "@" + c.RabbitMQAddr + ":" + c.RabbitMQPort + c.RabbitMQVhost
}

// Location 解析配置的时区，失败时回退到本地时区
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("WARN: invalid TIMEZONE %q, falling back to local: %v", c.Timezone, err)
		return time.Local
	}
	return loc
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
