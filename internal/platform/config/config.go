package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for an orchestrator or robot process.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Robot        RobotConfig        `mapstructure:"robot"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Version      string             `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// OrchestratorConfig holds fleet-controller configuration. On a robot
// process URL and APIKey point at the orchestrator to connect to.
type OrchestratorConfig struct {
	URL                 string        `mapstructure:"url" envconfig:"ORCHESTRATOR_URL" default:"ws://localhost:8080/ws/robot"`
	APIKey              string        `mapstructure:"api_key" envconfig:"ORCHESTRATOR_API_KEY"`
	JWTSecret           string        `mapstructure:"jwt_secret" envconfig:"ORCHESTRATOR_JWT_SECRET"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout" envconfig:"HEARTBEAT_TIMEOUT" default:"60s"`
	DispatchTimeout     time.Duration `mapstructure:"dispatch_timeout" envconfig:"DISPATCH_TIMEOUT" default:"30s"`
	StatusTimeout       time.Duration `mapstructure:"status_timeout" envconfig:"STATUS_TIMEOUT" default:"10s"`
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts" envconfig:"MAX_DISPATCH_ATTEMPTS" default:"3"`
}

// RobotConfig holds robot agent configuration
type RobotConfig struct {
	Name              string   `mapstructure:"name" envconfig:"ROBOT_NAME"`
	Environment       string   `mapstructure:"environment" envconfig:"ROBOT_ENVIRONMENT" default:"development"`
	MaxConcurrentJobs int      `mapstructure:"max_concurrent_jobs" envconfig:"ROBOT_MAX_CONCURRENT_JOBS" default:"1"`
	Capabilities      []string `mapstructure:"capabilities" envconfig:"ROBOT_CAPABILITIES"`
	Tags              []string `mapstructure:"tags" envconfig:"ROBOT_TAGS"`
}

// Validate checks the robot configuration against the recognized option set.
// A robot with missing or malformed configuration is expected to enter the
// external setup flow instead of connecting.
func (c *RobotConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("robot.name is required")
	}
	switch c.Environment {
	case "production", "staging", "development":
	default:
		return fmt.Errorf("robot.environment %q is not one of production, staging, development", c.Environment)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("robot.max_concurrent_jobs must be at least 1")
	}
	valid := map[string]bool{
		"browser": true, "desktop": true, "high_memory": true,
		"gpu": true, "secure": true, "on_premise": true,
	}
	for _, capability := range c.Capabilities {
		if !valid[capability] {
			return fmt.Errorf("robot.capabilities: unknown capability %q", capability)
		}
	}
	return nil
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"casare"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig holds Kafka configuration for job lifecycle event publishing
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"casare.jobs"`
}

// EngineConfig holds execution engine configuration
type EngineConfig struct {
	// CheckpointStore selects where checkpoints persist: memory, postgres,
	// or redis.
	CheckpointStore    string        `mapstructure:"checkpoint_store" envconfig:"ENGINE_CHECKPOINT_STORE" default:"memory"`
	NodeTimeout        time.Duration `mapstructure:"node_timeout" envconfig:"ENGINE_NODE_TIMEOUT" default:"120s"`
	JobTimeout         time.Duration `mapstructure:"job_timeout" envconfig:"ENGINE_JOB_TIMEOUT" default:"3600s"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval" envconfig:"ENGINE_CHECKPOINT_INTERVAL" default:"1"`
	MaxLoopIterations  int           `mapstructure:"max_loop_iterations" envconfig:"ENGINE_MAX_LOOP_ITERATIONS" default:"10000"`
	ParallelBranches   bool          `mapstructure:"parallel_branches" envconfig:"ENGINE_PARALLEL_BRANCHES" default:"false"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("./configs/" + serviceName)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; continue with env vars only
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
