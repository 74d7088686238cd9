package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	Providers   ProvidersConfig
	Budget      BudgetConfig
	Review      ReviewConfig
	Jobs        JobsConfig
	Events      EventsConfig
	Idempotency IdempotencyConfig
	Session     SessionConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type ProviderEndpointConfig struct {
	Model      string
	APIKey     string
	BaseURL    string
	TimeoutSec int
}

type ProvidersConfig struct {
	OCRGeneral ProviderEndpointConfig
	VisionDeep ProviderEndpointConfig
	LLMGrader  ProviderEndpointConfig
}

type BudgetConfig struct {
	MaxIterations          int
	MaxTokens              int
	MaxSeconds             int
	AggregateMaxTokens     int
	AggregateRetryTokens   int
	IterationTokenEstimate int
}

type ReviewConfig struct {
	DefaultThreshold float64
	StrictThreshold  float64
	StrictSubjects   []string
}

type JobsConfig struct {
	WorkerPool        int
	SyncPageThreshold int
	RetentionHours    int
	FastPathSubjects  []string
}

type EventsConfig struct {
	HeartbeatSec   int
	IdleTimeoutSec int
	ReplayWindow   int
}

type IdempotencyConfig struct {
	TTLHours int
}

type SessionConfig struct {
	TTLHours int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/grading-agent")

	viper.SetEnvPrefix("GRADER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *ProviderEndpointConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 120)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/grader.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("providers.ocrGeneral.model", "gpt-4o-mini")
	viper.SetDefault("providers.ocrGeneral.timeoutSec", 30)
	viper.SetDefault("providers.visionDeep.model", "gpt-4o")
	viper.SetDefault("providers.visionDeep.timeoutSec", 60)
	viper.SetDefault("providers.llmGrader.model", "gpt-4o")
	viper.SetDefault("providers.llmGrader.timeoutSec", 90)

	viper.SetDefault("budget.maxIterations", 3)
	viper.SetDefault("budget.maxTokens", 60000)
	viper.SetDefault("budget.maxSeconds", 180)
	viper.SetDefault("budget.aggregateMaxTokens", 4096)
	viper.SetDefault("budget.aggregateRetryTokens", 8192)
	viper.SetDefault("budget.iterationTokenEstimate", 4000)

	viper.SetDefault("review.defaultThreshold", 0.75)
	viper.SetDefault("review.strictThreshold", 0.91)
	viper.SetDefault("review.strictSubjects", []string{"math", "physics"})

	viper.SetDefault("jobs.workerPool", 8)
	viper.SetDefault("jobs.syncPageThreshold", 1)
	viper.SetDefault("jobs.retentionHours", 72)
	viper.SetDefault("jobs.fastPathSubjects", []string{"math"})

	viper.SetDefault("events.heartbeatSec", 30)
	viper.SetDefault("events.idleTimeoutSec", 90)
	viper.SetDefault("events.replayWindow", 256)

	viper.SetDefault("idempotency.ttlHours", 24)

	viper.SetDefault("session.ttlHours", 24)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
