package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Search    SearchConfig    `mapstructure:"search"`
	RAG       RAGConfig       `mapstructure:"rag"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address          string   `mapstructure:"address"`
	JWTSecret        string   `mapstructure:"jwt_secret"`
	AuthRequired     bool     `mapstructure:"auth_required"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	RunStreamEnabled bool     `mapstructure:"run_stream_enabled"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Planning    string `mapstructure:"planning"`    // strategy decisions
	Compilation string `mapstructure:"compilation"` // NL plan -> strategy program
	Queries     string `mapstructure:"queries"`     // search query generation
	Synthesis   string `mapstructure:"synthesis"`   // report writing
	Fallback    string `mapstructure:"fallback"`
}

// ResearchConfig contains workflow-level settings
type ResearchConfig struct {
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	PlanTimeout time.Duration `mapstructure:"plan_timeout"`
	MaxQueries  int           `mapstructure:"max_queries"`
	LogStream   string        `mapstructure:"log_stream"` // redis stream for run logs, empty disables
}

func (r ResearchConfig) Validate() error {
	if r.MaxQueries < 0 {
		return fmt.Errorf("research.max_queries cannot be negative")
	}
	return nil
}

// StrategyConfig declares strategy executor policy defaults.
type StrategyConfig struct {
	PolicyFile  string        `mapstructure:"policy_file"`
	MaxSteps    int           `mapstructure:"max_steps"`
	MaxSources  int           `mapstructure:"max_sources"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

func (s StrategyConfig) Validate() error {
	if s.MaxSteps < 0 {
		return fmt.Errorf("strategy.max_steps cannot be negative")
	}
	if s.MaxSources < 0 {
		return fmt.Errorf("strategy.max_sources cannot be negative")
	}
	return nil
}

// SearchConfig contains web search settings
type SearchConfig struct {
	Provider     string        `mapstructure:"provider"` // brave or serper
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FetchContent bool          `mapstructure:"fetch_content"`
	RenderJS     bool          `mapstructure:"render_js"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

func (s SearchConfig) Validate() error {
	switch s.Provider {
	case "", "brave", "serper":
	default:
		return fmt.Errorf("search.provider must be brave or serper, got %q", s.Provider)
	}
	return nil
}

// RAGConfig contains retrieval index settings
type RAGConfig struct {
	IndexDir     string `mapstructure:"index_dir"`
	TopK         int    `mapstructure:"top_k"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
}

func (r RAGConfig) Validate() error {
	if strings.TrimSpace(r.IndexDir) == "" {
		return fmt.Errorf("rag.index_dir is required")
	}
	if r.ChunkOverlap >= r.ChunkSize && r.ChunkSize > 0 {
		return fmt.Errorf("rag.chunk_overlap must be smaller than rag.chunk_size")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	File     FileConfig     `mapstructure:"file"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders a lib/pq connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// FileConfig contains file storage settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
	LogDir  string `mapstructure:"log_dir"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("server.run_stream_enabled", true)
	viper.SetDefault("research.run_timeout", 15*time.Minute)
	viper.SetDefault("research.plan_timeout", 2*time.Minute)
	viper.SetDefault("research.max_queries", 5)
	viper.SetDefault("strategy.max_steps", 12)
	viper.SetDefault("strategy.max_sources", 40)
	viper.SetDefault("strategy.step_timeout", 2*time.Minute)
	viper.SetDefault("strategy.exec_timeout", 10*time.Minute)
	viper.SetDefault("search.max_results", 5)
	viper.SetDefault("search.timeout", 20*time.Second)
	viper.SetDefault("search.cache_ttl", time.Hour)
	viper.SetDefault("rag.index_dir", "./data/rag")
	viper.SetDefault("rag.top_k", 5)
	viper.SetDefault("rag.chunk_size", 1000)
	viper.SetDefault("rag.chunk_overlap", 200)

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RAC")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (RAC_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Research.Validate(); err != nil {
		panic(err)
	}
	if err := config.Strategy.Validate(); err != nil {
		panic(err)
	}
	if err := config.Search.Validate(); err != nil {
		panic(err)
	}
	if err := config.RAG.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
