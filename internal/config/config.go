package config

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/harun/autopilot/internal/logger"
	"github.com/harun/autopilot/pkg/budget"
	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/llm"
	"github.com/harun/autopilot/pkg/runqueue"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

// EnvPrefix is the prefix of every environment override, e.g. AUTOPILOT_LLM_API_KEY
const EnvPrefix = "AUTOPILOT"

// Storage kinds for summarized payloads
const (
	StorageFile  = "file"
	StorageRedis = "redis"
)

// Invoker kinds
const (
	InvokerLocal     = "local"
	InvokerWebSocket = "websocket"
)

// Config represents the autopilot configuration
type Config struct {
	Budget     budget.Budget    `json:"budget" mapstructure:"budget"`
	Planner    PlannerConfig    `json:"planner" mapstructure:"planner"`
	Sandbox    SandboxConfig    `json:"sandbox" mapstructure:"sandbox"`
	Summarizer SummarizerConfig `json:"summarizer" mapstructure:"summarizer"`
	Discovery  DiscoveryConfig  `json:"discovery" mapstructure:"discovery"`
	Registry   RegistryConfig   `json:"registry" mapstructure:"registry"`
	Invoker    InvokerConfig    `json:"invoker" mapstructure:"invoker"`
	LLM        llm.Config       `json:"llm" mapstructure:"llm"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`

	// DataDir anchors every derived path left empty in the file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// PlannerConfig tunes the planner loop
type PlannerConfig struct {
	MaxEmptyRetries int `json:"max_empty_retries" mapstructure:"max_empty_retries"`
	RecentSteps     int `json:"recent_steps" mapstructure:"recent_steps"`
	RecentSummaries int `json:"recent_summaries" mapstructure:"recent_summaries"`
}

// SandboxConfig holds script execution settings
type SandboxConfig struct {
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	WorkDir        string `json:"work_dir" mapstructure:"work_dir"`
	KeepWorkDir    bool   `json:"keep_work_dir" mapstructure:"keep_work_dir"`
	MaxOutputBytes int    `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// SummarizerConfig holds large-output handling settings
type SummarizerConfig struct {
	Storage    string `json:"storage" mapstructure:"storage"` // file, redis
	Root       string `json:"root" mapstructure:"root"`
	MaxBytes   int    `json:"max_bytes" mapstructure:"max_bytes"`
	MaxItems   int    `json:"max_items" mapstructure:"max_items"`
	SampleSize int    `json:"sample_size" mapstructure:"sample_size"`

	RedisAddr       string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword   string `json:"redis_password" mapstructure:"redis_password"`
	RedisDB         int    `json:"redis_db" mapstructure:"redis_db"`
	RedisTTLSeconds int    `json:"redis_ttl_seconds" mapstructure:"redis_ttl_seconds"` // 0 keeps payloads forever
}

// DiscoveryConfig holds tool discovery settings
type DiscoveryConfig struct {
	MenuSize     int    `json:"menu_size" mapstructure:"menu_size"`
	InitialLimit int    `json:"initial_limit" mapstructure:"initial_limit"`
	DetailLevel  string `json:"detail_level" mapstructure:"detail_level"` // summary, full
}

// RegistryConfig locates the tool catalog
type RegistryConfig struct {
	CatalogPath string `json:"catalog_path" mapstructure:"catalog_path"`
	ManifestDir string `json:"manifest_dir" mapstructure:"manifest_dir"`
	Watch       bool   `json:"watch" mapstructure:"watch"`
}

// InvokerConfig selects how tools are called
type InvokerConfig struct {
	Kind           string `json:"kind" mapstructure:"kind"` // local, websocket
	URL            string `json:"url" mapstructure:"url"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`

	// MCPServers are started by the local invoker; their tools join the catalog
	MCPServers []MCPServerConfig `json:"mcp_servers,omitempty" mapstructure:"mcp_servers"`

	// Policies restrict the tools each identity may call through the local invoker
	Policies map[string]toolexecutor.ToolPolicy `json:"policies,omitempty" mapstructure:"policies"`
}

// MCPServerConfig describes one stdio MCP server
type MCPServerConfig struct {
	Provider string   `json:"provider" mapstructure:"provider"`
	Command  string   `json:"command" mapstructure:"command"`
	Args     []string `json:"args,omitempty" mapstructure:"args"`
	Env      []string `json:"env,omitempty" mapstructure:"env"`
}

// ServerConfig configures the HTTP task server
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`

	// IdentityConcurrency is how many runs one identity may have in flight
	IdentityConcurrency int `json:"identity_concurrency" mapstructure:"identity_concurrency"`

	// RequestsPerMinute limits task requests per identity; zero disables the limit
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`

	QueueWarnSeconds int `json:"queue_warn_seconds" mapstructure:"queue_warn_seconds"`
	DedupTTLSeconds  int `json:"dedup_ttl_seconds" mapstructure:"dedup_ttl_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile  string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	sb := sandbox.DefaultConfig()
	return &Config{
		Budget: budget.Default(),
		Planner: PlannerConfig{
			MaxEmptyRetries: 3,
			RecentSteps:     5,
			RecentSummaries: 5,
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: int(sb.Timeout / time.Second),
			MaxOutputBytes: sb.MaxOutputBytes,
		},
		Summarizer: SummarizerConfig{
			Storage:    StorageFile,
			MaxBytes:   16000,
			MaxItems:   50,
			SampleSize: 3,
			RedisAddr:  "localhost:6379",
		},
		Discovery: DiscoveryConfig{
			MenuSize:     discovery.DefaultMenuSize,
			InitialLimit: 25,
			DetailLevel:  string(discovery.DetailSummary),
		},
		Registry: RegistryConfig{
			Watch: true,
		},
		Invoker: InvokerConfig{
			Kind:           InvokerLocal,
			TimeoutSeconds: 30,
		},
		LLM: llm.DefaultConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			Compress:   true,
			Redaction:  true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
		Tracing: TracingConfig{
			ServiceName: "autopilot",
			SampleRatio: 1,
		},
		Server: ServerConfig{
			Addr:                "127.0.0.1:8080",
			IdentityConcurrency: 1,
			RequestsPerMinute:   60,
			QueueWarnSeconds:    30,
			DedupTTLSeconds:     300,
		},
	}
}

// applyPaths fills derived paths under DataDir
func (c *Config) applyPaths() {
	if c.DataDir == "" {
		return
	}
	if c.Summarizer.Root == "" {
		c.Summarizer.Root = filepath.Join(c.DataDir, "summaries")
	}
	if c.Registry.CatalogPath == "" {
		c.Registry.CatalogPath = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Registry.ManifestDir == "" {
		c.Registry.ManifestDir = filepath.Join(c.DataDir, "tools")
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = filepath.Join(c.DataDir, "sandbox")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "autopilot.log")
	}
}

// SandboxExecutorConfig converts the section into the executor's configuration
func (c *Config) SandboxExecutorConfig() sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.Timeout = time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
	cfg.WorkDir = c.Sandbox.WorkDir
	cfg.KeepWorkDir = c.Sandbox.KeepWorkDir
	cfg.MaxOutputBytes = c.Sandbox.MaxOutputBytes
	return cfg
}

// LoggerConfig converts the section into the logger's configuration
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		Console:    c.Logging.Console,
		Pretty:     c.Logging.Pretty,
		Redaction:  c.Logging.Redaction,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// InvokerTimeout returns the per-call tool timeout
func (c *Config) InvokerTimeout() time.Duration {
	return time.Duration(c.Invoker.TimeoutSeconds) * time.Second
}

// RedisTTL returns how long stored payloads live in Redis
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Summarizer.RedisTTLSeconds) * time.Second
}

// QueueConfig converts the server section into the run queue's configuration
func (c *Config) QueueConfig() runqueue.Config {
	return runqueue.Config{
		Concurrency: c.Server.IdentityConcurrency,
		WarnAfter:   time.Duration(c.Server.QueueWarnSeconds) * time.Second,
		DedupTTL:    time.Duration(c.Server.DedupTTLSeconds) * time.Second,
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = logger.Redacted
	}
	if masked.Summarizer.RedisPassword != "" {
		masked.Summarizer.RedisPassword = logger.Redacted
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks the whole configuration and reports every problem found
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
