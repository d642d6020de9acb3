// Package config collects every tunable of the worker and the operator CLI.
// Engine packages never read the environment; they receive values built
// from a Config.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/extract"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/query"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/base"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/neo4j"
)

const (
	AdapterOpenAI = "openai"
	AdapterOllama = "ollama"

	BackendNeo4j  = "neo4j"
	BackendMemory = "memory"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
	LogFormatBoth    = "both"

	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultOllamaModel = "qwen2.5-coder:3b"
)

var ErrInvalid = errors.New("config: invalid")

type AIConfig struct {
	Adapter               string  `yaml:"adapter"`
	ChatURL               string  `yaml:"chat_url"`
	ChatKey               string  `yaml:"-"`
	ExtractModel          string  `yaml:"extract_model"`
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests"`
	RequestsPerSecond     float64 `yaml:"requests_per_second"`
}

type ExtractConfig struct {
	MaxInputChars   int           `yaml:"max_input_chars"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	Temperature     float64       `yaml:"temperature"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type ChunkConfig struct {
	MaxChars        int `yaml:"max_chars"`
	TableRows       int `yaml:"table_rows"`
	IngestBatchSize int `yaml:"ingest_batch_size"`
}

type Neo4jConfig struct {
	URI         string `yaml:"uri"`
	Username    string `yaml:"username"`
	Password    string `yaml:"-"`
	Database    string `yaml:"database"`
	MaxPoolSize int    `yaml:"max_pool_size"`
}

type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
}

type MemoryConfig struct {
	LimitMB        int           `yaml:"limit_mb"`
	Pause          time.Duration `yaml:"pause"`
	MaxConsecutive int           `yaml:"max_consecutive"`
}

type RetrieveConfig struct {
	Depth        int           `yaml:"depth"`
	ResultCap    int           `yaml:"result_cap"`
	TopSources   int           `yaml:"top_sources"`
	SeedsPerTerm int           `yaml:"seeds_per_term"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	ExcerptChars int           `yaml:"excerpt_chars"`
}

type RabbitMQConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
}

// URL returns the AMQP connection string.
func (r RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.Host, r.Port)
}

type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	Bucket    string `yaml:"bucket"`
}

// Enabled reports whether a bucket is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

type Config struct {
	Debug       bool           `yaml:"debug"`
	LogFormat   string         `yaml:"log_format"`
	AI          AIConfig       `yaml:"ai"`
	Extract     ExtractConfig  `yaml:"extract"`
	Chunk       ChunkConfig    `yaml:"chunk"`
	Neo4j       Neo4jConfig    `yaml:"neo4j"`
	Store       StoreConfig    `yaml:"store"`
	Memory      MemoryConfig   `yaml:"memory"`
	Retrieve    RetrieveConfig `yaml:"retrieve"`
	DatabaseURL string         `yaml:"-"`
	LeaseTTL    time.Duration  `yaml:"lease_ttl"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
	S3          S3Config       `yaml:"s3"`
}

// Default returns the built-in defaults without reading the environment.
func Default() Config {
	return Config{
		LogFormat: LogFormatConsole,
		LeaseTTL:  2 * time.Minute,
		AI: AIConfig{
			Adapter:               AdapterOpenAI,
			MaxConcurrentRequests: 3,
			RequestsPerSecond:     2,
		},
		Extract: ExtractConfig{
			MaxInputChars:   extract.DefaultMaxInputChars,
			MaxRetries:      3,
			BackoffBase:     time.Second,
			BackoffMax:      8 * time.Second,
			Temperature:     extract.DefaultTemperature,
			MaxOutputTokens: extract.DefaultMaxOutputTokens,
			RequestTimeout:  60 * time.Second,
		},
		Chunk: ChunkConfig{
			MaxChars:        ingest.DefaultMaxChars,
			TableRows:       ingest.DefaultTableRows,
			IngestBatchSize: 5,
		},
		Neo4j: Neo4jConfig{
			URI:         "bolt://localhost:7687",
			Username:    "neo4j",
			Database:    "neo4j",
			MaxPoolSize: 20,
		},
		Store: StoreConfig{
			Backend:    BackendNeo4j,
			BatchSize:  base.DefaultBatchSize,
			BatchDelay: base.DefaultBatchDelay,
		},
		Memory: MemoryConfig{
			LimitMB:        1024,
			Pause:          500 * time.Millisecond,
			MaxConsecutive: 5,
		},
		Retrieve: RetrieveConfig{
			Depth:        query.DefaultDepth,
			ResultCap:    query.DefaultResultCap,
			TopSources:   query.DefaultTopSources,
			SeedsPerTerm: query.DefaultSeedsPerTerm,
			CacheTTL:     query.DefaultCacheTTL,
			ExcerptChars: query.DefaultExcerptChars,
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: "5672",
		},
	}
}

// FromEnv reads the environment on top of Default. Call util.LoadEnv first
// to pick up a .env file.
func FromEnv() Config {
	c := Default()

	c.Debug = util.GetEnvBool("DEBUG", c.Debug)
	c.LogFormat = util.GetEnvString("LOG_FORMAT", c.LogFormat)

	c.AI.Adapter = util.GetEnvString("AI_ADAPTER", c.AI.Adapter)
	c.AI.ChatURL = util.GetEnv("AI_CHAT_URL")
	c.AI.ChatKey = util.GetEnv("AI_CHAT_KEY")
	c.AI.ExtractModel = util.GetEnv("AI_CHAT_EXTRACT_MODEL")
	c.AI.MaxConcurrentRequests = util.GetEnvInt("AI_MAX_CONCURRENT_REQUESTS", c.AI.MaxConcurrentRequests)
	c.AI.RequestsPerSecond = util.GetEnvNumeric("AI_REQUESTS_PER_SECOND", c.AI.RequestsPerSecond)

	c.Extract.MaxInputChars = util.GetEnvInt("EXTRACT_MAX_INPUT_CHARS", c.Extract.MaxInputChars)
	c.Extract.MaxRetries = util.GetEnvInt("EXTRACT_MAX_RETRIES", c.Extract.MaxRetries)
	c.Extract.BackoffBase = util.GetEnvMillis("EXTRACT_BACKOFF_BASE_MS", c.Extract.BackoffBase)
	c.Extract.BackoffMax = util.GetEnvMillis("EXTRACT_BACKOFF_MAX_MS", c.Extract.BackoffMax)
	c.Extract.Temperature = util.GetEnvNumeric("EXTRACT_TEMPERATURE", c.Extract.Temperature)
	c.Extract.MaxOutputTokens = util.GetEnvInt("EXTRACT_MAX_OUTPUT_TOKENS", c.Extract.MaxOutputTokens)
	c.Extract.RequestTimeout = util.GetEnvMillis("EXTRACT_REQUEST_TIMEOUT_MS", c.Extract.RequestTimeout)

	c.Chunk.MaxChars = util.GetEnvInt("CHUNK_MAX_CHARS", c.Chunk.MaxChars)
	c.Chunk.TableRows = util.GetEnvInt("CHUNK_TABLE_ROWS", c.Chunk.TableRows)
	c.Chunk.IngestBatchSize = util.GetEnvInt("INGEST_BATCH_SIZE", c.Chunk.IngestBatchSize)

	c.Neo4j.URI = util.GetEnvString("NEO4J_URI", c.Neo4j.URI)
	c.Neo4j.Username = util.GetEnvString("NEO4J_USERNAME", c.Neo4j.Username)
	c.Neo4j.Password = util.GetEnv("NEO4J_PASSWORD")
	c.Neo4j.Database = util.GetEnvString("NEO4J_DATABASE", c.Neo4j.Database)
	c.Neo4j.MaxPoolSize = util.GetEnvInt("NEO4J_MAX_POOL_SIZE", c.Neo4j.MaxPoolSize)

	c.Store.Backend = util.GetEnvString("GRAPH_BACKEND", c.Store.Backend)
	c.Store.BatchSize = util.GetEnvInt("STORE_BATCH_SIZE", c.Store.BatchSize)
	c.Store.BatchDelay = util.GetEnvMillis("STORE_BATCH_DELAY_MS", c.Store.BatchDelay)

	c.Memory.LimitMB = util.GetEnvInt("MEMORY_LIMIT_MB", c.Memory.LimitMB)
	c.Memory.Pause = util.GetEnvMillis("MEMORY_PAUSE_MS", c.Memory.Pause)
	c.Memory.MaxConsecutive = util.GetEnvInt("MEMORY_MAX_CONSECUTIVE", c.Memory.MaxConsecutive)

	c.Retrieve.Depth = util.GetEnvInt("RETRIEVE_DEPTH", c.Retrieve.Depth)
	c.Retrieve.ResultCap = util.GetEnvInt("RETRIEVE_RESULT_CAP", c.Retrieve.ResultCap)
	c.Retrieve.TopSources = util.GetEnvInt("RETRIEVE_TOP_SOURCES", c.Retrieve.TopSources)
	c.Retrieve.SeedsPerTerm = util.GetEnvInt("RETRIEVE_SEEDS_PER_TERM", c.Retrieve.SeedsPerTerm)
	c.Retrieve.CacheTTL = time.Duration(util.GetEnvInt("RETRIEVE_CACHE_TTL_SEC", int(c.Retrieve.CacheTTL/time.Second))) * time.Second
	c.Retrieve.ExcerptChars = util.GetEnvInt("RETRIEVE_EXCERPT_CHARS", c.Retrieve.ExcerptChars)

	c.DatabaseURL = util.GetEnv("DATABASE_URL")
	c.LeaseTTL = time.Duration(util.GetEnvInt("INGEST_LEASE_TTL_SEC", int(c.LeaseTTL/time.Second))) * time.Second

	c.RabbitMQ.User = util.GetEnv("RABBITMQ_USER")
	c.RabbitMQ.Password = util.GetEnv("RABBITMQ_PASSWORD")
	c.RabbitMQ.Host = util.GetEnvString("RABBITMQ_HOST", c.RabbitMQ.Host)
	c.RabbitMQ.Port = util.GetEnvString("RABBITMQ_PORT", c.RabbitMQ.Port)

	c.S3.Region = util.GetEnv("AWS_REGION")
	c.S3.Endpoint = util.GetEnv("AWS_ENDPOINT")
	c.S3.AccessKey = util.GetEnv("AWS_ACCESS_KEY")
	c.S3.SecretKey = util.GetEnv("AWS_SECRET_KEY")
	c.S3.Bucket = util.GetEnv("AWS_BUCKET")

	return c
}

// Validate clamps bounded values and reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error

	c.Retrieve.Depth = min(max(c.Retrieve.Depth, 1), 3)
	c.AI.MaxConcurrentRequests = min(max(c.AI.MaxConcurrentRequests, 1), 5)

	switch c.AI.Adapter {
	case AdapterOpenAI:
		if c.AI.ExtractModel == "" {
			c.AI.ExtractModel = DefaultOpenAIModel
		}
	case AdapterOllama:
		if c.AI.ExtractModel == "" {
			c.AI.ExtractModel = DefaultOllamaModel
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AI_ADAPTER %q", c.AI.Adapter))
	}
	switch c.Store.Backend {
	case BackendNeo4j, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown GRAPH_BACKEND %q", c.Store.Backend))
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON, LogFormatBoth:
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"CHUNK_MAX_CHARS", c.Chunk.MaxChars},
		{"CHUNK_TABLE_ROWS", c.Chunk.TableRows},
		{"INGEST_BATCH_SIZE", c.Chunk.IngestBatchSize},
		{"EXTRACT_MAX_INPUT_CHARS", c.Extract.MaxInputChars},
		{"EXTRACT_MAX_RETRIES", c.Extract.MaxRetries},
		{"EXTRACT_MAX_OUTPUT_TOKENS", c.Extract.MaxOutputTokens},
		{"STORE_BATCH_SIZE", c.Store.BatchSize},
		{"RETRIEVE_RESULT_CAP", c.Retrieve.ResultCap},
		{"RETRIEVE_TOP_SOURCES", c.Retrieve.TopSources},
		{"RETRIEVE_SEEDS_PER_TERM", c.Retrieve.SeedsPerTerm},
		{"RETRIEVE_EXCERPT_CHARS", c.Retrieve.ExcerptChars},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.AI.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("AI_REQUESTS_PER_SECOND must not be negative"))
	}
	if c.Memory.LimitMB < 0 {
		errs = append(errs, fmt.Errorf("MEMORY_LIMIT_MB must not be negative"))
	}
	if c.Extract.BackoffMax > 0 && c.Extract.BackoffMax < c.Extract.BackoffBase {
		errs = append(errs, fmt.Errorf("EXTRACT_BACKOFF_MAX_MS is below EXTRACT_BACKOFF_BASE_MS"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// RetryPolicy is the extractor retry schedule.
func (c Config) RetryPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts: c.Extract.MaxRetries,
		BaseDelay:   c.Extract.BackoffBase,
		MaxDelay:    c.Extract.BackoffMax,
		Multiplier:  2,
	}
}

func (c Config) IngestParams() ingest.Params {
	return ingest.Params{
		MaxChars:  c.Chunk.MaxChars,
		TableRows: c.Chunk.TableRows,
	}
}

func (c Config) ExtractParams() extract.Params {
	return extract.Params{
		MaxInputChars:     c.Extract.MaxInputChars,
		Retry:             c.RetryPolicy(),
		Temperature:       c.Extract.Temperature,
		MaxOutputTokens:   c.Extract.MaxOutputTokens,
		RequestsPerSecond: c.AI.RequestsPerSecond,
		RequestTimeout:    c.Extract.RequestTimeout,
	}
}

func (c Config) RetrieveParams() query.Params {
	ttl := c.Retrieve.CacheTTL
	if ttl == 0 {
		ttl = -1
	}
	return query.Params{
		Depth:        c.Retrieve.Depth,
		ResultCap:    c.Retrieve.ResultCap,
		TopSources:   c.Retrieve.TopSources,
		SeedsPerTerm: c.Retrieve.SeedsPerTerm,
		ExcerptChars: c.Retrieve.ExcerptChars,
		CacheTTL:     ttl,
	}
}

// MemoryGuard returns nil when the guard is disabled.
func (c Config) MemoryGuard(log *logger.Logger) *util.MemoryGuard {
	if c.Memory.LimitMB <= 0 {
		return nil
	}
	return util.NewMemoryGuard(c.Memory.LimitMB, c.Memory.Pause, c.Memory.MaxConsecutive, log)
}

func (c Config) ExecutorParams(guard *util.MemoryGuard, log *logger.Logger) base.ExecutorParams {
	delay := c.Store.BatchDelay
	if delay == 0 {
		delay = -1
	}
	return base.ExecutorParams{
		BatchSize:   c.Store.BatchSize,
		BatchDelay:  delay,
		MemoryGuard: guard,
		Logger:      log,
	}
}

func (c Config) Neo4jParams(guard *util.MemoryGuard, log *logger.Logger) neo4j.NewGraphStorageParams {
	return neo4j.NewGraphStorageParams{
		URI:         c.Neo4j.URI,
		Username:    c.Neo4j.Username,
		Password:    c.Neo4j.Password,
		Database:    c.Neo4j.Database,
		MaxPoolSize: c.Neo4j.MaxPoolSize,
		Executor:    c.ExecutorParams(guard, log),
		Logger:      log,
	}
}
