// Package config provides configuration loading and management.
//
// Values are layered, lowest precedence first: defaults from New, the TOML
// file, a .env file, then CODEAGENT_* environment variables. Commands apply
// their flags on top and call Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/LinjingBi/code-agent/agentloop"
	"github.com/LinjingBi/code-agent/unifiedllm"
)

const (
	// DefaultFile is read when no config path is given. It may be absent.
	DefaultFile = "codeagent.toml"
	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "CODEAGENT_"
)

// Config represents the agent configuration.
type Config struct {
	Agent    AgentConfig    `toml:"agent" envPrefix:"AGENT_"`
	LLM      LLMConfig      `toml:"llm" envPrefix:"LLM_"`
	Executor ExecutorConfig `toml:"executor" envPrefix:"EXECUTOR_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
	Server   ServerConfig   `toml:"server" envPrefix:"SERVER_"`
	Store    StoreConfig    `toml:"store" envPrefix:"STORE_"`
}

// AgentConfig controls the loop.
type AgentConfig struct {
	MaxIter             int           `toml:"max_iter" env:"MAX_ITER" validate:"gte=1"`
	PromptFile          string        `toml:"prompt_file" env:"PROMPT_FILE"`
	AuthorizedImports   string        `toml:"authorized_imports" env:"AUTHORIZED_IMPORTS"`
	CompletionTimeout   time.Duration `toml:"completion_timeout" env:"COMPLETION_TIMEOUT" validate:"gte=0"`
	ExecutionTimeout    time.Duration `toml:"execution_timeout" env:"EXECUTION_TIMEOUT" validate:"gte=0"`
	MaxObservationChars int           `toml:"max_observation_chars" env:"MAX_OBSERVATION_CHARS" validate:"gte=0"`
	MaxObservationLines int           `toml:"max_observation_lines" env:"MAX_OBSERVATION_LINES" validate:"gte=0"`
	RepeatWindow        int           `toml:"repeat_window" env:"REPEAT_WINDOW" validate:"gte=0"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider    string  `toml:"provider" env:"PROVIDER" validate:"required,oneof=openrouter openai anthropic groq ollama mistral deepseek"`
	Model       string  `toml:"model" env:"MODEL" validate:"required"`
	BaseURL     string  `toml:"base_url" env:"BASE_URL" validate:"omitempty,url"`
	APIKey      string  `toml:"api_key" env:"API_KEY"`
	Temperature float64 `toml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
	TopP        float64 `toml:"top_p" env:"TOP_P" validate:"gt=0,lte=1"`
	MaxTokens   int     `toml:"max_tokens" env:"MAX_TOKENS" validate:"gte=0"`
	MaxRetries  int     `toml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
}

// ExecutorConfig selects where generated code runs.
type ExecutorConfig struct {
	Kind       string `toml:"kind" env:"KIND" validate:"oneof=grpc kernel local starlark"`
	Address    string `toml:"address" env:"ADDRESS" validate:"required_if=Kind grpc"`
	GatewayURL string `toml:"gateway_url" env:"GATEWAY_URL" validate:"required_if=Kind kernel"`
	WorkDir    string `toml:"work_dir" env:"WORK_DIR"`
	Search     bool   `toml:"search" env:"SEARCH"`
	// Listen is the address cmd/codeexecutor serves on.
	Listen string `toml:"listen" env:"LISTEN" validate:"required"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `toml:"format" env:"FORMAT" validate:"oneof=text json"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Address         string        `toml:"address" env:"ADDRESS" validate:"required"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
}

// StoreConfig configures transcript history.
type StoreConfig struct {
	Enabled bool   `toml:"enabled" env:"ENABLED"`
	Path    string `toml:"path" env:"PATH" validate:"required_if=Enabled true"`
}

// secrets are read without the prefix, under their conventional names.
type secrets struct {
	OpenRouterKey string `env:"OPENROUTER_API_KEY"`
}

// New creates a new config with defaults.
func New() *Config {
	loop := agentloop.DefaultLoopConfig()
	return &Config{
		Agent: AgentConfig{
			MaxIter:             loop.MaxIter,
			AuthorizedImports:   agentloop.DefaultAuthorizedImports,
			CompletionTimeout:   loop.CompletionTimeout,
			ExecutionTimeout:    loop.ExecutionTimeout,
			MaxObservationChars: loop.MaxObservationChars,
			MaxObservationLines: loop.MaxObservationLines,
			RepeatWindow:        loop.RepeatWindow,
		},
		LLM: LLMConfig{
			Provider:    "openrouter",
			Model:       loop.Model,
			BaseURL:     unifiedllm.OpenRouterBaseURL,
			Temperature: loop.Temperature,
			TopP:        loop.TopP,
		},
		Executor: ExecutorConfig{
			Kind:       "grpc",
			Address:    "localhost:50051",
			GatewayURL: "http://localhost:8888",
			Listen:     ":50051",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Address:         ":8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: "codeagent.db",
		},
	}
}

// Load builds a config from defaults, the TOML file at path, the .env file
// in the working directory and the environment. An empty path reads
// DefaultFile if it exists.
func Load(path string) (*Config, error) {
	cfg := New()

	file, required := path, true
	if file == "" {
		file, required = DefaultFile, false
	}
	if err := cfg.LoadFile(file); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the TOML file at path.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays CODEAGENT_* variables. OPENROUTER_API_KEY is used when no
// API key is configured otherwise.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if c.LLM.APIKey == "" {
		var s secrets
		if err := env.Parse(&s); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		c.LLM.APIKey = s.OpenRouterKey
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: failed %q (%s), got %v", field, fe.Tag(), fe.Param(), fe.Value())
		} else {
			msgs[i] = fmt.Sprintf("%s: failed %q, got %v", field, fe.Tag(), fe.Value())
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// LoopConfig returns the loop settings. The system prompt is filled in by
// the caller once the tool table is known.
func (c *Config) LoopConfig() agentloop.LoopConfig {
	lc := agentloop.DefaultLoopConfig()
	lc.Model = c.LLM.Model
	lc.Provider = c.LLM.Provider
	lc.Temperature = c.LLM.Temperature
	lc.TopP = c.LLM.TopP
	lc.MaxTokens = c.LLM.MaxTokens
	lc.MaxIter = c.Agent.MaxIter
	lc.CompletionTimeout = c.Agent.CompletionTimeout
	lc.ExecutionTimeout = c.Agent.ExecutionTimeout
	lc.MaxObservationChars = c.Agent.MaxObservationChars
	lc.MaxObservationLines = c.Agent.MaxObservationLines
	lc.RepeatWindow = c.Agent.RepeatWindow
	return lc
}
