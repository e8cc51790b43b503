package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/risk"
)

// Config holds vigia configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Translator TranslatorConfig `yaml:"translator"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Lexicon    LexiconConfig    `yaml:"lexicon"`
	Messages   MessagesConfig   `yaml:"messages"`
	Logging    logging.Config   `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Activation ActivationConfig `yaml:"activation"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"` // HTTP listen address, e.g. ":8000"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	MaxTextRunes int           `yaml:"max_text_runes"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // 0 disables
	RateBurst    int           `yaml:"rate_burst"`
	EnableAdmin  bool          `yaml:"enable_admin"`
}

type ModelConfig struct {
	Backend       string        `yaml:"backend"` // lexical | onnx | remote
	WeightsPath   string        `yaml:"weights_path"`
	BundleDir     string        `yaml:"bundle_dir"`
	SeqLen        int           `yaml:"seq_len"`
	Sessions      int           `yaml:"sessions"`
	IntraThreads  int           `yaml:"intra_threads"`
	InterThreads  int           `yaml:"inter_threads"`
	AtRiskLabel   string        `yaml:"at_risk_label"`
	RemoteURL     string        `yaml:"remote_url"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

type TranslatorConfig struct {
	Type          string        `yaml:"type"` // none | libretranslate
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	TargetLang    string        `yaml:"target_lang"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

type ThresholdsConfig struct {
	Low        float64 `yaml:"low"`
	Medium     float64 `yaml:"medium"`
	High       float64 `yaml:"high"`
	Confidence float64 `yaml:"confidence"`
}

// Risk returns the tier thresholds.
func (t ThresholdsConfig) Risk() risk.Thresholds {
	return risk.Thresholds{Low: t.Low, Medium: t.Medium, High: t.High}
}

type LexiconConfig struct {
	Path string `yaml:"path"` // empty uses the embedded lexicon
}

type MessagesConfig struct {
	DBPath string `yaml:"db_path"` // empty or ":memory:" keeps it in memory
	Seed   bool   `yaml:"seed"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"` // grpc | http
	ServiceName string `yaml:"service_name"`
}

type ActivationConfig struct {
	PreviewLevel string                 `yaml:"preview_level"` // metadata | redacted | full
	QueueSize    int                    `yaml:"queue_size"`
	Workers      int                    `yaml:"workers"`
	Sinks        []ActivationSinkConfig `yaml:"sinks"`
}

type ActivationSinkConfig struct {
	Type     string            `yaml:"type"` // stdout | file_jsonl | webhook
	Path     string            `yaml:"path"`
	MaxBytes int64             `yaml:"max_bytes"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

const (
	defaultAddr           = ":8000"
	defaultTranslatorKey  = "VIGIA_TRANSLATOR_API_KEY"
	defaultMaxBodyBytes   = 64 << 10
	defaultMaxTextRunes   = 10000
	defaultConfidence     = 0.75
	defaultActivationSize = 1024
)

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Server.MaxTextRunes == 0 {
		cfg.Server.MaxTextRunes = defaultMaxTextRunes
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = int(cfg.Server.RateLimitRPS) + 1
	}

	cfg.Model.Backend = strings.ToLower(strings.TrimSpace(cfg.Model.Backend))
	if cfg.Model.Backend == "" {
		cfg.Model.Backend = "lexical"
	}
	if cfg.Model.SeqLen == 0 {
		cfg.Model.SeqLen = 256
	}
	if cfg.Model.Sessions == 0 {
		cfg.Model.Sessions = 2
	}
	if cfg.Model.RemoteTimeout == 0 {
		cfg.Model.RemoteTimeout = 5 * time.Second
	}

	cfg.Translator.Type = strings.ToLower(strings.TrimSpace(cfg.Translator.Type))
	if cfg.Translator.Type == "" {
		cfg.Translator.Type = "none"
	}
	if cfg.Translator.TargetLang == "" {
		cfg.Translator.TargetLang = "es"
	}
	if cfg.Translator.Timeout == 0 {
		cfg.Translator.Timeout = 3 * time.Second
	}
	if cfg.Translator.APIKeyEnv == "" {
		cfg.Translator.APIKeyEnv = defaultTranslatorKey
	}

	if cfg.Thresholds.Low == 0 && cfg.Thresholds.High == 0 {
		d := risk.DefaultThresholds()
		cfg.Thresholds.Low, cfg.Thresholds.Medium, cfg.Thresholds.High = d.Low, d.Medium, d.High
	}
	if cfg.Thresholds.Confidence == 0 {
		cfg.Thresholds.Confidence = defaultConfidence
	}

	if cfg.Messages.DBPath == "" {
		cfg.Messages.DBPath = ":memory:"
		cfg.Messages.Seed = true
	}

	cfg.Logging.SetDefaults()

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "vigia"
	}

	if cfg.Activation.PreviewLevel == "" {
		cfg.Activation.PreviewLevel = "metadata"
	}
	if cfg.Activation.QueueSize == 0 {
		cfg.Activation.QueueSize = defaultActivationSize
	}
	if cfg.Activation.Workers == 0 {
		cfg.Activation.Workers = 1
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("VIGIA_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if cfg.Translator.APIKey == "" {
		cfg.Translator.APIKey = strings.TrimSpace(os.Getenv(cfg.Translator.APIKeyEnv))
	}
}
