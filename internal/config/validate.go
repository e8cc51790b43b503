package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/vigia-ai/vigia/internal/activation"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return errors.New("server.max_body_bytes must not be negative")
	}
	if cfg.Server.RateLimitRPS < 0 || cfg.Server.RateBurst < 0 {
		return errors.New("server.rate_limit_rps and server.rate_burst must not be negative")
	}

	if err := validateModelConfig(cfg.Model); err != nil {
		return err
	}
	if err := validateTranslatorConfig(cfg.Translator); err != nil {
		return err
	}

	if err := cfg.Thresholds.Risk().Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if c := cfg.Thresholds.Confidence; c < 0.5 || c > 1 {
		return fmt.Errorf("thresholds.confidence must be within [0.5, 1], got %v", c)
	}

	if err := validateActivationConfig(cfg.Activation); err != nil {
		return err
	}
	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	return nil
}

func validateModelConfig(m ModelConfig) error {
	switch m.Backend {
	case "lexical":
	case "onnx":
		if strings.TrimSpace(m.BundleDir) == "" {
			return errors.New("model.bundle_dir must be set for the onnx backend")
		}
		if m.SeqLen < 8 {
			return fmt.Errorf("model.seq_len must be at least 8, got %d", m.SeqLen)
		}
		if m.Sessions < 1 {
			return fmt.Errorf("model.sessions must be at least 1, got %d", m.Sessions)
		}
	case "remote":
		if err := validateHTTPURL("model.remote_url", m.RemoteURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("model.backend must be lexical, onnx or remote, got %q", m.Backend)
	}
	return nil
}

func validateTranslatorConfig(t TranslatorConfig) error {
	switch t.Type {
	case "none":
	case "libretranslate":
		if err := validateHTTPURL("translator.base_url", t.BaseURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("translator.type must be none or libretranslate, got %q", t.Type)
	}
	if t.Timeout < 0 {
		return errors.New("translator.timeout must not be negative")
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return fmt.Errorf("translator.min_confidence must be within [0, 1], got %v", t.MinConfidence)
	}
	return nil
}

func validateActivationConfig(a ActivationConfig) error {
	if lvl := strings.ToLower(strings.TrimSpace(a.PreviewLevel)); lvl != "" &&
		lvl != activation.PreviewMetadata && lvl != activation.PreviewRedacted && lvl != activation.PreviewFull {
		return fmt.Errorf("activation.preview_level must be metadata, redacted or full, got %q", a.PreviewLevel)
	}
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "stdout":
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("activation sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("activation sink %d (webhook) missing url", i)
			}
			if err := validateHTTPURL(fmt.Sprintf("activation sink %d (webhook) url", i), s.URL); err != nil {
				return err
			}
		default:
			return fmt.Errorf("activation sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is invalid: %q", field, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be http or https", field)
	}
	return nil
}
