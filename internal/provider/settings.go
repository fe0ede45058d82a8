package provider

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ResolvedSettings is the immutable per-persona settings snapshot built once
// per run. Resolution precedence, highest first: persona override, CLI flag,
// environment, config file default, auto-detected value. No component reads
// ambient global state after resolution.
type ResolvedSettings struct {
	Provider     string
	Timeout      time.Duration
	PollInterval time.Duration
	APIKey       string
	BaseURL      string
	Source       string
	Branch       string
	Model        string
	MaxTokens    int
}

// Sources supplies the layered lookups Resolve merges. Each function may be
// nil; EnvPrefix names the provider's environment namespace, e.g. "JULES".
type Sources struct {
	PersonaSetting func(key string) string
	CLIFlag        func(key string) string
	ConfigDefault  func(key string) string
	AutoDetect     func(key string) string
	EnvPrefix      string
}

// Resolve builds the settings snapshot for one persona and provider
func Resolve(providerName string, src Sources, fallbackTimeout time.Duration) ResolvedSettings {
	s := ResolvedSettings{Provider: providerName}

	s.Timeout = pickDuration(src, "timeout_s", fallbackTimeout)
	s.PollInterval = pickDuration(src, "poll_interval_s", 2*time.Second)
	s.APIKey = pick(src, "api_key")
	s.BaseURL = pick(src, "base_url")
	s.Source = pick(src, "source")
	s.Branch = pick(src, "starting_branch")
	s.Model = pick(src, "model")
	if v := pick(src, "max_tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxTokens = n
		}
	}
	return s
}

// pick applies the precedence order for one key
func pick(src Sources, key string) string {
	if src.PersonaSetting != nil {
		if v := strings.TrimSpace(src.PersonaSetting(key)); v != "" {
			return v
		}
	}
	if src.CLIFlag != nil {
		if v := strings.TrimSpace(src.CLIFlag(key)); v != "" {
			return v
		}
	}
	if src.EnvPrefix != "" {
		if v := strings.TrimSpace(os.Getenv(envName(src.EnvPrefix, key))); v != "" {
			return v
		}
	}
	if src.ConfigDefault != nil {
		if v := strings.TrimSpace(src.ConfigDefault(key)); v != "" {
			return v
		}
	}
	if src.AutoDetect != nil {
		if v := strings.TrimSpace(src.AutoDetect(key)); v != "" {
			return v
		}
	}
	return ""
}

func pickDuration(src Sources, key string, fallback time.Duration) time.Duration {
	v := pick(src, key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func envName(prefix, key string) string {
	return prefix + "_" + strings.ToUpper(key)
}
