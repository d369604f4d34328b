package config

import (
	"fmt"
	"maps"
	"strings"
)

const (
	ProviderTypeWebChat = "webchat"
	ProviderTypeOpenAI  = "openai"
)

// ProviderTypes is the closed set of provider types the factory can build.
var ProviderTypes = []string{ProviderTypeWebChat, ProviderTypeOpenAI}

const (
	SettingBaseURL      = "base_url"
	SettingAPIKey       = "api_key"
	SettingDefaultModel = "default_model"
	SettingUserAgent    = "user_agent"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

var sensitiveSettings = []string{"key", "token", "secret", "password", "cookie"}

type ProviderConfig struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Enabled  bool              `json:"enabled" yaml:"enabled"`
	Priority int               `json:"priority" yaml:"priority"`
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
	Models   []string          `json:"models,omitempty" yaml:"models,omitempty"`
}

func (p ProviderConfig) Setting(key string) string {
	return p.Settings[key]
}

func (p ProviderConfig) BaseURL() string {
	if u := p.Setting(SettingBaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	if p.Type == ProviderTypeOpenAI {
		return DefaultOpenAIBaseURL
	}
	return ""
}

// Masked hides secret settings.
func (p ProviderConfig) Masked() ProviderConfig {
	cp := p
	if p.Settings != nil {
		cp.Settings = maps.Clone(p.Settings)
		for k, v := range cp.Settings {
			if isSensitive(k) {
				cp.Settings[k] = MaskString(v)
			}
		}
	}
	return cp
}

func (p *ProviderConfig) applyDefaults() {
	p.ID = strings.TrimSpace(p.ID)
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	if p.Type == "" {
		p.Type = ProviderTypeWebChat
	}
}

// Normalized returns a copy with trimmed id and defaulted, lower-case type.
func (p ProviderConfig) Normalized() ProviderConfig {
	p.applyDefaults()
	return p
}

// Validate checks the fields a provider needs to be built.
func (p ProviderConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	switch p.Type {
	case ProviderTypeWebChat:
		if p.BaseURL() == "" {
			return fmt.Errorf("provider %s: %s setting is required", p.ID, SettingBaseURL)
		}
	case ProviderTypeOpenAI:
	default:
		return fmt.Errorf("provider %s: unknown type %q (want one of %s)", p.ID, p.Type, strings.Join(ProviderTypes, ", "))
	}
	return nil
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveSettings {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// MaskString keeps the first and last four characters of long secrets.
func MaskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
