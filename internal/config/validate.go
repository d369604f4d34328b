package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", c.Port))
	}
	if !lo.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		result = multierror.Append(result, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if !lo.Contains(logFormats, strings.ToLower(c.LogFormat)) {
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.RequestTimeout.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("request_timeout must not be negative"))
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
		if p.ID != "" && seen[p.ID] {
			result = multierror.Append(result, fmt.Errorf("duplicate provider id %s", p.ID))
		}
		seen[p.ID] = true
	}
	if c.ActiveProvider != "" && !seen[c.ActiveProvider] {
		result = multierror.Append(result, fmt.Errorf("active provider %s is not configured", c.ActiveProvider))
	}

	if c.Conversation.Store != StoreMemory && c.Conversation.Store != StoreBolt {
		result = multierror.Append(result, fmt.Errorf("conversation store must be %s or %s", StoreMemory, StoreBolt))
	}
	if c.Conversation.IdleTimeout.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("conversation idle_timeout must not be negative"))
	}
	if c.History.Store != StoreLog && c.History.Store != StoreBolt {
		result = multierror.Append(result, fmt.Errorf("history store must be %s or %s", StoreLog, StoreBolt))
	}

	if c.Retry.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("retry max_attempts must be at least 1"))
	}
	if c.Retry.MaxBackoff.Duration < c.Retry.InitialBackoff.Duration {
		result = multierror.Append(result, fmt.Errorf("retry max_backoff must not be below initial_backoff"))
	}

	return result.ErrorOrNil()
}
