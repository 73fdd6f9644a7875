package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation failure
type ValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing settings: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid settings: %s", strings.Join(e.Invalid, ", ")))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// Validate checks the config. Missing credentials are errors in production and
// warnings everywhere else. The returned value is never nil.
func (c *Config) Validate() *ValidationError {
	verr := &ValidationError{}
	prod := c.IsProduction()

	if c.LLM.APIKey == "" {
		if prod {
			verr.Missing = append(verr.Missing, "LLM_API_KEY")
		} else {
			verr.Warnings = append(verr.Warnings, "LLM_API_KEY not set - inference calls will fail")
		}
	}
	switch strings.ToLower(c.LLM.DefaultReasoningEffort) {
	case "low", "medium", "high":
	default:
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("llm.default_reasoning_effort: %q", c.LLM.DefaultReasoningEffort))
	}

	a := c.Agent
	if a.MaxLLMMessages <= 0 {
		verr.Invalid = append(verr.Invalid, "agent.max_llm_messages must be positive")
	}
	if a.CompactionTriggerRatio <= 0 || a.CompactionTriggerRatio > 1 {
		verr.Invalid = append(verr.Invalid, "agent.compaction_trigger_ratio must be in (0,1]")
	}
	if a.CompactionKeepRatio <= 0 || a.CompactionKeepRatio >= 1 {
		verr.Invalid = append(verr.Invalid, "agent.compaction_keep_ratio must be in (0,1)")
	}
	if a.RealtimeFixLineThreshold < 0 {
		verr.Invalid = append(verr.Invalid, "agent.realtime_fix_line_threshold must not be negative")
	}
	if c.Images.BatchSize <= 0 {
		verr.Invalid = append(verr.Invalid, "images.batch_size must be positive")
	}
	if c.Images.Timeout <= 0 {
		verr.Invalid = append(verr.Invalid, "images.timeout must be positive")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("database.driver: %q", c.Database.Driver))
	}

	if c.Storage.Bucket != "" && (c.Storage.AccessKeyID == "" || c.Storage.SecretAccessKey == "") {
		verr.Warnings = append(verr.Warnings, "S3 bucket configured without static credentials - using the default AWS credential chain")
	}
	if c.Search.APIKey == "" {
		verr.Warnings = append(verr.Warnings, "SEARCH_API_KEY not set - web_search tool will report errors")
	}
	return verr
}
