package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/clawdis/clawdis/internal/config"
)

// Known provider names, in report order.
var knownProviders = []string{"anthropic", "openai", "bedrock", "google"}

// envKeys maps provider names to the environment variable consulted
// when the config carries no API key.
var envKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
}

// Status is one row of the provider status report.
type Status struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Reachable  bool   `json:"reachable"`
	Default    bool   `json:"default"`
	Model      string `json:"model,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Registry resolves configured providers by name and reports their
// status. Construction failures are recorded, not fatal: a gateway with
// one bad credential still serves the rest.
type Registry struct {
	providers   map[string]Provider
	statuses    map[string]*Status
	defaultName string
}

// NewRegistry builds every provider that has credentials, from config
// first and environment second.
func NewRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "providers")

	r := &Registry{
		providers: make(map[string]Provider),
		statuses:  make(map[string]*Status),
	}

	for _, name := range knownProviders {
		pc := cfg.Models.Providers[name]
		status := &Status{Name: name, Model: pc.Model}
		r.statuses[name] = status

		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv(envKeys[name])
		}

		var (
			p   Provider
			err error
		)
		switch name {
		case "anthropic":
			if apiKey == "" {
				continue
			}
			p, err = NewAnthropic(AnthropicConfig{APIKey: apiKey, BaseURL: pc.BaseURL, DefaultModel: pc.Model})
		case "openai":
			if apiKey == "" {
				continue
			}
			p, err = NewOpenAI(OpenAIConfig{APIKey: apiKey, BaseURL: pc.BaseURL, DefaultModel: pc.Model})
		case "google":
			if apiKey == "" {
				continue
			}
			p, err = NewGoogle(ctx, GoogleConfig{APIKey: apiKey, DefaultModel: pc.Model})
		case "bedrock":
			// Bedrock has no API key; an explicit config entry or AWS
			// environment signals intent.
			if !bedrockConfigured(pc) {
				continue
			}
			p, err = NewBedrock(ctx, BedrockConfig{Region: pc.Region, DefaultModel: pc.Model})
		}
		if err != nil {
			status.Error = err.Error()
			logger.Warn("provider init failed", "provider", name, "error", err)
			continue
		}
		status.Configured = true
		status.Reachable = true
		r.providers[name] = p
	}

	r.defaultName = cfg.Agent.Provider
	if r.defaultName == "" || r.providers[r.defaultName] == nil {
		// Fall back to the first configured provider in report order.
		for _, name := range knownProviders {
			if r.providers[name] != nil {
				r.defaultName = name
				break
			}
		}
	}
	if def := r.statuses[r.defaultName]; def != nil {
		def.Default = true
	}
	return r
}

func bedrockConfigured(pc config.ProviderConfig) bool {
	if pc.Region != "" {
		return true
	}
	for _, env := range []string{"AWS_REGION", "AWS_DEFAULT_REGION", "AWS_PROFILE", "AWS_ACCESS_KEY_ID"} {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		return r.Default()
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", name)
	}
	return p, nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	if r.defaultName == "" {
		return nil, fmt.Errorf("no provider configured")
	}
	return r.providers[r.defaultName], nil
}

// DefaultName returns the default provider's name, or "".
func (r *Registry) DefaultName() string { return r.defaultName }

// Names returns the configured provider names in report order.
func (r *Registry) Names() []string {
	var names []string
	for _, name := range knownProviders {
		if r.providers[name] != nil {
			names = append(names, name)
		}
	}
	return names
}

// RecordError marks a provider's status with a runtime failure so the
// status report reflects what delivery actually saw.
func (r *Registry) RecordError(name string, err error) {
	status, ok := r.statuses[name]
	if !ok || err == nil {
		return
	}
	status.Error = err.Error()
	status.Reachable = false
}

// RecordSuccess clears a provider's recorded failure.
func (r *Registry) RecordSuccess(name string) {
	status, ok := r.statuses[name]
	if !ok {
		return
	}
	status.Error = ""
	status.Reachable = status.Configured
}

// Statuses reports every known provider in stable order.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.statuses))
	for _, name := range knownProviders {
		if s, ok := r.statuses[name]; ok {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Default && !out[j].Default })
	return out
}
