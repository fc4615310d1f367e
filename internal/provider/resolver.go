// Package provider resolves LLM provider endpoints and performs the
// outbound dispatch call on behalf of a task. Provider failures are
// reported as data so VM creation is never aborted by a flaky endpoint.
package provider

import (
	"fmt"
	"os"
	"strings"

	"github.com/firetask/firetask/internal/config"
)

// defaultURLs are the built-in endpoints used when neither the
// environment nor the configuration names one.
var defaultURLs = map[string]string{
	"ollama": "http://localhost:11434/api/generate",
	"openai": "https://api.openai.com/v1/completions",
}

// Resolve returns the endpoint URL for a provider. Precedence: the
// <PROVIDER>_URL environment variable, then the per-deployment
// configuration, then the built-in default. Returns "" for a provider
// with no resolution at all.
func Resolve(name string, cfg *config.Config) string {
	envKey := strings.ToUpper(name) + "_URL"
	if v := os.Getenv(envKey); v != "" {
		return v
	}

	if cfg != nil {
		if pc, ok := cfg.Providers[name]; ok && pc.URL != "" {
			return pc.URL
		}
	}

	return defaultURLs[name]
}

// EnsureProviders fails fast when any required provider has no resolvable
// endpoint, naming every missing provider.
func EnsureProviders(cfg *config.Config, required []string) error {
	var missing []string
	for _, name := range required {
		if Resolve(name, cfg) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing provider URL for: %s", strings.Join(missing, ", "))
	}
	return nil
}
