package hosting

import (
	"fmt"
)

// Config holds hosting provider configuration.
type Config struct {
	// Provider type: "github", "gitlab", or "auto" (default).
	// When "auto", the provider is detected from the git remote URL.
	Provider string `yaml:"provider" json:"provider"`

	// BaseURL for self-hosted instances (e.g., "https://gitlab.company.com").
	// Leave empty for github.com / gitlab.com.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// TokenEnvVar overrides the default token environment variable name.
	// Default: GITHUB_TOKEN for GitHub, GITLAB_TOKEN for GitLab.
	TokenEnvVar string `yaml:"token_env_var" json:"token_env_var,omitempty"`
}

// NewProviderFunc is a constructor function for creating a hosting provider
// from the repository's remote URL. Constructors are registered at init time
// by the provider packages to avoid import cycles.
type NewProviderFunc func(remoteURL string, cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor.
// Called from init() in provider packages (github/, gitlab/).
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates a hosting provider for the repository with the given
// remote URL. If cfg.Provider is "auto" or empty, the provider is detected
// from the URL.
func NewProvider(remoteURL string, cfg Config) (Provider, error) {
	providerType, err := resolveProviderType(remoteURL, cfg)
	if err != nil {
		return nil, err
	}

	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (registered: %v)", providerType, registeredProviders())
	}

	return constructor(remoteURL, cfg)
}

func resolveProviderType(remoteURL string, cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", fmt.Errorf("unknown provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}

	detected := DetectProvider(remoteURL)
	if detected == ProviderUnknown {
		return "", fmt.Errorf("cannot detect hosting provider from remote URL %q (set provider explicitly in config)", remoteURL)
	}
	return detected, nil
}

func registeredProviders() []ProviderType {
	var providers []ProviderType
	for pt := range providerConstructors {
		providers = append(providers, pt)
	}
	return providers
}
