package gitlab

import (
	"fmt"
	"os"

	"github.com/proactiva-us/pipeliner/internal/hosting"
)

// resolveToken gets the GitLab API token from environment.
// Uses cfg.TokenEnvVar if set, otherwise tries GITLAB_TOKEN then CI_JOB_TOKEN.
func resolveToken(cfg hosting.Config) (string, error) {
	if cfg.TokenEnvVar != "" {
		token := os.Getenv(cfg.TokenEnvVar)
		if token == "" {
			return "", fmt.Errorf("%s environment variable is not set (required for GitLab API access)", cfg.TokenEnvVar)
		}
		return token, nil
	}

	for _, envVar := range []string{"GITLAB_TOKEN", "CI_JOB_TOKEN"} {
		if token := os.Getenv(envVar); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("GITLAB_TOKEN environment variable is not set (required for GitLab API access)")
}
