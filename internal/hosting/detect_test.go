package hosting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		url  string
		want ProviderType
	}{
		{"git@github.com:acme/app.git", ProviderGitHub},
		{"https://github.com/acme/app.git", ProviderGitHub},
		{"https://github.mycorp.com/org/app.git", ProviderGitHub},
		{"git@gitlab.com:acme/app.git", ProviderGitLab},
		{"https://gitlab.com/group/sub/app.git", ProviderGitLab},
		{"git@gitlab.mycorp.io:org/app.git", ProviderGitLab},
		{"https://bitbucket.org/acme/app.git", ProviderUnknown},
		{"", ProviderUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectProvider(tt.url))
		})
	}
}

func TestParseOwnerRepo(t *testing.T) {
	tests := []struct {
		url        string
		wantOwner  string
		wantRepo   string
	}{
		{"git@github.com:acme/app.git", "acme", "app"},
		{"https://github.com/acme/app.git", "acme", "app"},
		{"https://github.com/acme/app", "acme", "app"},
		{"ssh://git@github.com:22/acme/app.git", "acme", "app"},
		{"git@gitlab.com:group/subgroup/app.git", "group/subgroup", "app"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			owner, repo := ParseOwnerRepo(tt.url)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}

func TestResolveProviderTypeExplicit(t *testing.T) {
	pt, err := resolveProviderType("", Config{Provider: "github"})
	assert.NoError(t, err)
	assert.Equal(t, ProviderGitHub, pt)

	_, err = resolveProviderType("", Config{Provider: "sourcehut"})
	assert.Error(t, err)
}

func TestResolveProviderTypeAutoUnknown(t *testing.T) {
	_, err := resolveProviderType("https://bitbucket.org/a/b.git", Config{})
	assert.Error(t, err)
}
