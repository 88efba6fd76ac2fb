package models

// Provider is one configured OpenAI-compatible model provider.
type Provider struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Enabled   bool   `json:"enabled"`
	Priority  int    `json:"priority"` // lower value = tried first
}

// ProvidersConfig is the on-disk providers file format.
type ProvidersConfig struct {
	Providers []Provider `json:"providers"`
}

// HasCredentials reports whether the provider is usable as a fallback target.
func (p *Provider) HasCredentials() bool {
	return p.BaseURL != "" && p.APIKey != "" && p.Model != ""
}
