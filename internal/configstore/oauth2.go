package configstore

import (
	"context"

	"golang.org/x/oauth2"
)

// ProviderConfig implements OAuth2Provider by wrapping an *oauth2.Config's
// token-source refresh, the same *oauth2.Config shape wisbric-nightowl
// builds for its OIDC authorization-code flow
// (internal/auth/oidc_flow.go) — here used purely for the refresh-token
// grant rather than the full interactive flow.
type ProviderConfig struct {
	cfg *oauth2.Config
}

func NewProviderConfig(clientID, clientSecret, authURL, tokenURL string, scopes []string) *ProviderConfig {
	return &ProviderConfig{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
	}
}

func (p *ProviderConfig) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}
