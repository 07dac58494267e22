package crm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// OAuthRefresher exchanges refresh tokens at the CRM's /oauth/token endpoint.
type OAuthRefresher struct {
	config     oauth2.Config
	httpClient *http.Client
}

// NewOAuthRefresher targets baseURL + "/oauth/token". httpClient may be nil.
func NewOAuthRefresher(baseURL, clientID, clientSecret string, httpClient *http.Client) *OAuthRefresher {
	return &OAuthRefresher{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimRight(baseURL, "/") + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// Refresh performs a grant_type=refresh_token exchange. The returned token keeps
// refreshToken when the response omits a new one.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("crm token refresh: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}
