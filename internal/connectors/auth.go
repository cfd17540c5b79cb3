package connectors

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flexli/flexli/internal/secrets"
	"github.com/flexli/flexli/pkg/schema"
)

// placeholderBearer is sent for OAuth2 clients missing token settings.
const placeholderBearer = "Bearer Token"

// Authenticator turns sealed connector credentials into request headers.
type Authenticator struct {
	vault      secrets.Vault
	httpClient *http.Client

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewAuthenticator creates an Authenticator. httpClient is used for token
// requests and may be nil.
func NewAuthenticator(vault secrets.Vault, httpClient *http.Client) *Authenticator {
	return &Authenticator{
		vault:      vault,
		httpClient: httpClient,
		sources:    make(map[string]oauth2.TokenSource),
	}
}

// Headers decrypts sealed credentials and returns the auth headers for them.
// Empty credentials produce no headers.
func (a *Authenticator) Headers(ctx context.Context, sealed string) (map[string]string, error) {
	if sealed == "" {
		return nil, nil
	}
	if a.vault == nil {
		return nil, schema.NewError(schema.ErrCodeVault, "connector has credentials but no vault is configured")
	}
	creds, err := secrets.OpenCredentials(ctx, a.vault, sealed)
	if err != nil {
		return nil, err
	}
	return a.headersFor(ctx, creds)
}

func (a *Authenticator) headersFor(ctx context.Context, creds *schema.Credentials) (map[string]string, error) {
	switch creds.Type {
	case schema.CredentialsAPIKey:
		return map[string]string{creds.APIKeyHeader: creds.APIKey}, nil
	case schema.CredentialsBearerToken:
		return map[string]string{"Authorization": "Bearer " + creds.BearerToken}, nil
	case schema.CredentialsOAuth2Client:
		if creds.TokenURL == "" || creds.ClientID == "" || creds.ClientSecret == "" {
			return map[string]string{"Authorization": placeholderBearer}, nil
		}
		tok, err := a.tokenSource(creds).Token()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeWorkflowFailed, "obtain oauth2 token").WithCause(err)
		}
		return map[string]string{"Authorization": tok.Type() + " " + tok.AccessToken}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAuth, "unsupported credentials type %q", creds.Type)
	}
}

// tokenSource returns a cached, self-refreshing token source per client.
func (a *Authenticator) tokenSource(creds *schema.Credentials) oauth2.TokenSource {
	key := strings.Join([]string{creds.TokenURL, creds.ClientID, creds.ClientSecret, strings.Join(creds.Scopes, " ")}, "|")

	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.sources[key]; ok {
		return ts
	}

	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
	}
	if creds.BasicAuth {
		cfg.AuthStyle = oauth2.AuthStyleInHeader
	}

	tokenCtx := context.Background()
	if a.httpClient != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, a.httpClient)
	}
	ts := cfg.TokenSource(tokenCtx)
	a.sources[key] = ts
	return ts
}
