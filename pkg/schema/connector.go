package schema

import "time"

// Credential types understood by the connector client.
const (
	CredentialsAPIKey       = "ApiKey"
	CredentialsBearerToken  = "BearerToken"
	CredentialsOAuth2Client = "OAuth2Client"
)

// Connector is a tenant-registered description of an external HTTP API.
type Connector struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Type        string            `json:"type"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Config      ConnectorConfig   `json:"config"`
	Actions     []ConnectorAction `json:"actions"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
}

// FindAction returns the action template whose Type matches typ.
func (c *Connector) FindAction(typ string) (*ConnectorAction, bool) {
	for i := range c.Actions {
		if c.Actions[i].Type == typ {
			return &c.Actions[i], true
		}
	}
	return nil, false
}

// ConnectorConfig holds the connection settings of a connector.
// Credentials is the vault ciphertext of a JSON-encoded Credentials value.
type ConnectorConfig struct {
	Host           string            `json:"host"`
	BasePath       string            `json:"base_path,omitempty"`
	DefaultHeaders map[string]string `json:"default_headers,omitempty"`
	Credentials    string            `json:"credentials,omitempty"`
}

// ConnectorAction is a request template. Method, path, headers, query and
// body may contain expressions and {variable} templates.
type ConnectorAction struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Headers     map[string]any `json:"headers,omitempty"`
	Query       map[string]any `json:"query,omitempty"`
	Body        any            `json:"body,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Credentials is the decrypted authentication material of a connector.
type Credentials struct {
	Type         string   `json:"type"`
	APIKey       string   `json:"api_key,omitempty"`
	APIKeyHeader string   `json:"api_key_header,omitempty"`
	BearerToken  string   `json:"bearer_token,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	BasicAuth    bool     `json:"basic_auth,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}
