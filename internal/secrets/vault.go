package secrets

import (
	"context"
	"encoding/json"

	"github.com/flexli/flexli/pkg/schema"
)

// Vault encrypts and decrypts connector credentials. Ciphertext is carried
// as base64 text so it can live inside connector definitions.
type Vault interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}

// SealCredentials JSON-encodes and encrypts creds.
func SealCredentials(ctx context.Context, v Vault, creds *schema.Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeVault, "encode credentials").WithCause(err)
	}
	return v.Encrypt(ctx, data)
}

// OpenCredentials decrypts and decodes a connector's credentials.
func OpenCredentials(ctx context.Context, v Vault, ciphertext string) (*schema.Credentials, error) {
	plaintext, err := v.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, err
	}
	creds := &schema.Credentials{}
	if err := json.Unmarshal(plaintext, creds); err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "decode credentials").WithCause(err)
	}
	return creds, nil
}
