package secrets

import (
	"context"
	"encoding/base64"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/flexli/flexli/pkg/schema"
)

// KeeperVault delegates to a Go CDK secrets keeper, so credentials can be
// sealed by a cloud KMS ("awskms://", "gcpkms://") or a local key
// ("base64key://").
type KeeperVault struct {
	keeper *secrets.Keeper
}

// OpenKeeperVault opens the keeper at url.
func OpenKeeperVault(ctx context.Context, url string) (*KeeperVault, error) {
	k, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "open keeper").WithCause(err)
	}
	return &KeeperVault{keeper: k}, nil
}

// NewKeeperVault wraps an already opened keeper.
func NewKeeperVault(k *secrets.Keeper) *KeeperVault {
	return &KeeperVault{keeper: k}
}

func (v *KeeperVault) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	sealed, err := v.keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeVault, "encrypt failed").WithCause(err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *KeeperVault) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext is not base64").WithCause(err)
	}
	plaintext, err := v.keeper.Decrypt(ctx, raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "decrypt failed").WithCause(err)
	}
	return plaintext, nil
}

// Close releases the keeper.
func (v *KeeperVault) Close() error {
	return v.keeper.Close()
}
