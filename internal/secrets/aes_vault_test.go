package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets/localsecrets"

	"github.com/flexli/flexli/pkg/schema"
)

func testVault(t *testing.T) *AESVault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v
}

func TestAESVault_RoundTrip(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	ct, err := v.Encrypt(ctx, []byte("sk-secret-123"))
	require.NoError(t, err)
	assert.NotContains(t, ct, "sk-secret-123")

	pt, err := v.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-secret-123"), pt)
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	ct1, err := v.Encrypt(ctx, []byte("same-value"))
	require.NoError(t, err)
	ct2, err := v.Encrypt(ctx, []byte("same-value"))
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	cfg := VaultConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	}
	v1, err := NewAESVault(cfg)
	require.NoError(t, err)
	v2, err := NewAESVault(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	ct, err := v1.Encrypt(ctx, []byte("value"))
	require.NoError(t, err)
	pt, err := v2.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), pt)
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	ctx := context.Background()
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	ct, err := testVault(t).Encrypt(ctx, []byte("hidden"))
	require.NoError(t, err)

	other, err := NewAESVault(VaultConfig{MasterKey: key2})
	require.NoError(t, err)
	_, err = other.Decrypt(ctx, ct)
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))
}

func TestAESVault_BadCiphertext(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	_, err := v.Decrypt(ctx, "%%% not base64")
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))

	_, err = v.Decrypt(ctx, "YWJj")
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))
}

func TestAESVault_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short key", VaultConfig{MasterKey: []byte("too-short")}},
		{"nothing", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "pass"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAESVault(tc.cfg)
			assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))
		})
	}
}

func TestCredentials_SealAndOpen(t *testing.T) {
	ctx := context.Background()
	creds := &schema.Credentials{
		Type:         schema.CredentialsAPIKey,
		APIKey:       "abc",
		APIKeyHeader: "X-API-Key",
	}

	key, err := localsecrets.NewRandomKey()
	require.NoError(t, err)
	vaults := map[string]Vault{
		"aes":    testVault(t),
		"keeper": NewKeeperVault(localsecrets.NewKeeper(key)),
	}
	for name, v := range vaults {
		t.Run(name, func(t *testing.T) {
			sealed, err := SealCredentials(ctx, v, creds)
			require.NoError(t, err)

			got, err := OpenCredentials(ctx, v, sealed)
			require.NoError(t, err)
			assert.Equal(t, creds, got)
		})
	}
}

func TestOpenCredentials_NotJSON(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	ct, err := v.Encrypt(ctx, []byte("plain text"))
	require.NoError(t, err)
	_, err = OpenCredentials(ctx, v, ct)
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))
}

func TestOpenKeeperVault_URL(t *testing.T) {
	ctx := context.Background()
	v, err := OpenKeeperVault(ctx, "base64key://")
	require.NoError(t, err)
	defer v.Close()

	ct, err := v.Encrypt(ctx, []byte("x"))
	require.NoError(t, err)
	pt, err := v.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), pt)
}
