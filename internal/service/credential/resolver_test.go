package credential

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickbal456/fdyu-sub003/internal/provider"
)

type mapVault map[string]string

func (v mapVault) LookupKey(_ context.Context, userID, providerID string) (string, error) {
	return v[userID+"/"+providerID], nil
}

type failingVault struct{}

func (failingVault) LookupKey(context.Context, string, string) (string, error) {
	return "", errors.New("vault offline")
}

func newCatalog(t *testing.T, env map[string]string) *provider.Catalog {
	t.Helper()
	catalog, err := provider.NewCatalog(nil, nil, func(k string) string { return env[k] })
	require.NoError(t, err)
	return catalog
}

func TestResolvePrefersCallerThenVaultThenFallback(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(Dependencies{
		Catalog: newCatalog(t, map[string]string{"KIE_API_KEY": "sk-fallback"}),
		Vault:   mapVault{"u1/kie": "sk-vault"},
	})
	r.Register([]string{"e1"}, map[string]string{" KIE ": " sk-caller "})

	cred, err := r.Resolve(ctx, "kie", "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, SourceCaller, cred.Source)
	assert.Equal(t, "sk-caller", cred.Key)
	assert.Equal(t, Hash("sk-caller"), cred.Hash)

	cred, err = r.Resolve(ctx, "kie", "u1", "e2")
	require.NoError(t, err)
	assert.Equal(t, SourceVault, cred.Source)
	assert.Equal(t, "sk-vault", cred.Key)

	cred, err = r.Resolve(ctx, "kie", "u2", "e2")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, cred.Source)
	assert.Equal(t, "sk-fallback", cred.Key)

	_, err = r.Resolve(ctx, "replicate", "u2", "e2")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestForgetDropsCallerKeysButKeepsHashLookup(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(Dependencies{Catalog: newCatalog(t, nil)})
	r.Register([]string{"e1", "e2"}, map[string]string{"kie": "sk-caller"})

	r.Forget("e1")
	_, err := r.Resolve(ctx, "kie", "u1", "e1")
	assert.ErrorIs(t, err, ErrNoCredential)

	cred, err := r.Resolve(ctx, "kie", "u1", "e2")
	require.NoError(t, err)
	assert.Equal(t, "sk-caller", cred.Key)

	// queued work carries only the hash
	cred, err = r.Lookup(ctx, "kie", "u1", Hash("sk-caller"))
	require.NoError(t, err)
	assert.Equal(t, "sk-caller", cred.Key)
}

func TestLookupMatchesVaultAndFallbackByHash(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(Dependencies{
		Catalog: newCatalog(t, map[string]string{"REPLICATE_API_KEY": "r8-fallback"}),
		Vault:   mapVault{"u1/kie": "sk-vault"},
	})

	cred, err := r.Lookup(ctx, "kie", "u1", Hash("sk-vault"))
	require.NoError(t, err)
	assert.Equal(t, SourceVault, cred.Source)

	cred, err = r.Lookup(ctx, "replicate", "u1", Hash("r8-fallback"))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, cred.Source)

	_, err = r.Lookup(ctx, "kie", "u1", Hash("rotated"))
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestResolveSurfacesVaultErrors(t *testing.T) {
	r := NewResolver(Dependencies{Catalog: newCatalog(t, nil), Vault: failingVault{}})
	_, err := r.Resolve(context.Background(), "kie", "u1", "e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault offline")
}

func TestCredentialStringNeverShowsKey(t *testing.T) {
	cred := Credential{Provider: "kie", Key: "sk-secret", Hash: Hash("sk-secret"), Source: SourceCaller}
	s := cred.String()
	assert.False(t, strings.Contains(s, "sk-secret"))
	assert.True(t, strings.HasPrefix(s, "kie:"+Hash("sk-secret")[:12]))
}
