package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rickbal456/fdyu-sub003/internal/provider"
	"github.com/rickbal456/fdyu-sub003/internal/service/ports"
)

var ErrNoCredential = errors.New("no credential available for provider")

type Source string

const (
	SourceCaller   Source = "caller"
	SourceVault    Source = "vault"
	SourceFallback Source = "fallback"
)

// Credential carries a raw key up to the outbound call boundary. Only Hash
// may be logged or persisted.
type Credential struct {
	Provider string
	Key      string
	Hash     string
	Source   Source
}

func (c Credential) String() string {
	return fmt.Sprintf("%s:%s(%s)", c.Provider, shortHash(c.Hash), c.Source)
}

func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type Dependencies struct {
	Catalog *provider.Catalog
	Vault   ports.KeyVault
}

// Resolver picks the key for a provider call. Caller-supplied keys live in
// process memory only, indexed by execution and by hash.
type Resolver struct {
	deps Dependencies

	mu        sync.RWMutex
	supplied  map[string]map[string]string
	knownKeys map[string]string
}

func NewResolver(deps Dependencies) *Resolver {
	return &Resolver{
		deps:      deps,
		supplied:  map[string]map[string]string{},
		knownKeys: map[string]string{},
	}
}

// Register remembers caller-supplied keys for every execution of a run.
func (r *Resolver) Register(executionIDs []string, keys map[string]string) {
	if len(keys) == 0 {
		return
	}
	clean := make(map[string]string, len(keys))
	for providerID, key := range keys {
		providerID = strings.ToLower(strings.TrimSpace(providerID))
		key = strings.TrimSpace(key)
		if providerID == "" || key == "" {
			continue
		}
		clean[providerID] = key
	}
	if len(clean) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range executionIDs {
		r.supplied[id] = clean
	}
	for providerID, key := range clean {
		r.knownKeys[providerID+":"+Hash(key)] = key
	}
}

// Forget drops caller-supplied keys of a settled execution.
func (r *Resolver) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.supplied, executionID)
}

// Resolve tries the caller-supplied key, then the user's vault, then the
// administrator fallback key.
func (r *Resolver) Resolve(ctx context.Context, providerID, userID, executionID string) (Credential, error) {
	providerID = strings.ToLower(strings.TrimSpace(providerID))

	r.mu.RLock()
	key := r.supplied[executionID][providerID]
	r.mu.RUnlock()
	if key != "" {
		return r.credential(providerID, key, SourceCaller), nil
	}

	if r.deps.Vault != nil && userID != "" {
		stored, err := r.deps.Vault.LookupKey(ctx, userID, providerID)
		if err != nil {
			return Credential{}, fmt.Errorf("lookup user key: %w", err)
		}
		if stored = strings.TrimSpace(stored); stored != "" {
			return r.credential(providerID, stored, SourceVault), nil
		}
	}

	if r.deps.Catalog != nil {
		if fallback := r.deps.Catalog.FallbackKey(providerID); fallback != "" {
			return r.credential(providerID, fallback, SourceFallback), nil
		}
	}
	return Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, providerID)
}

// Lookup recovers the raw key behind a hash for a promoted queue item or a
// poll. It checks keys seen by this process and the fallback key.
func (r *Resolver) Lookup(ctx context.Context, providerID, userID, hash string) (Credential, error) {
	providerID = strings.ToLower(strings.TrimSpace(providerID))

	r.mu.RLock()
	key := r.knownKeys[providerID+":"+hash]
	r.mu.RUnlock()
	if key != "" {
		return Credential{Provider: providerID, Key: key, Hash: hash, Source: SourceCaller}, nil
	}

	if r.deps.Vault != nil && userID != "" {
		stored, err := r.deps.Vault.LookupKey(ctx, userID, providerID)
		if err != nil {
			return Credential{}, fmt.Errorf("lookup user key: %w", err)
		}
		if stored = strings.TrimSpace(stored); stored != "" && Hash(stored) == hash {
			return r.credential(providerID, stored, SourceVault), nil
		}
	}

	if r.deps.Catalog != nil {
		if fallback := r.deps.Catalog.FallbackKey(providerID); fallback != "" && Hash(fallback) == hash {
			return r.credential(providerID, fallback, SourceFallback), nil
		}
	}
	return Credential{}, fmt.Errorf("%w: %s hash=%s", ErrNoCredential, providerID, shortHash(hash))
}

func (r *Resolver) credential(providerID, key string, source Source) Credential {
	cred := Credential{Provider: providerID, Key: key, Hash: Hash(key), Source: source}
	if source == SourceVault {
		r.mu.Lock()
		r.knownKeys[providerID+":"+cred.Hash] = key
		r.mu.Unlock()
	}
	return cred
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
