package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticVault serves per-user provider keys read once from a YAML file:
//
//	users:
//	  alice:
//	    kie: sk-...
type StaticVault struct {
	keys map[string]map[string]string
}

type vaultFile struct {
	Users map[string]map[string]string `yaml:"users"`
}

func NewStaticVault(keys map[string]map[string]string) *StaticVault {
	v := &StaticVault{keys: map[string]map[string]string{}}
	for userID, byProvider := range keys {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		clean := map[string]string{}
		for providerID, key := range byProvider {
			providerID = strings.ToLower(strings.TrimSpace(providerID))
			if key = strings.TrimSpace(key); providerID != "" && key != "" {
				clean[providerID] = key
			}
		}
		v.keys[userID] = clean
	}
	return v
}

// LoadStaticVault reads path; a missing file yields an empty vault.
func LoadStaticVault(path string) (*StaticVault, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewStaticVault(nil), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewStaticVault(nil), nil
	}
	if err != nil {
		return nil, err
	}
	var file vaultFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode user keys file %s: %w", path, err)
	}
	return NewStaticVault(file.Users), nil
}

func (v *StaticVault) LookupKey(_ context.Context, userID, providerID string) (string, error) {
	if v == nil {
		return "", nil
	}
	return v.keys[strings.TrimSpace(userID)][strings.ToLower(strings.TrimSpace(providerID))], nil
}

// VaultFunc adapts a function to ports.KeyVault.
type VaultFunc func(ctx context.Context, userID, providerID string) (string, error)

func (f VaultFunc) LookupKey(ctx context.Context, userID, providerID string) (string, error) {
	return f(ctx, userID, providerID)
}
