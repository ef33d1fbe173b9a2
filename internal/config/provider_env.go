package config

import (
	"context"
	"os"
)

// EnvVarProvider implements SecretProvider by treating each key as the name of
// another environment variable. It lets deployments indirect secrets through
// platform-injected variables without a secret-manager client.
type EnvVarProvider struct {
	lookupEnv envLookup
}

// NewEnvVarProvider creates a new EnvVarProvider backed by the OS environment.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookupEnv: os.LookupEnv}
}

// GetParametersBatch returns the values of the keys that are set. Missing keys
// are omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := p.lookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
