package config

import "context"

// SecretProvider resolves secret references to plaintext values. Keys are the
// values of *_SECRET_PARAM environment variables.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
