package config

import "context"

// SecretProvider resolves secret references (SSM parameter paths locally
// aliased to env var names) to plaintext values.
type SecretProvider interface {
	// GetParametersBatch returns key -> value for every key it could resolve.
	// Keys it cannot find are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// DefaultProvider picks the provider for appEnv: env var aliasing for local
// runs, SSM Parameter Store for deployed environments.
func DefaultProvider(appEnv, region string) SecretProvider {
	if appEnv == localEnv {
		return NewEnvVarProvider()
	}
	return NewSSMProvider(region)
}
