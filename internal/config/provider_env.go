package config

import (
	"context"
	"os"
)

// EnvVarProvider treats each key as the name of another environment
// variable. Locally, DATABASE_URL_SSM_PARAM=LOCAL_PG_URL copies LOCAL_PG_URL
// into DATABASE_URL.
type EnvVarProvider struct {
	lookup envLookup
}

// NewEnvVarProvider returns a provider backed by os.LookupEnv.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

// GetParametersBatch resolves keys present in the environment and omits the rest.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := lookup(key); ok {
			out[key] = val
		}
	}
	return out, nil
}
