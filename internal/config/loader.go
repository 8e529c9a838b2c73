package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError wraps a loading failure with its category.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// A variable named X_SSM_PARAM holds the secret reference that fills X.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

const secretResolveTimeout = 30 * time.Second

type envLookup func(key string) (string, bool)

// loaderDeps lets tests replace process environment access.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig loads, resolves and validates the configuration.
//
// Steps: force UTC, load .env if present, resolve *_SSM_PARAM references
// through provider, decode with envconfig, stamp build info, validate.
// With APP_ENV=local and a nil provider, secret resolution is skipped.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Missing .env is normal outside local development.
	_ = deps.dotenv()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv || provider != nil {
		if err := resolveSecretRefs(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to decode environment", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	if err := checkDeployed(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkDeployed rejects settings that only a local run may leave empty.
func checkDeployed(cfg *Config) error {
	if cfg.Environment == localEnv {
		return nil
	}
	if cfg.AWS.DeliveryQueueURL == "" {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("SQS_DELIVERY_QUEUE is required when APP_ENV=%s", cfg.Environment),
		}
	}
	return nil
}

// ResolveSecrets runs only the secret-resolution step. jobctl uses it before
// reading a handful of variables directly.
func ResolveSecrets(provider SecretProvider) error {
	deps := defaultDeps()
	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv == localEnv && provider == nil {
		return nil
	}
	return resolveSecretRefs(provider, deps)
}

// secretRef binds a reference (SSM path or alias) to the variable it fills.
type secretRef struct {
	target string
	ref    string
}

// collectSecretRefs returns the *_SSM_PARAM bindings whose target variable
// is not already set, sorted by target for stable error messages.
func collectSecretRefs(deps loaderDeps) []secretRef {
	var refs []secretRef
	for _, kv := range deps.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || value == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		refs = append(refs, secretRef{target: target, ref: value})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].target < refs[j].target })
	return refs
}

func resolveSecretRefs(provider SecretProvider, deps loaderDeps) error {
	refs := collectSecretRefs(deps)
	if len(refs) == 0 {
		return nil
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("a secret provider is required to resolve %s", joinTargets(refs)),
		}
	}

	keys := make([]string, 0, len(refs))
	for _, r := range refs {
		keys = append(keys, r.ref)
	}

	ctx, cancel := context.WithTimeout(context.Background(), secretResolveTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, keys)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d secret references", len(keys)),
			Err:     err,
		}
	}

	var missing []secretRef
	for _, r := range refs {
		value, ok := values[r.ref]
		if !ok {
			missing = append(missing, r)
			continue
		}
		if err := deps.setEnv(r.target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to export %s", r.target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("secret references not found for %s", joinTargets(missing)),
		}
	}
	return nil
}

func joinTargets(refs []secretRef) string {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.target
	}
	return strings.Join(names, ", ")
}
