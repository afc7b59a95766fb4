package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mattjoyce/conduit/internal/auth"
)

// EnvPrefix prefixes environment overrides: CONDUIT_API__LISTEN sets api.listen.
const EnvPrefix = "CONDUIT_"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DiscoverConfigPath finds the config file to use when none was given.
// Priority order: $CONDUIT_CONFIG, ./conduit.yaml, ~/.config/conduit/config.yaml, /etc/conduit/config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("CONDUIT_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := []string{"./conduit.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "conduit", "config.yaml"))
	}
	candidates = append(candidates, "/etc/conduit/config.yaml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $CONDUIT_CONFIG, %s)", strings.Join(candidates, ", "))
}

// Load reads the YAML file at path, applies CONDUIT_* environment overrides
// on top, expands ${VAR} references in secret fields and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	expandSecrets(cfg)

	if cfg.AutomationsFile != "" && path != "" && !filepath.IsAbs(cfg.AutomationsFile) {
		cfg.AutomationsFile = filepath.Join(filepath.Dir(path), cfg.AutomationsFile)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps CONDUIT_STATE__POLL_INTERVAL to state.poll_interval.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func expandSecrets(cfg *Config) {
	cfg.GitHub.PrivateKey = interpolateEnv(cfg.GitHub.PrivateKey)
	cfg.Signing.PrivateKey = interpolateEnv(cfg.Signing.PrivateKey)
	cfg.API.Auth.APIKey = interpolateEnv(cfg.API.Auth.APIKey)
	for i := range cfg.API.Auth.Tokens {
		cfg.API.Auth.Tokens[i].Token = interpolateEnv(cfg.API.Auth.Tokens[i].Token)
	}
	for i := range cfg.Webhooks.Endpoints {
		cfg.Webhooks.Endpoints[i].Secret = interpolateEnv(cfg.Webhooks.Endpoints[i].Secret)
	}
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left
// in place so Validate can name them.
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// Validate checks a decoded config for required fields and consistent values.
func Validate(cfg *Config) error {
	switch cfg.State.Driver {
	case "memory":
	case "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("state.driver must be sqlite or memory (got %q)", cfg.State.Driver)
	}
	if cfg.State.TTL < 0 {
		return fmt.Errorf("state.ttl must not be negative")
	}
	if cfg.State.PollInterval <= 0 {
		return fmt.Errorf("state.poll_interval must be positive")
	}

	if cfg.Signing.PrivateKey == "" && cfg.Signing.PrivateKeyPath == "" {
		return fmt.Errorf("signing.private_key_path or signing.private_key is required")
	}
	if err := unresolved("signing.private_key", cfg.Signing.PrivateKey); err != nil {
		return err
	}

	if cfg.GitHub.Enabled() {
		if cfg.GitHub.PrivateKey == "" && cfg.GitHub.PrivateKeyPath == "" {
			return fmt.Errorf("github.private_key_path or github.private_key is required when github.app_id is set")
		}
		if err := unresolved("github.private_key", cfg.GitHub.PrivateKey); err != nil {
			return err
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			for _, scope := range tok.Scopes {
				if !auth.KnownScope(scope) {
					return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, scope)
				}
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Webhooks.Endpoints))
	for i, ep := range cfg.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhooks.endpoints[%d].path must start with /", i)
		}
		if seen[ep.Path] {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		seen[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("webhook endpoint %q: secret is required", ep.Path)
		}
		if err := unresolved(fmt.Sprintf("webhook endpoint %q secret", ep.Path), ep.Secret); err != nil {
			return err
		}
	}
	if len(cfg.Webhooks.Endpoints) > 0 && cfg.Webhooks.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}

	if cfg.Dispatch.WorkerTimeout <= 0 {
		return fmt.Errorf("dispatch.worker_timeout must be positive")
	}
	if cfg.Dispatch.BackgroundTimeout <= 0 {
		return fmt.Errorf("dispatch.background_timeout must be positive")
	}
	return nil
}

// ReadKeyPEM returns inline key material when set, otherwise the contents of path.
func ReadKeyPEM(path, inline string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if path == "" {
		return nil, fmt.Errorf("no key configured")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	return b, nil
}
