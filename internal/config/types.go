package config

import "time"

// Config represents the complete conduit configuration.
type Config struct {
	Service         ServiceConfig   `koanf:"service"`
	State           StateConfig     `koanf:"state"`
	GitHub          GitHubConfig    `koanf:"github"`
	Signing         SigningConfig   `koanf:"signing"`
	API             APIConfig       `koanf:"api"`
	Webhooks        WebhooksConfig  `koanf:"webhooks"`
	Dispatch        DispatchConfig  `koanf:"dispatch"`
	Telemetry       TelemetryConfig `koanf:"telemetry"`
	AutomationsFile string          `koanf:"automations_file"`
}

// ServiceConfig contains core service settings.
type ServiceConfig struct {
	Name     string `koanf:"name"`
	LogLevel string `koanf:"log_level"`
}

// StateConfig selects and tunes the chain/job state store.
type StateConfig struct {
	Driver        string        `koanf:"driver"` // sqlite, memory
	Path          string        `koanf:"path"`
	TTL           time.Duration `koanf:"ttl"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// GitHubConfig holds GitHub App credentials. Without an app_id the
// workflow targets are unavailable.
type GitHubConfig struct {
	AppID          int64  `koanf:"app_id"`
	PrivateKeyPath string `koanf:"private_key_path"`
	PrivateKey     string `koanf:"private_key"`
	APIURL         string `koanf:"api_url"`
}

// Enabled reports whether a GitHub App is configured.
func (g GitHubConfig) Enabled() bool {
	return g.AppID != 0
}

// SigningConfig holds the key used to sign every PluginInput.
type SigningConfig struct {
	PrivateKeyPath string `koanf:"private_key_path"`
	PrivateKey     string `koanf:"private_key"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Listen    string        `koanf:"listen"`
	Auth      APIAuthConfig `koanf:"auth"`
	KeepAlive time.Duration `koanf:"keepalive"`
}

// APIAuthConfig contains API authentication settings.
type APIAuthConfig struct {
	// APIKey is a legacy admin token with full access.
	APIKey string     `koanf:"api_key"`
	Tokens []APIToken `koanf:"tokens"`
}

// APIToken is a bearer token with explicit scopes.
type APIToken struct {
	Token  string   `koanf:"token"`
	Scopes []string `koanf:"scopes"`
}

// WebhooksConfig contains inbound webhook endpoint configuration.
type WebhooksConfig struct {
	Listen    string            `koanf:"listen"`
	Endpoints []WebhookEndpoint `koanf:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path            string `koanf:"path"`
	Secret          string `koanf:"secret"`
	SignatureHeader string `koanf:"signature_header"`
	MaxBodySize     string `koanf:"max_body_size"` // "1MB", "2048576"
}

// DispatchConfig tunes the dispatch transport.
type DispatchConfig struct {
	WorkerTimeout     time.Duration `koanf:"worker_timeout"`
	BackgroundTimeout time.Duration `koanf:"background_timeout"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "conduit",
			LogLevel: "info",
		},
		State: StateConfig{
			Driver:        "sqlite",
			Path:          "./data/state.db",
			TTL:           180 * time.Second,
			PollInterval:  250 * time.Millisecond,
			SweepInterval: time.Minute,
		},
		GitHub: GitHubConfig{
			APIURL: "https://api.github.com",
		},
		API: APIConfig{
			Listen:    "localhost:8080",
			KeepAlive: 15 * time.Second,
		},
		Dispatch: DispatchConfig{
			WorkerTimeout:     30 * time.Second,
			BackgroundTimeout: 2 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "conduit",
		},
	}
}
