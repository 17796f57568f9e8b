package config

import "os"

// Environment variables read by EnvProvider
const (
	EnvClientID     = "SH_CLIENT_ID"
	EnvClientSecret = "SH_CLIENT_SECRET"
	EnvDatabaseDSN  = "SNOWPATCH_DATABASE_DSN"
)

// EnvProvider overlays provider credentials and the database DSN from the environment on
// another provider. Environment values win over file values.
type EnvProvider struct {
	inner  ConfigProvider
	lookup func(string) (string, bool)
}

// NewEnvProvider wraps inner. A nil inner starts from defaults.
func NewEnvProvider(inner ConfigProvider) *EnvProvider {
	return &EnvProvider{inner: inner, lookup: os.LookupEnv}
}

// LoadConfig loads inner and applies the environment
func (e *EnvProvider) LoadConfig() (*ConfigData, error) {
	cfg := Default()
	if e.inner != nil {
		var err error
		if cfg, err = e.inner.LoadConfig(); err != nil {
			return nil, err
		}
	}

	if v, ok := e.lookup(EnvClientID); ok && v != "" {
		cfg.Provider.ClientID = v
	}
	if v, ok := e.lookup(EnvClientSecret); ok && v != "" {
		cfg.Provider.ClientSecret = v
	}
	if v, ok := e.lookup(EnvDatabaseDSN); ok && v != "" {
		cfg.Database.DSN = v
	}
	return cfg, nil
}

// IsReadOnly returns true
func (e *EnvProvider) IsReadOnly() bool {
	return true
}

// Close closes the wrapped provider
func (e *EnvProvider) Close() error {
	if e.inner == nil {
		return nil
	}
	return e.inner.Close()
}

// Load reads path (or defaults when path is empty), overlays the environment and validates
func Load(path string) (*ConfigData, error) {
	var inner ConfigProvider
	if path != "" {
		inner = NewYAMLProvider(path)
	}
	p := NewEnvProvider(inner)
	defer p.Close()

	cfg, err := p.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
