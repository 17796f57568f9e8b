package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	Database   DatabaseData   `json:"database"`
	Paths      PathsData      `json:"paths"`
	Provider   ProviderData   `json:"provider"`
	Discovery  DiscoveryData  `json:"discovery"`
	Processing ProcessingData `json:"processing"`
	Server     ServerData     `json:"server"`
	Archive    ArchiveData    `json:"archive,omitempty"`
	AOIs       []AOIData      `json:"aois,omitempty"`
}

// DatabaseData selects the metadata store
type DatabaseData struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// PathsData holds the on-disk layout roots
type PathsData struct {
	BaseDir string `json:"base_dir"`
}

// ProviderData configures the imagery provider client
type ProviderData struct {
	BaseURL        string `json:"base_url,omitempty"`
	TokenURL       string `json:"token_url,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	ClientSecret   string `json:"-"`
	Collection     string `json:"collection,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxRetries     int    `json:"max_retries"`
}

// DiscoveryData holds catalog search defaults
type DiscoveryData struct {
	MaxCloudCover float64 `json:"max_cloud_cover"`
	// WindowDays is the search window ending now used when no dates are given
	WindowDays int `json:"window_days"`
}

// ProcessingData holds download and classification defaults
type ProcessingData struct {
	NDSIThreshold float64 `json:"ndsi_threshold"`
	Resolution    float64 `json:"resolution"`
	SaveMask      bool    `json:"save_mask"`
	Limit         int     `json:"limit,omitempty"`
}

// ServerData configures the reporting API listener
type ServerData struct {
	ListenAddr string `json:"listen_addr"`
	Port       int    `json:"port"`
}

// ArchiveData configures the optional S3 mask archive
type ArchiveData struct {
	Bucket   string `json:"bucket,omitempty"`
	Region   string `json:"region,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Enabled reports whether masks should be archived
func (a ArchiveData) Enabled() bool {
	return a.Bucket != ""
}

// AOIData defines one monitored area
type AOIData struct {
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	SizeKm float64 `json:"size_km,omitempty"`
}

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Defaults
const (
	DefaultDriver         = DriverSQLite
	DefaultDSN            = "data/snow_patches.db"
	DefaultBaseDir        = "data"
	DefaultMaxCloudCover  = 20.0
	DefaultWindowDays     = 30
	DefaultNDSIThreshold  = 0.4
	DefaultResolution     = 10.0
	DefaultMaxRetries     = 3
	DefaultListenAddr     = "127.0.0.1"
	DefaultPort           = 8090
	DefaultTimeoutSeconds = 60
)

// DownloadDir is the root of the raw scene layout
func (c *ConfigData) DownloadDir() string {
	return filepath.Join(c.Paths.BaseDir, "sentinel2")
}

// MaskDir is the root of the snow mask layout
func (c *ConfigData) MaskDir() string {
	return filepath.Join(c.Paths.BaseDir, "snow_masks")
}

// ApplyDefaults fills every unset field with its default
func (c *ConfigData) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = DefaultDSN
	}
	if c.Paths.BaseDir == "" {
		c.Paths.BaseDir = DefaultBaseDir
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Discovery.WindowDays == 0 {
		c.Discovery.WindowDays = DefaultWindowDays
	}
	if c.Processing.Resolution == 0 {
		c.Processing.Resolution = DefaultResolution
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	for i := range c.AOIs {
		if c.AOIs[i].SizeKm == 0 {
			c.AOIs[i].SizeKm = 10
		}
	}
}

// Default returns a configuration holding only defaults
func Default() *ConfigData {
	c := &ConfigData{
		Discovery:  DiscoveryData{MaxCloudCover: DefaultMaxCloudCover},
		Processing: ProcessingData{NDSIThreshold: DefaultNDSIThreshold, SaveMask: true},
		Provider:   ProviderData{MaxRetries: DefaultMaxRetries},
	}
	c.ApplyDefaults()
	return c
}

// Validate reports every invalid setting at once
func (c *ConfigData) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be %s or %s", c.Database.Driver, DriverSQLite, DriverPostgres))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Discovery.MaxCloudCover < 0 || c.Discovery.MaxCloudCover > 100 {
		errs = append(errs, fmt.Errorf("discovery.max_cloud_cover %v must be between 0 and 100", c.Discovery.MaxCloudCover))
	}
	if c.Discovery.WindowDays < 0 {
		errs = append(errs, fmt.Errorf("discovery.window_days %d must not be negative", c.Discovery.WindowDays))
	}
	if c.Processing.NDSIThreshold < -1 || c.Processing.NDSIThreshold > 1 {
		errs = append(errs, fmt.Errorf("processing.ndsi_threshold %v must be between -1 and 1", c.Processing.NDSIThreshold))
	}
	if c.Processing.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("processing.resolution %v must be positive", c.Processing.Resolution))
	}
	if c.Processing.Limit < 0 {
		errs = append(errs, fmt.Errorf("processing.limit %d must not be negative", c.Processing.Limit))
	}
	if c.Provider.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("provider.max_retries %d must not be negative", c.Provider.MaxRetries))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}

	seen := make(map[string]struct{}, len(c.AOIs))
	for i, a := range c.AOIs {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("aois[%d].name is required", i))
			continue
		}
		if _, dup := seen[a.Name]; dup {
			errs = append(errs, fmt.Errorf("aois[%d].name %q is repeated", i, a.Name))
		}
		seen[a.Name] = struct{}{}
		if a.Lat < -90 || a.Lat > 90 || a.Lon < -180 || a.Lon > 180 {
			errs = append(errs, fmt.Errorf("aois[%d] %q has an invalid centre (%v, %v)", i, a.Name, a.Lat, a.Lon))
		}
		if a.SizeKm < 0 {
			errs = append(errs, fmt.Errorf("aois[%d] %q has a negative size", i, a.Name))
		}
	}

	return errors.Join(errs...)
}

// HasCredentials reports whether provider credentials are set
func (p ProviderData) HasCredentials() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}
