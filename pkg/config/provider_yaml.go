package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

type fileYAML struct {
	Database   databaseYAML   `yaml:"database"`
	Paths      pathsYAML      `yaml:"paths"`
	Provider   providerYAML   `yaml:"provider"`
	Discovery  discoveryYAML  `yaml:"discovery"`
	Processing processingYAML `yaml:"processing"`
	Server     serverYAML     `yaml:"server"`
	Archive    archiveYAML    `yaml:"archive,omitempty"`
	AOIs       []aoiYAML      `yaml:"aois,omitempty"`
}

type databaseYAML struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type pathsYAML struct {
	BaseDir string `yaml:"base-dir"`
}

type providerYAML struct {
	BaseURL        string `yaml:"base-url,omitempty"`
	TokenURL       string `yaml:"token-url,omitempty"`
	ClientID       string `yaml:"client-id,omitempty"`
	ClientSecret   string `yaml:"client-secret,omitempty"`
	Collection     string `yaml:"collection,omitempty"`
	TimeoutSeconds int    `yaml:"timeout-seconds,omitempty"`
	MaxRetries     *int   `yaml:"max-retries,omitempty"`
}

type discoveryYAML struct {
	MaxCloudCover *float64 `yaml:"max-cloud-cover,omitempty"`
	WindowDays    int      `yaml:"window-days,omitempty"`
}

type processingYAML struct {
	NDSIThreshold *float64 `yaml:"ndsi-threshold,omitempty"`
	Resolution    float64  `yaml:"resolution,omitempty"`
	SaveMask      *bool    `yaml:"save-mask,omitempty"`
	Limit         int      `yaml:"limit,omitempty"`
}

type serverYAML struct {
	ListenAddr string `yaml:"listen-addr,omitempty"`
	Port       int    `yaml:"port,omitempty"`
}

type archiveYAML struct {
	Bucket   string `yaml:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

type aoiYAML struct {
	Name   string  `yaml:"name"`
	Lat    float64 `yaml:"lat"`
	Lon    float64 `yaml:"lon"`
	SizeKm float64 `yaml:"size-km,omitempty"`
}

// LoadConfig loads the complete configuration from YAML file. Unset fields take their defaults.
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	var yamlConfig fileYAML
	if err := yaml.UnmarshalStrict(cfgFile, &yamlConfig); err != nil {
		return nil, err
	}

	// Convert to our internal format, starting from defaults so absent keys keep them
	config := Default()
	config.Database = DatabaseData{Driver: yamlConfig.Database.Driver, DSN: yamlConfig.Database.DSN}
	config.Paths = PathsData{BaseDir: yamlConfig.Paths.BaseDir}
	config.Provider = ProviderData{
		BaseURL:        yamlConfig.Provider.BaseURL,
		TokenURL:       yamlConfig.Provider.TokenURL,
		ClientID:       yamlConfig.Provider.ClientID,
		ClientSecret:   yamlConfig.Provider.ClientSecret,
		Collection:     yamlConfig.Provider.Collection,
		TimeoutSeconds: yamlConfig.Provider.TimeoutSeconds,
		MaxRetries:     DefaultMaxRetries,
	}
	if yamlConfig.Provider.MaxRetries != nil {
		config.Provider.MaxRetries = *yamlConfig.Provider.MaxRetries
	}

	config.Discovery.WindowDays = yamlConfig.Discovery.WindowDays
	if yamlConfig.Discovery.MaxCloudCover != nil {
		config.Discovery.MaxCloudCover = *yamlConfig.Discovery.MaxCloudCover
	}

	config.Processing.Resolution = yamlConfig.Processing.Resolution
	config.Processing.Limit = yamlConfig.Processing.Limit
	if yamlConfig.Processing.NDSIThreshold != nil {
		config.Processing.NDSIThreshold = *yamlConfig.Processing.NDSIThreshold
	}
	if yamlConfig.Processing.SaveMask != nil {
		config.Processing.SaveMask = *yamlConfig.Processing.SaveMask
	}

	config.Server = ServerData{ListenAddr: yamlConfig.Server.ListenAddr, Port: yamlConfig.Server.Port}
	config.Archive = ArchiveData{
		Bucket:   yamlConfig.Archive.Bucket,
		Region:   yamlConfig.Archive.Region,
		Prefix:   yamlConfig.Archive.Prefix,
		Endpoint: yamlConfig.Archive.Endpoint,
	}

	config.AOIs = make([]AOIData, len(yamlConfig.AOIs))
	for i, a := range yamlConfig.AOIs {
		config.AOIs[i] = AOIData{Name: a.Name, Lat: a.Lat, Lon: a.Lon, SizeKm: a.SizeKm}
	}

	config.ApplyDefaults()
	y.config = config
	return config, nil
}

// IsReadOnly returns true since YAML files are read-only through this interface
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML provider
func (y *YAMLProvider) Close() error {
	return nil
}
