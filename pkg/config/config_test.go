package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snowpatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Database.Driver != DriverSQLite || c.Database.DSN != DefaultDSN {
		t.Errorf("database = %+v", c.Database)
	}
	if c.Discovery.MaxCloudCover != 20 || c.Processing.NDSIThreshold != 0.4 || c.Processing.Resolution != 10 || !c.Processing.SaveMask {
		t.Errorf("defaults = %+v %+v", c.Discovery, c.Processing)
	}
	if c.Server.ListenAddr != "127.0.0.1" || c.Server.Port != 8090 {
		t.Errorf("server = %+v", c.Server)
	}
	if c.DownloadDir() != filepath.Join("data", "sentinel2") || c.MaskDir() != filepath.Join("data", "snow_masks") {
		t.Errorf("dirs = %s %s", c.DownloadDir(), c.MaskDir())
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestYAMLProvider(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://snow@localhost/snow
paths:
  base-dir: /srv/snow
provider:
  client-id: file-id
  max-retries: 0
discovery:
  max-cloud-cover: 0
processing:
  ndsi-threshold: 0.3
  save-mask: false
  limit: 5
archive:
  bucket: masks
  prefix: scotland
aois:
  - name: Cairn Gorm
    lat: 57.1166
    lon: -3.6441
`)
	c, err := NewYAMLProvider(path).LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Database.Driver != DriverPostgres || c.Paths.BaseDir != "/srv/snow" {
		t.Errorf("database/paths = %+v %+v", c.Database, c.Paths)
	}
	// Explicit zeros must survive defaulting
	if c.Provider.MaxRetries != 0 || c.Discovery.MaxCloudCover != 0 || c.Processing.SaveMask {
		t.Errorf("explicit zero values lost: %+v %+v %+v", c.Provider, c.Discovery, c.Processing)
	}
	if c.Processing.NDSIThreshold != 0.3 || c.Processing.Resolution != DefaultResolution || c.Processing.Limit != 5 {
		t.Errorf("processing = %+v", c.Processing)
	}
	if !c.Archive.Enabled() || c.Archive.Prefix != "scotland" {
		t.Errorf("archive = %+v", c.Archive)
	}
	if len(c.AOIs) != 1 || c.AOIs[0].SizeKm != 10 {
		t.Errorf("aois = %+v", c.AOIs)
	}
	if c.Server.Port != DefaultPort {
		t.Errorf("server = %+v", c.Server)
	}
}

func TestYAMLProviderRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "processing:\n  treshold: 0.4\n")
	if _, err := NewYAMLProvider(path).LoadConfig(); err == nil {
		t.Error("expected an error for a misspelled key")
	}
}

func TestEnvProviderOverlay(t *testing.T) {
	path := writeConfig(t, "provider:\n  client-id: file-id\n  client-secret: file-secret\n")
	env := map[string]string{EnvClientSecret: "env-secret", EnvDatabaseDSN: "/tmp/x.db"}
	p := NewEnvProvider(NewYAMLProvider(path))
	p.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c, err := p.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.Provider.ClientID != "file-id" || c.Provider.ClientSecret != "env-secret" || c.Database.DSN != "/tmp/x.db" {
		t.Errorf("overlay = %+v %+v", c.Provider, c.Database)
	}
	if !c.Provider.HasCredentials() {
		t.Error("credentials not detected")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvClientID, "id")
	t.Setenv(EnvClientSecret, "secret")
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Provider.HasCredentials() {
		t.Errorf("provider = %+v", c.Provider)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ConfigData)
		want   string
	}{
		{"driver", func(c *ConfigData) { c.Database.Driver = "mysql" }, "database.driver"},
		{"dsn", func(c *ConfigData) { c.Database.DSN = "" }, "database.dsn"},
		{"cloud high", func(c *ConfigData) { c.Discovery.MaxCloudCover = 101 }, "max_cloud_cover"},
		{"cloud low", func(c *ConfigData) { c.Discovery.MaxCloudCover = -1 }, "max_cloud_cover"},
		{"threshold", func(c *ConfigData) { c.Processing.NDSIThreshold = 1.5 }, "ndsi_threshold"},
		{"resolution", func(c *ConfigData) { c.Processing.Resolution = 0 }, "resolution"},
		{"limit", func(c *ConfigData) { c.Processing.Limit = -1 }, "limit"},
		{"retries", func(c *ConfigData) { c.Provider.MaxRetries = -2 }, "max_retries"},
		{"port", func(c *ConfigData) { c.Server.Port = 70000 }, "server.port"},
		{"aoi name", func(c *ConfigData) { c.AOIs = []AOIData{{Lat: 1, Lon: 1}} }, "name is required"},
		{"aoi centre", func(c *ConfigData) { c.AOIs = []AOIData{{Name: "x", Lat: 91}} }, "invalid centre"},
		{"aoi repeat", func(c *ConfigData) { c.AOIs = []AOIData{{Name: "x"}, {Name: "x"}} }, "repeated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
