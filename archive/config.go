package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/warcfed/federation"
	"github.com/hazyhaar/warcfed/horosafe"
)

// Config holds all node configuration.
type Config struct {
	NodeID         string           `yaml:"node_id"`
	PublicEndpoint string           `yaml:"public_endpoint"` // announced to peers at handshake
	Listen         string           `yaml:"listen"`
	LogLevel       string           `yaml:"log_level"`
	DataDir        string           `yaml:"data_dir"`
	Storage        StorageConfig    `yaml:"storage"`
	Catalog        CatalogConfig    `yaml:"catalog"`
	Federation     FederationConfig `yaml:"federation"`
	MCP            MCPConfig        `yaml:"mcp"`
}

// StorageConfig controls the record log.
type StorageConfig struct {
	Dir             string `yaml:"dir"`
	Compress        bool   `yaml:"compress"`
	Fsync           bool   `yaml:"fsync"`
	MaxSegmentSize  int64  `yaml:"max_segment_size"`
	MaxCaptureBytes int64  `yaml:"max_capture_bytes"`
}

// CatalogConfig controls the snapshot catalog.
type CatalogConfig struct {
	DBPath string `yaml:"db_path"`
	// EventRetention bounds the node event journal kept beside the catalog.
	EventRetention time.Duration `yaml:"event_retention"`
}

// FederationConfig controls peers, sync and search fan-out.
type FederationConfig struct {
	SyncInterval         time.Duration `yaml:"sync_interval"`
	DisableSync          bool          `yaml:"disable_sync"`
	Window               time.Duration `yaml:"window"`
	ManifestLimit        int           `yaml:"manifest_limit"`
	WindowPolicy         string        `yaml:"window_policy"`
	SearchTimeout        time.Duration `yaml:"search_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxRecordBytes       int64         `yaml:"max_record_bytes"`
	Concurrency          int           `yaml:"concurrency"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	Seeds                []string      `yaml:"seeds"`
	SharedSecret         string        `yaml:"shared_secret"`
	DenyPrivateEndpoints bool          `yaml:"deny_private_endpoints"`
	HandshakeRateLimit   int           `yaml:"handshake_rate_limit"` // per client IP per minute
}

// MCPConfig controls the MCP tool surface.
type MCPConfig struct {
	// Enabled serves the tools on stdio in place of the HTTP listener.
	Enabled bool `yaml:"enabled"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":3000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = filepath.Join(c.DataDir, "archive")
	}
	if c.Storage.MaxCaptureBytes <= 0 {
		c.Storage.MaxCaptureBytes = 64 << 20
	}
	if c.Catalog.DBPath == "" {
		c.Catalog.DBPath = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Catalog.EventRetention <= 0 {
		c.Catalog.EventRetention = 30 * 24 * time.Hour
	}
	f := &c.Federation
	if f.SyncInterval <= 0 {
		f.SyncInterval = 60 * time.Second
	}
	if f.Window <= 0 {
		f.Window = 24 * time.Hour
	}
	if f.ManifestLimit <= 0 {
		f.ManifestLimit = 100
	}
	if f.WindowPolicy == "" {
		f.WindowPolicy = string(federation.WindowFixed)
	}
	if f.SearchTimeout <= 0 {
		f.SearchTimeout = federation.DefaultSearchTimeout
	}
	if f.RequestTimeout <= 0 {
		f.RequestTimeout = 30 * time.Second
	}
	if f.MaxRecordBytes <= 0 {
		f.MaxRecordBytes = 64 << 20
	}
	if f.Concurrency <= 0 {
		f.Concurrency = 4
	}
	if f.FailureThreshold <= 0 {
		f.FailureThreshold = 3
	}
	if f.ProbeInterval <= 0 {
		f.ProbeInterval = 5 * time.Minute
	}
	if f.HandshakeRateLimit <= 0 {
		f.HandshakeRateLimit = 30
	}
}

// Validate fills defaults and checks the configuration.
func (c *Config) Validate() error {
	c.defaults()
	if err := horosafe.ValidateIdentifier(c.NodeID); err != nil {
		return fmt.Errorf("%w: node_id: %v", ErrValidation, err)
	}
	if c.PublicEndpoint != "" {
		if err := horosafe.ValidateEndpoint(c.PublicEndpoint, true); err != nil {
			return fmt.Errorf("%w: public_endpoint: %v", ErrValidation, err)
		}
	}
	if len(c.Federation.Seeds) > 0 && c.PublicEndpoint == "" {
		return fmt.Errorf("%w: seeds require public_endpoint", ErrValidation)
	}
	for _, s := range c.Federation.Seeds {
		if err := horosafe.ValidateEndpoint(s, true); err != nil {
			return fmt.Errorf("%w: seed %q: %v", ErrValidation, s, err)
		}
	}
	switch federation.WindowPolicy(c.Federation.WindowPolicy) {
	case federation.WindowFixed, federation.WindowWatermark:
	default:
		return fmt.Errorf("%w: window_policy %q", ErrValidation, c.Federation.WindowPolicy)
	}
	if c.Federation.SharedSecret != "" {
		if err := horosafe.ValidateSecret([]byte(c.Federation.SharedSecret)); err != nil {
			return fmt.Errorf("%w: shared_secret: %v", ErrValidation, err)
		}
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("archive: parse %s: %w", path, err)
	}
	return cfg, nil
}
