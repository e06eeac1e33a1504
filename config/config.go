// Package config loads the node configuration of the pagestore binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/pagestore/core/storage_engine/export"
	storageserver "github.com/sushant-115/pagestore/core/storage_engine/storage_server"
	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
)

// Config is the complete configuration of a storage node.
type Config struct {
	Storage storageserver.Config `yaml:"storage"`
	GRPC    GRPCConfig           `yaml:"grpc"`
	Backend BackendConfig        `yaml:"backend"`
	// ObjectStore enables s3:// export destinations when Endpoint is set.
	ObjectStore export.MinioConfig `yaml:"object_store"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Logger      logger.Config      `yaml:"logger"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
	// CertDir holds the mutual TLS material. Empty serves plaintext.
	CertDir string `yaml:"cert_dir"`
}

// BackendConfig locates the process that receives page pins.
type BackendConfig struct {
	Network     string        `yaml:"network"`
	Address     string        `yaml:"address"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func (c *Config) setDefaults() {
	if c.GRPC.Address == "" {
		c.GRPC.Address = "127.0.0.1:7050"
	}
	if c.Backend.Network == "" {
		c.Backend.Network = "unix"
	}
	if c.Backend.PoolSize <= 0 {
		c.Backend.PoolSize = 8
	}
	if c.Backend.DialTimeout <= 0 {
		c.Backend.DialTimeout = 5 * time.Second
	}
	if c.Storage.PageSize <= 0 {
		c.Storage.PageSize = 64 * 1024
	}
	if c.Storage.CachePages <= 0 {
		c.Storage.CachePages = 1024
	}
	if c.Storage.ScanWorkers <= 0 {
		c.Storage.ScanWorkers = 4
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pagestore"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

// Validate reports settings the node cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Storage.Volumes) == 0 {
		errs = append(errs, errors.New("storage.volumes: at least one volume is required"))
	}
	if ps := c.Storage.PageSize; ps&(ps-1) != 0 || ps < 512 {
		errs = append(errs, fmt.Errorf("storage.page_size: %d is not a power of two of at least 512", ps))
	}
	seen := make(map[string]bool, len(c.Storage.Volumes))
	for _, v := range c.Storage.Volumes {
		if seen[v] {
			errs = append(errs, fmt.Errorf("storage.volumes: %s listed twice", v))
		}
		seen[v] = true
	}
	return errors.Join(errs...)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	c.setDefaults()
	return c, nil
}
