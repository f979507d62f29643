package main

import (
	"fmt"
	"os"

	"github.com/cuemby/locus/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is locatord's on-disk configuration file shape. A config file is
// optional. NodeID, BindAddr, DataDir and MetricsAddr also have
// command-line flags, which override whatever the file sets (see
// runServe in main.go); the other fields are set only by the file.
type Config struct {
	NodeID   string `yaml:"nodeId"`
	BindAddr string `yaml:"bindAddr"`
	DataDir  string `yaml:"dataDir"`

	// PageSize is loaded (default 4096) but not read by locatord; Fetch
	// callers pass their copy area budget per call.
	PageSize int `yaml:"pageSize"`

	// RootVolume/RootFileID form the root heap file's HFID
	// (Locator.RootHFID), the heap file that holds every class record.
	RootVolume int16 `yaml:"rootVolume"`
	RootFileID int32 `yaml:"rootFileID"`

	MetricsAddr string `yaml:"metricsAddr"`
}

func defaultConfig() Config {
	return Config{
		NodeID:      "node-1",
		BindAddr:    "127.0.0.1:7950",
		DataDir:     "./locus-data",
		PageSize:    4096,
		RootVolume:  0,
		RootFileID:  0,
		MetricsAddr: "127.0.0.1:9090",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) rootHFID() types.HFID {
	return types.HFID{Volume: c.RootVolume, FileID: c.RootFileID}
}
