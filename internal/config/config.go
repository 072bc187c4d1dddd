package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// IPC import policies applied when an export has an empty whitelist.
const (
	PolicyClosed = "closed"
	PolicyOpen   = "open"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Device struct {
		Driver          string `yaml:"driver"`
		Count           int    `yaml:"count"`
		MemoryBytes     int64  `yaml:"memoryBytes"`
		HostPinnedBytes int64  `yaml:"hostPinnedBytes"`
	} `yaml:"device"`
	Runtime struct {
		CallbackWorkers int           `yaml:"callbackWorkers"`
		CallbackQueue   int           `yaml:"callbackQueue"`
		SyncTimeout     time.Duration `yaml:"syncTimeout"`
	} `yaml:"runtime"`
	IPC struct {
		DefaultPolicy string `yaml:"defaultPolicy"`
		MaxKeyLength  int    `yaml:"maxKeyLength"`
	} `yaml:"ipc"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns a configuration for a two-device simulated platform.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Device.Driver = "sim"
	c.Device.Count = 2
	c.Device.MemoryBytes = 1 << 30
	c.Device.HostPinnedBytes = 256 << 20
	c.Runtime.CallbackWorkers = 4
	c.Runtime.CallbackQueue = 64
	c.IPC.DefaultPolicy = PolicyClosed
	c.IPC.MaxKeyLength = 255
	c.Metrics.ListenAddress = ":9400"
	return &c
}

// LoadConfig reads a YAML file on top of Default. Keys missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Device.Count <= 0 {
		return fmt.Errorf("device.count must be positive, got %d", c.Device.Count)
	}
	if c.Device.MemoryBytes <= 0 {
		return fmt.Errorf("device.memoryBytes must be positive, got %d", c.Device.MemoryBytes)
	}
	if c.Device.HostPinnedBytes < 0 {
		return fmt.Errorf("device.hostPinnedBytes must not be negative, got %d", c.Device.HostPinnedBytes)
	}
	if c.Runtime.CallbackWorkers <= 0 {
		return fmt.Errorf("runtime.callbackWorkers must be positive, got %d", c.Runtime.CallbackWorkers)
	}
	if c.Runtime.CallbackQueue < 0 {
		return fmt.Errorf("runtime.callbackQueue must not be negative, got %d", c.Runtime.CallbackQueue)
	}
	if c.Runtime.SyncTimeout < 0 {
		return fmt.Errorf("runtime.syncTimeout must not be negative, got %s", c.Runtime.SyncTimeout)
	}
	switch c.IPC.DefaultPolicy {
	case PolicyClosed, PolicyOpen:
	default:
		return fmt.Errorf("ipc.defaultPolicy must be %q or %q, got %q", PolicyClosed, PolicyOpen, c.IPC.DefaultPolicy)
	}
	if c.IPC.MaxKeyLength <= 0 || c.IPC.MaxKeyLength > 255 {
		return fmt.Errorf("ipc.maxKeyLength must be in [1,255], got %d", c.IPC.MaxKeyLength)
	}
	return nil
}
