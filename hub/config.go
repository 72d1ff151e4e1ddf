package hub

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// daemon config, loaded from a toml file
type Config struct {
	Listen   string `toml:"listen"`
	RedisUrl string `toml:"redis_url"`

	WriteTimeoutSeconds int   `toml:"write_timeout_seconds"`
	PingTimeoutSeconds  int   `toml:"ping_timeout_seconds"`
	ReadTimeoutSeconds  int   `toml:"read_timeout_seconds"`
	MaxMessageSize      int64 `toml:"max_message_size"`
	SendBufferSize      int   `toml:"send_buffer_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen: ":7700",
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); 0 < len(undecoded) {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return config, nil
}

func (self *Config) HubSettings() *HubSettings {
	settings := DefaultHubSettings()
	settings.RedisUrl = self.RedisUrl
	if 0 < self.WriteTimeoutSeconds {
		settings.WriteTimeout = time.Duration(self.WriteTimeoutSeconds) * time.Second
	}
	if 0 < self.PingTimeoutSeconds {
		settings.PingTimeout = time.Duration(self.PingTimeoutSeconds) * time.Second
	}
	if 0 < self.ReadTimeoutSeconds {
		settings.ReadTimeout = time.Duration(self.ReadTimeoutSeconds) * time.Second
	}
	if 0 < self.MaxMessageSize {
		settings.MaxMessageSize = self.MaxMessageSize
	}
	if 0 < self.SendBufferSize {
		settings.SendBufferSize = self.SendBufferSize
	}
	return settings
}
