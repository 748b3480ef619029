package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ICEServer mirrors webrtc.ICEServer without importing pion here.
type ICEServer struct {
	URLs       []string `toml:"urls"`
	Username   string   `toml:"username"`
	Credential string   `toml:"credential"`
}

// ClientConfig configures the headless participant (cmd/consult).
type ClientConfig struct {
	ServerURL  string      `toml:"server_url"`
	ICEServers []ICEServer `toml:"ice_servers"`
	Video      bool        `toml:"video"`
	Audio      bool        `toml:"audio"`
	LogLevel   string      `toml:"log_level"`
}

// DefaultClientConfig returns the settings used when no file is given.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: "ws://localhost:8080/api/ws/consultation",
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Video:    true,
		Audio:    true,
		LogLevel: "info",
	}
}

// LoadClientConfig decodes a TOML file on top of the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.ServerURL == "" {
		return cfg, fmt.Errorf("%s: server_url is required", path)
	}
	return cfg, nil
}
