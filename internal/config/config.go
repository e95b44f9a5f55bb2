package config

import (
	"errors"
	"fmt"
	"os"
)

// Default configuration values (development)
const (
	DefaultChatSocketURL = "ws://localhost:8080/chat"
	DefaultCallSocketURL = "ws://localhost:8080/call"
	DefaultSTUN          = "stun:stun.l.google.com:19302"
)

// ErrNotConfigured marks a missing required setting, as opposed to a setting
// that points at an unreachable endpoint. Callers match it with errors.Is.
var ErrNotConfigured = errors.New("not configured")

// Config holds application configuration
type Config struct {
	// Env is "development" or "production"
	Env string

	// ChatSocketURL is the chat/presence signaling endpoint
	ChatSocketURL string

	// CallSocketURL is the call-control signaling endpoint
	CallSocketURL string

	// ICE servers for WebRTC, used when the server never delivers its own
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Options for loading config with CLI flag overrides
type Options struct {
	Env           string
	ChatSocketURL string
	CallSocketURL string
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Defaults - lowest priority, development only
//
// In production the signaling endpoints have no defaults: a missing one fails
// fast with ErrNotConfigured naming the variable, so a misdeployed client
// reports "CALL_WS_URL is not configured" instead of dialing localhost.
func Load(opts Options) (*Config, error) {
	env := layered(opts.Env, "MESHMEET_ENV", "development")

	production := env == "production" || env == "prod"
	if production {
		env = "production"
	}

	chatURL := layered(opts.ChatSocketURL, "CHAT_WS_URL", "")
	callURL := layered(opts.CallSocketURL, "CALL_WS_URL", "")

	if chatURL == "" {
		if production {
			return nil, fmt.Errorf("CHAT_WS_URL is %w", ErrNotConfigured)
		}
		chatURL = DefaultChatSocketURL
	}
	if callURL == "" {
		if production {
			return nil, fmt.Errorf("CALL_WS_URL is %w", ErrNotConfigured)
		}
		callURL = DefaultCallSocketURL
	}

	return &Config{
		Env:           env,
		ChatSocketURL: chatURL,
		CallSocketURL: callURL,
		STUNServer:    layered(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:    layered(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:      layered(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:      layered(opts.TURNPass, "TURN_PASSWORD", ""),
	}, nil
}

// layered resolves one setting: CLI flag > env > default.
func layered(flag, envKey, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return def
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
