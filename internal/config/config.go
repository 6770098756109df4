// Package config handles loading and validating the AstroDesk configuration.
// Config is stored at ~/.astrodesk/astrodesk.json (JSON with comments
// tolerated), mirroring what the settings surface persists.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the top-level AstroDesk configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	UI      UIConfig      `json:"ui"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds remote server connection settings.
type ServerConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	// Token is the bearer token obtained at login. Cleared whenever
	// URL, username or password change.
	Token string `json:"token,omitempty"`
	// SessionID is the active server-side conversation.
	SessionID string `json:"sessionId,omitempty"`
	// WSPort selects a dedicated WebSocket port; 0 reuses the API port.
	WSPort int `json:"wsPort,omitempty"`
	// RequestTimeout bounds interactive API calls, in seconds.
	RequestTimeout int `json:"requestTimeout"`
	// EnableStreaming asks the server for chunked replies.
	EnableStreaming bool `json:"enableStreaming"`
	// Provider/Model optionally pin the server-side LLM selection.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// StartupDelay waits before the first connection attempt, in seconds.
	// Useful on login autostart while the network comes up.
	StartupDelay int `json:"startupDelay"`
}

// UIConfig configures the terminal chat surface.
type UIConfig struct {
	Theme         string `json:"theme"` // "dark", "light", "auto"
	ShowTimestamp bool   `json:"showTimestamp"`
}

// StorageConfig configures local file locations.
type StorageConfig struct {
	// DownloadDir receives media fetched from the server. Empty means
	// ~/.astrodesk/downloads.
	DownloadDir string `json:"downloadDir"`
	// HistoryEnabled toggles the local SQLite transcript.
	HistoryEnabled bool `json:"historyEnabled"`
	// HistoryMaxAgeDays prunes old local messages; 0 keeps everything.
	HistoryMaxAgeDays int `json:"historyMaxAgeDays"`
}

// LoggingConfig configures the file logger.
type LoggingConfig struct {
	Level         string `json:"level"` // "debug", "info", "warn", "error"
	StderrEnabled bool   `json:"stderrEnabled"`
	MaxAgeDays    int    `json:"maxAgeDays"`
	MaxSizeMB     int    `json:"maxSizeMB"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:             "http://localhost:6185",
			Username:        "astrbot",
			RequestTimeout:  30,
			EnableStreaming: true,
			StartupDelay:    3,
		},
		UI: UIConfig{
			Theme:         "auto",
			ShowTimestamp: true,
		},
		Storage: StorageConfig{
			HistoryEnabled:    true,
			HistoryMaxAgeDays: 90,
		},
		Logging: LoggingConfig{
			Level:         "info",
			StderrEnabled: false,
			MaxAgeDays:    30,
			MaxSizeMB:     50,
		},
	}
}

// ConfigDir returns the AstroDesk config directory (~/.astrodesk).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".astrodesk"
	}
	return filepath.Join(home, ".astrodesk")
}

// ConfigPath returns the path to the main config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "astrodesk.json")
}

// DownloadDir resolves the directory for fetched media, creating it if
// needed.
func (c *Config) DownloadDir() (string, error) {
	dir := c.Storage.DownloadDir
	if dir == "" {
		dir = filepath.Join(ConfigDir(), "downloads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	return dir, nil
}

// Load reads and parses the config from disk. If the config file doesn't
// exist, it returns defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := ConfigPath()
	if envPath := os.Getenv("ASTRODESK_CONFIG"); envPath != "" {
		configPath = envPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	clean := preprocessJSONLike(string(data))
	if err := json.Unmarshal([]byte(clean), cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config to disk. The write goes through a temp file and a
// rename so a crash cannot truncate the previous config.
func Save(cfg *Config) error {
	path := ConfigPath()
	if envPath := os.Getenv("ASTRODESK_CONFIG"); envPath != "" {
		path = envPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// Save persists the receiver; see the package-level Save.
func (c *Config) Save() error { return Save(c) }

// applyEnvOverrides merges environment variables into configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASTRODESK_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("ASTRODESK_USERNAME"); v != "" {
		cfg.Server.Username = v
	}
	if v := os.Getenv("ASTRODESK_PASSWORD"); v != "" {
		cfg.Server.Password = v
	}
	if v := os.Getenv("ASTRODESK_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
}

// preprocessJSONLike strips /* */ and // comments so hand-edited configs
// with annotations still parse.
func preprocessJSONLike(input string) string {
	s := input
	for {
		start := strings.Index(s, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(s[start+2:], "*/")
		if end < 0 {
			s = s[:start]
			break
		}
		end += start + 2
		s = s[:start] + s[end+2:]
	}

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") {
			lines[i] = ""
			continue
		}
		if idx := commentIndexOutsideString(line); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

func commentIndexOutsideString(line string) int {
	inString := false
	for i := 0; i < len(line)-1; i++ {
		ch := line[i]
		if ch == '"' && (i == 0 || line[i-1] != '\\') {
			inString = !inString
		}
		if !inString && ch == '/' && line[i+1] == '/' {
			return i
		}
	}
	return -1
}
