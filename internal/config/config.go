package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicemux/backend/internal/mock"
)

// AutoToken as server.auth_token asks for a random token at startup.
const AutoToken = "auto"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	ADB       ADBConfig       `yaml:"adb"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Mock      MockConfig      `yaml:"mock"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

type ADBConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// BroadcastConfig tunes the state broadcast throttle.
type BroadcastConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	Ceiling  int           `yaml:"ceiling"`
}

type MockConfig struct {
	Devices  []mock.DeviceSpec `yaml:"devices"`
	Interval time.Duration     `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8085,
			Host: "127.0.0.1",
		},
		ADB: ADBConfig{
			Host:        "localhost",
			Port:        5037,
			DialTimeout: 5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			Debounce: 250 * time.Millisecond,
			Ceiling:  10,
		},
		Mock: MockConfig{
			Interval: 200 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.ADB.Port <= 0 || c.ADB.Port > 65535 {
		errs = append(errs, fmt.Errorf("adb.port %d out of range", c.ADB.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Broadcast.Debounce < 0 {
		errs = append(errs, errors.New("broadcast.debounce must not be negative"))
	}
	if c.Broadcast.Ceiling < 0 {
		errs = append(errs, errors.New("broadcast.ceiling must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	seen := make(map[string]bool)
	for _, d := range c.Mock.Devices {
		if strings.TrimSpace(d.Serial) == "" {
			errs = append(errs, errors.New("mock.devices: serial must not be empty"))
			continue
		}
		if seen[d.Serial] {
			errs = append(errs, fmt.Errorf("mock.devices: duplicate serial %q", d.Serial))
		}
		seen[d.Serial] = true
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a random 128-bit token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
