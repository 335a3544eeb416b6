package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/devicemux/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "device", "emulator-5554")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"device":"emulator-5554"`) {
		t.Errorf("expected JSON attribute, got %s", out)
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	if _, err := newLogger(config.LogConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestLoadConfigOverridesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	configPath, logLevel = path, "debug"
	t.Cleanup(func() { configPath, logLevel = "config.yaml", "" })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestPortFlagOnRootAndServe(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { configPath, port = "config.yaml", 0 })

	tests := []struct {
		name string
		cmd  *cobra.Command
		args []string
		want int
	}{
		{"root", rootCmd, []string{"--port", "9000"}, 9000},
		{"serve", serveCmd, []string{"--port", "9001"}, 9001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags(%v): %v", tt.args, err)
			}
			cfg, err := loadConfig()
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if cfg.Server.Port != tt.want {
				t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, tt.want)
			}
		})
	}
}

func TestDevicesCommandMock(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	useMock = true
	t.Cleanup(func() { configPath, useMock = "config.yaml", false })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"devices"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("devices: %v", err)
	}
	if !strings.Contains(out.String(), "emulator-5554") || !strings.Contains(out.String(), "SERIAL") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
