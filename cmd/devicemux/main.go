package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devicemux/backend/internal/adb"
	"github.com/devicemux/backend/internal/config"
	"github.com/devicemux/backend/internal/device"
	"github.com/devicemux/backend/internal/mock"
)

var (
	configPath string
	logLevel   string
	useMock    bool
	port       int
)

var rootCmd = &cobra.Command{
	Use:   "devicemux",
	Short: "Share device log streams across UI sessions",
	Long: `devicemux opens one log stream per physical device and fans it out to
every UI session attached over websocket. Without a subcommand it runs the
server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "Use synthetic devices instead of the adb server")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "Override server port")

	rootCmd.AddCommand(serveCmd, devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

func newBackend(cfg *config.Config, logger *slog.Logger) device.Backend {
	if useMock {
		return mock.NewGenerator(cfg.Mock.Devices, cfg.Mock.Interval)
	}
	return adb.NewClient(cfg.ADB.Host, cfg.ADB.Port, cfg.ADB.DialTimeout, logger)
}
