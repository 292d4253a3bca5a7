// Package config loads the configuration zeusd needs to detect and run a
// Zeus board: a device path, a baud rate, the declared chip count, the
// requested chip clock, and a couple of detection-time switches. It
// follows the same .env-plus-environment-variable convention the rest of
// this codebase uses, so operators can configure a board either way.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BoardConfig is the configuration for a single Zeus board.
type BoardConfig struct {
	DevicePath      string
	Baud            int
	DeclaredChips   int
	ChipClockMHz    int
	SkipGoldenCheck bool
	Debug           bool
}

var (
	defaultBaud         = 115200
	defaultDeclaredChips = 6
	defaultChipClockMHz  = 328
)

var (
	boardConfig  *BoardConfig
	configLoaded bool
)

// LoadBoardConfig loads configuration from an optional .env file (found by
// walking up from the working directory to the nearest go.mod), then
// applies environment variable overrides. The result is cached for the
// life of the process.
func LoadBoardConfig() (*BoardConfig, error) {
	if boardConfig != nil && configLoaded {
		return boardConfig, nil
	}

	cfg := &BoardConfig{
		Baud:          defaultBaud,
		DeclaredChips: defaultDeclaredChips,
		ChipClockMHz:  defaultChipClockMHz,
	}

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)

	boardConfig = cfg
	configLoaded = true
	return cfg, nil
}

func applyEnvOverrides(cfg *BoardConfig) {
	if v := os.Getenv("ZEUS_DEVICE_PATH"); v != "" {
		cfg.DevicePath = v
	}
	if v := os.Getenv("ZEUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Baud = n
		}
	}
	if v := os.Getenv("ZEUS_CHIPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeclaredChips = n
		}
	}
	if v := os.Getenv("ZEUS_CLOCK_MHZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChipClockMHz = n
		}
	}
	if v := os.Getenv("ZEUS_SKIP_GOLDEN_CHECK"); v != "" {
		cfg.SkipGoldenCheck = isTruthy(v)
	}
	if v := os.Getenv("ZEUS_DEBUG"); v != "" {
		cfg.Debug = isTruthy(v)
	}
}

func parseEnvFile(content string, cfg *BoardConfig) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "ZEUS_DEVICE_PATH":
			cfg.DevicePath = value
		case "ZEUS_BAUD":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Baud = n
			}
		case "ZEUS_CHIPS":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.DeclaredChips = n
			}
		case "ZEUS_CLOCK_MHZ":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.ChipClockMHz = n
			}
		case "ZEUS_SKIP_GOLDEN_CHECK":
			cfg.SkipGoldenCheck = isTruthy(value)
		case "ZEUS_DEBUG":
			cfg.Debug = isTruthy(value)
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// MustBoardConfig loads the board configuration and panics if loading
// fails or if neither the .env file nor the environment provides a device
// path.
func MustBoardConfig() BoardConfig {
	cfg, err := LoadBoardConfig()
	if err != nil {
		panic("zeus config: " + err.Error())
	}
	if cfg.DevicePath == "" {
		panic("zeus config: no device path configured")
	}
	return *cfg
}
