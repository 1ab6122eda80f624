package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/camlink/internal/camera"
)

const (
	defaultAddress      = "192.168.42.1"
	defaultPort         = "12345"
	defaultPollInterval = 100 * time.Millisecond
)

var errCameraConfigTooLarge = errors.New("camera config exceeds 4 GiB")

type fileConfig struct {
	Address            string `toml:"address"`
	Port               string `toml:"port"`
	CameraConfig       string `toml:"camera_config"`
	Debug              bool   `toml:"debug"`
	ConnectTimeout     string `toml:"connect_timeout"`
	IOTimeout          string `toml:"io_timeout"`
	MaxPayloadBytes    uint32 `toml:"max_payload_bytes"`
	PollInterval       string `toml:"poll_interval"`
	OutputDir          string `toml:"output_dir"`
	HTTPAddr           string `toml:"http_addr"`
	Reconnect          bool   `toml:"reconnect"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	BackoffInitial     string `toml:"backoff_initial"`
	BackoffMax         string `toml:"backoff_max"`
}

// driverConfig is the resolved camctl configuration.
type driverConfig struct {
	Camera camera.Config
	// CameraConfigPath names a file sent verbatim in the Configure handshake.
	CameraConfigPath string
	PollInterval     time.Duration
	OutputDir        string
	// HTTPAddr enables the preview server (metrics, status, live frames).
	HTTPAddr  string
	Reconnect bool
	// MaxConnectAttempts bounds reconnects; 0 retries until cancelled.
	MaxConnectAttempts int
	// StdinCommands sends steering names read from stdin on the live session.
	StdinCommands bool
}

func defaultDriverConfig() driverConfig {
	cam := camera.DefaultConfig()
	cam.Address = defaultAddress
	cam.Port = defaultPort
	return driverConfig{
		Camera:       cam,
		PollInterval: defaultPollInterval,
	}
}

// loadDriverConfig overlays the keys defined in path onto the defaults. An
// empty path returns the defaults.
func loadDriverConfig(path string) (driverConfig, error) {
	cfg := defaultDriverConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return driverConfig{}, fmt.Errorf("load camctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return driverConfig{}, fmt.Errorf("load camctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("address") {
		cfg.Camera.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("port") {
		cfg.Camera.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("camera_config") {
		cfg.CameraConfigPath = strings.TrimSpace(raw.CameraConfig)
	}
	if meta.IsDefined("debug") {
		cfg.Camera.Debug = raw.Debug
	}
	if meta.IsDefined("connect_timeout") {
		d, err := parseDuration("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return driverConfig{}, err
		}
		cfg.Camera.Session.ConnectTimeout = d
	}
	if meta.IsDefined("io_timeout") {
		d, err := parseDuration("io_timeout", raw.IOTimeout)
		if err != nil {
			return driverConfig{}, err
		}
		cfg.Camera.Session.IOTimeout = d
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Camera.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("poll_interval") {
		d, err := parseDuration("poll_interval", raw.PollInterval)
		if err != nil {
			return driverConfig{}, err
		}
		cfg.PollInterval = d
	}
	if meta.IsDefined("output_dir") {
		cfg.OutputDir = strings.TrimSpace(raw.OutputDir)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return driverConfig{}, fmt.Errorf("max_connect_attempts must be >= 0")
		}
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("backoff_initial") {
		d, err := parseDuration("backoff_initial", raw.BackoffInitial)
		if err != nil {
			return driverConfig{}, err
		}
		cfg.Camera.Session.Backoff.InitialDelay = d
	}
	if meta.IsDefined("backoff_max") {
		d, err := parseDuration("backoff_max", raw.BackoffMax)
		if err != nil {
			return driverConfig{}, err
		}
		cfg.Camera.Session.Backoff.MaxDelay = d
	}

	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive", key)
	}
	return d, nil
}

// readCameraConfig loads the handshake payload. An empty path sends an empty
// configuration.
func readCameraConfig(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("camera config: %w", err)
	}
	if info.Size() > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s is %d bytes", errCameraConfigTooLarge, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("camera config: %w", err)
	}
	return data, nil
}
