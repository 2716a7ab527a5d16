package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the devtool server.
type Config struct {
	// CDP connection settings
	CDPAddress       string
	CDPPort          int
	CommandTimeoutMS int

	// HTTP surface
	BindAddr      string
	PortFallbacks int
	PublicURL     string

	LogLevel string
	LogFile  string

	// Session behavior
	AttachGraceMS   int
	ProtocolVersion string
	ViewerWidth     int
	ViewerHeight    int

	// Network capture
	MaxBodyBytes      int
	CaptureDir        string
	CaptureBufferSize int
	CaptureMaxFileMB  int

	// Local browser launch
	LaunchBrowser     bool
	BrowserBinary     string
	BrowserProfileDir string
	BrowserHeadless   bool

	derivedPublicURL bool
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		CommandTimeoutMS:  getEnvIntOrDefault("DEVTOOL_COMMAND_TIMEOUT_MS", 5000),
		BindAddr:          getEnvOrDefault("DEVTOOL_BIND_ADDR", "127.0.0.1:8190"),
		PortFallbacks:     getEnvIntOrDefault("DEVTOOL_PORT_FALLBACKS", 10),
		PublicURL:         strings.TrimRight(getEnvOrDefault("DEVTOOL_PUBLIC_URL", ""), "/"),
		LogLevel:          strings.ToLower(getEnvOrDefault("DEVTOOL_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("DEVTOOL_LOG_FILE", "logs/devtool.log"),
		AttachGraceMS:     getEnvIntOrDefault("DEVTOOL_ATTACH_GRACE_MS", 100),
		ProtocolVersion:   getEnvOrDefault("DEVTOOL_PROTOCOL_VERSION", "1.3"),
		ViewerWidth:       getEnvIntOrDefault("DEVTOOL_VIEWER_WIDTH", 800),
		ViewerHeight:      getEnvIntOrDefault("DEVTOOL_VIEWER_HEIGHT", 600),
		MaxBodyBytes:      getEnvIntOrDefault("DEVTOOL_MAX_BODY_BYTES", 1024*1024),
		CaptureDir:        getEnvOrDefault("DEVTOOL_CAPTURE_DIR", ""),
		CaptureBufferSize: getEnvIntOrDefault("DEVTOOL_CAPTURE_BUFFER", 1000),
		CaptureMaxFileMB:  getEnvIntOrDefault("DEVTOOL_CAPTURE_MAX_FILE_MB", 50),
		LaunchBrowser:     getEnvBoolOrDefault("DEVTOOL_LAUNCH_BROWSER", false),
		BrowserBinary:     getEnvOrDefault("DEVTOOL_BROWSER_BIN", ""),
		BrowserProfileDir: getEnvOrDefault("DEVTOOL_BROWSER_PROFILE_DIR", "data/chromium-profile"),
		BrowserHeadless:   getEnvBoolOrDefault("DEVTOOL_BROWSER_HEADLESS", false),
	}
	if cfg.CommandTimeoutMS < 1000 {
		cfg.CommandTimeoutMS = 1000
	}
	cfg.AttachGraceMS = clamp(cfg.AttachGraceMS, 10, 2000)
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + cfg.BindAddr
		cfg.derivedPublicURL = true
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c *Config) AttachGrace() time.Duration {
	return time.Duration(c.AttachGraceMS) * time.Millisecond
}

// SetBindAddr records the address actually bound. A public URL derived from
// the configured address follows it.
func (c *Config) SetBindAddr(addr string) {
	c.BindAddr = addr
	if c.derivedPublicURL {
		c.PublicURL = "http://" + addr
	}
}

// ViewerURL is the page the viewer window of targetID opens.
func (c *Config) ViewerURL(targetID string) string {
	return c.PublicURL + "/viewer?target_id=" + url.QueryEscape(targetID)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
