// Package udxconfig loads host configuration from YAML.
package udxconfig

import (
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"UDX/pkg/packet"
	"UDX/pkg/udxstack"
)

// Config holds the udxhost configuration. Zero values fall back to the
// stack defaults.
type Config struct {
	Bind            string        `yaml:"bind"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	RTOMin          time.Duration `yaml:"rto_min"`
	RTOMax          time.Duration `yaml:"rto_max"`
	InitialRTO      time.Duration `yaml:"initial_rto"`
	MaxRetries      int           `yaml:"max_retries"`
	MTU             int           `yaml:"mtu"`
	ReceiveWindow   int           `yaml:"receive_window"`
	InitialWindow   int           `yaml:"initial_window"`
	MinWindow       int           `yaml:"min_window"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
	MaxSendErrors   int           `yaml:"max_send_errors"`
	LogLevel        string        `yaml:"log_level"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	o := udxstack.DefaultOptions()
	return &Config{
		Bind:            "0.0.0.0:0",
		TickInterval:    o.TickInterval,
		RTOMin:          o.RTOMin,
		RTOMax:          o.RTOMax,
		InitialRTO:      o.InitialRTO,
		MaxRetries:      o.MaxRetries,
		MTU:             o.MTU,
		ReceiveWindow:   o.ReceiveWindow,
		TeardownTimeout: o.TeardownTimeout,
		MaxSendErrors:   o.MaxSendErrors,
		LogLevel:        "info",
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrap(err, "decode yaml")
	}
	return cfg.Validate()
}

// Validate checks ranges the stack cannot repair.
func (c *Config) Validate() error {
	if _, err := c.BindAddr(); err != nil {
		return err
	}
	if c.MTU != 0 && c.MTU <= packet.MaxHeaderSize {
		return errors.Errorf("mtu %d leaves no room for payload (header is up to %d bytes)", c.MTU, packet.MaxHeaderSize)
	}
	if c.RTOMin < 0 || c.RTOMax < 0 || c.InitialRTO < 0 || c.TickInterval < 0 || c.TeardownTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.RTOMax != 0 && c.RTOMax < c.RTOMin {
		return errors.Errorf("rto_max %s below rto_min %s", c.RTOMax, c.RTOMin)
	}
	if _, err := zapcore.ParseLevel(c.level()); err != nil {
		return errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	return nil
}

// BindAddr parses the bind address.
func (c *Config) BindAddr() (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(c.Bind)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "bind %q", c.Bind)
	}
	return addr, nil
}

// Options converts the configuration to stack options logging to log.
func (c *Config) Options(log *zap.Logger) *udxstack.Options {
	o := udxstack.DefaultOptions()
	if c.TickInterval > 0 {
		o.TickInterval = c.TickInterval
	}
	if c.RTOMin > 0 {
		o.RTOMin = c.RTOMin
	}
	if c.RTOMax > 0 {
		o.RTOMax = c.RTOMax
	}
	if c.InitialRTO > 0 {
		o.InitialRTO = c.InitialRTO
	}
	if c.MaxRetries > 0 {
		o.MaxRetries = c.MaxRetries
	}
	if c.MTU > 0 {
		o.MTU = c.MTU
	}
	if c.ReceiveWindow > 0 {
		o.ReceiveWindow = c.ReceiveWindow
	}
	o.InitialWindow = c.InitialWindow
	o.MinWindow = c.MinWindow
	if c.TeardownTimeout > 0 {
		o.TeardownTimeout = c.TeardownTimeout
	}
	if c.MaxSendErrors > 0 {
		o.MaxSendErrors = c.MaxSendErrors
	}
	o.Logger = log
	return &o
}

func (c *Config) level() string {
	if c.LogLevel == "" {
		return "info"
	}
	return strings.ToLower(c.LogLevel)
}

// NewLogger builds a console logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.level())
	if err != nil {
		return nil, errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	zc := zap.NewDevelopmentConfig()
	if level > zapcore.DebugLevel {
		zc = zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
