package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Ankesh2004/boardlink/internal/protocol"
)

// Config holds runtime configuration. Everything is fixed once the core has
// been built from it.
type Config struct {
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
	Assets   AssetsConfig   `mapstructure:"assets" yaml:"assets"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Library  LibraryConfig  `mapstructure:"library" yaml:"library"`
}

type ProtocolConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	QueueDepth  int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	SendRate    float64       `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst   int           `mapstructure:"send_burst" yaml:"send_burst"`
}

type AssetsConfig struct {
	MaxPerPeer int `mapstructure:"max_per_peer" yaml:"max_per_peer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig: an empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LibraryConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("protocol.timeout", protocol.DefaultTimeout)
	v.SetDefault("protocol.max_attempts", protocol.DefaultMaxAttempts)
	v.SetDefault("protocol.queue_depth", protocol.DefaultQueueDepth)
	v.SetDefault("protocol.send_rate", 0)
	v.SetDefault("protocol.send_burst", 1)
	v.SetDefault("assets.max_per_peer", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("library.root", filepath.Join(os.Getenv("HOME"), ".local", "share", "boardlink"))
}

// Load reads configuration from path (optional, YAML) and the environment.
// Env var overrides use prefix BOARDLINK_, e.g. BOARDLINK_PROTOCOL_TIMEOUT.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path == "" {
		path = os.Getenv("BOARDLINK_CONFIG")
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "boardlink"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("BOARDLINK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// The default location is optional.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Protocol.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("protocol.timeout must be positive, got %s", c.Protocol.Timeout))
	}
	if c.Protocol.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("protocol.max_attempts must be positive, got %d", c.Protocol.MaxAttempts))
	}
	if c.Protocol.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("protocol.queue_depth must be positive, got %d", c.Protocol.QueueDepth))
	}
	if c.Protocol.SendRate < 0 {
		errs = append(errs, fmt.Errorf("protocol.send_rate must not be negative"))
	}
	if c.Assets.MaxPerPeer < 0 {
		errs = append(errs, fmt.Errorf("assets.max_per_peer must not be negative"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ProtocolOptions converts the protocol section for protocol.New.
func (c Config) ProtocolOptions() protocol.Options {
	return protocol.Options{
		Timeout:     c.Protocol.Timeout,
		MaxAttempts: c.Protocol.MaxAttempts,
		QueueDepth:  c.Protocol.QueueDepth,
		SendRate:    c.Protocol.SendRate,
		SendBurst:   c.Protocol.SendBurst,
	}
}

// Marshal renders c as YAML in the same shape Load reads.
func Marshal(c Config) ([]byte, error) {
	type protocolYAML struct {
		Timeout     string  `yaml:"timeout"`
		MaxAttempts int     `yaml:"max_attempts"`
		QueueDepth  int     `yaml:"queue_depth"`
		SendRate    float64 `yaml:"send_rate"`
		SendBurst   int     `yaml:"send_burst"`
	}
	out := struct {
		Protocol protocolYAML  `yaml:"protocol"`
		Assets   AssetsConfig  `yaml:"assets"`
		Log      LogConfig     `yaml:"log"`
		Metrics  MetricsConfig `yaml:"metrics"`
		Library  LibraryConfig `yaml:"library"`
	}{
		Protocol: protocolYAML{
			Timeout:     c.Protocol.Timeout.String(),
			MaxAttempts: c.Protocol.MaxAttempts,
			QueueDepth:  c.Protocol.QueueDepth,
			SendRate:    c.Protocol.SendRate,
			SendBurst:   c.Protocol.SendBurst,
		},
		Assets:  c.Assets,
		Log:     c.Log,
		Metrics: c.Metrics,
		Library: c.Library,
	}
	return yaml.Marshal(out)
}
