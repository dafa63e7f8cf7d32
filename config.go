package xdna

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-xdna/internal/constants"
	"github.com/ehrlich-b/go-xdna/internal/logging"
)

// Generation names accepted in configuration
const (
	GenerationNameKMQ  = "kmq"
	GenerationNameUMQ  = "umq"
	GenerationNameAuto = "auto"
)

// Config describes the devices a Platform manages and how it logs
type Config struct {
	// DeviceNodes lists the accel nodes in device id order
	DeviceNodes []string `yaml:"device_nodes"`

	// Generation is kmq, umq or auto. Auto reads device_type from sysfs.
	Generation string `yaml:"generation"`

	SysfsRoot string `yaml:"sysfs_root"`

	// HeapSize is the device heap reserved on KMQ devices
	HeapSize uint64 `yaml:"heap_size"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	// DefaultQoS is used by callers that do not pass their own
	DefaultQoS QoS `yaml:"default_qos"`

	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// DefaultConfig returns the configuration for a single device at the
// default node
func DefaultConfig() *Config {
	cfg := &Config{
		DeviceNodes: []string{constants.DefaultDeviceNode},
		Generation:  GenerationNameAuto,
		SysfsRoot:   constants.SysfsAccelClass,
		HeapSize:    constants.DevHeapSize,
		WaitTimeout: constants.DefaultWaitTimeout,
	}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig reads a YAML file on top of DefaultConfig
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration
func (c *Config) Validate() error {
	var errs error
	if len(c.DeviceNodes) == 0 {
		errs = multierr.Append(errs, errors.New("device_nodes: at least one node is required"))
	}
	for i, n := range c.DeviceNodes {
		if n == "" {
			errs = multierr.Append(errs, fmt.Errorf("device_nodes[%d]: empty path", i))
		}
	}
	switch c.Generation {
	case GenerationNameKMQ, GenerationNameUMQ, GenerationNameAuto:
	default:
		errs = multierr.Append(errs, fmt.Errorf("generation: %q is not kmq, umq or auto", c.Generation))
	}
	if c.HeapSize != 0 && c.HeapSize%constants.PageSize != 0 {
		errs = multierr.Append(errs, fmt.Errorf("heap_size: %d is not page aligned", c.HeapSize))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "log.level"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format: %q is not text or json", c.Log.Format))
	}
	if c.WaitTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("wait_timeout: negative duration %s", c.WaitTimeout))
	}
	if errs != nil {
		return &Error{Op: "validate_config", Code: ErrCodeInvalidParameters, Msg: errs.Error(), Inner: errs}
	}
	return nil
}

// Logger builds the logger the configuration asks for
func (c *Config) Logger() *logging.Logger {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		level = logging.LevelWarn
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return logging.NewLogger(lc)
}

// WaitTimeoutMs converts WaitTimeout for the millisecond wait calls
func (c *Config) WaitTimeoutMs() uint32 {
	if c.WaitTimeout <= 0 {
		return constants.WaitForever
	}
	ms := c.WaitTimeout.Milliseconds()
	switch {
	case ms == 0:
		ms = 1
	case ms > math.MaxUint32:
		ms = math.MaxUint32
	}
	return uint32(ms)
}

// generationFor resolves the configured generation for one node
func (c *Config) generationFor(node string) (Generation, error) {
	switch c.Generation {
	case GenerationNameAuto:
		return DetectGeneration(c.SysfsRoot, node)
	default:
		return ParseGeneration(c.Generation)
	}
}
