package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/udev-monitor/internal/udev"
	"github.com/ydb-platform/udev-monitor/internal/uevent"
)

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct{}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return os.Stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	if strings.HasPrefix(value, "file:") {
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	} else if strings.HasPrefix(value, "env:") {
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	} else if value == "stdin" {
		cf.configSource = &stdinConfigSource{}
	} else {
		return fmt.Errorf("invalid config source: %s", value)
	}

	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

const (
	OutputText = "text"
	OutputYAML = "yaml"
)

type FilterConfig struct {
	Subsystem string `yaml:"subsystem,omitempty"`
	DevType   string `yaml:"devtype,omitempty"`
	Tag       string `yaml:"tag,omitempty"`
}

func (fc *FilterConfig) validate() error {
	switch {
	case fc.Subsystem != "" && fc.Tag != "":
		return fmt.Errorf(": subsystem %q and tag %q are mutually exclusive", fc.Subsystem, fc.Tag)
	case fc.Subsystem == "" && fc.Tag == "":
		return fmt.Errorf(": one of subsystem or tag must be set")
	case fc.DevType != "" && fc.Subsystem == "":
		return fmt.Errorf(".devtype: %q requires a subsystem", fc.DevType)
	}
	return nil
}

func (fc *FilterConfig) match() udev.Match {
	return udev.Match{Subsystem: fc.Subsystem, DevType: fc.DevType, Tag: fc.Tag}
}

type Config struct {
	Source            string         `yaml:"source"`
	ReceiveBufferSize int            `yaml:"receiveBufferSize"`
	Filters           []FilterConfig `yaml:"filters"`
	Enumerate         bool           `yaml:"enumerate"`
	Resolve           bool           `yaml:"resolve"`
	Output            string         `yaml:"output"`
	Listen            string         `yaml:"listen"`
	HealthSocket      string         `yaml:"healthSocket"`
	UdevRunDir        string         `yaml:"udevRunDir"`

	source uevent.Source // parsed source if the config is valid
}

func defaultConfig() *Config {
	return &Config{
		Source:     uevent.SourceUdev.String(),
		Output:     OutputText,
		Listen:     ":8080",
		UdevRunDir: udev.DefaultRunDir,
	}
}

func (c *Config) validate() error {
	var errs error

	source, err := uevent.ParseSource(c.Source)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf(".source: %w", err))
	}
	c.source = source

	if c.ReceiveBufferSize < 0 {
		errs = errors.Join(errs, fmt.Errorf(".receiveBufferSize: %d must not be negative", c.ReceiveBufferSize))
	}

	for i := range c.Filters {
		if err := c.Filters[i].validate(); err != nil {
			errs = errors.Join(errs, fmt.Errorf(".filters[%d]%w", i, err))
		}
	}

	if c.Output != OutputText && c.Output != OutputYAML {
		errs = errors.Join(errs, fmt.Errorf(".output: %q must be %q or %q", c.Output, OutputText, OutputYAML))
	}

	return errs
}

func (c *Config) matches() []udev.Match {
	res := make([]udev.Match, 0, len(c.Filters))
	for i := range c.Filters {
		res = append(res, c.Filters[i].match())
	}
	return res
}

func parseConfig(reader io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	config := defaultConfig()
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}
