package logging

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	FormatText        = "text"
	FormatJson        = "json"
	FormatCommandLine = "command-line"
)

var validLogFormats = map[string]bool{
	FormatText:        true,
	FormatJson:        true,
	FormatCommandLine: true,
}

// Config defines logging configuration.
type Config struct {
	// Log level, e.g. INFO, ERROR etc
	Level string `yaml:"level"`
	// Logging format, one of text, json or command-line
	Format string `yaml:"format"`
}

func (c Config) Validate() error {
	if _, err := parseLogLevel(c.Level); err != nil {
		return err
	}
	return validateLogFormat(c.Format)
}

func validateLogFormat(f string) error {
	if !validLogFormats[f] {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, formats)
	}
	return nil
}

func parseLogLevel(level string) (logrus.Level, error) {
	l, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
