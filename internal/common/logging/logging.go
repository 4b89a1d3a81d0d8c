package logging

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets up the standard logrus logger. It should be called once at startup.
func ConfigureLogging(config Config, out io.Writer) error {
	if err := config.Validate(); err != nil {
		return err
	}
	level, _ := parseLogLevel(config.Level)
	log.SetLevel(level)
	log.SetOutput(out)
	log.SetFormatter(formatterFor(config.Format))
	return nil
}

func formatterFor(format string) log.Formatter {
	switch format {
	case FormatJson:
		return &log.JSONFormatter{}
	case FormatCommandLine:
		return &CommandLineFormatter{}
	default:
		return &log.TextFormatter{FullTimestamp: true}
	}
}

// CommandLineFormatter prints the bare message, for human-facing command output.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
}
