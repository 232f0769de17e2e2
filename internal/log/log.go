// Package log builds the logrus loggers used across ktunnel.
//
// Components accept a logrus.FieldLogger and attach their own fields
// (conn_id, client_id, event). Libraries default to Nop so embedding ktunnel
// stays silent unless the caller passes a logger.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config is the logging section of the configuration file.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// New builds a logger from cfg. Output is "stderr", "stdout" or a file path.
func New(cfg Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)

	switch strings.ToLower(orDefault(cfg.Format, "text")) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	out, err := openOutput(orDefault(cfg.Output, "stderr"))
	if err != nil {
		return nil, err
	}
	logger.SetOutput(out)

	return logger, nil
}

// Close closes the log file opened by New. Loggers writing to stdout, stderr
// or a non-file writer are left alone.
func Close(logger *logrus.Logger) error {
	f, ok := logger.Out.(*os.File)
	if !ok || f == os.Stdout || f == os.Stderr {
		return nil
	}
	return f.Close()
}

// Nop returns a logger that discards everything.
func Nop() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return f, nil
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
