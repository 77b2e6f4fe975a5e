// Package logging configures the global logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"tilecache/internal/config"
)

// Console sets up colored console logging. It is used until the
// configuration has been read.
func Console() {
	log.SetFormatter(consoleFormatter())
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
	log.SetLevel(log.InfoLevel)
}

func consoleFormatter() log.Formatter {
	return &nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		FieldsOrder:     []string{"component", "session", "layer"},
	}
}

// Init applies cfg. With a log file set, entries are written as JSON to a
// rotating file; otherwise they go to the colored console. When the file
// cannot be prepared the console is kept and the error returned.
func Init(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)

	if cfg.File == "" {
		log.SetFormatter(consoleFormatter())
		log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
		return nil
	}

	out, err := fileOutput(cfg)
	if err != nil {
		log.WithField("path", cfg.File).Warnf("log file unavailable, keep console: %v", err)
		return err
	}
	log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.SetOutput(out)
	return nil
}

func fileOutput(cfg config.LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
