// Package logging builds the component loggers used across the daemon.
//
// Every component logs through a *log.Logger with a "[component] " prefix. Output
// goes to stderr and, when a log file is configured, to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	// File is the path of the rotated log file. Empty disables file logging.
	File string

	// MaxSizeMB is the size at which the file is rotated (default: 10).
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 3).
	MaxBackups int

	// MaxAgeDays removes rotated files older than this many days (0 keeps them).
	MaxAgeDays int

	// Quiet suppresses stderr output.
	Quiet bool
}

// Sink is the shared destination of all component loggers.
type Sink struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New creates a sink from config.
func New(config Config) *Sink {
	var writers []io.Writer
	if !config.Quiet {
		writers = append(writers, os.Stderr)
	}

	s := &Sink{}
	if config.File != "" {
		if config.MaxSizeMB <= 0 {
			config.MaxSizeMB = 10
		}
		if config.MaxBackups <= 0 {
			config.MaxBackups = 3
		}
		s.file = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		writers = append(writers, s.file)
	}

	switch len(writers) {
	case 0:
		s.out = io.Discard
	case 1:
		s.out = writers[0]
	default:
		s.out = io.MultiWriter(writers...)
	}
	return s
}

// Logger returns a logger for component, prefixed "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.out
}

// Rotate starts a new log file. It is a no-op without file logging.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close closes the log file.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
