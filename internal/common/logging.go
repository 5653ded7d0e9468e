package common

import (
	"io"
	"log"
	"os"
)

// Logger is the logging capability handed to components that report
// problems without owning the process log. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...interface{})
}

var (
	logger = log.New(os.Stderr, "[busmaster] ", log.LstdFlags|log.Lmicroseconds)
)

// DefaultLogger returns the process logger used by Logf.
func DefaultLogger() Logger {
	return logger
}

// SetLogOutput redirects the process logger, e.g. to a rotating file.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

// Discard drops every message.
var Discard Logger = discardLogger{}
