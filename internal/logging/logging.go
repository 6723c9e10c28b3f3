// Package logging builds the zap loggers used by pyhesaff and prints
// coloured console messages.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production logger writing JSON to stderr at level. verbose
// forces debug level.
func New(level string, verbose bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Console is where ErrorMsg and InfoMsg write.
var Console io.Writer = os.Stderr

var red = color.New(color.FgRed).FprintfFunc()
var blue = color.New(color.FgBlue).FprintfFunc()

// ErrorMsg prints an error message in red.
func ErrorMsg(format string, a ...interface{}) {
	red(Console, "[!] Error: "+format, a...)
}

// InfoMsg prints an informational message in blue.
func InfoMsg(format string, a ...interface{}) {
	blue(Console, "[+] "+format, a...)
}
