// ABOUTME: Structured logger construction for the sync daemon and reference server
// ABOUTME: Builds a zap production logger writing JSON to stderr
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger at the named level (debug, info, warn,
// error). An empty level means info.
func New(level string) (*zap.Logger, error) {
	return build(level, "stderr")
}

// NewFile is New writing to path instead of stderr, for full-screen modes
// where stderr output would corrupt the display.
func NewFile(level, path string) (*zap.Logger, error) {
	return build(level, path)
}

func build(level, output string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{output}
	config.ErrorOutputPaths = []string{output}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
