// Package errors reports startup and runtime failures of the binaries and
// maps them to process exit codes.
package errors

import (
	"fmt"
	"os"

	"github.com/migadu/popd/logger"
)

const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitConfig = 2
)

// GracefulError names the operation that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler records the first failure so main can exit with a matching
// code after deferred cleanup has run.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) record(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "error", NewGracefulError(operation, err))
	eh.record(ExitFatal)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to load configuration file", "path", configPath, "error", err)
	}
	eh.record(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.record(ExitConfig)
}

// WaitForExit returns the recorded exit code, or ExitOK if nothing failed.
func (eh *ErrorHandler) WaitForExit() int {
	select {
	case code := <-eh.exitChannel:
		return code
	default:
		return ExitOK
	}
}
