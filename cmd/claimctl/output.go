package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"Provenance/client"
	"Provenance/internal/registry"
)

// Exit codes for CLI commands.
const (
	exitSuccess      = 0 // Successful execution
	exitRejected     = 1 // The node rejected the operation (NotOwner, AlreadyClaimed, ...)
	exitCommandError = 2 // Command error (bad arguments, unreachable node, ...)
)

// exitError is an error carrying a process exit code.
type exitError struct {
	code    int
	message string
	err     error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *exitError) Unwrap() error {
	return e.err
}

func newExitError(code int, message string) *exitError {
	return &exitError{code: code, message: message}
}

func wrapExitError(code int, message string, err error) *exitError {
	return &exitError{code: code, message: message, err: err}
}

// exitCode extracts the exit code from err. Registry rejections reported
// by the node map to exitRejected.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && registry.Code(apiErr.Unwrap()) != "" {
		return exitRejected
	}

	return exitCommandError
}

// nodeError wraps a failed node call with the exit code that matches it.
func nodeError(message string, err error) error {
	return wrapExitError(exitCode(err), message, err)
}

// output writes data as indented JSON or through text.
func output(w io.Writer, format string, data any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	text(w)
	return nil
}
