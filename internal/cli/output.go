package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sadopc/trackd/internal/client"
)

// Exit codes for CLI commands.
const (
	ExitSuccess = 0
	ExitFailure = 1 // the agent answered with an error
	ExitUsage   = 2 // bad flags or config
	ExitOffline = 3 // the agent could not be reached
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// agentError classifies an error from the client. Anything that is not a
// response from the agent means it is not running.
func agentError(what string, err error) error {
	var re *client.RequestError
	if errors.As(err, &re) {
		return WrapExitError(ExitFailure, what, err)
	}
	return WrapExitError(ExitOffline, what+" (is `trackd run` running?)", err)
}

// Output prints either styled text or the raw JSON of a response.
type Output struct {
	Format string
	Writer io.Writer
}

func (o *Output) JSON() bool { return o.Format == "json" }

// Emit writes v as JSON in json mode, or calls text otherwise.
func (o *Output) Emit(v any, text func(w io.Writer)) error {
	if o.JSON() {
		enc := json.NewEncoder(o.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(o.Writer)
	return nil
}

func row(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), valueStyle.Render(value))
}
