package util

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    ExitCode
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func NewExitError(code ExitCode, format string, a ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, a...)}
}

// RunAndHandleExit executes cmd and terminates the process with the code
// carried by the returned error.
func RunAndHandleExit(cmd *cobra.Command) {
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	err := cmd.Execute()
	if err == nil {
		os.Exit(ErrorSuccess)
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Message != "" {
			fmt.Fprintln(os.Stderr, exitErr.Message)
		}
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, err)
	os.Exit(ErrorGeneric)
}
