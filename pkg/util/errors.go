package util

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
)

// ErrorWithSuggestion wraps an error with a helpful suggestion
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%v\nSuggestion: %s", e.Err, e.Suggestion)
}

func (e *ErrorWithSuggestion) Unwrap() error { return e.Err }

// WrapErrorWithSuggestion creates an error with a helpful suggestion
func WrapErrorWithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// GetErrorSuggestion returns a hint for the errors users can fix themselves
func GetErrorSuggestion(err error) string {
	if err == nil {
		return ""
	}

	var connErr *remote.ConnectionError
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		return "The server refused the credentials. Bind the folder again with 'docsync bind-server'"
	case errors.Is(err, docsync.ErrRootAlreadyBound):
		return "The folder is bound to another account. Pick another folder or unbind it first"
	case errors.Is(err, docsync.ErrNotBound):
		return "Bind the folder first with 'docsync bind-server <folder> <server-url>'"
	case errors.Is(err, docsync.ErrEngineRunning):
		return "Stop 'docsync start' before changing this folder"
	case errors.Is(err, docsync.ErrNotConflicted):
		return "List the current conflicts with 'docsync conflicts'"
	case errors.Is(err, local.ErrMissingXattrSupport):
		return "The folder must be on a filesystem with extended attributes. Set sync.nofscheck to skip this check"
	case errors.As(err, &connErr), remote.IsServerUnavailable(err):
		return "The server cannot be reached. Check the server URL and your network connection"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "permission denied") {
		return "Check the permissions of the folder and of the docsync home directory"
	}
	if strings.Contains(errStr, "failed to load config") {
		return "Check the configuration file syntax. Use --config to specify a custom path"
	}
	return ""
}

// FormatError formats an error with suggestions for better user experience
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var suggested *ErrorWithSuggestion
	if errors.As(err, &suggested) {
		return "Error: " + err.Error()
	}
	if suggestion := GetErrorSuggestion(err); suggestion != "" {
		return fmt.Sprintf("Error: %v\nSuggestion: %s", err, suggestion)
	}
	return fmt.Sprintf("Error: %v", err)
}
