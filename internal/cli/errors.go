package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/peterje/mctl/internal/repl"
)

var osErrorText = []struct {
	name string
	text string
}{
	{repl.ENOENT, "no such file or directory"},
	{repl.EEXIST, "file exists"},
	{repl.EISDIR, "is a directory"},
	{repl.ENOTEMPTY, "directory not empty"},
}

// Describe turns an error into the one-line message the CLI prints. Device
// tracebacks for common OS errors are shortened; other tracebacks are kept.
func Describe(err error) string {
	switch {
	case errors.Is(err, repl.ErrInvalidPassword):
		return "WebREPL rejected the password"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	}
	for _, e := range osErrorText {
		if repl.IsOSError(err, e.name) {
			return e.text
		}
	}
	var se *repl.ScriptError
	if errors.As(err, &se) {
		return strings.TrimSpace(strings.ReplaceAll(se.Message, "\r\n", "\n"))
	}
	return err.Error()
}
