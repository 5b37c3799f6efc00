package transcode

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrPolicyUnavailable is returned when no transcode policy can be read.
	ErrPolicyUnavailable = errors.New("transcode policy unavailable")
	// ErrSourceMissing is returned when an item's input file cannot be found.
	ErrSourceMissing = errors.New("source file missing")
	// ErrCancelled is returned when a running job is stopped deliberately.
	ErrCancelled = errors.New("transcode cancelled")
	// ErrRunnerBusy is returned when a second encoder is started while one is running.
	ErrRunnerBusy = errors.New("encoder already running")
	// ErrItemNotFound is returned when the catalog does not know an item.
	ErrItemNotFound = errors.New("item not found")
)

// ExitError reports an encoder that exited with a non-zero status.
type ExitError struct {
	Code int
	// Stderr holds the last lines the encoder wrote, for diagnostics.
	Stderr []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("encoder exited with code %d", e.Code)
	if len(e.Stderr) > 0 {
		msg += ": " + e.Stderr[len(e.Stderr)-1]
	}
	return msg
}

// StderrTail returns up to n trailing stderr lines joined by newlines.
func (e *ExitError) StderrTail(n int) string {
	lines := e.Stderr
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
