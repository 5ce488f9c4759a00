// ABOUTME: Backend selection for the Conversation Log
// ABOUTME: Maps the configured backend name to a Log implementation

package convlog

import (
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Open returns the Log implementation named by backend, rooted at dir.
func Open(backend, dir string, logger *slog.Logger) (Log, error) {
	switch backend {
	case "", BackendFile:
		return NewFileLog(dir, logger)
	case BackendPebble:
		return OpenPebbleLog(dir, logger)
	default:
		return nil, fmt.Errorf("unknown conversation log backend %q", backend)
	}
}
