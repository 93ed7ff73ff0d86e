package dirstream

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
)

// ManifestName is the name of the entry listing skipped paths when
// WarningsManifest is in effect.
const ManifestName = ".dirstream-warnings.txt"

// WarningPolicy selects how recoverable per-entry failures are surfaced.
type WarningPolicy uint8

const (
	// WarningsLog logs each skipped entry at warn level. This is the default.
	WarningsLog WarningPolicy = iota

	// WarningsDiscard only counts skipped entries.
	WarningsDiscard

	// WarningsManifest logs skipped entries and appends a text entry named
	// ManifestName to the archive listing them.
	WarningsManifest
)

// ParseWarningPolicy maps "log", "discard" or "manifest" to a WarningPolicy.
func ParseWarningPolicy(s string) (WarningPolicy, error) {
	switch s {
	case "", "log":
		return WarningsLog, nil
	case "discard":
		return WarningsDiscard, nil
	case "manifest":
		return WarningsManifest, nil
	default:
		return 0, fmt.Errorf("unknown warning policy %q", s)
	}
}

// Warning records an entry that was skipped.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) String() string {
	return w.Path + ": " + w.Err.Error()
}

// warnings aggregates per-entry failures for one request. The producer adds,
// callers may read concurrently.
type warnings struct {
	policy WarningPolicy
	logger *slog.Logger

	mu   sync.Mutex
	list []Warning
}

func (ws *warnings) add(path string, err error) {
	if ws.policy != WarningsDiscard {
		ws.logger.Warn("skipping entry", "path", path, "error", err)
	}
	ws.mu.Lock()
	ws.list = append(ws.list, Warning{Path: path, Err: err})
	ws.mu.Unlock()
}

func (ws *warnings) count() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.list)
}

func (ws *warnings) snapshot() []Warning {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]Warning, len(ws.list))
	copy(out, ws.list)
	return out
}

// manifest renders the manifest entry body, or nil when there is nothing to
// report or the policy does not ask for it.
func (ws *warnings) manifest() []byte {
	if ws.policy != WarningsManifest {
		return nil
	}
	list := ws.snapshot()
	if len(list) == 0 {
		return nil
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d entries were skipped:\n", len(list))
	for _, w := range list {
		buf.WriteString(w.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
