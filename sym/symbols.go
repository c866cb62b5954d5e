// Package sym defines the symbols optrack attaches to log lines and CLI output.
// Symbols are logged as a structured field so logs stay queryable by subsystem.
package sym

// Pulse symbols mark the operation queue and its worker lifecycle.
const (
	Pulse      = "꩜" // queue activity: lease, complete, retry
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
)

// System markers.
const (
	AM = "≡" // configuration
	DB = "⊔" // storage
	WS = "⇄" // update stream
)

// ForStatus maps an operation status to the glyph the CLI prints next to it.
func ForStatus(status string) string {
	switch status {
	case "queued":
		return "○"
	case "processing":
		return Pulse
	case "succeeded":
		return "●"
	case "dead":
		return "✕"
	default:
		return "?"
	}
}
