package lifecycle

import (
	"regexp"
	"strings"
)

// ansiPattern matches CSI and OSC escape sequences emitted by build tools.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// Sanitize strips terminal escapes, normalizes line endings to \n and drops
// trailing whitespace.
func Sanitize(message string) string {
	message = ansiPattern.ReplaceAllString(message, "")
	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\r", "\n")
	return strings.TrimRight(message, " \t\n")
}
