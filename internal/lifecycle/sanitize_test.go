package lifecycle

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Step 1/4 : FROM node:16", "Step 1/4 : FROM node:16"},
		{"colors", "\x1b[1;31merror\x1b[0m", "error"},
		{"crlf", "a\r\nb\r\n", "a\nb"},
		{"carriage return", "10%\r20%", "10%\n20%"},
		{"osc title", "\x1b]0;title\x07done", "done"},
		{"cursor", "\x1b[2Kline", "line"},
		{"blank", " \n\t", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeOutputIsClean(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	fragment := gen.OneGenOf(
		gen.AlphaString(),
		gen.OneConstOf("\x1b[0m", "\x1b[32m", "\x1b[1;33m", "\r\n", "\r", "\n", " "),
	)

	properties.Property("no escapes or carriage returns survive", prop.ForAll(
		func(parts []string) bool {
			out := Sanitize(strings.Join(parts, ""))
			return !strings.ContainsAny(out, "\x1b\r") && Sanitize(out) == out
		},
		gen.SliceOf(fragment),
	))

	properties.TestingRun(t)
}
