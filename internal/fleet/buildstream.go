package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// buildMessage is one JSON object of the image build response stream.
type buildMessage struct {
	Stream      string         `json:"stream"`
	Status      string         `json:"status"`
	ID          string         `json:"id"`
	Progress    string         `json:"progress"`
	Error       string         `json:"error"`
	ErrorDetail buildErrDetail `json:"errorDetail"`
	Aux         map[string]any `json:"aux"`
}

type buildErrDetail struct {
	Message string `json:"message"`
}

// BuildError is the failure reported by the image builder itself.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string {
	return "image build: " + e.Message
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\r\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if p := strings.TrimSpace(m.Progress); p != "" {
			parts = append(parts, p)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}

// decodeBuildStream forwards non-empty lines of r to onOutput and stops at the first
// error message, which is returned as a *BuildError.
func decodeBuildStream(r io.Reader, onOutput OutputFunc) error {
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return &BuildError{Message: errMsg}
		}
		if onOutput == nil {
			continue
		}
		for _, line := range strings.Split(msg.render(), "\n") {
			if strings.TrimSpace(line) != "" {
				onOutput(line)
			}
		}
	}
}
