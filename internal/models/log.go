package models

import "time"

// LogLevel is the severity of a LogEntry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

// LogEntry is one append-only line of deployment output.
// Sequence is assigned by the store and is the only ordering key.
type LogEntry struct {
	Sequence  int64     `json:"sequence"`
	DeployID  string    `json:"deployId"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}
