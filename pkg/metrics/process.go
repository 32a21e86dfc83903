package metrics

import "time"

// ProcessMetrics provides observability for request processing.
type ProcessMetrics interface {
	// RecordCommand records one processed command with the leading word of
	// its response (e.g. "STORED", "NOT_FOUND", "SERVER_ERROR").
	RecordCommand(command string, status string, duration time.Duration)

	// RecordClientError counts a request rejected by the protocol parser.
	RecordClientError(reason string)
}

// NewNoopProcessMetrics returns a ProcessMetrics that discards everything.
func NewNoopProcessMetrics() ProcessMetrics { return noopProcessMetrics{} }

type noopProcessMetrics struct{}

func (noopProcessMetrics) RecordCommand(string, string, time.Duration) {}
func (noopProcessMetrics) RecordClientError(string)                    {}
