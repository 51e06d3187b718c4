package relay

// Status discriminates the event union. Exactly one of the payload fields is
// meaningful for each status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Result is the payload of a completed event: the full accumulated text.
type Result struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Event is one record of the relay output protocol, serialized as a single
// newline-delimited JSON object.
type Event struct {
	Status Status `json:"status"`

	// Content is the delta carried by a streaming event, never the
	// accumulated text.
	Content string `json:"content,omitempty"`

	// Result is set on completed events only.
	Result *Result `json:"result,omitempty"`

	// Error and Partial are set on error events; Partial holds whatever
	// text had accumulated before the failure.
	Error   string `json:"error,omitempty"`
	Partial string `json:"partial,omitempty"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusError
}
