package xpost

import (
	"encoding/json"
	"fmt"
)

// Status is the terminal state of one destination within a batch.
type Status string

const (
	StatusSucceeded          Status = "Succeeded"
	StatusValidationRejected Status = "ValidationRejected"
	StatusAuthFailed         Status = "AuthFailed"
	StatusTransientFailed    Status = "TransientFailed"
	StatusPermanentFailed    Status = "PermanentFailed"
	StatusCancelled          Status = "Cancelled"
	StatusUnknownDestination Status = "UnknownDestination"
)

// StatusFor maps a failure kind to its terminal status.
func StatusFor(kind FailureKind) Status {
	switch kind {
	case FailureAuth:
		return StatusAuthFailed
	case FailureTransient:
		return StatusTransientFailed
	default:
		return StatusPermanentFailed
	}
}

// Outcome is the result for a single destination.
type Outcome struct {
	Destination Destination
	Status      Status
	PostID      string
	URL         string
	Message     string
	Reason      string
	RetryCount  int
	// Attempts is the number of publish calls made.
	Attempts int
}

// Success reports whether the destination published the post.
func (o Outcome) Success() bool { return o.Status == StatusSucceeded }

// Error renders the failure as "<Status>: <reason>", or "" on success.
func (o Outcome) Error() string {
	if o.Success() {
		return ""
	}
	if o.Reason == "" {
		return string(o.Status)
	}
	return fmt.Sprintf("%s: %s", o.Status, o.Reason)
}

type outcomeJSON struct {
	Success     bool    `json:"success"`
	Destination string  `json:"destination"`
	PostID      *string `json:"post_id"`
	Message     string  `json:"message"`
	Error       *string `json:"error"`
	Status      Status  `json:"status"`
	RetryCount  int     `json:"retry_count"`
	URL         string  `json:"url,omitempty"`
}

// MarshalJSON emits the transport shape of an outcome.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{
		Success:     o.Success(),
		Destination: string(o.Destination),
		Message:     o.Message,
		Status:      o.Status,
		RetryCount:  o.RetryCount,
		URL:         o.URL,
	}
	if o.Success() {
		id := o.PostID
		out.PostID = &id
	} else {
		e := o.Error()
		out.Error = &e
	}
	return json.Marshal(out)
}

// BatchResult holds one outcome per requested destination, in request order.
type BatchResult struct {
	ID       string
	Outcomes []Outcome
}

// Succeeded counts successful destinations.
func (b BatchResult) Succeeded() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Success() {
			n++
		}
	}
	return n
}

// Failed counts destinations that did not publish.
func (b BatchResult) Failed() int { return len(b.Outcomes) - b.Succeeded() }

// Lookup returns the outcome for dest.
func (b BatchResult) Lookup(dest Destination) (Outcome, bool) {
	for _, o := range b.Outcomes {
		if o.Destination == dest {
			return o, true
		}
	}
	return Outcome{}, false
}
