package relay

import "fmt"

// RejectionError describes one record the sink validated but refused,
// typically a duplicate or out-of-window timestamp. It never aborts a run.
type RejectionError struct {
	Chunk           int
	Index           int32
	Reason          string
	ExistingVersion *int64
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("chunk %d record %d rejected: %s", e.Chunk, e.Index, e.Reason)
	if e.ExistingVersion != nil {
		msg += fmt.Sprintf(" (existing version %d)", *e.ExistingVersion)
	}
	return msg
}

// TransportError is any write failure other than a partial rejection:
// network, auth, throttling or validation of the whole call. It aborts the
// remaining chunks of the run.
type TransportError struct {
	Chunk int
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chunk %d: write failed: %v", e.Chunk, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
