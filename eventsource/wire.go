package eventsource

import "github.com/suyash-sneo/tileacq/acq"

// Command ops understood on the control channel.
const (
	OpStart   = "start"
	OpAcquire = "acquire"
	OpFinish  = "finish"
	OpAbort   = "abort"
	OpPause   = "pause"
	OpResume  = "resume"
	OpStatus  = "status"
)

// Command is one JSON message sent by the remote process.
type Command struct {
	ID     uint64      `json:"id,omitempty"`
	Op     string      `json:"op"`
	Events []acq.Event `json:"events,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Reply answers exactly one Command, matched by ID.
type Reply struct {
	ID     uint64  `json:"id,omitempty"`
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Status is returned for OpStatus.
type Status struct {
	SessionID string `json:"sessionID,omitempty"`
	Bound     bool   `json:"bound"`
	Finished  bool   `json:"finished"`
	Aborted   bool   `json:"aborted"`
	Accepted  int64  `json:"accepted"`
}
