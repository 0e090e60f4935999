package model

// Message is the part of a pipeline message the correlator reads and writes.
// ID is unique per message instance. ParentID is stamped by a splitter so the
// messages it emits can find the trace of the message they were split from.
// Payload fields stay with the host and are ignored when decoding.
type Message struct {
	ID       string `json:"_msgid"`
	ParentID string `json:"ozParentMessageId,omitempty"`
}
