package model

import (
	"encoding/json"
	"fmt"
)

// Reserved command names. Every other name is opaque to the grid.
const (
	CommandNewSession = "newSession"
	CommandQuit       = "quit"
)

// Response status codes, numbered as in the WebDriver JSON wire protocol.
const (
	StatusSuccess           = 0
	StatusNoSuchSession     = 6
	StatusUnknownError      = 13
	StatusTimeout           = 21
	StatusSessionNotCreated = 33
)

// Command is routed from a client to the slot it holds.
type Command struct {
	// RequestID is set by the sender and echoed in the Response.
	RequestID  string         `json:"requestId,omitempty"`
	Name       string         `json:"name"`
	SessionID  string         `json:"sessionId,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (c Command) String() string {
	return fmt.Sprintf("[%s, %s]", c.SessionID, c.Name)
}

// Response is written back by the worker after executing a Command.
type Response struct {
	RequestID string          `json:"requestId,omitempty"`
	Status    int             `json:"status"`
	SessionID string          `json:"sessionId,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// Succeeded reports whether the backend accepted the command.
func (r Response) Succeeded() bool {
	return r.Status == StatusSuccess
}

// ReplyTo returns the id of the command this response answers.
func (r Response) ReplyTo() string { return r.RequestID }

func (r Response) String() string {
	return fmt.Sprintf("{status=%d, sessionId=%s}", r.Status, r.SessionID)
}

// ErrorResponse builds a failed Response carrying a message as its value.
func ErrorResponse(status int, sessionID, message string) Response {
	value, _ := json.Marshal(map[string]string{"message": message})
	return Response{Status: status, SessionID: sessionID, Value: value}
}

// AllocationStatus is the outcome of one allocation round.
type AllocationStatus string

const (
	AllocationOK             AllocationStatus = "OK"
	AllocationNoMatchingSlot AllocationStatus = "NO_MATCHING_SLOT"
	AllocationNoFreeSlot     AllocationStatus = "NO_FREE_SLOT"
)

// AllocationRequest travels on the new-session queue.
type AllocationRequest struct {
	RequestID    string        `json:"requestId,omitempty"`
	ClientID     string        `json:"clientId"`
	Capabilities *Capabilities `json:"capabilities"`
}

// AllocationResponse is written by the broker to the client's slot path.
type AllocationResponse struct {
	RequestID string           `json:"requestId,omitempty"`
	Status    AllocationStatus `json:"status"`
	Slot      *SlotInfo        `json:"slot,omitempty"`
	Message   string           `json:"message,omitempty"`
}

func (r AllocationResponse) ReplyTo() string { return r.RequestID }
