package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dLock/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for requests, responses and
// server pushes. Which fields are used depends on the direction.
type Message struct {
	// Request fields
	Action Action   `json:"action,omitempty"`
	Params []string `json:"params,omitempty"` // session id for connect/close, lock names otherwise

	// Response and push fields
	Status Status `json:"status,omitempty"`
	Text   string `json:"message,omitempty"`
	Time   int64  `json:"time,omitempty"` // unix milliseconds
}

// UnmarshalJSON accepts the single "param" field used by browser clients
// next to the "params" list.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		Param *string `json:"param,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if aux.Param != nil && len(m.Params) == 0 {
		m.Params = []string{*aux.Param}
	}
	return nil
}

// IsPush reports whether the message is an asynchronous notification
func (m *Message) IsPush() bool {
	return m.Status == StatusRetry
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewConnectRequest creates a new Connect request
func NewConnectRequest(sid string) *Message {
	return &Message{Action: ActConnect, Params: []string{sid}}
}

// NewCloseRequest creates a new Close request
func NewCloseRequest(sid string) *Message {
	return &Message{Action: ActClose, Params: []string{sid}}
}

// NewLockRequest creates a new Lock request
func NewLockRequest(name string) *Message {
	return &Message{Action: ActLock, Params: []string{name}}
}

// NewUnlockRequest creates a new Unlock request
func NewUnlockRequest(name string) *Message {
	return &Message{Action: ActUnlock, Params: []string{name}}
}

// NewMLockRequest creates a new multi Lock request
func NewMLockRequest(names ...string) *Message {
	return &Message{Action: ActMLock, Params: names}
}

// NewMUnlockRequest creates a new multi Unlock request
func NewMUnlockRequest(names ...string) *Message {
	return &Message{Action: ActMUnlock, Params: names}
}

// NewResponse creates a response stamped with the current time
func NewResponse(status Status, text string) *Message {
	return &Message{
		Status: status,
		Text:   text,
		Time:   time.Now().UnixMilli(),
	}
}

// NewReplyResponse converts a reply of the lock manager into a response
func NewReplyResponse(reply lockmgr.Reply) *Message {
	return NewResponse(StatusFromReply(reply.Status), reply.Message)
}

// NewErrorResponse creates a FAIL response
func NewErrorResponse(text string) *Message {
	return NewResponse(StatusFail, text)
}

// --------------------------------------------------------------------------
// Action Definition
// --------------------------------------------------------------------------

// Action is the operation requested by a client
type Action uint8

const (
	ActUnknown Action = iota
	ActConnect        // bind a session to the connection
	ActClose          // remove the session binding
	ActLock           // acquire a single lock
	ActUnlock         // release a single lock
	ActMLock          // acquire several locks at once
	ActMUnlock        // release several locks at once
)

// String returns the wire name of an Action.
func (a Action) String() string {
	switch a {
	case ActConnect:
		return "connect"
	case ActClose:
		return "close"
	case ActLock:
		return "lock"
	case ActUnlock:
		return "unlock"
	case ActMLock:
		return "mlock"
	case ActMUnlock:
		return "munlock"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for Action.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Action.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction converts a wire name into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "connect":
		return ActConnect, nil
	case "close":
		return ActClose, nil
	case "lock":
		return ActLock, nil
	case "unlock":
		return ActUnlock, nil
	case "mlock":
		return ActMLock, nil
	case "munlock":
		return ActMUnlock, nil
	default:
		return ActUnknown, fmt.Errorf("unknown action: %s", s)
	}
}

// --------------------------------------------------------------------------
// Status Definition
// --------------------------------------------------------------------------

// Status is the outcome carried by responses and pushes
type Status uint8

const (
	StatusNone  Status = iota
	StatusOK           // request succeeded
	StatusFail         // request failed, Text holds the reason
	StatusWait         // lock is held by someone else, wait for a RETRY
	StatusRetry        // pushed when a lock the client waits for was released
)

// String returns the wire name of a Status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFail:
		return "FAIL"
	case StatusWait:
		return "WAIT"
	case StatusRetry:
		return "RETRY"
	default:
		return ""
	}
}

// StatusFromReply converts the status of a lock manager reply.
func StatusFromReply(s lockmgr.Status) Status {
	switch s {
	case lockmgr.StatusOK:
		return StatusOK
	case lockmgr.StatusWait:
		return StatusWait
	case lockmgr.StatusRetry:
		return StatusRetry
	default:
		return StatusFail
	}
}

// MarshalJSON implements the json.Marshaller interface for Status.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "OK":
		*s = StatusOK
	case "FAIL":
		*s = StatusFail
	case "WAIT":
		*s = StatusWait
	case "RETRY":
		*s = StatusRetry
	case "":
		*s = StatusNone
	default:
		return fmt.Errorf("unknown status: %s", str)
	}
	return nil
}
