package common

import "github.com/ValentinKolb/dLock/lib/lockmgr"

// Request is a decoded client request. The set of implementations is closed,
// every action maps to exactly one request type.
type Request interface {
	Action() Action
	isRequest()
}

// ConnectRequest binds Session to the connection
type ConnectRequest struct{ Session string }

// CloseRequest removes the binding of Session
type CloseRequest struct{ Session string }

// LockRequest acquires the lock Name
type LockRequest struct{ Name string }

// UnlockRequest releases the lock Name
type UnlockRequest struct{ Name string }

// MLockRequest acquires all Names at once
type MLockRequest struct{ Names []string }

// MUnlockRequest releases all Names at once
type MUnlockRequest struct{ Names []string }

func (ConnectRequest) Action() Action { return ActConnect }
func (CloseRequest) Action() Action   { return ActClose }
func (LockRequest) Action() Action    { return ActLock }
func (UnlockRequest) Action() Action  { return ActUnlock }
func (MLockRequest) Action() Action   { return ActMLock }
func (MUnlockRequest) Action() Action { return ActMUnlock }

func (ConnectRequest) isRequest() {}
func (CloseRequest) isRequest()   {}
func (LockRequest) isRequest()    {}
func (UnlockRequest) isRequest()  {}
func (MLockRequest) isRequest()   {}
func (MUnlockRequest) isRequest() {}

// DecodeRequest converts a message into its request type. Unknown actions and
// wrong parameter counts are reported as invalid request errors.
func DecodeRequest(msg *Message) (Request, error) {
	switch msg.Action {
	case ActConnect, ActClose, ActLock, ActUnlock:
		if len(msg.Params) != 1 {
			return nil, lockmgr.InvalidRequest("%s expects exactly one parameter, got %d", msg.Action, len(msg.Params))
		}
	case ActMLock, ActMUnlock:
		if len(msg.Params) == 0 {
			return nil, lockmgr.InvalidRequest("%s expects at least one lock name", msg.Action)
		}
	default:
		return nil, lockmgr.InvalidRequest("unknown action")
	}

	param := msg.Params[0]
	switch msg.Action {
	case ActConnect:
		return ConnectRequest{Session: param}, nil
	case ActClose:
		return CloseRequest{Session: param}, nil
	case ActLock:
		return LockRequest{Name: param}, nil
	case ActUnlock:
		return UnlockRequest{Name: param}, nil
	case ActMLock:
		return MLockRequest{Names: append([]string(nil), msg.Params...)}, nil
	default:
		return MUnlockRequest{Names: append([]string(nil), msg.Params...)}, nil
	}
}
