package serializer

import "github.com/ValentinKolb/dLock/rpc/common"

// IRPCSerializer converts messages to and from their wire representation
type IRPCSerializer interface {
	// Serialize encodes a Message into a byte slice
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg, all fields of msg are overwritten
	Deserialize(b []byte, msg *common.Message) error
}

// FromName returns the serializer registered for name ("binary", "json" or "gob")
func FromName(name string) (IRPCSerializer, bool) {
	switch name {
	case "binary":
		return NewBinarySerializer(), true
	case "json":
		return NewJSONSerializer(), true
	case "gob":
		return NewGOBSerializer(), true
	default:
		return nil, false
	}
}
