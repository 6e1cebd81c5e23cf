// Package serializer converts common.Message values to and from bytes for
// the transports.
//
// Implementations:
//
//   - binarySerializerImpl: compact custom format. A three byte header
//     (action, status, flags) is followed only by the fields present in the
//     message. Recommended between Go processes.
//
//   - jsonSerializerImpl: the {action, param(s)} / {status, message, time}
//     JSON format understood by browser clients. Required for the http
//     transport when talking to anything that is not this client.
//
//   - gobSerializerImpl: Go's gob encoding. Larger and slower than binary,
//     kept for compatibility.
//
// All implementations are stateless and safe for concurrent use.
//
// Usage:
//
//	s, _ := serializer.FromName("json")
//	data, err := s.Serialize(*common.NewLockRequest("doc-42"))
//	...
//	var resp common.Message
//	err = s.Deserialize(received, &resp)
package serializer
