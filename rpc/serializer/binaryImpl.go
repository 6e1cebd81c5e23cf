package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dLock/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and size
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout (big endian):
//
//	action u8 | status u8 | flags u8
//	[params: count u32, then per param len u32 + bytes]
//	[text:   len u32 + bytes]
//	[time:   i64]
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasParams byte = 1 << 0
	hasText   byte = 1 << 1
	hasTime   byte = 1 << 2
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, b.sizeBytes(msg))

	result[0] = byte(msg.Action)
	result[1] = byte(msg.Status)

	var flags byte
	pos := headerSize

	if len(msg.Params) > 0 {
		flags |= hasParams
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Params)))
		pos += 4
		for _, p := range msg.Params {
			pos = putString(result, pos, p)
		}
	}

	if msg.Text != "" {
		flags |= hasText
		pos = putString(result, pos, msg.Text)
	}

	if msg.Time != 0 {
		flags |= hasTime
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Time))
	}

	result[2] = flags
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{
		Action: common.Action(data[0]),
		Status: common.Status(data[1]),
	}
	flags := data[2]
	pos := headerSize

	if flags&hasParams != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for params count")
		}
		count := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4

		// every param needs at least its length prefix
		if count > (len(data)-pos)/4 {
			return fmt.Errorf("params count %d exceeds message size", count)
		}
		msg.Params = make([]string, count)
		for i := range msg.Params {
			var err error
			if msg.Params[i], pos, err = readString(data, pos, "param"); err != nil {
				return err
			}
		}
	}

	if flags&hasText != 0 {
		var err error
		if msg.Text, pos, err = readString(data, pos, "text"); err != nil {
			return err
		}
	}

	if flags&hasTime != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for time")
		}
		msg.Time = int64(binary.BigEndian.Uint64(data[pos : pos+8]))
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	if len(msg.Params) > 0 {
		size += 4 // count
		for _, p := range msg.Params {
			size += 4 + len(p)
		}
	}
	if msg.Text != "" {
		size += 4 + len(msg.Text)
	}
	if msg.Time != 0 {
		size += 8
	}

	return size
}

// putString writes a length prefixed string at pos and returns the new position
func putString(buf []byte, pos int, s string) int {
	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(s)))
	pos += 4
	copy(buf[pos:], s)
	return pos + len(s)
}

// readString reads a length prefixed string at pos and returns the new position
func readString(data []byte, pos int, field string) (string, int, error) {
	if pos+4 > len(data) {
		return "", pos, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n > len(data)-pos {
		return "", pos, fmt.Errorf("data too short for %s data", field)
	}
	return string(data[pos : pos+n]), pos + n, nil
}
