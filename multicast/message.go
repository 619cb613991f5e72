package multicast

import (
	"fmt"

	"encoding/binary"
)

// Constants

// HeaderBytes is the wire size of the fixed message header:
// header_size (u32), index (i64), pause_sending_turns (u32),
// cooked_send (bool).
const HeaderBytes = 4 + 8 + 4 + 1

// Structs

// Header precedes every message payload. header_size lets a
// receiver skip the header without knowing the exact
// version.
type Header struct {
	HeaderSize        uint32
	Index             int64
	PauseSendingTurns uint32
	CookedSend        bool
}

// MessageBuffer is a pre-registered payload buffer owned by
// exactly one of: the free list, a pending or current send,
// a bulk-receive slot, a locally-stable queue, or a
// not-yet-persisted queue.
type MessageBuffer struct {
	Buf []byte
}

// BulkMessage owns a MessageBuffer holding header plus
// payload of a message moved by the bulk transport.
type BulkMessage struct {
	SenderID int32
	Index    int64
	Size     int
	Buffer   MessageBuffer
}

// SlotMessage carries a copy of a small message taken from
// an SST slot window.
type SlotMessage struct {
	SenderID int32
	Index    int64
	Size     int
	Data     []byte
}

// Functions

// NewMessageBuffer allocates one buffer of the group's
// maximum message size.
func NewMessageBuffer(maxMsgSize int) MessageBuffer {
	return MessageBuffer{Buf: make([]byte, maxMsgSize)}
}

// MarshalHeader writes h into the first HeaderBytes of buf.
func MarshalHeader(h Header, buf []byte) {

	binary.LittleEndian.PutUint32(buf[0:], h.HeaderSize)
	binary.LittleEndian.PutUint64(buf[4:], uint64(h.Index))
	binary.LittleEndian.PutUint32(buf[12:], h.PauseSendingTurns)
	if h.CookedSend {
		buf[16] = 1
	} else {
		buf[16] = 0
	}
}

// ParseHeader reads the fixed header from the front of buf.
func ParseHeader(buf []byte) (Header, error) {

	if len(buf) < HeaderBytes {
		return Header{}, fmt.Errorf("buffer of %d bytes too short for message header", len(buf))
	}

	h := Header{
		HeaderSize:        binary.LittleEndian.Uint32(buf[0:]),
		Index:             int64(binary.LittleEndian.Uint64(buf[4:])),
		PauseSendingTurns: binary.LittleEndian.Uint32(buf[12:]),
		CookedSend:        buf[16] != 0,
	}

	if h.HeaderSize < HeaderBytes {
		return Header{}, fmt.Errorf("header claims size %d below fixed layout size %d", h.HeaderSize, HeaderBytes)
	}

	return h, nil
}
