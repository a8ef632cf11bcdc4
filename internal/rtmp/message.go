package rtmp

import (
	"encoding/binary"
	"fmt"
)

// Message type ids.
const (
	TypeSetChunkSize     uint8 = 1
	TypeAbort            uint8 = 2
	TypeAcknowledgement  uint8 = 3
	TypeUserControl      uint8 = 4
	TypeWindowAckSize    uint8 = 5
	TypeSetPeerBandwidth uint8 = 6
	TypeAudio            uint8 = 8
	TypeVideo            uint8 = 9
	TypeAMF3Data         uint8 = 15
	TypeAMF3Command      uint8 = 17
	TypeAMF0Data         uint8 = 18
	TypeAMF0Command      uint8 = 20
)

// Chunk stream ids used for outbound traffic.
const (
	ChunkStreamControl uint32 = 2
	ChunkStreamCommand uint32 = 3
)

// User control event types.
const (
	EventStreamBegin uint16 = 0
	EventStreamEOF   uint16 = 1
	EventPingRequest uint16 = 6
	EventPingReply   uint16 = 7
)

// Peer bandwidth limit types.
const (
	LimitHard    uint8 = 0
	LimitSoft    uint8 = 1
	LimitDynamic uint8 = 2
)

func uint32Payload(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// SetChunkSizeMessage announces the sender's outbound chunk size.
func SetChunkSizeMessage(size uint32) *Message {
	return &Message{TypeID: TypeSetChunkSize, Payload: uint32Payload(size & MaxChunkSize)}
}

func WindowAckSizeMessage(size uint32) *Message {
	return &Message{TypeID: TypeWindowAckSize, Payload: uint32Payload(size)}
}

func SetPeerBandwidthMessage(size uint32, limit uint8) *Message {
	return &Message{TypeID: TypeSetPeerBandwidth, Payload: append(uint32Payload(size), limit)}
}

// AcknowledgementMessage reports the number of bytes received so far.
func AcknowledgementMessage(sequence uint32) *Message {
	return &Message{TypeID: TypeAcknowledgement, Payload: uint32Payload(sequence)}
}

// UserControlMessage carries a user control event for a message stream.
func UserControlMessage(event uint16, streamID uint32) *Message {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], event)
	binary.BigEndian.PutUint32(payload[2:6], streamID)
	return &Message{TypeID: TypeUserControl, Payload: payload}
}

// CommandMessage encodes an AMF0 command body onto the given message stream.
func CommandMessage(streamID uint32, values ...Value) (*Message, error) {
	payload, err := EncodeValues(values...)
	if err != nil {
		return nil, err
	}
	return &Message{TypeID: TypeAMF0Command, StreamID: streamID, Payload: payload}, nil
}

// Command is a decoded AMF0 command message: name, transaction id, command
// object and any trailing arguments.
type Command struct {
	Name          string
	TransactionID float64
	Object        Value
	Args          []Value
}

// Arg returns the i-th trailing argument or null when absent.
func (c Command) Arg(i int) Value {
	if i < 0 || i >= len(c.Args) {
		return Null()
	}
	return c.Args[i]
}

// ParseCommand decodes a command or data message. AMF3 command messages
// carry a leading format byte before AMF0-encoded values. Data messages have
// no transaction id; their values are exposed as Args.
func ParseCommand(msg *Message) (Command, error) {
	payload := msg.Payload
	if msg.TypeID == TypeAMF3Command || msg.TypeID == TypeAMF3Data {
		if len(payload) == 0 {
			return Command{}, fmt.Errorf("%w: empty amf3 envelope", ErrDecode)
		}
		payload = payload[1:]
	}
	values, err := DecodeValues(payload)
	if err != nil {
		return Command{}, err
	}
	if len(values) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrDecode)
	}
	name, ok := values[0].AsString()
	if !ok {
		return Command{}, fmt.Errorf("%w: command name is %s", ErrDecode, values[0].Kind())
	}
	cmd := Command{Name: name}
	if msg.TypeID == TypeAMF0Data || msg.TypeID == TypeAMF3Data {
		cmd.Args = values[1:]
		return cmd, nil
	}
	if len(values) > 1 {
		txn, ok := values[1].AsNumber()
		if !ok {
			return Command{}, fmt.Errorf("%w: transaction id is %s", ErrDecode, values[1].Kind())
		}
		cmd.TransactionID = txn
	}
	if len(values) > 2 {
		cmd.Object = values[2]
	}
	if len(values) > 3 {
		cmd.Args = values[3:]
	}
	return cmd, nil
}
