package rtmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

var (
	// ErrMalformedHeader marks a chunk header that cannot be interpreted.
	ErrMalformedHeader = errors.New("malformed chunk header")
	// ErrMessageTooLarge is returned when a peer announces a message beyond the reader limit.
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

const (
	DefaultChunkSize      = 128
	MaxChunkSize          = 0x7FFFFFFF
	DefaultMaxMessageSize = 16 << 20

	// MaxPendingStreams bounds how many chunk streams may hold a partially
	// received message at once.
	MaxPendingStreams = 16

	extendedTimestamp = 0xFFFFFF
	// Payload buffers start at most this large and grow with the data
	// actually received, whatever length the header announced.
	initialPayloadCap = 64 << 10
)

// Message is one reassembled logical message.
type Message struct {
	TypeID        uint8
	Timestamp     uint32
	StreamID      uint32
	ChunkStreamID uint32
	Payload       []byte
}

// chunkStreamContext carries the header state that compact formats refer back to.
type chunkStreamContext struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
	started   bool

	buf       []byte
	remaining uint32
}

// ChunkReader reassembles messages from a chunked byte stream. It is not safe
// for concurrent use; a session owns exactly one.
type ChunkReader struct {
	r          io.Reader
	chunkSize  uint32
	maxMessage uint32
	streams    map[uint32]*chunkStreamContext
	pending    int
	bytesRead  uint64
	scratch    [11]byte
}

// NewChunkReader reads chunks from r using the protocol default chunk size.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{
		r:          r,
		chunkSize:  DefaultChunkSize,
		maxMessage: DefaultMaxMessageSize,
		streams:    make(map[uint32]*chunkStreamContext),
	}
}

// ChunkSize reports the current inbound chunk size.
func (r *ChunkReader) ChunkSize() uint32 { return r.chunkSize }

// SetChunkSize changes the inbound chunk size, as announced by the peer.
func (r *ChunkReader) SetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d out of range", ErrMalformedHeader, size)
	}
	r.chunkSize = size
	return nil
}

// SetMaxMessageSize bounds the length a peer may announce for one message.
func (r *ChunkReader) SetMaxMessageSize(size uint32) {
	if size > 0 {
		r.maxMessage = size
	}
}

// BytesRead reports the number of bytes consumed from the underlying reader.
func (r *ChunkReader) BytesRead() uint64 { return r.bytesRead }

func (r *ChunkReader) readFull(buf []byte) error {
	n, err := io.ReadFull(r.r, buf)
	r.bytesRead += uint64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated chunk: %v", ErrMalformedHeader, err)
		}
		return err
	}
	return nil
}

// ReadMessage reads chunks until a complete message is available. Set Chunk
// Size and Abort messages are applied to the reader before being returned.
func (r *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := r.readChunk()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if err := r.applyControl(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *ChunkReader) applyControl(msg *Message) error {
	switch msg.TypeID {
	case TypeSetChunkSize:
		if len(msg.Payload) < 4 {
			return fmt.Errorf("%w: short set chunk size payload", ErrMalformedHeader)
		}
		return r.SetChunkSize(binary.BigEndian.Uint32(msg.Payload) & MaxChunkSize)
	case TypeAbort:
		if len(msg.Payload) < 4 {
			return fmt.Errorf("%w: short abort payload", ErrMalformedHeader)
		}
		if cs, ok := r.streams[binary.BigEndian.Uint32(msg.Payload)]; ok && cs.remaining > 0 {
			cs.buf = nil
			cs.remaining = 0
			r.pending--
		}
	}
	return nil
}

func (r *ChunkReader) readBasicHeader() (format uint8, csid uint32, err error) {
	if err = r.readFull(r.scratch[:1]); err != nil {
		return 0, 0, err
	}
	format = r.scratch[0] >> 6
	csid = uint32(r.scratch[0] & 0x3F)
	switch csid {
	case 0:
		if err = r.readFull(r.scratch[:1]); err != nil {
			return 0, 0, err
		}
		csid = 64 + uint32(r.scratch[0])
	case 1:
		if err = r.readFull(r.scratch[:2]); err != nil {
			return 0, 0, err
		}
		csid = 64 + uint32(r.scratch[0]) + uint32(r.scratch[1])*256
	}
	return format, csid, nil
}

func (r *ChunkReader) readExtendedTimestamp() (uint32, error) {
	if err := r.readFull(r.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.scratch[:4]), nil
}

// readChunk consumes one chunk and returns a message when it completes one.
func (r *ChunkReader) readChunk() (*Message, error) {
	format, csid, err := r.readBasicHeader()
	if err != nil {
		return nil, err
	}
	cs, ok := r.streams[csid]
	if !ok {
		if format != 0 && format != 1 {
			return nil, fmt.Errorf("%w: format %d on unseen chunk stream %d", ErrMalformedHeader, format, csid)
		}
		cs = &chunkStreamContext{}
		r.streams[csid] = cs
	}
	if format != 3 && cs.remaining > 0 {
		return nil, fmt.Errorf("%w: format %d header on chunk stream %d before message completed", ErrMalformedHeader, format, csid)
	}

	switch format {
	case 0:
		if err := r.readFull(r.scratch[:11]); err != nil {
			return nil, err
		}
		ts := uint24(r.scratch[0:3])
		cs.length = uint24(r.scratch[3:6])
		cs.typeID = r.scratch[6]
		cs.streamID = binary.LittleEndian.Uint32(r.scratch[7:11])
		cs.extended = ts == extendedTimestamp
		if cs.extended {
			if ts, err = r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
		cs.timestamp = ts
		cs.delta = 0
	case 1:
		if err := r.readFull(r.scratch[:7]); err != nil {
			return nil, err
		}
		delta := uint24(r.scratch[0:3])
		cs.length = uint24(r.scratch[3:6])
		cs.typeID = r.scratch[6]
		cs.extended = delta == extendedTimestamp
		if cs.extended {
			if delta, err = r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
		cs.delta = delta
		cs.timestamp += delta
	case 2:
		if err := r.readFull(r.scratch[:3]); err != nil {
			return nil, err
		}
		delta := uint24(r.scratch[0:3])
		cs.extended = delta == extendedTimestamp
		if cs.extended {
			if delta, err = r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
		cs.delta = delta
		cs.timestamp += delta
	case 3:
		if cs.extended {
			// Continuations repeat the extended field; its value is already known.
			if _, err := r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
		if cs.remaining == 0 && cs.started {
			cs.timestamp += cs.delta
		}
	}

	if cs.remaining == 0 {
		if cs.length > r.maxMessage {
			return nil, fmt.Errorf("%w: %d bytes on chunk stream %d", ErrMessageTooLarge, cs.length, csid)
		}
		if cs.length > 0 {
			if r.pending >= MaxPendingStreams {
				return nil, fmt.Errorf("%w: more than %d chunk streams with incomplete messages", ErrMalformedHeader, MaxPendingStreams)
			}
			r.pending++
		}
		cs.started = true
		cs.remaining = cs.length
		cs.buf = make([]byte, 0, min(cs.length, initialPayloadCap))
	}

	n := cs.remaining
	if n > r.chunkSize {
		n = r.chunkSize
	}
	start := len(cs.buf)
	cs.buf = slices.Grow(cs.buf, int(n))[:start+int(n)]
	if err := r.readFull(cs.buf[start:]); err != nil {
		return nil, err
	}
	cs.remaining -= n
	if cs.remaining > 0 {
		return nil, nil
	}
	if cs.length > 0 {
		r.pending--
	}

	msg := &Message{
		TypeID:        cs.typeID,
		Timestamp:     cs.timestamp,
		StreamID:      cs.streamID,
		ChunkStreamID: csid,
		Payload:       cs.buf,
	}
	cs.buf = nil
	return msg, nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

type writerStreamState struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
}

// ChunkWriter splits messages into chunks. Consecutive messages on the same
// chunk stream use the most compact header their fields allow.
type ChunkWriter struct {
	w         io.Writer
	chunkSize uint32
	streams   map[uint32]*writerStreamState
	buf       []byte
}

// NewChunkWriter writes chunks to w using the protocol default chunk size.
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{
		w:         w,
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*writerStreamState),
	}
}

// SetChunkSize changes the outbound chunk size. Callers announce the new
// size to the peer with a Set Chunk Size message before calling this.
func (w *ChunkWriter) SetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return fmt.Errorf("chunk size %d out of range", size)
	}
	w.chunkSize = size
	return nil
}

func (w *ChunkWriter) ChunkSize() uint32 { return w.chunkSize }

// WriteMessage chunks msg onto the given chunk stream.
func (w *ChunkWriter) WriteMessage(csid uint32, msg *Message) error {
	format := uint8(0)
	if prev, ok := w.streams[csid]; ok && msg.Timestamp >= prev.timestamp && prev.streamID == msg.StreamID {
		format = 1
		delta := msg.Timestamp - prev.timestamp
		if prev.length == uint32(len(msg.Payload)) && prev.typeID == msg.TypeID {
			format = 2
			if delta == prev.delta && !prev.extended {
				format = 3
			}
		}
	}
	return w.writeMessage(csid, format, msg)
}

func (w *ChunkWriter) writeMessage(csid uint32, format uint8, msg *Message) error {
	if csid < 2 || csid > 65599 {
		return fmt.Errorf("chunk stream id %d out of range", csid)
	}
	length := uint32(len(msg.Payload))
	if length > 0xFFFFFF {
		return fmt.Errorf("message of %d bytes cannot be framed", length)
	}
	prev, ok := w.streams[csid]
	if !ok && format != 0 {
		return fmt.Errorf("format %d requires a prior header on chunk stream %d", format, csid)
	}
	state := &writerStreamState{
		timestamp: msg.Timestamp,
		length:    length,
		typeID:    msg.TypeID,
		streamID:  msg.StreamID,
	}
	field := msg.Timestamp
	if format != 0 {
		state.delta = msg.Timestamp - prev.timestamp
		field = state.delta
	}
	if format == 3 {
		field = prev.delta
	}
	extended := field >= extendedTimestamp
	state.extended = extended

	w.buf = w.buf[:0]
	w.buf = appendBasicHeader(w.buf, format, csid)
	var hdr [11]byte
	stamp := field
	if extended {
		stamp = extendedTimestamp
	}
	switch format {
	case 0:
		putUint24(hdr[0:3], stamp)
		putUint24(hdr[3:6], length)
		hdr[6] = msg.TypeID
		binary.LittleEndian.PutUint32(hdr[7:11], msg.StreamID)
		w.buf = append(w.buf, hdr[:11]...)
	case 1:
		putUint24(hdr[0:3], stamp)
		putUint24(hdr[3:6], length)
		hdr[6] = msg.TypeID
		w.buf = append(w.buf, hdr[:7]...)
	case 2:
		putUint24(hdr[0:3], stamp)
		w.buf = append(w.buf, hdr[:3]...)
	}
	if extended {
		w.buf = binary.BigEndian.AppendUint32(w.buf, field)
	}

	payload := msg.Payload
	for {
		n := uint32(len(payload))
		if n > w.chunkSize {
			n = w.chunkSize
		}
		w.buf = append(w.buf, payload[:n]...)
		payload = payload[n:]
		if len(payload) == 0 {
			break
		}
		w.buf = appendBasicHeader(w.buf, 3, csid)
		if extended {
			w.buf = binary.BigEndian.AppendUint32(w.buf, field)
		}
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return err
	}
	w.streams[csid] = state
	return nil
}

func appendBasicHeader(buf []byte, format uint8, csid uint32) []byte {
	switch {
	case csid < 64:
		return append(buf, format<<6|byte(csid))
	case csid < 320:
		return append(buf, format<<6, byte(csid-64))
	default:
		rest := csid - 64
		return append(buf, format<<6|1, byte(rest), byte(rest>>8))
	}
}
