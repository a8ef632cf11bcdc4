package transcode

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FLV tag types; they match the RTMP message type ids of the same payloads.
const (
	TagAudio  uint8 = 8
	TagVideo  uint8 = 9
	TagScript uint8 = 18
)

// Tag is one media or script payload on the encoder feed.
type Tag struct {
	Type      uint8
	Timestamp uint32
	Data      []byte
}

const (
	flvHeaderSize = 9
	tagHeaderSize = 11
)

// FLVWriter frames tags as an FLV byte stream. It is not safe for
// concurrent use.
type FLVWriter struct {
	w             io.Writer
	headerWritten bool
	buf           []byte
}

func NewFLVWriter(w io.Writer) *FLVWriter {
	return &FLVWriter{w: w}
}

// WriteHeader emits the file header announcing audio and video, followed
// by the zero PreviousTagSize that precedes the first tag.
func (f *FLVWriter) WriteHeader() error {
	if f.headerWritten {
		return nil
	}
	header := []byte{'F', 'L', 'V', 0x01, 0x05, 0, 0, 0, flvHeaderSize, 0, 0, 0, 0}
	if _, err := f.w.Write(header); err != nil {
		return err
	}
	f.headerWritten = true
	return nil
}

// WriteTag emits tag and its trailing PreviousTagSize in a single write.
func (f *FLVWriter) WriteTag(tag Tag) error {
	switch tag.Type {
	case TagAudio, TagVideo, TagScript:
	default:
		return fmt.Errorf("unsupported flv tag type %d", tag.Type)
	}
	if len(tag.Data) > 0xFFFFFF {
		return fmt.Errorf("flv tag of %d bytes exceeds 24-bit size", len(tag.Data))
	}
	if err := f.WriteHeader(); err != nil {
		return err
	}
	size := len(tag.Data)
	f.buf = f.buf[:0]
	f.buf = append(f.buf,
		tag.Type,
		byte(size>>16), byte(size>>8), byte(size),
		byte(tag.Timestamp>>16), byte(tag.Timestamp>>8), byte(tag.Timestamp),
		byte(tag.Timestamp>>24),
		0, 0, 0,
	)
	f.buf = append(f.buf, tag.Data...)
	f.buf = binary.BigEndian.AppendUint32(f.buf, uint32(tagHeaderSize+size))
	_, err := f.w.Write(f.buf)
	return err
}
