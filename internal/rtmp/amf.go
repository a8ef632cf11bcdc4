package rtmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDecode is returned when a command payload cannot be decoded.
var ErrDecode = errors.New("amf0 decode")

const (
	markerNumber      byte = 0x00
	markerBoolean     byte = 0x01
	markerString      byte = 0x02
	markerObject      byte = 0x03
	markerMovieClip   byte = 0x04
	markerNull        byte = 0x05
	markerUndefined   byte = 0x06
	markerReference   byte = 0x07
	markerECMAArray   byte = 0x08
	markerObjectEnd   byte = 0x09
	markerStrictArray byte = 0x0A
	markerDate        byte = 0x0B
	markerLongString  byte = 0x0C
	markerUnsupported byte = 0x0D
	markerRecordSet   byte = 0x0E
	markerXMLDocument byte = 0x0F
	markerTypedObject byte = 0x10
)

const maxDecodeDepth = 32

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindUndefined
	KindNumber
	KindBoolean
	KindString
	KindObject
	KindECMAArray
	KindStrictArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindUndefined:
		return "undefined"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindECMAArray:
		return "ecma-array"
	case KindStrictArray:
		return "strict-array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Property is one named entry of an object or ECMA array.
type Property struct {
	Name  string
	Value Value
}

// Value is a decoded AMF0 value. The zero Value is null.
type Value struct {
	kind  Kind
	num   float64
	str   string
	b     bool
	props []Property
	items []Value
}

func Null() Value            { return Value{kind: KindNull} }
func Undefined() Value       { return Value{kind: KindUndefined} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value      { return Value{kind: KindBoolean, b: b} }
func String(s string) Value  { return Value{kind: KindString, str: s} }
func Object(props ...Property) Value {
	return Value{kind: KindObject, props: append([]Property{}, props...)}
}

// ECMAArray builds an associative array, the shape encoders use for onMetaData.
func ECMAArray(props ...Property) Value {
	return Value{kind: KindECMAArray, props: append([]Property{}, props...)}
}

func StrictArray(items ...Value) Value {
	return Value{kind: KindStrictArray, items: append([]Value{}, items...)}
}

// Prop is shorthand for building object properties.
func Prop(name string, v Value) Property { return Property{Name: name, Value: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBoolean }

// Properties returns the entries of an object or ECMA array.
func (v Value) Properties() []Property {
	if v.kind != KindObject && v.kind != KindECMAArray {
		return nil
	}
	return v.props
}

func (v Value) Items() []Value {
	if v.kind != KindStrictArray {
		return nil
	}
	return v.items
}

// Get looks up a property by name on an object or ECMA array.
func (v Value) Get(name string) (Value, bool) {
	for _, p := range v.Properties() {
		if p.Name == name {
			return p.Value, true
		}
	}
	return Value{}, false
}

// GetString returns the named string property or an empty string.
func (v Value) GetString(name string) string {
	prop, ok := v.Get(name)
	if !ok {
		return ""
	}
	s, _ := prop.AsString()
	return s
}

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) && math.IsNaN(other.num) {
			return true
		}
		return v.num == other.num
	case KindBoolean:
		return v.b == other.b
	case KindString:
		return v.str == other.str
	case KindObject, KindECMAArray:
		if len(v.props) != len(other.props) {
			return false
		}
		for i := range v.props {
			if v.props[i].Name != other.props[i].Name || !v.props[i].Value.Equal(other.props[i].Value) {
				return false
			}
		}
		return true
	case KindStrictArray:
		if len(v.items) != len(other.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// EncodeValues serializes values back to back, the layout of a command message body.
func EncodeValues(values ...Value) ([]byte, error) {
	buf := make([]byte, 0, 64)
	var err error
	for _, v := range values {
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return append(buf, markerNull), nil
	case KindUndefined:
		return append(buf, markerUndefined), nil
	case KindNumber:
		buf = append(buf, markerNumber)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v.num)), nil
	case KindBoolean:
		if v.b {
			return append(buf, markerBoolean, 1), nil
		}
		return append(buf, markerBoolean, 0), nil
	case KindString:
		if len(v.str) > math.MaxUint16 {
			buf = append(buf, markerLongString)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.str)))
			return append(buf, v.str...), nil
		}
		buf = append(buf, markerString)
		return appendShortString(buf, v.str)
	case KindObject:
		buf = append(buf, markerObject)
		return appendProperties(buf, v.props)
	case KindECMAArray:
		buf = append(buf, markerECMAArray)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.props)))
		return appendProperties(buf, v.props)
	case KindStrictArray:
		buf = append(buf, markerStrictArray)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.items)))
		var err error
		for _, item := range v.items {
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("amf0 encode: unsupported kind %s", v.kind)
	}
}

func appendShortString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("amf0 encode: string of %d bytes exceeds short string limit", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func appendProperties(buf []byte, props []Property) ([]byte, error) {
	var err error
	for _, p := range props {
		if p.Name == "" {
			return nil, fmt.Errorf("amf0 encode: empty property name")
		}
		if buf, err = appendShortString(buf, p.Name); err != nil {
			return nil, err
		}
		if buf, err = appendValue(buf, p.Value); err != nil {
			return nil, err
		}
	}
	return append(buf, 0, 0, markerObjectEnd), nil
}

// DecodeValues decodes every value in data.
func DecodeValues(data []byte) ([]Value, error) {
	var out []Value
	for offset := 0; offset < len(data); {
		v, n, err := DecodeValue(data[offset:])
		if err != nil {
			return out, err
		}
		out = append(out, v)
		offset += n
	}
	return out, nil
}

// DecodeValue decodes one value and reports how many bytes it consumed.
func DecodeValue(data []byte) (Value, int, error) {
	d := decoder{buf: data}
	v, err := d.value(0)
	if err != nil {
		return Value{}, d.off, err
	}
	return v, d.off, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) need(n int) error {
	if n < 0 || len(d.buf)-d.off < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrDecode, n, d.off, len(d.buf)-d.off)
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) uint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) str(n int) (string, error) {
	if err := d.need(n); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s, nil
}

func (d *decoder) shortString() (string, error) {
	n, err := d.uint16()
	if err != nil {
		return "", err
	}
	return d.str(int(n))
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > maxDecodeDepth {
		return Value{}, fmt.Errorf("%w: nesting deeper than %d", ErrDecode, maxDecodeDepth)
	}
	marker, err := d.readByte()
	if err != nil {
		return Value{}, err
	}
	switch marker {
	case markerNumber:
		if err := d.need(8); err != nil {
			return Value{}, err
		}
		bits := binary.BigEndian.Uint64(d.buf[d.off:])
		d.off += 8
		return Number(math.Float64frombits(bits)), nil
	case markerBoolean:
		b, err := d.readByte()
		if err != nil {
			return Value{}, err
		}
		return Bool(b != 0), nil
	case markerString:
		s, err := d.shortString()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case markerLongString:
		n, err := d.uint32()
		if err != nil {
			return Value{}, err
		}
		s, err := d.str(int(n))
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case markerNull:
		return Null(), nil
	case markerUndefined, markerUnsupported, markerMovieClip, markerRecordSet:
		return Undefined(), nil
	case markerObject:
		props, err := d.properties(depth)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindObject, props: props}, nil
	case markerTypedObject:
		if _, err := d.shortString(); err != nil {
			return Value{}, err
		}
		props, err := d.properties(depth)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindObject, props: props}, nil
	case markerECMAArray:
		// The count is advisory; entries run until the end marker.
		if _, err := d.uint32(); err != nil {
			return Value{}, err
		}
		props, err := d.properties(depth)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindECMAArray, props: props}, nil
	case markerStrictArray:
		count, err := d.uint32()
		if err != nil {
			return Value{}, err
		}
		// Every element takes at least one byte.
		if err := d.need(int(count)); err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			item, err := d.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: KindStrictArray, items: items}, nil
	case markerDate:
		// 8-byte milliseconds plus a 2-byte timezone; not surfaced.
		if err := d.need(10); err != nil {
			return Value{}, err
		}
		d.off += 10
		return Undefined(), nil
	case markerReference:
		if _, err := d.uint16(); err != nil {
			return Value{}, err
		}
		return Undefined(), nil
	case markerXMLDocument:
		n, err := d.uint32()
		if err != nil {
			return Value{}, err
		}
		if _, err := d.str(int(n)); err != nil {
			return Value{}, err
		}
		return Undefined(), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported marker 0x%02x at offset %d", ErrDecode, marker, d.off-1)
	}
}

func (d *decoder) properties(depth int) ([]Property, error) {
	props := make([]Property, 0, 8)
	for {
		name, err := d.shortString()
		if err != nil {
			return nil, err
		}
		if name == "" {
			end, err := d.readByte()
			if err != nil {
				return nil, err
			}
			if end == markerObjectEnd {
				return props, nil
			}
			// An empty key that is not the terminator still carries a value.
			d.off--
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		props = append(props, Property{Name: name, Value: v})
	}
}
