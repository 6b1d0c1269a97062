package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/adred-codev/chatmesh/internal/chat"
)

// Self-describing value encoding used for frame payloads. Each value is a
// one-byte type tag followed by a fixed- or length-prefixed body, so the
// decoder needs no schema. Supported values: nil, bool, int64, float64,
// string, bytes, list, string-keyed map, and chat.Message (encoded as a
// map of its six attributes under its own tag).
//
// Decode(Encode(v)) round-trips exactly, with integers widening to int64
// and lists/maps decoding as []any / map[string]any.
const (
	tagNil     = 0x00
	tagBool    = 0x01
	tagInt     = 0x02
	tagFloat   = 0x03
	tagString  = 0x04
	tagBytes   = 0x05
	tagList    = 0x06
	tagMap     = 0x07
	tagMessage = 0x08
)

// ErrUnknownTag reports a payload whose leading type tag is not part of
// the protocol. Frames carrying such payloads are fatal to the session.
var ErrUnknownTag = errors.New("protocol: unknown type tag")

// Encode serializes v. Integer kinds widen to int64 on the wire; typed
// slices and maps of the supported kinds are accepted as a convenience.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a single value and requires the payload to contain
// nothing else.
func Decode(data []byte) (any, error) {
	v, n, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("protocol: %d trailing bytes after value", len(data)-n)
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		buf.WriteByte(tagBool)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		encodeInt(buf, int64(val))
	case int32:
		encodeInt(buf, int64(val))
	case int64:
		encodeInt(buf, val)
	case float64:
		buf.WriteByte(tagFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(val))
		buf.Write(b[:])
	case string:
		buf.WriteByte(tagString)
		encodeLen(buf, len(val))
		buf.WriteString(val)
	case []byte:
		buf.WriteByte(tagBytes)
		encodeLen(buf, len(val))
		buf.Write(val)
	case []any:
		buf.WriteByte(tagList)
		encodeLen(buf, len(val))
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case []string:
		buf.WriteByte(tagList)
		encodeLen(buf, len(val))
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case []*chat.Message:
		buf.WriteByte(tagList)
		encodeLen(buf, len(val))
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		buf.WriteByte(tagMap)
		encodeLen(buf, len(val))
		for k, item := range val {
			encodeLen(buf, len(k))
			buf.WriteString(k)
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]int64:
		buf.WriteByte(tagMap)
		encodeLen(buf, len(val))
		for k, item := range val {
			encodeLen(buf, len(k))
			buf.WriteString(k)
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case *chat.Message:
		encodeMessage(buf, val)
	case chat.Message:
		encodeMessage(buf, &val)
	default:
		return fmt.Errorf("protocol: cannot encode value of type %T", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte(tagInt)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func encodeLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

// encodeMessage writes a message as a map of its six attributes under the
// message tag, so peers without the struct can still read it as a map.
func encodeMessage(buf *bytes.Buffer, m *chat.Message) {
	buf.WriteByte(tagMessage)
	encodeLen(buf, 6)
	writeField := func(k string, v any) {
		encodeLen(buf, len(k))
		buf.WriteString(k)
		encodeValue(buf, v) //nolint:errcheck // field values are known kinds
	}
	writeField("id", m.ID)
	writeField("sender", m.Sender)
	writeField("recipient", m.Recipient)
	writeField("content", m.Content)
	writeField("timestamp", m.Timestamp)
	writeField("status", m.Status)
}

func decodeValue(data []byte) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("protocol: empty payload")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagNil:
		return nil, 1, nil
	case tagBool:
		if len(rest) < 1 {
			return nil, 0, errors.New("protocol: truncated bool")
		}
		return rest[0] != 0, 2, nil
	case tagInt:
		if len(rest) < 8 {
			return nil, 0, errors.New("protocol: truncated int")
		}
		return int64(binary.BigEndian.Uint64(rest[:8])), 9, nil
	case tagFloat:
		if len(rest) < 8 {
			return nil, 0, errors.New("protocol: truncated float")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(rest[:8])), 9, nil
	case tagString:
		s, n, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, 0, err
		}
		return string(s), 1 + n, nil
	case tagBytes:
		b, n, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, 0, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, 1 + n, nil
	case tagList:
		count, rest, err := decodeCount(rest)
		if err != nil {
			return nil, 0, err
		}
		consumed := 5
		list := make([]any, 0, count)
		for i := 0; i < count; i++ {
			item, n, err := decodeValue(rest)
			if err != nil {
				return nil, 0, err
			}
			list = append(list, item)
			rest = rest[n:]
			consumed += n
		}
		return list, consumed, nil
	case tagMap:
		count, rest, err := decodeCount(rest)
		if err != nil {
			return nil, 0, err
		}
		consumed := 5
		m := make(map[string]any, count)
		for i := 0; i < count; i++ {
			key, n, err := decodeLenPrefixed(rest)
			if err != nil {
				return nil, 0, err
			}
			rest = rest[n:]
			consumed += n
			item, n, err := decodeValue(rest)
			if err != nil {
				return nil, 0, err
			}
			m[string(key)] = item
			rest = rest[n:]
			consumed += n
		}
		return m, consumed, nil
	case tagMessage:
		count, rest, err := decodeCount(rest)
		if err != nil {
			return nil, 0, err
		}
		consumed := 5
		msg := &chat.Message{}
		for i := 0; i < count; i++ {
			key, n, err := decodeLenPrefixed(rest)
			if err != nil {
				return nil, 0, err
			}
			rest = rest[n:]
			consumed += n
			item, n, err := decodeValue(rest)
			if err != nil {
				return nil, 0, err
			}
			rest = rest[n:]
			consumed += n
			if err := setMessageField(msg, string(key), item); err != nil {
				return nil, 0, err
			}
		}
		return msg, consumed, nil
	default:
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}

func decodeCount(data []byte) (int, []byte, error) {
	if len(data) < 4 {
		return 0, nil, errors.New("protocol: truncated count")
	}
	count := int(binary.BigEndian.Uint32(data[:4]))
	// Every element occupies at least one byte, so a count beyond the
	// remaining payload cannot be satisfied. Checking here keeps the
	// preallocation below bounded by the frame size instead of by a
	// hostile 32-bit count.
	if count > len(data)-4 {
		return 0, nil, fmt.Errorf("protocol: count %d exceeds %d remaining bytes", count, len(data)-4)
	}
	return count, data[4:], nil
}

// decodeLenPrefixed reads a u32 length and that many bytes, returning the
// bytes and the total consumed including the prefix.
func decodeLenPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.New("protocol: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+n {
		return nil, 0, errors.New("protocol: truncated body")
	}
	return data[4 : 4+n], 4 + n, nil
}

func setMessageField(m *chat.Message, key string, v any) error {
	switch key {
	case "id", "sender", "recipient", "content", "status":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("protocol: message field %q is %T, want string", key, v)
		}
		switch key {
		case "id":
			m.ID = s
		case "sender":
			m.Sender = s
		case "recipient":
			m.Recipient = s
		case "content":
			m.Content = s
		case "status":
			m.Status = s
		}
	case "timestamp":
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("protocol: message timestamp is %T, want float64", v)
		}
		m.Timestamp = f
	default:
		return fmt.Errorf("protocol: unknown message field %q", key)
	}
	return nil
}
