package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DefaultMaxBufferSize is the number of buffered bytes a Decoder will hold
// before giving up on the stream contents and starting over.
const DefaultMaxBufferSize = 64 * 1024

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
	ErrBufferOverflow   = errors.New("message buffer overflow")
)

// Encode serializes a message to JSON with its "type" as the first field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type(), err)
	}
	typ, err := json.Marshal(string(m.Type()))
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one JSON object into the message kind named by its
// "type" field.
func Decode(data []byte) (Message, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	typ, ok := fields["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	m := newMessage(Type(typ))
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	delete(fields, "type")

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  m,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, typ, err)
	}
	return m, nil
}

// Feed appends data to buffer and extracts every complete message it now
// contains, returning them in order along with the unconsumed bytes.
//
// The wire has no length prefix: a message ends where the depth of unquoted
// braces returns to zero. Spans that fail to parse are dropped. If a span
// fails and the remaining buffer is larger than maxSize, or if no message
// boundary exists within maxSize bytes, the whole buffer is discarded.
func Feed(buffer, data []byte, maxSize int) ([]Message, []byte, error) {
	buffer = append(buffer, data...)

	var (
		msgs []Message
		errs []error
	)
	for len(buffer) > 0 {
		end, skip := nextBoundary(buffer)
		if skip > 0 {
			errs = append(errs, fmt.Errorf("%w: unbalanced %q", ErrMalformedMessage, buffer[:skip]))
			buffer = buffer[skip:]
			continue
		}
		if end == 0 {
			if len(buffer) > maxSize {
				errs = append(errs, fmt.Errorf("%w: %d bytes without a complete message", ErrBufferOverflow, len(buffer)))
				buffer = nil
			}
			break
		}

		span := buffer[:end]
		buffer = bytes.TrimLeft(buffer[end:], " \t\r\n")

		m, err := Decode(span)
		if err != nil {
			errs = append(errs, err)
			if len(buffer) > maxSize {
				errs = append(errs, fmt.Errorf("%w: discarding %d bytes", ErrBufferOverflow, len(buffer)))
				buffer = nil
			}
			continue
		}
		msgs = append(msgs, m)
	}

	if len(buffer) == 0 {
		buffer = nil
	}
	return msgs, buffer, errors.Join(errs...)
}

// nextBoundary scans buf for the end of the first complete object. It returns
// the offset just past the closing brace, or 0 if there isn't one yet. A
// closing brace seen at depth zero can never start a valid message, so skip
// reports how many leading bytes to throw away in that case.
func nextBoundary(buf []byte) (end int, skip int) {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for i, b := range buf {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{':
			depth++
		case b == '}':
			depth--
			if depth == 0 {
				return i + 1, 0
			}
			if depth < 0 {
				return 0, i + 1
			}
		}
	}
	return 0, 0
}

// Decoder incrementally decodes messages from a byte stream.
type Decoder struct {
	MaxBufferSize int

	buffer []byte
}

func NewDecoder(maxBufferSize int) *Decoder {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	return &Decoder{MaxBufferSize: maxBufferSize}
}

// Feed consumes the next chunk read from the stream. Any messages completed by
// the chunk are returned; a non-nil error describes content that was dropped
// and never means the stream is unusable.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	var (
		msgs []Message
		err  error
	)
	msgs, d.buffer, err = Feed(d.buffer, data, d.MaxBufferSize)
	return msgs, err
}

// Buffered returns the number of bytes waiting for the rest of a message.
func (d *Decoder) Buffered() int {
	return len(d.buffer)
}
