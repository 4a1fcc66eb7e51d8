package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding names accepted in the ?encoding= query parameter
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Codec defines the interface for message encoding/decoding
type Codec interface {
	// Encode encodes a domain message to bytes
	Encode(msg *domain.Message) ([]byte, error)

	// Decode decodes bytes to a domain message
	Decode(data []byte) (*domain.Message, error)

	// Binary reports whether frames travel as binary websocket messages
	Binary() bool

	// Name returns the encoding name
	Name() string
}

// CodecFor returns the codec registered under name. An empty name
// selects JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", EncodingJSON:
		return NewJSONCodec(), nil
	case EncodingMsgpack:
		return NewMsgpackCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// JSONCodec implements Codec using JSON text frames
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Encode implements the Codec interface
func (c *JSONCodec) Encode(msg *domain.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode implements the Codec interface
func (c *JSONCodec) Decode(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Binary implements the Codec interface
func (c *JSONCodec) Binary() bool { return false }

// Name implements the Codec interface
func (c *JSONCodec) Name() string { return EncodingJSON }

// MsgpackCodec implements Codec using msgpack binary frames. Payloads
// are converted to and from JSON at the edge so handlers only ever see
// JSON. bin values appear to handlers as base64 strings and are recorded
// in Message.Binary so Encode can write them back as bin.
type MsgpackCodec struct{}

// NewMsgpackCodec creates a new msgpack codec
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

type msgpackFrame struct {
	ID        string    `msgpack:"id,omitempty"`
	Type      string    `msgpack:"type"`
	Timestamp time.Time `msgpack:"timestamp"`
	Data      any       `msgpack:"data,omitempty"`
}

// Encode implements the Codec interface
func (c *MsgpackCodec) Encode(msg *domain.Message) ([]byte, error) {
	frame := msgpackFrame{
		ID:        msg.ID,
		Type:      string(msg.Type),
		Timestamp: msg.Timestamp,
	}

	if len(msg.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(msg.Data))
		dec.UseNumber()

		var data any
		if err := dec.Decode(&data); err != nil {
			return nil, err
		}
		frame.Data = fromJSON(data, msg.Binary)
	}

	return msgpack.Marshal(&frame)
}

// Decode implements the Codec interface
func (c *MsgpackCodec) Decode(data []byte) (*domain.Message, error) {
	var frame msgpackFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:        frame.ID,
		Type:      domain.EventType(frame.Type),
		Timestamp: frame.Timestamp,
	}

	if frame.Data != nil {
		collectBinary(frame.Data, msg)

		raw, err := json.Marshal(frame.Data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}

	return msg, nil
}

// Binary implements the Codec interface
func (c *MsgpackCodec) Binary() bool { return true }

// Name implements the Codec interface
func (c *MsgpackCodec) Name() string { return EncodingMsgpack }

// fromJSON turns json.Number into int64 or float64 so msgpack encodes
// numbers as numbers, and strings recorded in binary back into bytes.
func fromJSON(v any, binary map[string][]byte) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case string:
		if b, ok := binary[t]; ok {
			return b
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = fromJSON(item, binary)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = fromJSON(item, binary)
		}
		return t
	default:
		return v
	}
}

// collectBinary records every bin value in v under the base64 text
// json.Marshal gives it.
func collectBinary(v any, msg *domain.Message) {
	switch t := v.(type) {
	case []byte:
		if len(t) == 0 {
			return
		}
		if msg.Binary == nil {
			msg.Binary = make(map[string][]byte)
		}
		msg.Binary[base64.StdEncoding.EncodeToString(t)] = t
	case map[string]any:
		for _, item := range t {
			collectBinary(item, msg)
		}
	case []any:
		for _, item := range t {
			collectBinary(item, msg)
		}
	}
}
