package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType distinguishes requests, responses and pushed events.
type FrameType uint64

const (
	FrameRequest  FrameType = 0
	FrameResponse FrameType = 1
	FrameEvent    FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameEvent:
		return "event"
	default:
		return fmt.Sprintf("FrameType(%d)", uint64(t))
	}
}

// Frame is one message on the wire, independent of codec.
type Frame struct {
	Type    FrameType
	Seq     uint64
	Name    string          // method for requests, event name for events
	Payload json.RawMessage // params for requests and events, result for responses
	OK      bool
	ErrKind string
	ErrMsg  string
}

// Protobuf field numbers of a binary frame.
const (
	fieldSeq     protowire.Number = 1
	fieldName    protowire.Number = 2
	fieldPayload protowire.Number = 3
	fieldOK      protowire.Number = 4
	fieldErrKind protowire.Number = 5
	fieldErrMsg  protowire.Number = 6
	fieldType    protowire.Number = 7
)

// MarshalFrame encodes f as a protobuf message. Zero-valued fields are
// omitted.
//
//	field 1 (uint64): seq
//	field 2 (string): method or event name
//	field 3 (bytes):  JSON params or result
//	field 4 (bool):   ok
//	field 5 (string): error kind
//	field 6 (string): error message
//	field 7 (enum):   frame type
func MarshalFrame(f Frame) []byte {
	var buf []byte
	if f.Seq != 0 {
		buf = protowire.AppendTag(buf, fieldSeq, protowire.VarintType)
		buf = protowire.AppendVarint(buf, f.Seq)
	}
	if f.Name != "" {
		buf = protowire.AppendTag(buf, fieldName, protowire.BytesType)
		buf = protowire.AppendString(buf, f.Name)
	}
	if len(f.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.Payload)
	}
	if f.OK {
		buf = protowire.AppendTag(buf, fieldOK, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	if f.ErrKind != "" {
		buf = protowire.AppendTag(buf, fieldErrKind, protowire.BytesType)
		buf = protowire.AppendString(buf, f.ErrKind)
	}
	if f.ErrMsg != "" {
		buf = protowire.AppendTag(buf, fieldErrMsg, protowire.BytesType)
		buf = protowire.AppendString(buf, f.ErrMsg)
	}
	if f.Type != FrameRequest {
		buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(f.Type))
	}
	return buf
}

// UnmarshalFrame decodes a protobuf frame. Unknown fields are skipped.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, fmt.Errorf("rpc: reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Frame{}, fmt.Errorf("rpc: reading varint for field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldSeq:
				f.Seq = v
			case fieldOK:
				f.OK = protowire.DecodeBool(v)
			case fieldType:
				f.Type = FrameType(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, fmt.Errorf("rpc: reading field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldName:
				f.Name = string(v)
			case fieldPayload:
				f.Payload = append(json.RawMessage(nil), v...)
			case fieldErrKind:
				f.ErrKind = string(v)
			case fieldErrMsg:
				f.ErrMsg = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Frame{}, fmt.Errorf("rpc: skipping field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if f.Type > FrameEvent {
		return Frame{}, errors.New("rpc: unknown frame type")
	}
	return f, nil
}
