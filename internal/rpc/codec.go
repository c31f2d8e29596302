package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Codec names accepted by NewCodec.
const (
	CodecJSON  = "json"
	CodecProto = "proto"
)

// maxFrameBytes bounds one incoming frame.
const maxFrameBytes = 1 << 20

// Codec reads and writes frames on a byte stream. ReadFrame is called from a
// single goroutine; WriteFrame calls are serialised by the Server.
type Codec interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
}

// NewCodec returns the codec named by name over r and w.
func NewCodec(name string, r io.Reader, w io.Writer) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return NewJSONCodec(r, w), nil
	case CodecProto:
		return NewProtoCodec(r, w), nil
	default:
		return nil, fmt.Errorf("rpc: unknown codec %q", name)
	}
}

// jsonError is the error object on a failed JSON response.
type jsonError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// jsonMessage is the union of the three JSON line shapes:
//
//	{"seq":1,"method":"createPeripheral","params":{...}}
//	{"seq":1,"ok":true,"result":...}
//	{"event":"onWrite","params":{...}}
type jsonMessage struct {
	Seq    uint64          `json:"seq,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonError      `json:"error,omitempty"`
}

// JSONCodec speaks line-delimited JSON.
type JSONCodec struct {
	sc *bufio.Scanner
	w  io.Writer
}

func NewJSONCodec(r io.Reader, w io.Writer) *JSONCodec {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &JSONCodec{sc: sc, w: w}
}

// ReadFrame returns io.EOF once the input is exhausted. Blank lines are
// skipped.
func (c *JSONCodec) ReadFrame() (Frame, error) {
	for c.sc.Scan() {
		line := c.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m jsonMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return Frame{}, &DecodeError{Err: err}
		}
		return m.frame(), nil
	}
	if err := c.sc.Err(); err != nil {
		return Frame{}, fmt.Errorf("rpc: read: %w", err)
	}
	return Frame{}, io.EOF
}

func (m jsonMessage) frame() Frame {
	switch {
	case m.Event != "":
		return Frame{Type: FrameEvent, Name: m.Event, Payload: m.Params}
	case m.OK != nil:
		f := Frame{Type: FrameResponse, Seq: m.Seq, OK: *m.OK, Payload: m.Result}
		if m.Error != nil {
			f.ErrKind, f.ErrMsg = m.Error.Kind, m.Error.Message
		}
		return f
	default:
		return Frame{Type: FrameRequest, Seq: m.Seq, Name: m.Method, Payload: m.Params}
	}
}

func (c *JSONCodec) WriteFrame(f Frame) error {
	var m jsonMessage
	switch f.Type {
	case FrameEvent:
		m = jsonMessage{Event: f.Name, Params: f.Payload}
	case FrameResponse:
		ok := f.OK
		m = jsonMessage{Seq: f.Seq, OK: &ok, Result: f.Payload}
		if !ok {
			m.Error = &jsonError{Kind: f.ErrKind, Message: f.ErrMsg}
		}
	default:
		m = jsonMessage{Seq: f.Seq, Method: f.Name, Params: f.Payload}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("rpc: encode: %w", err)
	}
	b = append(b, '\n')
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("rpc: write: %w", err)
	}
	return nil
}

// ProtoCodec speaks protobuf frames, each prefixed with its length as a
// uvarint.
type ProtoCodec struct {
	r *bufio.Reader
	w io.Writer
}

func NewProtoCodec(r io.Reader, w io.Writer) *ProtoCodec {
	return &ProtoCodec{r: bufio.NewReader(r), w: w}
}

func (c *ProtoCodec) ReadFrame() (Frame, error) {
	size, err := binary.ReadUvarint(c.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("rpc: read length: %w", err)
	}
	if size > maxFrameBytes {
		return Frame{}, fmt.Errorf("rpc: frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Frame{}, fmt.Errorf("rpc: read frame: %w", err)
	}
	f, err := UnmarshalFrame(buf)
	if err != nil {
		return Frame{}, &DecodeError{Err: err}
	}
	return f, nil
}

func (c *ProtoCodec) WriteFrame(f Frame) error {
	body := MarshalFrame(f)
	buf := binary.AppendUvarint(make([]byte, 0, len(body)+binary.MaxVarintLen32), uint64(len(body)))
	buf = append(buf, body...)
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("rpc: write: %w", err)
	}
	return nil
}

// DecodeError reports a malformed frame. The stream stays usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "rpc: decode: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
