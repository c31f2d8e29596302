package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMarshalFrameRequest(t *testing.T) {
	got := MarshalFrame(Frame{Type: FrameRequest, Seq: 5, Name: "list", Payload: json.RawMessage(`{}`)})
	// Field 1 (varint): tag=0x08, 5
	// Field 2 (string): tag=0x12, len=4, "list"
	// Field 3 (bytes):  tag=0x1a, len=2, "{}"
	// Field 7 omitted for requests
	want := []byte{0x08, 0x05, 0x12, 0x04, 'l', 'i', 's', 't', 0x1a, 0x02, '{', '}'}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalFrame() = %x, want %x", got, want)
	}
}

func TestMarshalFrameErrorResponse(t *testing.T) {
	got := MarshalFrame(Frame{Type: FrameResponse, Seq: 1, ErrKind: "NotFound"})
	want := []byte{0x08, 0x01, 0x2a, 0x08}
	want = append(want, "NotFound"...)
	want = append(want, 0x38, 0x01)
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalFrame() = %x, want %x", got, want)
	}
}

func TestUnmarshalFrame(t *testing.T) {
	in := Frame{
		Type:    FrameEvent,
		Name:    "onWrite",
		Payload: json.RawMessage(`{"id":1}`),
	}
	got, err := UnmarshalFrame(MarshalFrame(in))
	if err != nil {
		t.Fatalf("UnmarshalFrame() error = %v", err)
	}
	if got.Type != FrameEvent || got.Name != "onWrite" || string(got.Payload) != `{"id":1}` {
		t.Errorf("UnmarshalFrame() = %+v", got)
	}
}

func TestUnmarshalFrameSkipsUnknownFields(t *testing.T) {
	// Field 9 (fixed32) followed by field 4 (ok=true).
	data := []byte{0x4d, 0x01, 0x02, 0x03, 0x04, 0x20, 0x01}
	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame() error = %v", err)
	}
	if !got.OK {
		t.Error("OK = false, want true")
	}
}

func TestUnmarshalFrameTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated tag", []byte{0x80}},
		{"truncated varint", []byte{0x08, 0x80}},
		{"length exceeds data", []byte{0x12, 0x05, 'a'}},
		{"bad frame type", []byte{0x38, 0x09}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalFrame(tt.data); err == nil {
				t.Error("UnmarshalFrame() should fail")
			}
		})
	}
}

func TestJSONCodecRead(t *testing.T) {
	input := `{"seq":1,"method":"createPeripheral","params":{"id":0}}

{"seq":2,"ok":false,"error":{"kind":"NotFound","message":"gone"}}
{"event":"onSubscribe","params":{"id":0}}
`
	c := NewJSONCodec(strings.NewReader(input), io.Discard)

	f, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Type != FrameRequest || f.Seq != 1 || f.Name != "createPeripheral" || string(f.Payload) != `{"id":0}` {
		t.Errorf("request frame = %+v", f)
	}

	f, err = c.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Type != FrameResponse || f.OK || f.ErrKind != "NotFound" || f.ErrMsg != "gone" {
		t.Errorf("response frame = %+v", f)
	}

	f, err = c.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Type != FrameEvent || f.Name != "onSubscribe" {
		t.Errorf("event frame = %+v", f)
	}

	if _, err := c.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestJSONCodecMalformedLine(t *testing.T) {
	c := NewJSONCodec(strings.NewReader("not json\n{\"seq\":3,\"method\":\"list\"}\n"), io.Discard)
	_, err := c.ReadFrame()
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("ReadFrame() error = %v, want *DecodeError", err)
	}
	f, err := c.ReadFrame()
	if err != nil || f.Seq != 3 {
		t.Errorf("ReadFrame() after bad line = %+v, %v", f, err)
	}
}

func TestJSONCodecWrite(t *testing.T) {
	var buf bytes.Buffer
	c := NewJSONCodec(strings.NewReader(""), &buf)

	frames := []Frame{
		{Type: FrameResponse, Seq: 1, OK: true},
		{Type: FrameResponse, Seq: 2, ErrKind: "NotReady", ErrMsg: "radio off"},
		{Type: FrameEvent, Name: "onWrite", Payload: json.RawMessage(`{"value":"AEg="}`)},
	}
	for _, f := range frames {
		if err := c.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	want := `{"seq":1,"ok":true}
{"seq":2,"ok":false,"error":{"kind":"NotReady","message":"radio off"}}
{"event":"onWrite","params":{"value":"AEg="}}
`
	if buf.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestProtoCodecStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewProtoCodec(strings.NewReader(""), &buf)
	frames := []Frame{
		{Type: FrameRequest, Seq: 1, Name: "list"},
		{Type: FrameResponse, Seq: 1, OK: true, Payload: json.RawMessage(`{"ids":[]}`)},
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}
	// Length prefix of the first frame: 2 (seq) + 6 (name).
	if buf.Bytes()[0] != 8 {
		t.Errorf("first length prefix = %d, want 8", buf.Bytes()[0])
	}

	r := NewProtoCodec(&buf, io.Discard)
	for i, want := range frames {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() #%d error = %v", i, err)
		}
		if got.Type != want.Type || got.Seq != want.Seq || got.Name != want.Name || got.OK != want.OK || string(got.Payload) != string(want.Payload) {
			t.Errorf("ReadFrame() #%d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestProtoCodecRejectsOversizedFrame(t *testing.T) {
	// uvarint 0x200000 = 2 MiB
	r := NewProtoCodec(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x01}), io.Discard)
	if _, err := r.ReadFrame(); err == nil {
		t.Error("ReadFrame() should reject a frame above the limit")
	}
}

func TestNewCodec(t *testing.T) {
	for _, name := range []string{"", CodecJSON, CodecProto} {
		if _, err := NewCodec(name, strings.NewReader(""), io.Discard); err != nil {
			t.Errorf("NewCodec(%q) error = %v", name, err)
		}
	}
	if _, err := NewCodec("xml", strings.NewReader(""), io.Discard); err == nil {
		t.Error("NewCodec(xml) should fail")
	}
}
