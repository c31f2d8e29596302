// Package rpc exposes a peripheral.Manager over a framed byte stream.
// Requests run concurrently; responses and events share one writer.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/chaz8081/blepd/internal/peripheral"
)

// Error kinds that do not come from the peripheral package.
const (
	KindUnknownMethod = "UnknownMethod"
	KindInternal      = "Internal"
)

// Server dispatches frames from a Codec to a Manager and pushes Manager
// events back as event frames. Pass the Server as the Manager's Listener.
type Server struct {
	codec Codec

	wmu sync.Mutex // serialises WriteFrame
	wg  sync.WaitGroup
}

func NewServer(codec Codec) *Server {
	return &Server{codec: codec}
}

// Compile-time check that Server implements peripheral.Listener.
var _ peripheral.Listener = (*Server)(nil)

type readResult struct {
	frame Frame
	err   error
}

// Serve reads requests until the stream ends or ctx is cancelled, then
// cancels and waits for in-flight requests. A clean end of input returns nil.
func (s *Server) Serve(ctx context.Context, m *peripheral.Manager) error {
	ctx, cancel := context.WithCancel(ctx)
	// Handlers blocked on a native callback give up once Serve returns.
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	frames := make(chan readResult)
	go func() {
		for {
			f, err := s.codec.ReadFrame()
			select {
			case frames <- readResult{f, err}:
			case <-ctx.Done():
				return
			}
			var de *DecodeError
			if err != nil && !errors.As(err, &de) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[RPC] Server stopping", "reason", ctx.Err())
			return ctx.Err()
		case r := <-frames:
			if r.err != nil {
				var de *DecodeError
				if errors.As(r.err, &de) {
					slog.Warn("[RPC] Malformed frame", "error", r.err)
					s.write(Frame{Type: FrameResponse, ErrKind: peripheral.InvalidArgument.String(), ErrMsg: r.err.Error()})
					continue
				}
				if errors.Is(r.err, io.EOF) {
					slog.Info("[RPC] Input closed")
					return nil
				}
				return r.err
			}
			if r.frame.Type != FrameRequest {
				slog.Warn("[RPC] Ignoring non-request frame", "type", r.frame.Type, "seq", r.frame.Seq)
				continue
			}
			s.wg.Add(1)
			go func(f Frame) {
				defer s.wg.Done()
				s.handle(ctx, m, f)
			}(r.frame)
		}
	}
}

func (s *Server) handle(ctx context.Context, m *peripheral.Manager, req Frame) {
	resp := Frame{Type: FrameResponse, Seq: req.Seq}
	h, ok := methods[req.Name]
	if !ok {
		resp.ErrKind = KindUnknownMethod
		resp.ErrMsg = "unknown method " + req.Name
		s.write(resp)
		return
	}

	slog.Debug("[RPC] Request", "seq", req.Seq, "method", req.Name)
	result, err := h(ctx, m, req.Payload)
	if err != nil {
		resp.ErrKind = errorKind(err)
		resp.ErrMsg = err.Error()
		slog.Debug("[RPC] Request failed", "seq", req.Seq, "method", req.Name, "kind", resp.ErrKind)
		s.write(resp)
		return
	}
	resp.OK = true
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			resp.OK = false
			resp.ErrKind = KindInternal
			resp.ErrMsg = err.Error()
		} else {
			resp.Payload = b
		}
	}
	s.write(resp)
}

// errorKind names the kind carried by err for the wire.
func errorKind(err error) string {
	if errors.Is(err, errInvalidParams) {
		return peripheral.InvalidArgument.String()
	}
	if k := peripheral.KindOf(err); k != peripheral.KindUnknown {
		return k.String()
	}
	return KindInternal
}

func (s *Server) write(f Frame) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.codec.WriteFrame(f); err != nil {
		slog.Error("[RPC] Write failed", "type", f.Type, "seq", f.Seq, "error", err)
	}
}

func (s *Server) push(name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("[RPC] Encode event", "event", name, "error", err)
		return
	}
	s.write(Frame{Type: FrameEvent, Name: name, Payload: b})
}

type writeEventParams struct {
	ID             int    `json:"id"`
	Device         string `json:"device"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Offset         int    `json:"offset"`
	Value          []byte `json:"value"`
}

type subscriptionEventParams struct {
	ID             int    `json:"id"`
	Device         string `json:"device"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

func (s *Server) OnWrite(e peripheral.WriteEvent) {
	s.push("onWrite", writeEventParams{
		ID:             e.ID,
		Device:         e.Device,
		Service:        e.ServiceUUID,
		Characteristic: e.CharacteristicUUID,
		Offset:         e.Offset,
		Value:          e.Value,
	})
}

func (s *Server) OnSubscribe(e peripheral.SubscriptionEvent) {
	s.push("onSubscribe", subscriptionParams(e))
}

func (s *Server) OnUnsubscribe(e peripheral.SubscriptionEvent) {
	s.push("onUnsubscribe", subscriptionParams(e))
}

func subscriptionParams(e peripheral.SubscriptionEvent) subscriptionEventParams {
	return subscriptionEventParams{
		ID:             e.ID,
		Device:         e.Device,
		Service:        e.ServiceUUID,
		Characteristic: e.CharacteristicUUID,
	}
}
