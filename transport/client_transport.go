// Package transport implements the client side of one multiplexed connection.
//
// ClientTransport lets many concurrent calls share a single TCP connection. Each
// request gets a sequence number, and a background recvLoop reads responses and
// routes them to the waiting caller through a per-request channel.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] ← goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"modelpool/codec"
	"modelpool/message"
	"modelpool/protocol"
)

const DefaultHeartbeatInterval = 30 * time.Second

// closedMethod marks responses synthesized locally when the connection drops.
const closedMethod = "transport.closed"

// ErrTransportClosed is returned by calls on a transport whose connection is gone.
var ErrTransportClosed = errors.New("transport: connection closed")

// RemoteError is an error reported by the server-side handler.
type RemoteError struct {
	ServiceMethod string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error: %s: %s", e.ServiceMethod, e.Message)
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // guarded by sending
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	sending sync.Mutex // one frame on the wire at a time

	closeOnce sync.Once
	done      chan struct{}
	err       error // why the transport closed, set before done is closed
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(DefaultHeartbeatInterval)
	return t
}

// Dial connects to addr and returns a ready transport.
func Dial(ctx context.Context, addr string, codecType codec.CodecType) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, codecType), nil
}

// Send serializes args and writes a request frame. The returned channel
// receives exactly one response, or a synthetic error message if the
// connection breaks first.
func (t *ClientTransport) Send(serviceMethod string, args any) (uint32, <-chan *message.RPCMessage, error) {
	select {
	case <-t.done:
		return 0, nil, t.closedErr()
	default:
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, err
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register before writing so recvLoop can never see a response it cannot route.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)
	if t.Closed() {
		t.pending.Delete(seq)
		return 0, nil, t.closedErr()
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.shutdown(err)
		return 0, nil, err
	}

	return seq, respChan, nil
}

// Call sends a request and waits for its reply, honouring ctx. On a deadline
// the pending slot is dropped and a late response is discarded.
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	seq, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.ServiceMethod == closedMethod {
			return fmt.Errorf("%w: %s", ErrTransportClosed, resp.Error)
		}
		if resp.Error != "" {
			return &RemoteError{ServiceMethod: serviceMethod, Message: resp.Error}
		}
		if reply == nil {
			return nil
		}
		return json.Unmarshal(resp.Payload, reply)
	case <-ctx.Done():
		t.pending.Delete(seq)
		return ctx.Err()
	}
}

// Close tears down the connection and fails every pending call.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrTransportClosed)
	return nil
}

// Closed reports whether the connection is gone.
func (t *ClientTransport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *ClientTransport) closedErr() error {
	if t.err != nil && !errors.Is(t.err, ErrTransportClosed) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, t.err)
	}
	return ErrTransportClosed
}

func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.err = cause
		close(t.done)
		_ = t.conn.Close()
		t.closeAllPending(cause)
	})
}

// recvLoop is the single reader of the connection; frame boundaries can only
// be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			resp = message.RPCMessage{Error: "undecodable response: " + err.Error()}
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- &resp
		}
	}
}

// closeAllPending wakes every waiting caller with an error so none block forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan *message.RPCMessage) <- &message.RPCMessage{ServiceMethod: closedMethod, Error: err.Error()}
		}
		return true
	})
}

// heartbeatLoop writes empty heartbeat frames so idle connections stay open.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}
