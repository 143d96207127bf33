package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"modelpool/codec"
	"modelpool/message"
	"modelpool/transport"
)

var errStubClosed = errors.New("client: stub closed")

// Stub is a handle on one registry server. Creating a stub never touches the
// network; the first call dials.
type Stub interface {
	GetModelList(ctx context.Context, req *message.AvailableModelsRequest) (*message.ModelListResponse, error)
	GetAvailableModels(ctx context.Context, req *message.AvailableModelsRequest) (*message.ModelListResponse, error)
	Close() error
}

// StubFactory creates a stub for addr.
type StubFactory func(addr string) Stub

// rpcStub holds at most one multiplexed transport to addr and redials when the
// previous connection died.
type rpcStub struct {
	addr        string
	codec       codec.CodecType
	dialTimeout time.Duration

	mu     sync.Mutex
	tr     *transport.ClientTransport
	closed bool
}

func newRPCStubFactory(codecType codec.CodecType, dialTimeout time.Duration) StubFactory {
	return func(addr string) Stub {
		return &rpcStub{addr: addr, codec: codecType, dialTimeout: dialTimeout}
	}
}

func (s *rpcStub) GetModelList(ctx context.Context, req *message.AvailableModelsRequest) (*message.ModelListResponse, error) {
	return s.call(ctx, message.MethodGetModelList, req)
}

func (s *rpcStub) GetAvailableModels(ctx context.Context, req *message.AvailableModelsRequest) (*message.ModelListResponse, error) {
	return s.call(ctx, message.MethodGetAvailableModels, req)
}

func (s *rpcStub) call(ctx context.Context, method string, req *message.AvailableModelsRequest) (*message.ModelListResponse, error) {
	tr, err := s.transport(ctx)
	if err != nil {
		return nil, err
	}
	resp := &message.ModelListResponse{}
	if err := tr.Call(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *rpcStub) transport(ctx context.Context) (*transport.ClientTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errStubClosed
	}
	if s.tr != nil && !s.tr.Closed() {
		return s.tr, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	tr, err := transport.Dial(dialCtx, s.addr, s.codec)
	if err != nil {
		return nil, err
	}
	s.tr = tr
	return tr, nil
}

// Close drops the connection. Calls on a closed stub fail without dialing.
func (s *rpcStub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.tr == nil {
		return nil
	}
	err := s.tr.Close()
	s.tr = nil
	return err
}
