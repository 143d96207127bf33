// Package server implements the RPC server: service registration, middleware
// chain, bounded parallel request processing, optional etcd self-registration,
// and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (bounded by the worker semaphore)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"modelpool/codec"
	"modelpool/discovery"
	"modelpool/message"
	"modelpool/middleware"
	"modelpool/protocol"
)

const (
	DefaultMaxWorkers = 10
	DefaultLeaseTTL   = 10 // seconds
)

const errShuttingDown = "rpc: server is shutting down"

var (
	ErrServiceNotFound = errors.New("rpc: service not found")
	ErrMethodNotFound  = errors.New("rpc: method not found")
)

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	serviceMap  map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	workers     *semaphore.Weighted
	log         logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool

	registry      discovery.Registry
	advertiseAddr string
	leaseTTL      int64
}

// Option configures a Server.
type Option func(*Server)

// WithMaxWorkers bounds the number of requests processed concurrently.
func WithMaxWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		s.log = log.WithField("component", "rpc-server")
	}
}

// WithDiscovery registers every service under advertiseAddr when serving
// starts and deregisters on shutdown. advertiseAddr differs from the listen
// address because ":50052" is not routable for other hosts.
func WithDiscovery(reg discovery.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// NewServer creates a new RPC server with an empty service map.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		workers:    semaphore.NewWeighted(DefaultMaxWorkers),
		log:        logrus.StandardLogger().WithField("component", "rpc-server"),
		conns:      make(map[net.Conn]struct{}),
		leaseTTL:   DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers a service receiver (e.g. a *service.ModelPoolService).
// Its exported methods with the signature func(*Args, *Reply) error become callable.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if len(svc.method) == 0 {
		return fmt.Errorf("rpc: type %s has no exported methods of suitable type", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	svr.log.WithField("service", svc.name).Infof("Registered service with %d methods", len(svc.method))
	return nil
}

// Use registers a middleware. Middlewares run in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and handles connections until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener handles connections accepted from lis until Shutdown.
func (svr *Server) ServeListener(lis net.Listener) error {
	// Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.mu.Lock()
	svr.listener = lis
	svr.mu.Unlock()

	svr.log.WithField("addr", lis.Addr().String()).Info("RPC server listening")

	if svr.registry != nil && svr.advertiseAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for serviceName := range svr.serviceMap {
			err := svr.registry.Register(ctx, serviceName, discovery.ServiceInstance{Addr: svr.advertiseAddr}, svr.leaseTTL)
			if err != nil {
				// Discovery is optional; clients may still use static addresses.
				svr.log.WithError(err).WithField("service", serviceName).Warn("Failed to register service in discovery")
			}
		}
		cancel()
	}

	for {
		conn, err := lis.Accept()
		if err != nil {
			// listener.Close() during Shutdown surfaces here.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if !svr.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before serving starts.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) trackConn(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrackConn(conn net.Conn) {
	svr.mu.Lock()
	delete(svr.conns, conn)
	svr.mu.Unlock()
}

// handleConn runs the read loop of one connection. Reads are sequential to
// keep frame boundaries; each request is dispatched to its own goroutine.
// writeMu is shared by those goroutines so response frames never interleave.
// Once shutdown begins, the next request is refused and the loop stops; the
// connection stays open until this connection's in-flight replies are written.
func (svr *Server) handleConn(conn net.Conn) {
	writeMu := &sync.Mutex{}
	var pending sync.WaitGroup
	defer func() {
		pending.Wait()
		svr.untrackConn(conn)
		_ = conn.Close()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !svr.shutdown.Load() {
				svr.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("Connection closed")
			}
			return
		}

		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		if !svr.beginRequest() {
			svr.writeReply(conn, writeMu, header, &message.RPCMessage{Error: errShuttingDown})
			return
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			svr.handleRequest(header, body, conn, writeMu)
		}()
	}
}

// beginRequest counts a request as in flight unless shutdown has started.
// The check and the Add share mu with Shutdown, so no Add can follow Wait.
func (svr *Server) beginRequest() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// handleRequest decodes, runs the middleware chain, encodes, and writes back.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	ctx := context.Background()
	if err := svr.workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer svr.workers.Release(1)

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}

	var reply *message.RPCMessage
	if err := c.Decode(body, &msg); err != nil {
		reply = &message.RPCMessage{Error: "malformed request: " + err.Error()}
	} else {
		reply = svr.handler(ctx, &msg)
	}
	svr.writeReply(conn, writeMu, header, reply)
}

// writeReply encodes reply with the request's codec and writes it under writeMu.
func (svr *Server) writeReply(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, reply *message.RPCMessage) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	result, err := c.Encode(reply)
	if err != nil {
		svr.log.WithError(err).WithField("method", reply.ServiceMethod).Error("Failed to encode reply")
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.log.WithError(err).WithField("method", reply.ServiceMethod).Warn("Failed to write reply")
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery so clients stop picking this server
//  2. Set the shutdown flag, then close the listener
//  3. Wait for in-flight requests (bounded by timeout)
//  4. Close remaining client connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil && svr.advertiseAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for serviceName := range svr.serviceMap {
			if err := svr.registry.Deregister(ctx, serviceName, svr.advertiseAddr); err != nil {
				svr.log.WithError(err).WithField("service", serviceName).Warn("Failed to deregister service")
			}
		}
		cancel()
	}

	// The flag must be set before Close so Serve sees the Accept error as
	// intentional, and under mu so beginRequest cannot Add after Wait starts.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	lis := svr.listener
	svr.mu.Unlock()
	if lis != nil {
		_ = lis.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		_ = conn.Close()
	}
	svr.mu.Unlock()

	return err
}

// businessHandler dispatches a request to the registered service method.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply)
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, err := message.SplitServiceMethod(req.ServiceMethod)
	if err != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}

	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: fmt.Sprintf("%v: %s", ErrServiceNotFound, serviceName)}
	}
	method, ok := svc.method[methodName]
	if !ok {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: fmt.Sprintf("%v: %s", ErrMethodNotFound, req.ServiceMethod)}
	}

	argv := method.newArgv()
	replyv := method.newReplyv()

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
		}
	}

	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	if methodErr := svc.call(method, argv, replyv); methodErr != nil {
		resp.Error = methodErr.Error()
		return resp
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		resp.Error = "failed to marshal reply: " + err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}
