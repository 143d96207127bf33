// Package client is the consumer side of the model registry: it keeps one stub
// per configured server address, fails over between them, and polls the
// available model list in the background.
//
// Failover is deliberately lazy. A server that stopped answering is assumed to
// stay down for a while, so the client only switches to the next address that
// still answers its probe. Every connection is torn down and rebuilt, as a
// unit, only when no address answers at all; an address that fails during
// that rebuild is skipped until the next full rebuild.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"modelpool/codec"
	"modelpool/message"
)

const (
	DefaultProbeTimeout   = 2 * time.Second
	DefaultCallTimeout    = 5 * time.Second
	DefaultRebuildTimeout = 5 * time.Second
	DefaultDialTimeout    = 2 * time.Second
	DefaultPollInterval   = 10 * time.Second
)

// DefaultAddresses is the primary/secondary pair used when none is configured.
var DefaultAddresses = []string{"localhost:50051", "localhost:50052"}

var (
	ErrNoAvailableServer = errors.New("client: no registry server available")
	ErrClientClosed      = errors.New("client: closed")
)

type Client struct {
	clientID string
	log      logrus.FieldLogger

	codec          codec.CodecType
	dialTimeout    time.Duration
	probeTimeout   time.Duration
	callTimeout    time.Duration
	rebuildTimeout time.Duration
	newStub        StubFactory

	// rebuildMu serializes full rebuilds; mu guards everything below it and is
	// never held across a network call.
	rebuildMu  sync.Mutex
	mu         sync.Mutex
	endpoints  []*endpoint
	current    int
	generation uint64
	closed     bool

	usageMu sync.Mutex
	usages  map[message.ModelUsage]struct{}

	modelsMu sync.RWMutex
	models   []message.Model

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

type Option func(*Client)

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func WithCodec(t codec.CodecType) Option {
	return func(c *Client) {
		c.codec = t
	}
}

// WithStubFactory replaces the RPC stub, for tests or other transports.
func WithStubFactory(f StubFactory) Option {
	return func(c *Client) {
		c.newStub = f
	}
}

func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithTimeouts overrides the probe, data-call and rebuild-verification
// timeouts. Zero keeps the default.
func WithTimeouts(probe, call, rebuild time.Duration) Option {
	return func(c *Client) {
		if probe > 0 {
			c.probeTimeout = probe
		}
		if call > 0 {
			c.callTimeout = call
		}
		if rebuild > 0 {
			c.rebuildTimeout = rebuild
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// New creates one stub per address without contacting any server. The first
// address is current until a probe says otherwise. Nil addresses means
// DefaultAddresses.
func New(addresses []string, opts ...Option) (*Client, error) {
	if len(addresses) == 0 {
		addresses = DefaultAddresses
	}

	c := &Client{
		clientID:       uuid.NewString(),
		log:            logrus.StandardLogger(),
		codec:          codec.CodecTypeJSON,
		dialTimeout:    DefaultDialTimeout,
		probeTimeout:   DefaultProbeTimeout,
		callTimeout:    DefaultCallTimeout,
		rebuildTimeout: DefaultRebuildTimeout,
		usages:         make(map[message.ModelUsage]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newStub == nil {
		c.newStub = newRPCStubFactory(c.codec, c.dialTimeout)
	}
	c.log = c.log.WithFields(logrus.Fields{"component": "modelpool-client", "client_id": c.clientID})

	seen := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		c.endpoints = append(c.endpoints, &endpoint{addr: addr, state: stateUnestablished, stub: c.newStub(addr)})
		c.log.WithField("addr", addr).Info("Created stub, verification deferred until first use")
	}
	if len(c.endpoints) == 0 {
		return nil, errors.New("client: no server address configured")
	}
	return c, nil
}

func (c *Client) ClientID() string {
	return c.clientID
}

// AddModelUsage declares that this client consumes (baseURL, model). The set
// is reported with every data call; adding a known pair is a no-op.
func (c *Client) AddModelUsage(baseURL, model string) {
	u := message.ModelUsage{BaseURL: baseURL, Model: model}

	c.usageMu.Lock()
	_, known := c.usages[u]
	c.usages[u] = struct{}{}
	c.usageMu.Unlock()

	if !known {
		c.log.WithFields(logrus.Fields{"base_url": baseURL, "model": model}).Info("Added model usage")
	}
}

// Usages returns the declared usage set sorted by base_url then model.
func (c *Client) Usages() []message.ModelUsage {
	c.usageMu.Lock()
	out := make([]message.ModelUsage, 0, len(c.usages))
	for u := range c.usages {
		out = append(out, u)
	}
	c.usageMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseURL != out[j].BaseURL {
			return out[i].BaseURL < out[j].BaseURL
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Models returns a copy of the last model list received.
func (c *Client) Models() []message.Model {
	c.modelsMu.RLock()
	defer c.modelsMu.RUnlock()
	return append([]message.Model(nil), c.models...)
}

// SetModels replaces the cached model list.
func (c *Client) SetModels(models []message.Model) {
	c.modelsMu.Lock()
	c.models = append([]message.Model(nil), models...)
	c.modelsMu.Unlock()
}

// GetAvailableModels reports the declared usages and returns the server's
// available models, caching them. The cache is left untouched on error.
func (c *Client) GetAvailableModels(ctx context.Context) ([]message.Model, error) {
	stub, addr, err := c.getAvailableStub(ctx)
	if err != nil {
		c.log.WithError(err).Error("Failed to get an available stub")
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	resp, err := stub.GetAvailableModels(callCtx, c.usageRequest())
	if err != nil {
		c.log.WithError(err).WithField("addr", addr).Error("Failed to get the model list")
		return nil, err
	}

	c.SetModels(resp.Models)
	return c.Models(), nil
}

// GetModelList reports the declared usages and returns every registered model
// regardless of status. The result is not cached.
func (c *Client) GetModelList(ctx context.Context) ([]message.Model, error) {
	stub, _, err := c.getAvailableStub(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	resp, err := stub.GetModelList(callCtx, c.usageRequest())
	if err != nil {
		return nil, err
	}
	return resp.Models, nil
}

func (c *Client) usageRequest() *message.AvailableModelsRequest {
	return &message.AvailableModelsRequest{
		ClientID:    c.clientID,
		ModelUsages: c.Usages(),
	}
}

// Close stops polling and closes every stub. It is safe to call more than once.
func (c *Client) Close() error {
	c.stopPolling()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stubs := c.detachStubs()
	c.mu.Unlock()

	c.closeStubs(stubs)
	c.log.Info("Client closed")
	return nil
}
