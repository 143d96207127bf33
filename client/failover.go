package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"modelpool/message"
)

// addrState is the connection state of one configured address.
type addrState int

const (
	// stateUnestablished: a stub exists but no call has verified it yet.
	stateUnestablished addrState = iota
	// stateConnected: the stub answered its last verification.
	stateConnected
	// stateFailed: the stub failed verification during a full rebuild and is
	// skipped until the next one.
	stateFailed
)

func (s addrState) String() string {
	switch s {
	case stateUnestablished:
		return "unestablished"
	case stateConnected:
		return "connected"
	default:
		return "failed"
	}
}

type endpoint struct {
	addr  string
	state addrState
	stub  Stub // nil iff state == stateFailed
}

type candidate struct {
	index int
	addr  string
	stub  Stub
}

// CurrentAddress returns the address calls are currently sent to.
func (c *Client) CurrentAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.current].addr
}

// getAvailableStub returns a stub that just answered a probe: the current one
// if it still answers, else the first other usable address in configured
// order, else whatever a full rebuild produces.
func (c *Client) getAvailableStub(ctx context.Context) (Stub, string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, "", ErrClientClosed
	}
	gen := c.generation
	current := c.current
	candidates := c.candidatesLocked()
	c.mu.Unlock()

	for _, cand := range candidates {
		if err := c.probe(ctx, cand.stub, c.probeTimeout); err != nil {
			if cand.index == current {
				c.log.WithError(err).WithField("addr", cand.addr).Warn("Current address is unavailable, trying to switch")
			} else {
				c.log.WithError(err).WithField("addr", cand.addr).Warn("Address is unavailable")
			}
			continue
		}
		if c.promote(gen, cand) && cand.index != current {
			c.log.WithField("addr", cand.addr).Info("Switched to available address")
		}
		return cand.stub, cand.addr, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	c.log.Error("All stubs are unavailable, rebuilding every connection")
	return c.rebuildAll(ctx, gen)
}

// candidatesLocked lists usable stubs, current first, then the rest in
// configured order.
func (c *Client) candidatesLocked() []candidate {
	out := make([]candidate, 0, len(c.endpoints))
	add := func(i int) {
		ep := c.endpoints[i]
		if ep.state != stateFailed && ep.stub != nil {
			out = append(out, candidate{index: i, addr: ep.addr, stub: ep.stub})
		}
	}
	add(c.current)
	for i := range c.endpoints {
		if i != c.current {
			add(i)
		}
	}
	return out
}

// promote makes cand current unless a rebuild replaced the stubs meanwhile.
func (c *Client) promote(gen uint64, cand candidate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.endpoints[cand.index].stub != cand.stub {
		return false
	}
	c.endpoints[cand.index].state = stateConnected
	c.current = cand.index
	return true
}

// probe issues the cheap liveness call: GetModelList carrying only the client
// id, so no usage is recorded.
func (c *Client) probe(ctx context.Context, stub Stub, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := stub.GetModelList(probeCtx, &message.AvailableModelsRequest{ClientID: c.clientID})
	return err
}

// rebuildAll closes every stub, creates a fresh one per address and verifies
// each. Addresses that fail verification become stateFailed. The first
// verified address in configured order becomes current.
//
// gen is the generation the caller observed before deciding to rebuild. If a
// concurrent rebuild completed in between, its result is returned instead of
// rebuilding again.
func (c *Client) rebuildAll(ctx context.Context, gen uint64) (Stub, string, error) {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, "", ErrClientClosed
	}
	if c.generation != gen {
		defer c.mu.Unlock()
		ep := c.endpoints[c.current]
		if ep.state == stateConnected {
			return ep.stub, ep.addr, nil
		}
		return nil, "", ErrNoAvailableServer
	}
	old := c.detachStubs()
	c.mu.Unlock()

	c.closeStubs(old)

	rebuilt := make([]*endpoint, len(old))
	for i, prev := range old {
		stub := c.newStub(prev.addr)
		entry := c.log.WithField("addr", prev.addr)
		if err := c.probe(ctx, stub, c.rebuildTimeout); err != nil {
			entry.WithError(err).Error("Failed to rebuild connection")
			_ = stub.Close()
			rebuilt[i] = &endpoint{addr: prev.addr, state: stateFailed}
			continue
		}
		entry.Info("Rebuilt connection")
		rebuilt[i] = &endpoint{addr: prev.addr, state: stateConnected, stub: stub}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		for _, ep := range rebuilt {
			if ep.stub != nil {
				_ = ep.stub.Close()
			}
		}
		return nil, "", ErrClientClosed
	}

	c.endpoints = rebuilt
	c.generation++
	for i, ep := range rebuilt {
		if ep.state == stateConnected {
			c.current = i
			return ep.stub, ep.addr, nil
		}
	}
	c.log.Error("All connection rebuilds failed")
	return nil, "", ErrNoAvailableServer
}

// detachStubs marks every address failed and returns the previous endpoints,
// whose stubs the caller must close outside mu.
func (c *Client) detachStubs() []*endpoint {
	old := make([]*endpoint, len(c.endpoints))
	for i, ep := range c.endpoints {
		old[i] = &endpoint{addr: ep.addr, state: ep.state, stub: ep.stub}
		ep.stub = nil
		ep.state = stateFailed
	}
	return old
}

func (c *Client) closeStubs(eps []*endpoint) {
	for _, ep := range eps {
		if ep.stub == nil {
			continue
		}
		if err := ep.stub.Close(); err != nil {
			c.log.WithError(err).WithField("addr", ep.addr).Error("Failed to close stub")
			continue
		}
		c.log.WithFields(logrus.Fields{"addr": ep.addr, "state": ep.state}).Info("Closed stub")
	}
}
