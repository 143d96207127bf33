package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelpool/message"
)

var errDown = errors.New("fake: server down")

type fakeStub struct {
	addr      string
	healthy   atomic.Bool
	closed    atomic.Bool
	probes    atomic.Int32
	dataCalls atomic.Int32

	mu      sync.Mutex
	lastReq *message.AvailableModelsRequest
	models  []message.Model
}

func (s *fakeStub) GetModelList(ctx context.Context, req *message.AvailableModelsRequest) (*message.ModelListResponse, error) {
	s.probes.Add(1)
	if s.closed.Load() || !s.healthy.Load() {
		return nil, errDown
	}
	return &message.ModelListResponse{Models: s.models}, nil
}

func (s *fakeStub) GetAvailableModels(ctx context.Context, req *message.AvailableModelsRequest) (*message.ModelListResponse, error) {
	s.dataCalls.Add(1)
	if s.closed.Load() || !s.healthy.Load() {
		return nil, errDown
	}
	s.mu.Lock()
	s.lastReq = req
	s.mu.Unlock()
	return &message.ModelListResponse{Models: s.models}, nil
}

func (s *fakeStub) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeCluster creates fakeStubs whose initial health comes from up[addr].
type fakeCluster struct {
	mu      sync.Mutex
	up      map[string]bool
	created map[string][]*fakeStub
}

func newFakeCluster(up map[string]bool) *fakeCluster {
	return &fakeCluster{up: up, created: make(map[string][]*fakeStub)}
}

func (f *fakeCluster) factory(addr string) Stub {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStub{addr: addr, models: []message.Model{{Name: "from-" + addr, Status: "available"}}}
	s.healthy.Store(f.up[addr])
	f.created[addr] = append(f.created[addr], s)
	return s
}

func (f *fakeCluster) setUp(addr string, up bool) {
	f.mu.Lock()
	f.up[addr] = up
	f.mu.Unlock()
}

// latest returns the most recent stub created for addr.
func (f *fakeCluster) latest(addr string) *fakeStub {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.created[addr]
	return list[len(list)-1]
}

func (f *fakeCluster) createdCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[addr])
}

func newTestClient(t *testing.T, cluster *fakeCluster, addrs ...string) *Client {
	t.Helper()
	log, _ := test.NewNullLogger()
	c, err := New(addrs, WithStubFactory(cluster.factory), WithLogger(log),
		WithTimeouts(100*time.Millisecond, 200*time.Millisecond, 200*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewIsLazyAndDeduplicates(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{})
	c := newTestClient(t, cluster, "a", "b", "a", "")

	assert.Equal(t, 1, cluster.createdCount("a"))
	assert.Equal(t, 1, cluster.createdCount("b"))
	assert.Zero(t, cluster.latest("a").probes.Load())
	assert.Equal(t, "a", c.CurrentAddress())
	assert.NotEmpty(t, c.ClientID())
}

func TestNewDefaultsAddresses(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{})
	c := newTestClient(t, cluster)

	assert.Equal(t, DefaultAddresses[0], c.CurrentAddress())
	assert.Equal(t, 1, cluster.createdCount(DefaultAddresses[1]))
}

func TestCurrentAddressIsReused(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": true, "b": true})
	c := newTestClient(t, cluster, "a", "b")

	for i := 0; i < 3; i++ {
		stub, addr, err := c.getAvailableStub(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", addr)
		assert.Same(t, cluster.latest("a"), stub)
	}
	assert.Zero(t, cluster.latest("b").probes.Load())
}

func TestFailoverSwitchesWithoutRebuild(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": false, "b": true})
	c := newTestClient(t, cluster, "a", "b")

	for i := 0; i < 5; i++ {
		_, addr, err := c.getAvailableStub(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "b", addr)
	}

	assert.Equal(t, "b", c.CurrentAddress())
	assert.Equal(t, 1, cluster.createdCount("a"), "no rebuild while b is healthy")
	assert.Equal(t, 1, cluster.createdCount("b"))
	assert.EqualValues(t, 1, cluster.latest("a").probes.Load(), "a is only probed before the first switch")
}

func TestFailedAddressIsProbedAgainBeforeRebuild(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": true, "b": true})
	c := newTestClient(t, cluster, "a", "b")
	a0, b0 := cluster.latest("a"), cluster.latest("b")

	a0.healthy.Store(false)
	_, addr, err := c.getAvailableStub(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", addr)

	// Outside a rebuild a failing stub stays usable, so once a recovers and b
	// fails the client switches back without rebuilding.
	a0.healthy.Store(true)
	b0.healthy.Store(false)
	_, addr, err = c.getAvailableStub(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", addr)
	assert.Equal(t, 1, cluster.createdCount("a"))
}

func TestFullRebuildWhenAllFail(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": false, "b": false})
	c := newTestClient(t, cluster, "a", "b")
	a0, b0 := cluster.latest("a"), cluster.latest("b")

	// After the rebuild only a answers.
	cluster.setUp("a", true)
	stub, addr, err := c.getAvailableStub(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "a", addr)
	assert.Equal(t, "a", c.CurrentAddress())
	assert.Equal(t, 2, cluster.createdCount("a"))
	assert.Equal(t, 2, cluster.createdCount("b"))
	assert.True(t, a0.closed.Load())
	assert.True(t, b0.closed.Load())
	assert.Same(t, cluster.latest("a"), stub)

	a1, b1 := cluster.latest("a"), cluster.latest("b")
	assert.True(t, b1.closed.Load(), "a stub that failed verification is closed")
	require.EqualValues(t, 1, b1.probes.Load())

	// b recovering does not matter: it stays failed until the next rebuild.
	b1.healthy.Store(true)
	for i := 0; i < 3; i++ {
		_, addr, err = c.getAvailableStub(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", addr)
	}
	assert.EqualValues(t, 1, b1.probes.Load())

	// a fails and b is marked failed: the pool is exhausted, so rebuild again.
	a1.healthy.Store(false)
	cluster.setUp("a", false)
	cluster.setUp("b", true)
	_, addr, err = c.getAvailableStub(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", addr)
	assert.Equal(t, 3, cluster.createdCount("a"))
	assert.Equal(t, 3, cluster.createdCount("b"))
	assert.EqualValues(t, 1, b1.probes.Load())
}

func TestRebuildFailsEverywhere(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": false, "b": false})
	c := newTestClient(t, cluster, "a", "b")
	c.SetModels([]message.Model{{Name: "cached"}})

	models, err := c.GetAvailableModels(context.Background())
	assert.ErrorIs(t, err, ErrNoAvailableServer)
	assert.Nil(t, models)
	assert.Equal(t, []message.Model{{Name: "cached"}}, c.Models(), "cache kept on failure")

	// Every address is failed now; the next call goes straight to a rebuild.
	_, _, err = c.getAvailableStub(context.Background())
	assert.ErrorIs(t, err, ErrNoAvailableServer)
	assert.Equal(t, 3, cluster.createdCount("a"))
}

func TestConcurrentCallersShareOneRebuild(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": false, "b": false})
	c := newTestClient(t, cluster, "a", "b")
	cluster.setUp("a", true)
	cluster.setUp("b", true)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, addr, err := c.getAvailableStub(context.Background())
			if err == nil && addr != "a" {
				err = errors.New("unexpected address " + addr)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, cluster.createdCount("a"), "exactly one rebuild")
	assert.Equal(t, 2, cluster.createdCount("b"))
}

func TestGetAvailableModelsReportsUsage(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": true})
	c := newTestClient(t, cluster, "a")
	c.AddModelUsage("http://h/v1", "/models/X")
	c.AddModelUsage("http://h/v1", "/models/X")
	c.AddModelUsage("http://a/v1", "/models/Y")

	models, err := c.GetAvailableModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "from-a", models[0].Name)
	assert.Equal(t, models, c.Models())

	stub := cluster.latest("a")
	stub.mu.Lock()
	req := stub.lastReq
	stub.mu.Unlock()
	require.NotNil(t, req)
	assert.Equal(t, c.ClientID(), req.ClientID)
	assert.Equal(t, []message.ModelUsage{
		{BaseURL: "http://a/v1", Model: "/models/Y"},
		{BaseURL: "http://h/v1", Model: "/models/X"},
	}, req.ModelUsages)
}

func TestModelsReturnsCopy(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{})
	c := newTestClient(t, cluster, "a")
	c.SetModels([]message.Model{{Name: "m1"}})

	got := c.Models()
	got[0].Name = "changed"
	assert.Equal(t, "m1", c.Models()[0].Name)
}

func TestPollingRefreshesAndStopsOnClose(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": true})
	c := newTestClient(t, cluster, "a")

	c.Start(20 * time.Millisecond)
	c.Start(20 * time.Millisecond)

	stub := cluster.latest("a")
	require.Eventually(t, func() bool { return stub.dataCalls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.Len(t, c.Models(), 1)

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	assert.True(t, stub.closed.Load())
	calls := stub.dataCalls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, stub.dataCalls.Load(), "no polling after Close")
}

func TestPollingSurvivesErrors(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": false})
	c := newTestClient(t, cluster, "a")

	c.Start(20 * time.Millisecond)
	require.Eventually(t, func() bool { return cluster.createdCount("a") >= 3 }, 2*time.Second, 5*time.Millisecond)

	cluster.setUp("a", true)
	require.Eventually(t, func() bool { return len(c.Models()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	cluster := newFakeCluster(map[string]bool{"a": true, "b": true})
	c := newTestClient(t, cluster, "a", "b")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.True(t, cluster.latest("a").closed.Load())
	assert.True(t, cluster.latest("b").closed.Load())

	_, _, err := c.getAvailableStub(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = c.GetAvailableModels(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}
