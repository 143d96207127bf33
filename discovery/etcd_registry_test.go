package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLocalRegistry connects to an etcd on localhost, skipping when none answers.
func newLocalRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()

	reg, err := NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "127.0.0.1:2379"); err != nil {
		_ = reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newLocalRegistry(t)
	ctx := context.Background()
	const svc = "ModelPoolServiceTest"

	inst1 := ServiceInstance{Addr: "127.0.0.1:50051"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:50052"}
	require.NoError(t, reg.Register(ctx, svc, inst1, 10))
	require.NoError(t, reg.Register(ctx, svc, inst2, 10))
	t.Cleanup(func() {
		_ = reg.Deregister(ctx, svc, inst1.Addr)
		_ = reg.Deregister(ctx, svc, inst2.Addr)
	})

	instances, err := reg.Discover(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, []string{inst1.Addr, inst2.Addr}, Addresses(instances))

	require.NoError(t, reg.Deregister(ctx, svc, inst1.Addr))

	instances, err = reg.Discover(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, []string{inst2.Addr}, Addresses(instances))
}

func TestAddressesSortsAndDeduplicates(t *testing.T) {
	got := Addresses([]ServiceInstance{
		{Addr: "10.0.0.2:50052"},
		{Addr: ""},
		{Addr: "10.0.0.1:50051"},
		{Addr: "10.0.0.2:50052"},
	})
	assert.Equal(t, []string{"10.0.0.1:50051", "10.0.0.2:50052"}, got)
}

func TestWatchSeesRegistration(t *testing.T) {
	reg := newLocalRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const svc = "ModelPoolServiceWatchTest"

	updates := reg.Watch(ctx, svc)
	time.Sleep(200 * time.Millisecond) // let the watch attach
	inst := ServiceInstance{Addr: "127.0.0.1:50053"}
	require.NoError(t, reg.Register(ctx, svc, inst, 10))
	t.Cleanup(func() { _ = reg.Deregister(context.Background(), svc, inst.Addr) })

	select {
	case instances := <-updates:
		assert.Equal(t, []string{inst.Addr}, Addresses(instances))
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update after register")
	}

	cancel()
	for range updates {
	}
}
