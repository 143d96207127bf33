// Package discovery lets modelpool servers announce themselves and lets
// clients find them, instead of hard-coding server addresses.
package discovery

import (
	"context"
	"sort"
)

// ServiceInstance is one reachable server for a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// Addresses returns the instance addresses sorted ascending, so every client
// sees the same primary/secondary order.
func Addresses(instances []ServiceInstance) []string {
	addrs := make([]string, 0, len(instances))
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		if inst.Addr == "" {
			continue
		}
		if _, dup := seen[inst.Addr]; dup {
			continue
		}
		seen[inst.Addr] = struct{}{}
		addrs = append(addrs, inst.Addr)
	}
	sort.Strings(addrs)
	return addrs
}
