package client

import (
	"context"

	"github.com/sirupsen/logrus"

	"modelpool/discovery"
	"modelpool/message"
)

// ResolveAddresses returns the registry servers announced in reg, sorted so
// every client agrees on the primary. It returns fallback when discovery fails
// or finds nothing.
func ResolveAddresses(ctx context.Context, reg discovery.Registry, fallback []string, log logrus.FieldLogger) []string {
	instances, err := reg.Discover(ctx, message.ModelPoolServiceName)
	if err != nil {
		log.WithError(err).Warn("Service discovery failed, using configured addresses")
		return fallback
	}
	addrs := discovery.Addresses(instances)
	if len(addrs) == 0 {
		log.Warn("No servers registered in discovery, using configured addresses")
		return fallback
	}
	log.WithField("addresses", addrs).Info("Resolved servers from discovery")
	return addrs
}
