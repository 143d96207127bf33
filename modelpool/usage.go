package modelpool

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// InactivityCycles is how many health-check intervals a client may stay
// silent before its usage is dropped.
const InactivityCycles = 3

// RecordUsage notes that clientID uses every pair in usages. Pairs are
// additive: a pair not repeated in later reports stays recorded until the
// client is evicted. The client's last-active time is refreshed even when
// usages is empty or already known.
//
// A pair that matches no registered model is kept in the index and logged;
// client and server model lists may legitimately differ for a while.
func (s *State) RecordUsage(clientID string, usages []UsageKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientLastActive[clientID] = s.now()

	known, ok := s.clientUsage[clientID]
	if !ok {
		known = make(map[UsageKey]struct{})
		s.clientUsage[clientID] = known
	}

	if len(usages) == 0 {
		s.log.WithField("client_id", clientID).Debug("Client sent an empty usage list, only refreshing last active time")
		return
	}

	for _, key := range usages {
		if _, seen := known[key]; seen {
			continue
		}
		known[key] = struct{}{}

		clients, ok := s.modelClients[key]
		if !ok {
			clients = make(map[string]struct{})
			s.modelClients[key] = clients
		}
		clients[clientID] = struct{}{}

		fields := logrus.Fields{
			"client_id": clientID,
			"base_url":  key.BaseURL,
			"model":     key.Model,
		}
		matches := s.byKey[key]
		if len(matches) == 0 {
			s.log.WithFields(fields).Warn("Client is using an unregistered model")
			continue
		}
		for _, e := range matches {
			e.usageCount = len(clients)
		}
		s.log.WithFields(fields).WithField("usage_count", len(clients)).Info("Client added model usage")
	}
}

// EvictInactive removes every client whose last report is older than
// InactivityCycles*interval relative to now, decrementing the usage count of
// each model it used. It returns the evicted client ids, sorted.
func (s *State) EvictInactive(now time.Time, interval time.Duration) []string {
	timeout := InactivityCycles * interval

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for clientID, lastActive := range s.clientLastActive {
		if now.Sub(lastActive) <= timeout {
			continue
		}

		for key := range s.clientUsage[clientID] {
			clients := s.modelClients[key]
			delete(clients, clientID)
			for _, e := range s.byKey[key] {
				e.usageCount = len(clients)
				s.log.WithFields(logrus.Fields{
					"client_id":   clientID,
					"base_url":    key.BaseURL,
					"model":       key.Model,
					"usage_count": e.usageCount,
				}).Info("Client timed out and was removed from model")
			}
			if len(clients) == 0 {
				delete(s.modelClients, key)
			}
		}

		delete(s.clientUsage, clientID)
		delete(s.clientLastActive, clientID)
		evicted = append(evicted, clientID)
		s.log.WithField("client_id", clientID).Info("Cleaned up timed-out client")
	}

	sort.Strings(evicted)
	return evicted
}
