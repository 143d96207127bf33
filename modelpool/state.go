package modelpool

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the canonical model list plus the client usage index.
//
// Invariants, held whenever mu is released:
//   - client X is in modelClients[k] iff k is in clientUsage[X]
//   - clientUsage, clientLastActive have identical key sets
//   - every entry's usageCount == len(modelClients[entry.spec.Key()])
type State struct {
	mu      sync.Mutex
	entries []*entry
	byKey   map[UsageKey][]*entry

	clientUsage      map[string]map[UsageKey]struct{}
	modelClients     map[UsageKey]map[string]struct{}
	clientLastActive map[string]time.Time

	now func() time.Time
	log logrus.FieldLogger
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger used for usage and eviction events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *State) {
		s.log = log.WithField("component", "model-registry")
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// NewState registers specs in order, each starting with status unknown.
func NewState(specs []ModelSpec, opts ...Option) *State {
	s := &State{
		entries:          make([]*entry, 0, len(specs)),
		byKey:            make(map[UsageKey][]*entry, len(specs)),
		clientUsage:      make(map[string]map[UsageKey]struct{}),
		modelClients:     make(map[UsageKey]map[string]struct{}),
		clientLastActive: make(map[string]time.Time),
		now:              time.Now,
		log:              logrus.StandardLogger().WithField("component", "model-registry"),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, spec := range specs {
		e := &entry{spec: spec, status: StatusUnknown}
		s.entries = append(s.entries, e)
		s.byKey[spec.Key()] = append(s.byKey[spec.Key()], e)
	}
	return s
}

// Len returns the number of registered models.
func (s *State) Len() int {
	return len(s.entries) // entries never changes after NewState
}

// Specs returns the identity of every model, in configured order.
func (s *State) Specs() []ModelSpec {
	specs := make([]ModelSpec, len(s.entries))
	for i, e := range s.entries {
		specs[i] = e.spec
	}
	return specs
}

// Snapshot returns every model in configured order.
func (s *State) Snapshot() []Model {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Model, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.snapshot()
	}
	return out
}

// Available returns the models whose status is available, sorted ascending by
// load. Equal loads keep configured order.
func (s *State) Available() []Model {
	s.mu.Lock()
	out := make([]Model, 0, len(s.entries))
	for _, e := range s.entries {
		if e.status == StatusAvailable {
			out = append(out, e.snapshot())
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Load < out[j].Load
	})
	return out
}

// HealthUpdate is the probe outcome for the model at Index in Specs order.
type HealthUpdate struct {
	Index  int
	Status Status
	Load   float64
}

// ApplyHealth commits probe results computed outside the lock in one short
// critical section. Out-of-range indexes are ignored.
func (s *State) ApplyHealth(updates []HealthUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if u.Index < 0 || u.Index >= len(s.entries) {
			continue
		}
		e := s.entries[u.Index]
		e.status = u.Status
		e.load = u.Load
	}
}

// UsageReport is a copy of the usage index, for logging.
type UsageReport struct {
	ClientUsage  map[string][]UsageKey
	ModelClients map[UsageKey][]string
	LastActive   map[string]time.Time
}

// UsageReport copies the three usage maps with sorted members.
func (s *State) UsageReport() UsageReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := UsageReport{
		ClientUsage:  make(map[string][]UsageKey, len(s.clientUsage)),
		ModelClients: make(map[UsageKey][]string, len(s.modelClients)),
		LastActive:   make(map[string]time.Time, len(s.clientLastActive)),
	}
	for id, keys := range s.clientUsage {
		list := make([]UsageKey, 0, len(keys))
		for k := range keys {
			list = append(list, k)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].String() < list[j].String() })
		r.ClientUsage[id] = list
	}
	for k, ids := range s.modelClients {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		r.ModelClients[k] = list
	}
	for id, ts := range s.clientLastActive {
		r.LastActive[id] = ts
	}
	return r
}

// ActiveClients returns the number of clients currently tracked.
func (s *State) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clientLastActive)
}
