package modelpool

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkInvariants verifies the usage index against the model list.
func (s *State) checkInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, keys := range s.clientUsage {
		if _, ok := s.clientLastActive[id]; !ok {
			return fmt.Errorf("client %s has usage but no last-active time", id)
		}
		for k := range keys {
			if _, ok := s.modelClients[k][id]; !ok {
				return fmt.Errorf("client %s uses %s but is missing from the reverse index", id, k)
			}
		}
	}
	if len(s.clientUsage) != len(s.clientLastActive) {
		return fmt.Errorf("clientUsage has %d clients, clientLastActive has %d", len(s.clientUsage), len(s.clientLastActive))
	}
	for k, ids := range s.modelClients {
		for id := range ids {
			if _, ok := s.clientUsage[id][k]; !ok {
				return fmt.Errorf("reverse index lists %s for %s but the client does not", id, k)
			}
		}
	}
	for _, e := range s.entries {
		if want := len(s.modelClients[e.spec.Key()]); e.usageCount != want {
			return fmt.Errorf("model %s usage_count=%d, reverse index has %d", e.spec.Name, e.usageCount, want)
		}
	}
	return nil
}

func usageCount(t *testing.T, s *State, name string) int {
	t.Helper()
	for _, m := range s.Snapshot() {
		if m.Name == name {
			return m.UsageCount
		}
	}
	t.Fatalf("model %s not found", name)
	return 0
}

func TestUsageScenario(t *testing.T) {
	clock := newFakeClock()
	spec := ModelSpec{Name: "m1", ModelType: "chat", Model: "/models/X", BaseURL: "http://h/v1"}
	s := NewState([]ModelSpec{spec}, WithLogger(quietLogger()), WithClock(clock.Now))
	interval := 10 * time.Second

	s.RecordUsage("A", []UsageKey{spec.Key()})
	assert.Equal(t, 1, usageCount(t, s, "m1"))

	clock.Advance(20 * time.Second)
	s.RecordUsage("B", []UsageKey{spec.Key()})
	assert.Equal(t, 2, usageCount(t, s, "m1"))

	// A has been silent 31s > 3*10s; B only 11s.
	clock.Advance(11 * time.Second)
	evicted := s.EvictInactive(clock.Now(), interval)

	assert.Equal(t, []string{"A"}, evicted)
	assert.Equal(t, 1, usageCount(t, s, "m1"))
	require.NoError(t, s.checkInvariants())

	report := s.UsageReport()
	assert.NotContains(t, report.ClientUsage, "A")
	assert.NotContains(t, report.LastActive, "A")
	assert.Equal(t, []string{"B"}, report.ModelClients[spec.Key()])
}

func TestRecordUsageIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	s := NewState(testSpecs(), WithLogger(quietLogger()), WithClock(clock.Now))
	usages := []UsageKey{testSpecs()[0].Key(), testSpecs()[1].Key()}

	s.RecordUsage("A", usages)
	first := s.UsageReport()
	firstSnap := s.Snapshot()

	clock.Advance(5 * time.Second)
	s.RecordUsage("A", usages)
	second := s.UsageReport()

	assert.Equal(t, first.ClientUsage, second.ClientUsage)
	assert.Equal(t, first.ModelClients, second.ModelClients)
	assert.Equal(t, firstSnap, s.Snapshot())
	assert.Equal(t, first.LastActive["A"].Add(5*time.Second), second.LastActive["A"])
}

func TestRecordUsageIsAdditive(t *testing.T) {
	s := NewState(testSpecs(), WithLogger(quietLogger()))

	s.RecordUsage("A", []UsageKey{testSpecs()[0].Key()})
	s.RecordUsage("A", []UsageKey{testSpecs()[1].Key()})

	assert.Equal(t, 1, usageCount(t, s, "m1"))
	assert.Equal(t, 1, usageCount(t, s, "m2"))
	assert.Len(t, s.UsageReport().ClientUsage["A"], 2)
}

func TestRecordUsageEmptyRefreshesLastActive(t *testing.T) {
	clock := newFakeClock()
	s := NewState(testSpecs(), WithLogger(quietLogger()), WithClock(clock.Now))

	s.RecordUsage("A", []UsageKey{testSpecs()[0].Key()})
	clock.Advance(25 * time.Second)
	s.RecordUsage("A", nil)

	clock.Advance(10 * time.Second)
	assert.Empty(t, s.EvictInactive(clock.Now(), 10*time.Second))
	assert.Equal(t, 1, usageCount(t, s, "m1"))
	require.NoError(t, s.checkInvariants())
}

func TestEmptyUsageOnlyClientIsEvictedCleanly(t *testing.T) {
	clock := newFakeClock()
	s := NewState(testSpecs(), WithLogger(quietLogger()), WithClock(clock.Now))

	s.RecordUsage("A", nil)
	require.Equal(t, 1, s.ActiveClients())

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"A"}, s.EvictInactive(clock.Now(), 10*time.Second))
	assert.Zero(t, s.ActiveClients())
	require.NoError(t, s.checkInvariants())
}

func TestUnregisteredUsageIsLoggedNotRejected(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := NewState(testSpecs(), WithLogger(log))
	unknown := UsageKey{BaseURL: "http://nowhere/v1", Model: "/models/ghost"}

	s.RecordUsage("A", []UsageKey{unknown, testSpecs()[0].Key()})

	assert.Equal(t, 1, usageCount(t, s, "m1"))
	assert.Equal(t, []string{"A"}, s.UsageReport().ModelClients[unknown])

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["model"] == unknown.Model {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning for the unregistered model")
	require.NoError(t, s.checkInvariants())
}

func TestEvictionBoundaryIsExclusive(t *testing.T) {
	clock := newFakeClock()
	s := NewState(testSpecs(), WithLogger(quietLogger()), WithClock(clock.Now))

	s.RecordUsage("A", []UsageKey{testSpecs()[0].Key()})
	clock.Advance(30 * time.Second)

	assert.Empty(t, s.EvictInactive(clock.Now(), 10*time.Second), "exactly 3 intervals is still active")

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"A"}, s.EvictInactive(clock.Now(), 10*time.Second))
	assert.Zero(t, usageCount(t, s, "m1"))
}

func TestDuplicateSpecsShareUsageCount(t *testing.T) {
	spec := testSpecs()[0]
	dup := spec
	dup.Name = "m1-alias"
	s := NewState([]ModelSpec{spec, dup}, WithLogger(quietLogger()))

	s.RecordUsage("A", []UsageKey{spec.Key()})
	s.RecordUsage("B", []UsageKey{spec.Key()})

	assert.Equal(t, 2, usageCount(t, s, "m1"))
	assert.Equal(t, 2, usageCount(t, s, "m1-alias"))
	require.NoError(t, s.checkInvariants())
}
