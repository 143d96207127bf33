package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"modelpool/metrics"
	"modelpool/modelpool"
)

const (
	DefaultInterval       = 10 * time.Second
	DefaultMaxConcurrency = 8

	lastActiveLayout = "2006-01-02 15:04:05"
)

// Monitor is the only writer of model status and load. Each cycle probes every
// model concurrently without holding the state lock, commits the results in
// one call, then evicts clients that went quiet.
type Monitor struct {
	state       *modelpool.State
	prober      Prober
	interval    time.Duration
	concurrency int
	now         func() time.Time
	log         logrus.FieldLogger
}

type MonitorOption func(*Monitor)

// WithMaxConcurrency bounds the number of probes in flight per cycle.
func WithMaxConcurrency(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithClock replaces time.Now for the eviction pass.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

func NewMonitor(state *modelpool.State, prober Prober, interval time.Duration, log logrus.FieldLogger, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Monitor{
		state:       state,
		prober:      prober,
		interval:    interval,
		concurrency: DefaultMaxConcurrency,
		now:         time.Now,
		log:         log.WithField("component", "health-monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interval returns the cycle period, which is also the eviction unit.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithField("interval", m.interval).Info("Health monitor started")
	for {
		m.RunOnce(ctx)

		select {
		case <-ctx.Done():
			m.log.Info("Health monitor stopped")
			return ctx.Err()
		case <-time.After(m.interval):
		}
	}
}

// RunOnce probes all models, commits the results, evicts inactive clients and
// logs the resulting state. It returns the ids evicted in this cycle.
func (m *Monitor) RunOnce(ctx context.Context) []string {
	start := time.Now()
	specs := m.state.Specs()
	results := make([]Result, len(specs))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = m.prober.Probe(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()

	updates := make([]modelpool.HealthUpdate, len(results))
	for i, r := range results {
		updates[i] = modelpool.HealthUpdate{Index: i, Status: r.Status, Load: r.Load}
		m.logResult(specs[i], r)
		metrics.ProbesTotal.WithLabelValues(string(r.Outcome)).Inc()
	}
	m.state.ApplyHealth(updates)

	evicted := m.state.EvictInactive(m.now(), m.interval)
	metrics.EvictedClientsTotal.Add(float64(len(evicted)))
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())

	m.publish()
	m.dump()
	return evicted
}

func (m *Monitor) logResult(spec modelpool.ModelSpec, r Result) {
	entry := m.log.WithFields(logrus.Fields{
		"name":     spec.Name,
		"base_url": spec.BaseURL,
		"status":   r.Status,
		"outcome":  r.Outcome,
	})
	switch r.Outcome {
	case OutcomeOK:
		entry.Debug("Probe succeeded")
	case OutcomeMismatch:
		entry.WithFields(logrus.Fields{
			"expected": modelpool.NormalizeModelPath(spec.Model),
			"actual":   r.Actual,
		}).Error("Model name mismatch")
	default:
		entry.WithField("detail", r.Detail).Info("Probe failed")
	}
}

func (m *Monitor) publish() {
	for _, model := range m.state.Snapshot() {
		labels := []string{model.Name, model.BaseURL, model.Model}
		metrics.ModelAvailable.WithLabelValues(labels...).Set(metrics.BoolValue(model.Status == modelpool.StatusAvailable))
		metrics.ModelUsageCount.WithLabelValues(labels...).Set(float64(model.UsageCount))
	}
	metrics.ActiveClients.Set(float64(m.state.ActiveClients()))
}

// dump writes the usage index and every model's status at info level.
func (m *Monitor) dump() {
	if !isInfoEnabled(m.log) {
		return
	}
	report := m.state.UsageReport()

	m.log.Info("Current client and model usage")
	m.log.Infof("client_usage: %s", formatClientUsage(report.ClientUsage))
	m.log.Infof("model_clients: %s", formatModelClients(report.ModelClients))
	m.log.Infof("client_last_active: %s", formatLastActive(report.LastActive))

	for _, model := range m.state.Snapshot() {
		m.log.WithFields(logrus.Fields{
			"status":      model.Status,
			"usage_count": model.UsageCount,
			"model_type":  model.ModelType,
			"model":       model.Model,
			"base_url":    model.BaseURL,
			"load":        model.Load,
		}).Infof("Model [%s]", model.Name)
	}
}

func isInfoEnabled(log logrus.FieldLogger) bool {
	switch l := log.(type) {
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.InfoLevel)
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.InfoLevel)
	}
	return true
}

func formatClientUsage(usage map[string][]modelpool.UsageKey) string {
	ids := sortedKeys(usage)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		keys := make([]string, len(usage[id]))
		for i, k := range usage[id] {
			keys[i] = "(" + k.String() + ")"
		}
		parts = append(parts, fmt.Sprintf("%s: [%s]", id, strings.Join(keys, " ")))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatModelClients(clients map[modelpool.UsageKey][]string) string {
	parts := make([]string, 0, len(clients))
	for k, ids := range clients {
		parts = append(parts, fmt.Sprintf("(%s): [%s]", k, strings.Join(ids, " ")))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatLastActive(lastActive map[string]time.Time) string {
	ids := sortedKeys(lastActive)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+": "+lastActive[id].Local().Format(lastActiveLayout))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
