// Package modelpool holds the registry server's shared state: the configured
// model endpoints with their probe results, and the client usage index that
// feeds each model's usage count.
//
// All access goes through State, which serializes every read and mutation on
// one mutex. No method performs I/O while holding it.
package modelpool

import "strings"

// Status is the liveness of a model endpoint as seen by the last probe.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

// ModelSpec is the identity of one configured endpoint. It is fixed at load
// time and never changes for the lifetime of the server.
type ModelSpec struct {
	Name      string `mapstructure:"name" json:"name"`
	ModelType string `mapstructure:"model_type" json:"model_type"`
	Model     string `mapstructure:"model" json:"model"`
	BaseURL   string `mapstructure:"base_url" json:"base_url"`
}

// Key returns the (base_url, model) pair clients report usage against.
func (s ModelSpec) Key() UsageKey {
	return UsageKey{BaseURL: s.BaseURL, Model: s.Model}
}

// UsageKey identifies an endpoint in usage reports.
type UsageKey struct {
	BaseURL string
	Model   string
}

func (k UsageKey) String() string {
	return k.BaseURL + "," + k.Model
}

// Model is a consistent copy of one registered endpoint.
type Model struct {
	ModelSpec
	Status     Status
	Load       float64
	UsageCount int
}

// entry is the mutable record behind a Model; runtime fields are guarded by State.mu.
type entry struct {
	spec       ModelSpec
	status     Status
	load       float64
	usageCount int
}

func (e *entry) snapshot() Model {
	return Model{
		ModelSpec:  e.spec,
		Status:     e.status,
		Load:       e.load,
		UsageCount: e.usageCount,
	}
}

// NormalizeModelPath strips one trailing slash so "foo/bar/" and "foo/bar"
// name the same model.
func NormalizeModelPath(p string) string {
	return strings.TrimSuffix(p, "/")
}
