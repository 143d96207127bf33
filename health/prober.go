// Package health probes model endpoints and commits the results to the
// registry state on a fixed interval.
package health

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"modelpool/modelpool"
)

// DefaultProbeTimeout bounds one GET {base_url}/models.
const DefaultProbeTimeout = 5 * time.Second

// Outcome classifies a probe for logs and metrics.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeMismatch     Outcome = "mismatch"
	OutcomeBadStatus    Outcome = "bad_status"
	OutcomeBadBody      Outcome = "bad_body"
	OutcomeNetworkError Outcome = "network_error"
)

// Result is the outcome of probing one endpoint.
type Result struct {
	Status  modelpool.Status
	Load    float64
	Outcome Outcome
	// Actual is the model id the endpoint reported, when one was parsed.
	Actual string
	// Detail carries the HTTP status or transport error for logging.
	Detail string
}

// Prober checks a single model endpoint. Implementations must not panic and
// must honour ctx.
type Prober interface {
	Probe(ctx context.Context, spec modelpool.ModelSpec) Result
}

// HTTPProber speaks the OpenAI-compatible GET /models contract.
type HTTPProber struct {
	client *resty.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// Probe reports available only for a 200 response whose model id matches
// spec.Model, ignoring one trailing slash on either side. Load is always 0.
func (p *HTTPProber) Probe(ctx context.Context, spec modelpool.ModelSpec) Result {
	unavailable := func(o Outcome, detail string) Result {
		return Result{Status: modelpool.StatusUnavailable, Outcome: o, Detail: detail}
	}

	resp, err := p.client.R().
		SetContext(ctx).
		Get(strings.TrimSuffix(spec.BaseURL, "/") + "/models")
	if err != nil {
		return unavailable(OutcomeNetworkError, err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return unavailable(OutcomeBadStatus, resp.Status())
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return unavailable(OutcomeBadBody, "response is not valid JSON")
	}

	actual := modelpool.NormalizeModelPath(reportedModelID(body))
	expected := modelpool.NormalizeModelPath(spec.Model)
	if actual != expected {
		r := unavailable(OutcomeMismatch, "expected "+expected+", got "+actual)
		r.Actual = actual
		return r
	}
	return Result{Status: modelpool.StatusAvailable, Outcome: OutcomeOK, Actual: actual}
}

// reportedModelID reads data[0].id from a list response, else the top-level id.
func reportedModelID(body []byte) string {
	parsed := gjson.ParseBytes(body)
	if parsed.Get("object").String() == "list" {
		if data := parsed.Get("data"); data.IsArray() && len(data.Array()) > 0 {
			return data.Get("0.id").String()
		}
	}
	return parsed.Get("id").String()
}
