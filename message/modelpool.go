package message

// Service and method names exposed by the registry server.
const (
	ModelPoolServiceName = "ModelPoolService"

	MethodGetModelList       = ModelPoolServiceName + ".GetModelList"
	MethodGetAvailableModels = ModelPoolServiceName + ".GetAvailableModels"
)

// ModelUsage declares that a client is consuming the endpoint (BaseURL, Model).
type ModelUsage struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// AvailableModelsRequest is the argument of both registry methods. ClientID and
// ModelUsages are optional; usage is recorded only when both are present.
type AvailableModelsRequest struct {
	ClientID    string       `json:"client_id,omitempty"`
	ModelUsages []ModelUsage `json:"model_usages,omitempty"`
}

// Model is the server-reported snapshot of one registered endpoint.
type Model struct {
	Name       string  `json:"name"`
	ModelType  string  `json:"model_type"`
	Model      string  `json:"model"`
	BaseURL    string  `json:"base_url"`
	Status     string  `json:"status"`
	Load       float64 `json:"load"`
	UsageCount int     `json:"usage_count"`
}

// ModelListResponse is the reply of both registry methods.
type ModelListResponse struct {
	Models []Model `json:"models"`
}
