// Package service exposes the registry state over RPC.
package service

import (
	"github.com/sirupsen/logrus"

	"modelpool/message"
	"modelpool/modelpool"
)

// ModelPoolService is registered on the RPC server under its type name, which
// is the service part of "ModelPoolService.GetModelList".
type ModelPoolService struct {
	state *modelpool.State
	log   logrus.FieldLogger
}

func NewModelPoolService(state *modelpool.State, log logrus.FieldLogger) *ModelPoolService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ModelPoolService{
		state: state,
		log:   log.WithField("component", "modelpool-service"),
	}
}

// GetModelList records the caller's usage and returns every model in
// configured order.
func (s *ModelPoolService) GetModelList(req *message.AvailableModelsRequest, resp *message.ModelListResponse) error {
	s.recordUsage(req)
	resp.Models = toWire(s.state.Snapshot())
	return nil
}

// GetAvailableModels records the caller's usage and returns the available
// models, least loaded first.
func (s *ModelPoolService) GetAvailableModels(req *message.AvailableModelsRequest, resp *message.ModelListResponse) error {
	s.recordUsage(req)
	resp.Models = toWire(s.state.Available())
	return nil
}

// recordUsage only touches the index when both a client id and usages are
// present, so anonymous probes never create a client entry.
func (s *ModelPoolService) recordUsage(req *message.AvailableModelsRequest) {
	if req == nil || req.ClientID == "" || len(req.ModelUsages) == 0 {
		return
	}
	keys := make([]modelpool.UsageKey, len(req.ModelUsages))
	for i, u := range req.ModelUsages {
		keys[i] = modelpool.UsageKey{BaseURL: u.BaseURL, Model: u.Model}
	}
	s.state.RecordUsage(req.ClientID, keys)
}

func toWire(models []modelpool.Model) []message.Model {
	out := make([]message.Model, len(models))
	for i, m := range models {
		out[i] = message.Model{
			Name:       m.Name,
			ModelType:  m.ModelType,
			Model:      m.Model,
			BaseURL:    m.BaseURL,
			Status:     string(m.Status),
			Load:       m.Load,
			UsageCount: m.UsageCount,
		}
	}
	return out
}
