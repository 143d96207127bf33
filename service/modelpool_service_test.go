package service

import (
	"sort"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelpool/message"
	"modelpool/modelpool"
)

func newService(t *testing.T) (*ModelPoolService, *modelpool.State) {
	t.Helper()
	log, _ := test.NewNullLogger()
	state := modelpool.NewState([]modelpool.ModelSpec{
		{Name: "m1", ModelType: "chat", Model: "/models/X", BaseURL: "http://h/v1"},
		{Name: "m2", ModelType: "chat", Model: "/models/Y", BaseURL: "http://h2/v1"},
		{Name: "m3", ModelType: "embedding", Model: "/models/Z", BaseURL: "http://h3/v1"},
	}, modelpool.WithLogger(log))
	return NewModelPoolService(state, log), state
}

func usageOf(baseURL, model string) []message.ModelUsage {
	return []message.ModelUsage{{BaseURL: baseURL, Model: model}}
}

func TestGetModelListReturnsAllInOrder(t *testing.T) {
	svc, state := newService(t)
	state.ApplyHealth([]modelpool.HealthUpdate{{Index: 1, Status: modelpool.StatusAvailable}})

	var resp message.ModelListResponse
	require.NoError(t, svc.GetModelList(&message.AvailableModelsRequest{}, &resp))

	require.Len(t, resp.Models, 3)
	assert.Equal(t, "m1", resp.Models[0].Name)
	assert.Equal(t, "unknown", resp.Models[0].Status)
	assert.Equal(t, "available", resp.Models[1].Status)
	assert.Equal(t, "embedding", resp.Models[2].ModelType)
	assert.Equal(t, "http://h3/v1", resp.Models[2].BaseURL)
}

func TestGetAvailableModelsFiltersAndSorts(t *testing.T) {
	svc, state := newService(t)
	state.ApplyHealth([]modelpool.HealthUpdate{
		{Index: 0, Status: modelpool.StatusAvailable, Load: 3},
		{Index: 1, Status: modelpool.StatusUnavailable},
		{Index: 2, Status: modelpool.StatusAvailable, Load: 1},
	})

	var resp message.ModelListResponse
	require.NoError(t, svc.GetAvailableModels(&message.AvailableModelsRequest{}, &resp))

	require.Len(t, resp.Models, 2)
	assert.Equal(t, []string{"m3", "m1"}, []string{resp.Models[0].Name, resp.Models[1].Name})
	assert.True(t, sort.SliceIsSorted(resp.Models, func(i, j int) bool { return resp.Models[i].Load < resp.Models[j].Load }))
	for _, m := range resp.Models {
		assert.Equal(t, "available", m.Status)
	}
}

func TestUsageIsRecordedOnlyWithClientAndUsages(t *testing.T) {
	svc, state := newService(t)
	var resp message.ModelListResponse

	require.NoError(t, svc.GetModelList(&message.AvailableModelsRequest{ModelUsages: usageOf("http://h/v1", "/models/X")}, &resp))
	require.NoError(t, svc.GetModelList(&message.AvailableModelsRequest{ClientID: "A"}, &resp))
	assert.Zero(t, state.ActiveClients())
	assert.Zero(t, resp.Models[0].UsageCount)

	require.NoError(t, svc.GetModelList(&message.AvailableModelsRequest{ClientID: "A", ModelUsages: usageOf("http://h/v1", "/models/X")}, &resp))
	assert.Equal(t, 1, state.ActiveClients())
	assert.Equal(t, 1, resp.Models[0].UsageCount, "the reply reflects the usage recorded by the same request")
}

func TestGetAvailableModelsRecordsUsage(t *testing.T) {
	svc, state := newService(t)
	state.ApplyHealth([]modelpool.HealthUpdate{{Index: 0, Status: modelpool.StatusAvailable}})

	var resp message.ModelListResponse
	for _, id := range []string{"A", "B", "A"} {
		require.NoError(t, svc.GetAvailableModels(&message.AvailableModelsRequest{ClientID: id, ModelUsages: usageOf("http://h/v1", "/models/X")}, &resp))
	}

	require.Len(t, resp.Models, 1)
	assert.Equal(t, 2, resp.Models[0].UsageCount)
}

func TestConcurrentRequests(t *testing.T) {
	svc, state := newService(t)
	state.ApplyHealth([]modelpool.HealthUpdate{{Index: 0, Status: modelpool.StatusAvailable}})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := &message.AvailableModelsRequest{
				ClientID:    string(rune('A' + n)),
				ModelUsages: usageOf("http://h/v1", "/models/X"),
			}
			var resp message.ModelListResponse
			if n%2 == 0 {
				_ = svc.GetModelList(req, &resp)
			} else {
				_ = svc.GetAvailableModels(req, &resp)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, state.Snapshot()[0].UsageCount)
}
