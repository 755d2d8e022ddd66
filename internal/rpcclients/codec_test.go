package rpcclients

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := PoolOptionsRequest{EndpointID: "ep-1", Platform: "openstack", EnvironmentOptions: map[string]any{"flavor": "m1.small"}}

	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got PoolOptionsRequest
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.EndpointID != req.EndpointID || got.Platform != req.Platform {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestFactoriesProduceUsableClients(t *testing.T) {
	if NewWorkerClientFactory()("localhost:7001") == nil {
		t.Error("expected non-nil WorkerClient")
	}
	if NewSchedulerClientFactory()("localhost:7002") == nil {
		t.Error("expected non-nil SchedulerClient")
	}
	if NewConductorClientFactory()("localhost:7003") == nil {
		t.Error("expected non-nil ConductorClient")
	}
}
