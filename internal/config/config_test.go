package config

import "testing"

func validPipeline() PipelineConfig {
	return PipelineConfig{
		Name: "primary",
		Auth: AuthConfig{Mode: "keys", Clients: []ClientConfig{{Name: "team-a", Keys: []string{"sk-a"}}}},
		Endpoints: []EndpointConfig{
			{ID: "east-1", Kind: "openai", BaseURL: "https://api.openai.com/v1"},
		},
		Selector:   SelectorConfig{Kind: "random", EndpointIDs: []string{"east-1"}},
		MaxRetries: 3,
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := &GatewayConfig{LogLevel: "info", Pipelines: []PipelineConfig{validPipeline()}}
	if err := cfg.validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_RejectsNoPipelines(t *testing.T) {
	cfg := &GatewayConfig{LogLevel: "info"}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error for zero pipelines")
	}
}

func TestValidate_RejectsDuplicatePipelineNames(t *testing.T) {
	p1, p2 := validPipeline(), validPipeline()
	cfg := &GatewayConfig{LogLevel: "info", Pipelines: []PipelineConfig{p1, p2}}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error for duplicate pipeline names")
	}
}

func TestValidate_RejectsKeysAuthWithNoClients(t *testing.T) {
	p := validPipeline()
	p.Auth.Clients = nil
	cfg := &GatewayConfig{LogLevel: "info", Pipelines: []PipelineConfig{p}}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error for auth.mode=keys with no clients")
	}
}

func TestValidate_RejectsSelectorReferencingUnknownEndpoint(t *testing.T) {
	p := validPipeline()
	p.Selector = SelectorConfig{Kind: "random", EndpointIDs: []string{"does-not-exist"}}
	cfg := &GatewayConfig{LogLevel: "info", Pipelines: []PipelineConfig{p}}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error for a selector referencing an unknown endpoint")
	}
}

func TestValidate_AcceptsPriorityCascadeOfTiers(t *testing.T) {
	p := validPipeline()
	p.Endpoints = append(p.Endpoints, EndpointConfig{ID: "west-1", Kind: "openai", BaseURL: "https://api.openai.com/v1"})
	p.Selector = SelectorConfig{
		Kind: "priority",
		Tiers: []SelectorTierConfig{
			{Selector: SelectorConfig{Kind: "random", EndpointIDs: []string{"east-1"}}},
			{Selector: SelectorConfig{Kind: "random", EndpointIDs: []string{"west-1"}}, RetryOn4xx: true},
		},
	}
	cfg := &GatewayConfig{LogLevel: "info", Pipelines: []PipelineConfig{p}}
	if err := cfg.validate(); err != nil {
		t.Fatalf("expected a valid priority cascade, got: %v", err)
	}
}

func TestApplyPipelineDefaults_FillsPartitionAndTimeouts(t *testing.T) {
	p := validPipeline()
	p.MaxRetries = 0
	p.Steps = []StepConfig{{Bulkhead: &BulkheadConfig{Capacity: 10}}}
	pipelines := []PipelineConfig{p}

	applyPipelineDefaults(pipelines)

	if pipelines[0].MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", pipelines[0].MaxRetries)
	}
	if pipelines[0].ProviderTimeout == 0 {
		t.Error("expected a default provider timeout")
	}
	if pipelines[0].Steps[0].Bulkhead.Partition != "per_pipeline" {
		t.Errorf("expected default partition per_pipeline, got %q", pipelines[0].Steps[0].Bulkhead.Partition)
	}
}
