package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/aicentral-gateway/internal/auth"
	"github.com/nulpointcorp/aicentral-gateway/internal/cache"
	"github.com/nulpointcorp/aicentral-gateway/internal/config"
	"github.com/nulpointcorp/aicentral-gateway/internal/core"
	"github.com/nulpointcorp/aicentral-gateway/internal/endpoint"
	"github.com/nulpointcorp/aicentral-gateway/internal/latency"
	"github.com/nulpointcorp/aicentral-gateway/internal/limiter"
	"github.com/nulpointcorp/aicentral-gateway/internal/selector"
)

// buildAuth turns an AuthConfig into the core.Step the pipeline runs first.
func buildAuth(c config.AuthConfig) core.Step {
	if c.Mode == "none" {
		return auth.NewDisabledStep()
	}
	clients := make([]auth.Client, 0, len(c.Clients))
	for _, cl := range c.Clients {
		clients = append(clients, auth.Client{Name: cl.Name, Keys: cl.Keys})
	}
	return auth.NewStep(clients)
}

// buildSteps turns a pipeline's StepConfig list into the ordered core.Step
// stack run between auth and endpoint selection.
func buildSteps(pipelineName string, steps []config.StepConfig, backend limiter.WindowLimiter) []core.Step {
	out := make([]core.Step, 0, len(steps))
	for _, s := range steps {
		switch {
		case s.Bulkhead != nil:
			out = append(out, limiter.NewBulkhead(pipelineName, s.Bulkhead.Capacity, partitionOf(s.Bulkhead.Partition)))
		case s.RequestRate != nil:
			out = append(out, limiter.NewRequestRate(pipelineName, backend, s.RequestRate.Limit, s.RequestRate.Window, partitionOf(s.RequestRate.Partition)))
		case s.TokenRate != nil:
			out = append(out, limiter.NewTokenRate(pipelineName, backend, s.TokenRate.Limit, s.TokenRate.Window, partitionOf(s.TokenRate.Partition)))
		}
	}
	return out
}

// buildResponseCache realizes a pipeline's ResponseCacheConfig against an
// optional shared Redis client: Redis-backed when rdb is non-nil (shared
// across replicas), an in-process MemoryCache otherwise. Returns a nil Cache
// and nil exclusions when cc is nil, which Pipeline treats as "caching off".
func buildResponseCache(ctx context.Context, cc *config.ResponseCacheConfig, rdb *redis.Client) (cache.Cache, *cache.ExclusionList, error) {
	if cc == nil {
		return nil, nil, nil
	}
	excl, err := cache.NewExclusionList(cc.ExcludeModels, cc.ExcludePatterns)
	if err != nil {
		return nil, nil, fmt.Errorf("response cache: %w", err)
	}
	if rdb != nil {
		return cache.NewExactCacheFromClient(rdb), excl, nil
	}
	return cache.NewMemoryCache(ctx), excl, nil
}

func partitionOf(s string) limiter.Partition {
	if s == "per_consumer" {
		return limiter.PerConsumer
	}
	return limiter.PerPipeline
}

// buildDispatchers constructs one core.Dispatcher per configured endpoint,
// resolving every credential field against its named environment variable —
// the YAML file itself never carries a secret.
func buildDispatchers(endpoints []config.EndpointConfig, httpClient *http.Client) (map[string]core.Dispatcher, error) {
	out := make(map[string]core.Dispatcher, len(endpoints))
	for _, e := range endpoints {
		kind, err := endpointKind(e.Kind)
		if err != nil {
			return nil, err
		}

		authMaterial := core.AuthMaterial{
			APIKey:       os.Getenv(e.APIKeyEnv),
			Organization: os.Getenv(e.OrganizationEnv),
		}
		if e.AzureAD != nil {
			tp, err := endpoint.NewAzureTokenProvider(
				os.Getenv(e.AzureAD.TenantIDEnv),
				os.Getenv(e.AzureAD.ClientIDEnv),
				os.Getenv(e.AzureAD.ClientSecretEnv),
			)
			if err != nil {
				return nil, fmt.Errorf("app: endpoint %q: azure ad: %w", e.ID, err)
			}
			authMaterial.TokenProvider = tp
		}

		desc := core.EndpointDescriptor{
			ID:             e.ID,
			Kind:           kind,
			BaseURL:        e.BaseURL,
			APIVersion:     e.APIVersion,
			Auth:           authMaterial,
			ModelMap:       e.ModelMap,
			MaxConcurrency: e.MaxConcurrency,
		}

		disp, err := endpoint.New(desc, httpClient)
		if err != nil {
			return nil, fmt.Errorf("app: endpoint %q: %w", e.ID, err)
		}
		out[e.ID] = disp
	}
	return out, nil
}

func endpointKind(kind string) (core.EndpointKind, error) {
	switch kind {
	case "azure_openai":
		return core.KindAzureOpenAI, nil
	case "openai":
		return core.KindOpenAI, nil
	case "anthropic":
		return core.KindAnthropic, nil
	case "google_genai":
		return core.KindGoogleGenAI, nil
	default:
		return 0, fmt.Errorf("app: unknown endpoint kind %q", kind)
	}
}

// buildSelector recursively realizes a SelectorConfig tree against the
// pipeline's dispatcher map, mirroring internal/config's validateSelector
// walk so any tree that passed validation also builds successfully.
func buildSelector(sc config.SelectorConfig, dispatchers map[string]core.Dispatcher, tracker *latency.Tracker) (selector.Selector, error) {
	switch sc.Kind {
	case "random":
		ds, err := lookupDispatchers(sc.EndpointIDs, dispatchers)
		if err != nil {
			return nil, err
		}
		return &selector.Random{Dispatchers: ds}, nil

	case "lowest_latency":
		ds, err := lookupDispatchers(sc.EndpointIDs, dispatchers)
		if err != nil {
			return nil, err
		}
		return &selector.LowestLatency{Dispatchers: ds, Tracker: tracker}, nil

	case "priority":
		tiers := make([]selector.Tier, 0, len(sc.Tiers))
		for _, t := range sc.Tiers {
			sub, err := buildSelector(t.Selector, dispatchers, tracker)
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, selector.Tier{Selector: sub, RetryOn4xx: t.RetryOn4xx})
		}
		return selector.NewPriority(tiers), nil

	case "affinity":
		if sc.Fallback == nil {
			return nil, fmt.Errorf("app: affinity selector requires a fallback")
		}
		fb, err := buildSelector(*sc.Fallback, dispatchers, tracker)
		if err != nil {
			return nil, err
		}
		return selector.NewAffinity(fb, sc.TTL), nil

	case "hierarchical":
		children := make([]selector.Selector, 0, len(sc.Children))
		for _, c := range sc.Children {
			child, err := buildSelector(c, dispatchers, tracker)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &selector.Hierarchical{Children: children}, nil

	default:
		return nil, fmt.Errorf("app: unknown selector kind %q", sc.Kind)
	}
}

func lookupDispatchers(ids []string, dispatchers map[string]core.Dispatcher) ([]core.Dispatcher, error) {
	out := make([]core.Dispatcher, 0, len(ids))
	for _, id := range ids {
		d, ok := dispatchers[id]
		if !ok {
			return nil, fmt.Errorf("app: selector references unknown endpoint %q", id)
		}
		out = append(out, d)
	}
	return out, nil
}
