package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// genaiDispatcher speaks the Gemini/Vertex generateContent REST surface.
// Added alongside Anthropic per SPEC_FULL.md DOMAIN STACK, since the
// teacher ships full Gemini and Vertex AI providers.
type genaiDispatcher struct {
	desc   core.EndpointDescriptor
	client *http.Client
}

func (g *genaiDispatcher) EndpointID() string  { return g.desc.ID }
func (g *genaiDispatcher) MaxConcurrency() int { return g.desc.MaxConcurrency }

func (g *genaiDispatcher) Dispatch(ctx context.Context, d *core.CallDetails) (*core.UsageInformation, *core.DispatchResponse, error) {
	model, ok := resolveModel(g.desc.ModelMap, d.IncomingModelName)
	if !ok {
		return unmappedUsage(g.desc.ID, d), nil, &modelUnmappedError{model: d.IncomingModelName}
	}

	method := "generateContent"
	if d.ResponseShape == core.Streaming {
		method = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		strings.TrimRight(g.desc.BaseURL, "/"), model, method, g.desc.Auth.APIKey)

	body := d.RawBody
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	headers := http.Header{"Content-Type": {"application/json"}}

	started := time.Now()
	resp, err := doRequest(ctx, g.client, http.MethodPost, url, body, headers)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode >= 400 {
		msg := readErrorBody(resp)
		return nil, nil, &dispatchError{status: resp.StatusCode, message: msg}
	}

	usage := &core.UsageInformation{
		EndpointID:            g.desc.ID,
		UpstreamHost:          g.desc.BaseURL,
		DeploymentOrModel:     model,
		CallKind:              d.CallKind,
		Streaming:             d.ResponseShape == core.Streaming,
		StartedAt:             started,
		RemainingRequestsHint: -1,
		RemainingTokensHint:   -1,
		StatusCode:            resp.StatusCode,
	}

	if d.ResponseShape == core.Streaming {
		stream, completionTokens := teeStream(resp.Body, extractGeminiDelta)
		usage.UpstreamDuration = time.Since(started)
		usage.Success = true
		return usage, &core.DispatchResponse{
			StatusCode:       resp.StatusCode,
			Header:           resp.Header,
			Streaming:        true,
			Stream:           stream,
			CompletionTokens: completionTokens,
		}, nil
	}

	raw, _ := readAllAndRestore(resp)
	usage.UpstreamDuration = time.Since(started)
	usage.Success = true

	var parsed genai.GenerateContentResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.UsageMetadata != nil {
		usage.PromptTokens = int(parsed.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(parsed.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(parsed.UsageMetadata.TotalTokenCount)
	}

	return usage, &core.DispatchResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newBodyReader(raw),
	}, nil
}
