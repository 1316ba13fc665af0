package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// azureDispatcher speaks Azure OpenAI's deployment-scoped REST surface:
// api-key or AAD bearer auth, deployment name in the URL path instead of
// a "model" body field. Grounded on the teacher's providers/azure package.
type azureDispatcher struct {
	desc   core.EndpointDescriptor
	client *http.Client
}

func (a *azureDispatcher) EndpointID() string  { return a.desc.ID }
func (a *azureDispatcher) MaxConcurrency() int { return a.desc.MaxConcurrency }

type azureChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (a *azureDispatcher) Dispatch(ctx context.Context, d *core.CallDetails) (*core.UsageInformation, *core.DispatchResponse, error) {
	deployment := d.DeploymentName
	if deployment == "" {
		resolved, ok := resolveModel(a.desc.ModelMap, d.IncomingModelName)
		if !ok {
			return unmappedUsage(a.desc.ID, d), nil, &modelUnmappedError{model: d.IncomingModelName}
		}
		deployment = resolved
	}

	remaining := d.RemainingPath
	if remaining == "" {
		remaining = "chat/completions"
	}
	url := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		strings.TrimRight(a.desc.BaseURL, "/"), deployment, remaining, a.desc.APIVersion)

	body, err := cloneBodyWithModel(d.RawBody, "")
	if err != nil {
		return nil, nil, fmt.Errorf("endpoint: azure: clone body: %w", err)
	}

	headers := http.Header{"Content-Type": {"application/json"}}
	if d.ResponseShape == core.Streaming {
		headers.Set("Accept", "text/event-stream")
	}
	if err := attachAzureAuth(ctx, a.desc, headers); err != nil {
		return nil, nil, fmt.Errorf("endpoint: azure: auth: %w", err)
	}

	started := time.Now()
	resp, err := doRequest(ctx, a.client, http.MethodPost, url, body, headers)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode >= 400 {
		msg := readErrorBody(resp)
		return nil, nil, &dispatchError{status: resp.StatusCode, message: msg}
	}

	remReq, remTok := parseRateLimitHints(resp.Header)
	usage := &core.UsageInformation{
		EndpointID: a.desc.ID,
		UpstreamHost: a.desc.BaseURL,
		DeploymentOrModel: deployment,
		CallKind: d.CallKind,
		Streaming: d.ResponseShape == core.Streaming,
		StartedAt: started,
		RemainingRequestsHint: remReq,
		RemainingTokensHint: remTok,
		StatusCode: resp.StatusCode,
	}

	if d.ResponseShape == core.Streaming {
		stream, completionTokens := teeStream(resp.Body, extractOpenAIDelta)
		usage.UpstreamDuration = time.Since(started)
		usage.Success = true
		return usage, &core.DispatchResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Streaming:  true,
			Stream:     stream,
			CompletionTokens: completionTokens,
		}, nil
	}

	raw, _ := readAllAndRestore(resp)
	var parsed azureChatResponse
	_ = json.Unmarshal(raw, &parsed)
	usage.PromptTokens = parsed.Usage.PromptTokens
	usage.CompletionTokens = parsed.Usage.CompletionTokens
	usage.TotalTokens = parsed.Usage.TotalTokens
	usage.UpstreamDuration = time.Since(started)
	usage.Success = parsed.Error == nil

	return usage, &core.DispatchResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newBodyReader(raw),
	}, nil
}
