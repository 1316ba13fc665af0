package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// openAIDispatcher speaks OpenAI's flat /v1/... surface. The outbound
// request is built by cloning the caller's own body (it's already
// OpenAI-shaped) rather than re-encoding it through the SDK's request
// builder; the SDK's response type is used only to get typed, exact usage
// parsing instead of ad hoc map[string]any digging.
type openAIDispatcher struct {
	desc   core.EndpointDescriptor
	client *http.Client
}

func (o *openAIDispatcher) EndpointID() string  { return o.desc.ID }
func (o *openAIDispatcher) MaxConcurrency() int { return o.desc.MaxConcurrency }

func (o *openAIDispatcher) Dispatch(ctx context.Context, d *core.CallDetails) (*core.UsageInformation, *core.DispatchResponse, error) {
	model, ok := resolveModel(o.desc.ModelMap, d.IncomingModelName)
	if !ok {
		return unmappedUsage(o.desc.ID, d), nil, &modelUnmappedError{model: d.IncomingModelName}
	}

	remaining := d.RemainingPath
	if remaining == "" {
		remaining = "chat/completions"
	}
	url := strings.TrimRight(o.desc.BaseURL, "/") + "/" + remaining

	body, err := cloneBodyWithModel(d.RawBody, model)
	if err != nil {
		return nil, nil, fmt.Errorf("endpoint: openai: clone body: %w", err)
	}

	headers := http.Header{
		"Content-Type":  {"application/json"},
		"Authorization": {"Bearer " + o.desc.Auth.APIKey},
	}
	if o.desc.Auth.Organization != "" {
		headers.Set("OpenAI-Organization", o.desc.Auth.Organization)
	}
	if d.ResponseShape == core.Streaming {
		headers.Set("Accept", "text/event-stream")
	}

	started := time.Now()
	resp, err := doRequest(ctx, o.client, http.MethodPost, url, body, headers)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode >= 400 {
		msg := readErrorBody(resp)
		return nil, nil, &dispatchError{status: resp.StatusCode, message: msg}
	}

	remReq, remTok := parseRateLimitHints(resp.Header)
	usage := &core.UsageInformation{
		EndpointID:            o.desc.ID,
		UpstreamHost:          o.desc.BaseURL,
		DeploymentOrModel:     model,
		CallKind:              d.CallKind,
		Streaming:             d.ResponseShape == core.Streaming,
		StartedAt:             started,
		RemainingRequestsHint: remReq,
		RemainingTokensHint:   remTok,
		StatusCode:            resp.StatusCode,
	}

	if d.ResponseShape == core.Streaming {
		stream, completionTokens := teeStream(resp.Body, extractOpenAIDelta)
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

	if d.CallKind == core.CallEmbedding {
		var parsed openaiSDK.CreateEmbeddingResponse
		if parsed.UnmarshalJSON(raw) == nil {
			usage.PromptTokens = int(parsed.Usage.PromptTokens)
			usage.TotalTokens = int(parsed.Usage.TotalTokens)
		}
	} else {
		var parsed openaiSDK.ChatCompletion
		if parsed.UnmarshalJSON(raw) == nil {
			usage.PromptTokens = int(parsed.Usage.PromptTokens)
			usage.CompletionTokens = int(parsed.Usage.CompletionTokens)
			usage.TotalTokens = int(parsed.Usage.TotalTokens)
		}
	}

	return usage, &core.DispatchResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newBodyReader(raw),
	}, nil
}
