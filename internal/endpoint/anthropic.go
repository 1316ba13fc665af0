package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

const anthropicVersion = "2023-06-01"

// anthropicDispatcher speaks Anthropic's /v1/messages surface. Added
// alongside the two kinds spec.md names, since the teacher ships a full
// Anthropic provider (see SPEC_FULL.md DOMAIN STACK).
type anthropicDispatcher struct {
	desc   core.EndpointDescriptor
	client *http.Client
}

func (a *anthropicDispatcher) EndpointID() string  { return a.desc.ID }
func (a *anthropicDispatcher) MaxConcurrency() int { return a.desc.MaxConcurrency }

func (a *anthropicDispatcher) Dispatch(ctx context.Context, d *core.CallDetails) (*core.UsageInformation, *core.DispatchResponse, error) {
	model, ok := resolveModel(a.desc.ModelMap, d.IncomingModelName)
	if !ok {
		return unmappedUsage(a.desc.ID, d), nil, &modelUnmappedError{model: d.IncomingModelName}
	}

	url := strings.TrimRight(a.desc.BaseURL, "/") + "/v1/messages"

	body, err := cloneBodyWithModel(d.RawBody, model)
	if err != nil {
		return nil, nil, fmt.Errorf("endpoint: anthropic: clone body: %w", err)
	}

	headers := http.Header{
		"Content-Type":      {"application/json"},
		"x-api-key":         {a.desc.Auth.APIKey},
		"anthropic-version": {anthropicVersion},
	}
	if d.ResponseShape == core.Streaming {
		headers.Set("Accept", "text/event-stream")
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
		EndpointID:            a.desc.ID,
		UpstreamHost:          a.desc.BaseURL,
		DeploymentOrModel:     model,
		CallKind:              d.CallKind,
		Streaming:             d.ResponseShape == core.Streaming,
		StartedAt:             started,
		RemainingRequestsHint: remReq,
		RemainingTokensHint:   remTok,
		StatusCode:            resp.StatusCode,
	}

	if d.ResponseShape == core.Streaming {
		stream, completionTokens := teeStream(resp.Body, extractAnthropicDelta)
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

	var parsed anthropicSDK.Message
	if parsed.UnmarshalJSON(raw) == nil {
		usage.PromptTokens = int(parsed.Usage.InputTokens)
		usage.CompletionTokens = int(parsed.Usage.OutputTokens)
		usage.TotalTokens = int(parsed.Usage.InputTokens + parsed.Usage.OutputTokens)
	}

	return usage, &core.DispatchResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newBodyReader(raw),
	}, nil
}
