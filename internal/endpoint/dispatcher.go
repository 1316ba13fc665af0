// Package endpoint implements the Endpoint Descriptor and Endpoint
// Dispatcher: building an EndpointDescriptor's HTTP client, and the seven
// step dispatch contract (resolve model, build URL, clone body, attach
// auth, dispatch, parse rate-limit hints, parse usage/tee stream) for each
// wire protocol the gateway speaks.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// dispatchError carries an upstream HTTP status for pkg/apierr to pass
// through, the same convention as the teacher's providers.StatusCoder.
type dispatchError struct {
	status  int
	message string
}

func (e *dispatchError) Error() string   { return e.message }
func (e *dispatchError) HTTPStatus() int { return e.status }

// modelUnmappedError is returned by a Dispatch call when the incoming model
// name has no entry in the endpoint's ModelMap — spec.md §4.2 step 1 requires
// this to short-circuit the call before any network request, as a 404. It
// satisfies core.ModelUnmappedError so pipeline.writeDispatchError can route
// it to apierr.WriteModelUnmapped without importing this package.
type modelUnmappedError struct {
	model string
}

func (e *modelUnmappedError) Error() string   { return fmt.Sprintf("no endpoint maps model %q", e.model) }
func (e *modelUnmappedError) HTTPStatus() int { return http.StatusNotFound }
func (e *modelUnmappedError) Model() string   { return e.model }

// unmappedUsage builds the UsageInformation{success:false} record spec.md
// §4.2/§7 require alongside a modelUnmappedError — dispatch never started,
// so there's no upstream host, duration, or token count to report.
func unmappedUsage(endpointID string, d *core.CallDetails) *core.UsageInformation {
	return &core.UsageInformation{
		EndpointID: endpointID,
		CallKind:   d.CallKind,
		Streaming:  d.ResponseShape == core.Streaming,
		StartedAt:  time.Now(),
		Success:    false,
		StatusCode: http.StatusNotFound,
	}
}

// New builds the core.Dispatcher implementation matching desc.Kind.
func New(desc core.EndpointDescriptor, httpClient *http.Client) (core.Dispatcher, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	switch desc.Kind {
	case core.KindAzureOpenAI:
		return &azureDispatcher{desc: desc, client: httpClient}, nil
	case core.KindOpenAI:
		return &openAIDispatcher{desc: desc, client: httpClient}, nil
	case core.KindAnthropic:
		return &anthropicDispatcher{desc: desc, client: httpClient}, nil
	case core.KindGoogleGenAI:
		return &genaiDispatcher{desc: desc, client: httpClient}, nil
	default:
		return nil, fmt.Errorf("endpoint: unknown kind %v", desc.Kind)
	}
}

// resolveModel maps an incoming model/deployment name to the upstream name
// via the descriptor's ModelMap. ok is false only when incoming names a
// model the map has no entry for — callers must fail the call with a 404
// before any network request rather than forwarding the raw name, per
// spec.md §4.2 step 1. A blank incoming name (no model in play, e.g. a
// request using an explicit deployment) always resolves ok.
func resolveModel(modelMap map[string]string, incoming string) (model string, ok bool) {
	if incoming == "" {
		return "", true
	}
	mapped, found := modelMap[incoming]
	return mapped, found
}

// cloneBodyWithModel re-marshals the inbound request body with "model"
// overwritten to the resolved upstream name, leaving every other field
// untouched — spec.md §4.2's "clone body" step.
func cloneBodyWithModel(raw []byte, model string) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// Non-JSON body (e.g. multipart audio upload) passes through
		// unmodified; model substitution doesn't apply.
		return raw, nil
	}
	if model != "" {
		m["model"] = model
	}
	return json.Marshal(m)
}

// parseRateLimitHints reads the two upstream rate-limit remaining headers
// the pipeline surfaces to limiter steps, defaulting to -1 (absent) when
// the upstream doesn't send them.
func parseRateLimitHints(h http.Header) (remainingRequests, remainingTokens int) {
	remainingRequests, remainingTokens = -1, -1
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		fmt.Sscanf(v, "%d", &remainingRequests)
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		fmt.Sscanf(v, "%d", &remainingTokens)
	}
	return
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers
	return client.Do(req)
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	return string(b)
}

// readAllAndRestore drains a buffered (non-streaming) response body so its
// bytes can both be parsed for usage and forwarded to the caller.
func readAllAndRestore(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func newBodyReader(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}
