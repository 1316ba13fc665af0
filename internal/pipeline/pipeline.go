// Package pipeline orchestrates one named gateway pipeline end to end:
// classify → auth → ordered limiter steps → endpoint selection with
// failover → dispatch → telemetry and usage logging. It is the generalization
// of the teacher's single Gateway.dispatchChat/dispatchEmbeddings into a
// reusable flow driven entirely by the Selector/Step/Dispatcher contracts in
// internal/core, so a process can run many independently configured
// pipelines side by side.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aicentral-gateway/internal/cache"
	"github.com/nulpointcorp/aicentral-gateway/internal/classify"
	"github.com/nulpointcorp/aicentral-gateway/internal/core"
	"github.com/nulpointcorp/aicentral-gateway/internal/latency"
	"github.com/nulpointcorp/aicentral-gateway/internal/selector"
	"github.com/nulpointcorp/aicentral-gateway/internal/telemetry"
	"github.com/nulpointcorp/aicentral-gateway/pkg/apierr"
)

// UsageSink receives one UsageInformation per completed request. Pipeline
// never blocks on it — implementations (internal/logger) own their own
// buffering, matching the teacher's "never blocks" async request logger.
type UsageSink interface {
	Enqueue(core.UsageInformation)
}

type noopSink struct{}

func (noopSink) Enqueue(core.UsageInformation) {}

// Options configures one Pipeline. Only Name and Selector are required;
// everything else defaults to an admit-everything / record-nothing no-op,
// matching the teacher's "optional dependencies, nil-safe" convention.
type Options struct {
	Name     string
	Auth     core.Step   // required in practice, but nil degrades to admit-all
	Steps    []core.Step // bulkhead, request-rate, token-rate, in Pre order
	Selector selector.Selector

	Latency   *latency.Tracker // optional; enables LowestLatency selection and latency telemetry
	Telemetry telemetry.Recorder
	Usage     UsageSink
	Log       *slog.Logger

	MaxRetries      int           // upstream attempts per request, including the first. Default 3.
	ProviderTimeout time.Duration // per-attempt ceiling. Default 30s.

	// Cache, when non-nil, enables exact-match response caching for
	// buffered chat/completion/embedding calls. CacheExclusions filters out
	// models that must always bypass the cache; nil allows every model.
	Cache           cache.Cache
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList
}

// Pipeline is one configured request-handling flow, safe for concurrent use.
type Pipeline struct {
	name     string
	auth     core.Step
	steps    []core.Step
	selector selector.Selector

	latency   *latency.Tracker
	telemetry telemetry.Recorder
	usage     UsageSink
	log       *slog.Logger

	maxRetries      int
	providerTimeout time.Duration

	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList
}

// New builds a Pipeline from Options, filling in nil-safe defaults.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		name:            opts.Name,
		auth:            opts.Auth,
		steps:           opts.Steps,
		selector:        opts.Selector,
		latency:         opts.Latency,
		telemetry:       opts.Telemetry,
		usage:           opts.Usage,
		log:             opts.Log,
		maxRetries:      opts.MaxRetries,
		providerTimeout: opts.ProviderTimeout,
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		cacheExclusions: opts.CacheExclusions,
	}
	if p.telemetry == nil {
		p.telemetry = telemetry.NoopRecorder{}
	}
	if p.usage == nil {
		p.usage = noopSink{}
	}
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.providerTimeout <= 0 {
		p.providerTimeout = 30 * time.Second
	}
	return p
}

// Name identifies the pipeline for routing and telemetry tagging.
func (p *Pipeline) Name() string { return p.name }

// Handle serves one inbound request end to end, writing directly to ctx.
func (p *Pipeline) Handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	apiKey := extractAPIKey(ctx)
	d, err := classify.Classify(string(ctx.Method()), string(ctx.Path()), apiKey, ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	d.Host = string(ctx.Host())
	d.RequestID = reqID
	d.StartedAt = start
	d.PreferredEndpointID = string(ctx.Request.Header.Peek(affinityHeader))

	p.telemetry.UpDownCounter("active_requests", telemetry.Tags{Pipeline: p.name}, 1)
	defer p.telemetry.UpDownCounter("active_requests", telemetry.Tags{Pipeline: p.name}, -1)

	ran, rejected := p.runPre(ctx, d)
	if rejected != nil {
		p.runPost(ctx, d, ran, nil)
		writePreRejection(ctx, *rejected)
		p.logOutcome(d, nil, time.Since(start), false)
		return
	}

	cacheKey, cacheable := p.cacheKeyFor(d)
	if cacheable {
		if body, hit := p.cache.Get(ctx, cacheKey); hit {
			usage := &core.UsageInformation{
				EndpointID: "cache", CallKind: d.CallKind, StartedAt: start, Success: true,
				StatusCode: fasthttp.StatusOK,
			}
			p.runPost(ctx, d, ran, usage)
			p.writeCached(ctx, body)
			p.logOutcome(d, usage, time.Since(start), true)
			return
		}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	defer cancel()

	usage, resp, derr := p.dispatch(dispatchCtx, d)

	if derr != nil {
		p.runPost(ctx, d, ran, usage)
		p.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("pipeline", p.name),
			slog.String("error", derr.Error()),
		)
		writeDispatchError(ctx, derr)
		p.logOutcome(d, usage, time.Since(start), false)
		return
	}

	if resp.Streaming {
		// runPost is deferred to writeStream: usage.CompletionTokens and
		// usage.TotalTokens aren't final until the stream drains, and
		// TokenRate.Post needs the real totals to reconcile its reservation.
		p.writeStream(ctx, d, usage, resp, start, ran)
		return
	}

	p.runPost(ctx, d, ran, usage)
	p.writeBuffered(ctx, d, usage, resp, cacheKey)
	p.logOutcome(d, usage, time.Since(start), true)
}

// cacheKeyFor reports whether d is eligible for exact-match response caching
// and, if so, the key its response would be stored/looked up under. Only
// buffered chat/completion/embedding calls are cached — streaming responses
// and every other call kind always bypass the cache.
func (p *Pipeline) cacheKeyFor(d *core.CallDetails) (string, bool) {
	if p.cache == nil || d.ResponseShape != core.Buffered {
		return "", false
	}
	switch d.CallKind {
	case core.CallChat, core.CallCompletion, core.CallEmbedding:
	default:
		return "", false
	}
	if p.cacheExclusions.Matches(d.IncomingModelName) {
		return "", false
	}
	return cache.Key(d.ConsumerID, p.name, d.IncomingModelName, d.RawBody), true
}

// affinityHeader is the inbound header a caller sets to pin a request to a
// specific endpoint, honored by selector.Affinity.Choose (spec.md §4.3/§6).
const affinityHeader = "x-aicentral-affinity"

// pipelineHeader names the diagnostics header every response carries,
// reporting which pipeline served the call.
const pipelineHeader = "x-aicentral-pipeline"

// streamingTokensTrailer carries the final completion-token estimate on a
// streamed response, set only once the stream has fully drained.
const streamingTokensTrailer = "x-aicentral-streaming-tokens"

// runPre drives every Step's Pre hook (auth first) in configured order,
// stopping at the first rejection. ran lists the steps (auth first, when
// configured) whose Pre actually admitted the call, so runPost only releases
// resources that were actually reserved — mirroring Bulkhead's "Post always
// releases what Pre reserved" contract.
func (p *Pipeline) runPre(ctx context.Context, d *core.CallDetails) (ran []core.Step, rejected *core.PreResult) {
	all := make([]core.Step, 0, len(p.steps)+1)
	if p.auth != nil {
		all = append(all, p.auth)
	}
	all = append(all, p.steps...)

	for _, step := range all {
		result, err := step.Pre(ctx, d)
		if err != nil {
			p.log.WarnContext(ctx, "step_error",
				slog.String("pipeline", p.name), slog.String("step", step.Name()), slog.String("error", err.Error()))
			continue // nil-safe degrade to admit, matching the teacher's rpmLimiter "err == nil && !allowed" gate
		}
		if result.Reject {
			return ran, &result
		}
		ran = append(ran, step)
	}
	return ran, nil
}

// runPost unwinds ran in reverse order, regardless of outcome.
func (p *Pipeline) runPost(ctx context.Context, d *core.CallDetails, ran []core.Step, usage *core.UsageInformation) {
	for i := len(ran) - 1; i >= 0; i-- {
		ran[i].Post(ctx, d, usage)
	}
}

// dispatch chooses an endpoint and walks a failover cascade over the
// selector's flattened candidate list, bounded by maxRetries, generalizing
// the teacher's requestWithFailover to any Selector shape.
func (p *Pipeline) dispatch(ctx context.Context, d *core.CallDetails) (*core.UsageInformation, *core.DispatchResponse, error) {
	if p.selector == nil {
		return nil, nil, errors.New("pipeline: no selector configured")
	}

	primary, ok := p.selector.Choose(ctx, d)
	if !ok {
		return nil, nil, errNoEndpoint{}
	}
	candidates := orderedCandidates(p.selector.Flatten(), primary)

	var lastErr error
	attempts := 0
	for _, disp := range candidates {
		if attempts >= p.maxRetries {
			break
		}
		attempts++

		attemptStart := time.Now()
		usage, resp, err := disp.Dispatch(ctx, d)
		dur := time.Since(attemptStart)

		if err == nil {
			p.recordOutcome(disp.EndpointID(), dur, true)
			return usage, resp, nil
		}

		p.recordOutcome(disp.EndpointID(), dur, false)
		p.telemetry.Histogram("upstream_attempt_seconds", telemetry.Tags{
			Pipeline: p.name, Endpoint: disp.EndpointID(), CallKind: d.CallKind.String(), Success: false,
		}, dur.Seconds())

		lastErr = err
		if !p.isRetryable(disp.EndpointID(), err) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errNoEndpoint{}
	}
	return nil, nil, fmt.Errorf("pipeline: %s: all endpoints failed after %d attempt(s): %w", p.name, attempts, lastErr)
}

// recordOutcome feeds the latency tracker and, for a Priority selector, the
// circuit breaker — both are no-ops for selector shapes that don't use them.
func (p *Pipeline) recordOutcome(endpointID string, dur time.Duration, success bool) {
	if p.latency != nil {
		p.latency.Record(endpointID, dur)
	}
	if pr, ok := p.selector.(*selector.Priority); ok {
		if success {
			pr.RecordSuccess(endpointID)
		} else {
			pr.RecordFailure(endpointID)
		}
	}
}

// isRetryable mirrors the teacher's isRetryable: timeouts and 5xx cascade to
// the next candidate, 4xx does not — except that under a Priority selector a
// 429 cascades too, and any 4xx does when the endpoint's tier explicitly
// opts into RetryOn4xx (spec.md §6's per-tier override).
func (p *Pipeline) isRetryable(endpointID string, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	sc, ok := err.(core.StatusCoder)
	if !ok {
		return true
	}
	status := sc.HTTPStatus()
	if status >= 500 {
		return true
	}
	if pr, ok := p.selector.(*selector.Priority); ok {
		return status == fasthttp.StatusTooManyRequests || pr.RetryOn4xxFor(endpointID)
	}
	return false
}

// orderedCandidates puts primary first (if present), followed by the rest of
// flattened in their existing order, deduped.
func orderedCandidates(flattened []core.Dispatcher, primary core.Dispatcher) []core.Dispatcher {
	out := make([]core.Dispatcher, 0, len(flattened))
	seen := make(map[string]bool, len(flattened))
	if primary != nil {
		out = append(out, primary)
		seen[primary.EndpointID()] = true
	}
	for _, d := range flattened {
		if seen[d.EndpointID()] {
			continue
		}
		seen[d.EndpointID()] = true
		out = append(out, d)
	}
	return out
}

type errNoEndpoint struct{}

func (errNoEndpoint) Error() string { return "no endpoint available" }
func (errNoEndpoint) HTTPStatus() int { return fasthttp.StatusBadGateway }

func extractAPIKey(ctx *fasthttp.RequestCtx) string {
	if auth := string(ctx.Request.Header.Peek("Authorization")); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
		return auth
	}
	return string(ctx.Request.Header.Peek("api-key"))
}

func writePreRejection(ctx *fasthttp.RequestCtx, r core.PreResult) {
	if r.RetryAfter > 0 {
		apierr.WriteAdmissionRejected(ctx, string(r.Body), r.RetryAfter)
		return
	}
	ctx.SetStatusCode(r.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(r.Body)
}

func writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var noEndpoint errNoEndpoint
	if errors.As(err, &noEndpoint) {
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	var unmapped core.ModelUnmappedError
	if errors.As(err, &unmapped) {
		apierr.WriteModelUnmapped(ctx, unmapped.Model())
		return
	}
	var sc core.StatusCoder
	if errors.As(err, &sc) {
		if sc.HTTPStatus() == fasthttp.StatusTooManyRequests {
			apierr.WriteUpstreamRateLimited(ctx, err.Error(), "")
			return
		}
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

func (p *Pipeline) writeBuffered(ctx *fasthttp.RequestCtx, d *core.CallDetails, usage *core.UsageInformation, resp *core.DispatchResponse, cacheKey string) {
	defer resp.Body.Close()
	ctx.SetStatusCode(resp.StatusCode)
	for k := range resp.Header {
		ctx.Response.Header.Set(k, resp.Header.Get(k))
	}
	ctx.SetContentType("application/json")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to read upstream body", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetBody(body)
	ctx.Response.Header.Set(pipelineHeader, p.name)
	ctx.Response.Header.Set(affinityHeader, usage.EndpointID)

	if cacheKey != "" && usage.Success && resp.StatusCode == fasthttp.StatusOK {
		_ = p.cache.Set(ctx, cacheKey, body, p.cacheTTL)
	}

	p.telemetry.Histogram("request_duration_seconds", telemetry.Tags{
		Pipeline: p.name, Endpoint: usage.EndpointID, Deployment: usage.DeploymentOrModel,
		Model: d.IncomingModelName, CallKind: d.CallKind.String(), Streaming: false, Success: true, ClientName: d.ConsumerID,
	}, usage.UpstreamDuration.Seconds())
	p.telemetry.Histogram("prompt_tokens", telemetry.Tags{Pipeline: p.name, Endpoint: usage.EndpointID}, float64(usage.PromptTokens))
	p.telemetry.Histogram("completion_tokens", telemetry.Tags{Pipeline: p.name, Endpoint: usage.EndpointID}, float64(usage.CompletionTokens))
}

// writeCached serves a cached response body directly, skipping dispatch
// entirely. The response carries the same diagnostics headers a live
// dispatch would, with EndpointID "cache" standing in for the endpoint.
func (p *Pipeline) writeCached(ctx *fasthttp.RequestCtx, body []byte) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	ctx.Response.Header.Set(pipelineHeader, p.name)
	ctx.Response.Header.Set(affinityHeader, "cache")
}

// writeStream pipes DispatchResponse.Stream to the caller as SSE, matching
// the teacher's writeSSE pass-through, and enqueues the usage log only once
// the stream drains (completion tokens aren't known until then).
func (p *Pipeline) writeStream(ctx *fasthttp.RequestCtx, d *core.CallDetails, usage *core.UsageInformation, resp *core.DispatchResponse, start time.Time, ran []core.Step) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set(pipelineHeader, p.name)
	ctx.Response.Header.Set(affinityHeader, usage.EndpointID)
	if err := ctx.Response.Header.SetTrailer(streamingTokensTrailer); err != nil {
		p.log.WarnContext(ctx, "trailer_declare_failed", slog.String("pipeline", p.name), slog.String("error", err.Error()))
	}
	ctx.SetStatusCode(resp.StatusCode)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()

		for chunk := range resp.Stream {
			_, _ = w.Write(chunk.Data)
			_ = w.Flush()
		}

		if resp.CompletionTokens != nil {
			usage.CompletionTokens = resp.CompletionTokens()
			usage.EstimatedCompletionTokens = usage.CompletionTokens
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		usage.UpstreamDuration = time.Since(start)

		ctx.Response.Header.Set(streamingTokensTrailer, strconv.Itoa(usage.CompletionTokens))
		_ = w.Flush()

		p.runPost(ctx, d, ran, usage)

		p.telemetry.Histogram("request_duration_seconds", telemetry.Tags{
			Pipeline: p.name, Endpoint: usage.EndpointID, Deployment: usage.DeploymentOrModel,
			Model: d.IncomingModelName, CallKind: d.CallKind.String(), Streaming: true, Success: true, ClientName: d.ConsumerID,
		}, usage.UpstreamDuration.Seconds())
		p.logOutcome(d, usage, time.Since(start), true)
	})
}

func (p *Pipeline) logOutcome(d *core.CallDetails, usage *core.UsageInformation, elapsed time.Duration, success bool) {
	if usage == nil {
		usage = &core.UsageInformation{CallKind: d.CallKind, StartedAt: d.StartedAt, Success: success}
	}
	p.usage.Enqueue(*usage)

	p.log.Info("request",
		slog.String("request_id", d.RequestID),
		slog.String("pipeline", p.name),
		slog.String("consumer", d.ConsumerID),
		slog.String("call_kind", d.CallKind.String()),
		slog.String("model", d.IncomingModelName),
		slog.Bool("success", success),
		slog.Duration("elapsed", elapsed),
	)
}
