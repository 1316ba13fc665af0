// Package core holds the data model shared by every pipeline component —
// classifier, selector, limiters, dispatcher — so none of those packages
// need to import each other directly.
package core

import (
	"context"
	"io"
	"net/http"
	"time"
)

// CallKind is the inferred semantic type of an inbound request.
type CallKind int

const (
	CallUnknown CallKind = iota
	CallChat
	CallCompletion
	CallEmbedding
	CallImageGeneration
	CallTranscription
	CallTranslation
	CallAssistantControl
	CallOther
)

func (k CallKind) String() string {
	switch k {
	case CallChat:
		return "chat"
	case CallCompletion:
		return "completion"
	case CallEmbedding:
		return "embedding"
	case CallImageGeneration:
		return "image_generation"
	case CallTranscription:
		return "transcription"
	case CallTranslation:
		return "translation"
	case CallAssistantControl:
		return "assistant_control"
	case CallOther:
		return "other"
	default:
		return "unknown"
	}
}

// ResponseShape tells the pipeline whether the upstream response is a single
// buffered JSON body or a streamed SSE body.
type ResponseShape int

const (
	Buffered ResponseShape = iota
	Streaming
)

// CallDetails is produced once per request by the classifier and is
// immutable from that point on, except for a few fields the pipeline fills
// in from request headers before running Steps: ConsumerID (Auth step) and
// PreferredEndpointID, which the pipeline copies from the inbound
// x-aicentral-affinity header — classify.Classify is header-shape agnostic
// by design, so this never happens during classification itself.
type CallDetails struct {
	CallKind          CallKind
	IncomingModelName string // empty when the call kind carries none
	DeploymentName    string
	AssistantID       string
	PromptText        string
	ResponseShape     ResponseShape
	RemainingPath     string
	RawBody           []byte
	ConsumerID        string // filled by the Auth step
	PreferredEndpointID string // copied from the x-aicentral-affinity request header by the pipeline
	APIKey            string // bearer/api-key header value, consumed by the Auth step

	Method    string
	Host      string
	RequestID string
	StartedAt time.Time
}

// EstimatedPromptTokens is the char÷4 budgeting heuristic spec.md §9
// recommends, applied to PromptText. It is never exact — only used to
// reserve capacity in the token-rate limiter before the real usage is known.
func (c *CallDetails) EstimatedPromptTokens() int {
	return charHeuristicTokens(c.PromptText)
}

func charHeuristicTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// EstimateTokens exposes the same heuristic for arbitrary text (streaming
// completion chunks, embeddings input, ...).
func EstimateTokens(s string) int { return charHeuristicTokens(s) }

// EndpointKind identifies the upstream wire protocol an EndpointDescriptor
// speaks. AzureOpenAI and OpenAI are the two kinds spec.md names; Anthropic
// and GoogleGenAI are additive (see SPEC_FULL.md DOMAIN STACK).
type EndpointKind int

const (
	KindAzureOpenAI EndpointKind = iota
	KindOpenAI
	KindAnthropic
	KindGoogleGenAI
)

// AuthMaterial is the credential an EndpointDescriptor dispatches with.
// Exactly one of APIKey or TokenProvider should be set for Azure; OpenAI-
// shaped endpoints always use APIKey (+ optional Organization).
type AuthMaterial struct {
	APIKey       string
	Organization string
	TokenProvider TokenProvider
}

// TokenProvider supplies a short-lived bearer token, e.g. an Azure AD
// access token acquired via azidentity. Implementations must cache and
// refresh internally — callers invoke GetToken on every dispatch.
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
}

// EndpointDescriptor is immutable, process-lifetime upstream configuration.
type EndpointDescriptor struct {
	ID             string
	Kind           EndpointKind
	BaseURL        string
	APIVersion     string // AzureOpenAI only
	Auth           AuthMaterial
	ModelMap       map[string]string // incoming model name -> upstream model/deployment name
	MaxConcurrency int               // 0 = unbounded
}

// UsageInformation is produced exactly once per request by the Dispatcher
// and consumed by every step's Post hook on the way back up the pipeline.
type UsageInformation struct {
	EndpointID        string
	UpstreamHost       string
	DeploymentOrModel string
	CallKind          CallKind
	Streaming         bool
	Success           bool

	PromptTokens              int
	CompletionTokens          int
	TotalTokens               int
	EstimatedCompletionTokens int // streaming only, filled once the stream drains

	UpstreamDuration time.Duration
	StartedAt        time.Time

	RemainingRequestsHint int // -1 when absent
	RemainingTokensHint   int // -1 when absent

	StatusCode int
}

// StreamChunk is one SSE delta forwarded to the caller while the tee
// estimates completion tokens.
type StreamChunk struct {
	Data         []byte // raw bytes to forward verbatim ("data: ...\n\n")
	ContentDelta string // parsed choices[*].delta.content, used for estimation
	Done         bool
}

// DispatchResponse is the Dispatcher's return value for one upstream call.
// Exactly one of Body or Stream is meaningful, selected by Streaming.
type DispatchResponse struct {
	StatusCode int
	Header     http.Header
	Streaming  bool

	// Body holds the full response for a Buffered call. Callers must Close it.
	Body io.ReadCloser

	// Stream, when Streaming is true, yields forwarded chunks; the channel
	// is closed by the dispatcher when the upstream body is exhausted.
	// CompletionTokens resolves once Stream is drained.
	Stream           <-chan StreamChunk
	CompletionTokens func() int // valid only after Stream closes
}

// Dispatcher executes one upstream HTTP call for the chosen endpoint.
type Dispatcher interface {
	EndpointID() string
	MaxConcurrency() int
	Dispatch(ctx context.Context, details *CallDetails) (*UsageInformation, *DispatchResponse, error)
}

// StatusCoder is implemented by errors that carry a concrete HTTP status,
// the same convention the teacher's providers.StatusCoder uses.
type StatusCoder interface {
	HTTPStatus() int
}

// ModelUnmappedError is implemented by a Dispatch error reporting that the
// incoming model name has no entry in the endpoint's ModelMap (spec.md §4.2
// step 1, §7's ModelUnmapped disposition). internal/pipeline type-asserts
// against this interface, rather than internal/endpoint's concrete error
// type, so it doesn't need to import internal/endpoint.
type ModelUnmappedError interface {
	error
	HTTPStatus() int
	Model() string
}

// PreResult is returned by a Step's Pre hook. A Step that wants to reject
// the call short-circuits the pipeline with Reject=true; the pipeline then
// writes StatusCode/Body/RetryAfter directly to the caller without ever
// reaching the selector or dispatcher.
type PreResult struct {
	Reject     bool
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

// Allow is the zero-value convenience result for a Step that admits the call.
var Allow = PreResult{}

// Step is one entry in a Pipeline's two-sided stack: auth and the bulkhead,
// request-rate and token-rate limiters are all Steps (endpoint affinity is
// a Selector, not a Step). Pre hooks run in configured order before dispatch and can
// short-circuit; Post hooks run in reverse order after the dispatcher
// returns (or after a Pre rejection further down the stack), always —
// so a Step that reserved capacity in Pre can always release it in Post.
type Step interface {
	Name() string
	Pre(ctx context.Context, d *CallDetails) (PreResult, error)
	Post(ctx context.Context, d *CallDetails, usage *UsageInformation)
}
