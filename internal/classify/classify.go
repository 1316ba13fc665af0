// Package classify implements the Request Classifier: it turns a raw
// inbound HTTP method, path and body into a core.CallDetails, recognizing
// both Azure OpenAI's deployment-scoped path shape and OpenAI's flat
// /v1/... shape (plus the additive Anthropic and Gemini shapes).
package classify

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

var (
	azurePath  = regexp.MustCompile(`^/openai/deployments/([^/]+)/(chat/completions|completions|embeddings)$`)
	geminiPath = regexp.MustCompile(`^/v1beta/models/([^:]+):(generateContent|streamGenerateContent)$`)
)

// chatBody is the minimal shape every chat/completion-ish request shares
// across providers, enough to recover the model name, the prompt text for
// token estimation, and whether the caller asked for a stream.
type chatBody struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Content any `json:"content"`
	} `json:"messages"`
	Input      any    `json:"input"`      // embeddings
	AssistantID string `json:"assistant_id"`
}

// Classify builds a CallDetails from one inbound request. apiKey is the
// caller-supplied credential already extracted from the Authorization or
// api-key header by the caller (classification itself is header-shape
// agnostic — the pipeline owns header parsing).
func Classify(method, path, apiKey string, body []byte) (*core.CallDetails, error) {
	d := &core.CallDetails{
		Method: method,
		RawBody: body,
		APIKey: apiKey,
	}

	var b chatBody
	if len(body) > 0 {
		// Body may be non-JSON for e.g. audio transcription multipart
		// requests; classification degrades to path-only in that case.
		_ = json.Unmarshal(body, &b)
	}

	switch {
	case azurePath.MatchString(path):
		m := azurePath.FindStringSubmatch(path)
		d.DeploymentName = m[1]
		d.RemainingPath = m[2]
		classifyByRemainingPath(d, m[2], b)

	case geminiPath.MatchString(path):
		m := geminiPath.FindStringSubmatch(path)
		d.IncomingModelName = m[1]
		d.RemainingPath = "generateContent"
		d.CallKind = core.CallChat
		if m[2] == "streamGenerateContent" {
			d.ResponseShape = core.Streaming
		}

	case path == "/v1/messages":
		d.RemainingPath = "messages"
		d.CallKind = core.CallChat
		d.IncomingModelName = b.Model
		if b.Stream {
			d.ResponseShape = core.Streaming
		}

	case path == "/v1/chat/completions":
		d.RemainingPath = "chat/completions"
		classifyByRemainingPath(d, "chat/completions", b)

	case path == "/v1/completions":
		d.RemainingPath = "completions"
		classifyByRemainingPath(d, "completions", b)

	case path == "/v1/embeddings":
		d.RemainingPath = "embeddings"
		classifyByRemainingPath(d, "embeddings", b)

	case strings.HasPrefix(path, "/v1/audio/transcriptions"):
		d.RemainingPath = "audio/transcriptions"
		d.CallKind = core.CallTranscription

	case strings.HasPrefix(path, "/v1/audio/translations"):
		d.RemainingPath = "audio/translations"
		d.CallKind = core.CallTranslation

	case strings.HasPrefix(path, "/v1/images/generations"):
		d.RemainingPath = "images/generations"
		d.CallKind = core.CallImageGeneration

	case strings.HasPrefix(path, "/v1/assistants"), strings.HasPrefix(path, "/v1/threads"):
		d.RemainingPath = path
		d.CallKind = core.CallAssistantControl
		d.AssistantID = b.AssistantID

	default:
		d.RemainingPath = path
		d.CallKind = core.CallOther
	}

	if d.IncomingModelName == "" {
		d.IncomingModelName = b.Model
	}
	d.PromptText = promptText(b)

	return d, nil
}

func classifyByRemainingPath(d *core.CallDetails, remaining string, b chatBody) {
	switch remaining {
	case "chat/completions":
		d.CallKind = core.CallChat
	case "completions":
		d.CallKind = core.CallCompletion
	case "embeddings":
		d.CallKind = core.CallEmbedding
	}
	if b.Stream {
		d.ResponseShape = core.Streaming
	}
}

// promptText flattens whatever free-text the body carries (chat messages'
// content, or embeddings input) for the char÷4 token-estimation heuristic.
func promptText(b chatBody) string {
	var sb strings.Builder
	for _, m := range b.Messages {
		switch c := m.Content.(type) {
		case string:
			sb.WriteString(c)
			sb.WriteString(" ")
		case []any:
			for _, part := range c {
				if pm, ok := part.(map[string]any); ok {
					if text, ok := pm["text"].(string); ok {
						sb.WriteString(text)
						sb.WriteString(" ")
					}
				}
			}
		}
	}
	switch in := b.Input.(type) {
	case string:
		sb.WriteString(in)
	case []any:
		for _, v := range in {
			if s, ok := v.(string); ok {
				sb.WriteString(s)
				sb.WriteString(" ")
			}
		}
	}
	return sb.String()
}
