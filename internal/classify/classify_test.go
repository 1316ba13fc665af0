package classify

import (
	"testing"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

func TestClassify_AzureChatCompletions(t *testing.T) {
	d, err := Classify("POST", "/openai/deployments/gpt4-prod/chat/completions", "key", []byte(`{"model":"gpt-4","messages":[{"content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.DeploymentName != "gpt4-prod" {
		t.Errorf("expected deployment name gpt4-prod, got %q", d.DeploymentName)
	}
	if d.CallKind != core.CallChat {
		t.Errorf("expected CallChat, got %v", d.CallKind)
	}
	if d.PromptText != "hi " {
		t.Errorf("expected prompt text 'hi ', got %q", d.PromptText)
	}
}

func TestClassify_OpenAIEmbeddings(t *testing.T) {
	d, err := Classify("POST", "/v1/embeddings", "key", []byte(`{"model":"text-embedding-3-small","input":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.CallKind != core.CallEmbedding {
		t.Errorf("expected CallEmbedding, got %v", d.CallKind)
	}
	if d.IncomingModelName != "text-embedding-3-small" {
		t.Errorf("expected model name captured, got %q", d.IncomingModelName)
	}
}

func TestClassify_OpenAIStreamingChat(t *testing.T) {
	d, err := Classify("POST", "/v1/chat/completions", "key", []byte(`{"model":"gpt-4o","stream":true,"messages":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.ResponseShape != core.Streaming {
		t.Error("expected streaming response shape")
	}
}

func TestClassify_AnthropicMessages(t *testing.T) {
	d, err := Classify("POST", "/v1/messages", "key", []byte(`{"model":"claude-3-opus","stream":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.CallKind != core.CallChat {
		t.Errorf("expected CallChat for anthropic messages, got %v", d.CallKind)
	}
	if d.IncomingModelName != "claude-3-opus" {
		t.Errorf("expected model captured, got %q", d.IncomingModelName)
	}
}

func TestClassify_GeminiStreamingPath(t *testing.T) {
	d, err := Classify("POST", "/v1beta/models/gemini-1.5-pro:streamGenerateContent", "key", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.IncomingModelName != "gemini-1.5-pro" {
		t.Errorf("expected model gemini-1.5-pro, got %q", d.IncomingModelName)
	}
	if d.ResponseShape != core.Streaming {
		t.Error("expected streaming response shape from :streamGenerateContent suffix")
	}
}

func TestClassify_UnknownPathIsOther(t *testing.T) {
	d, err := Classify("GET", "/some/unrecognized/path", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.CallKind != core.CallOther {
		t.Errorf("expected CallOther, got %v", d.CallKind)
	}
}

func TestClassify_AssistantControlCapturesAssistantID(t *testing.T) {
	d, err := Classify("POST", "/v1/threads/thread_123/runs", "key", []byte(`{"assistant_id":"asst_abc"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.CallKind != core.CallAssistantControl {
		t.Errorf("expected CallAssistantControl, got %v", d.CallKind)
	}
	if d.AssistantID != "asst_abc" {
		t.Errorf("expected assistant id captured, got %q", d.AssistantID)
	}
}
