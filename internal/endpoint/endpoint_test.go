package endpoint

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

func TestOpenAIDispatcher_BufferedChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o" {
			t.Errorf("expected resolved model gpt-4o, got %v", body["model"])
		}
		w.Header().Set("x-ratelimit-remaining-requests", "59")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hi"}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	desc := core.EndpointDescriptor{
		ID:       "openai-1",
		Kind:     core.KindOpenAI,
		BaseURL:  srv.URL + "/v1",
		Auth:     core.AuthMaterial{APIKey: "sk-test"},
		ModelMap: map[string]string{"gpt-4o-mini": "gpt-4o"},
	}
	dispatcher, err := New(desc, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	d := &core.CallDetails{
		CallKind:          core.CallChat,
		IncomingModelName: "gpt-4o-mini",
		RemainingPath:     "chat/completions",
		RawBody:           []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`),
	}

	usage, resp, err := dispatcher.Dispatch(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if usage.PromptTokens != 10 || usage.CompletionTokens != 5 || usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", usage)
	}
	if usage.RemainingRequestsHint != 59 {
		t.Errorf("expected rate-limit hint 59, got %d", usage.RemainingRequestsHint)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if len(b) == 0 {
		t.Error("expected a non-empty forwarded body")
	}
}

func TestOpenAIDispatcher_UpstreamErrorIsStatusCoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	desc := core.EndpointDescriptor{ID: "openai-1", Kind: core.KindOpenAI, BaseURL: srv.URL, Auth: core.AuthMaterial{APIKey: "sk"}}
	dispatcher, _ := New(desc, srv.Client())

	_, _, err := dispatcher.Dispatch(context.Background(), &core.CallDetails{RawBody: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected an error")
	}
	sc, ok := err.(core.StatusCoder)
	if !ok {
		t.Fatalf("expected error to implement StatusCoder, got %T", err)
	}
	if sc.HTTPStatus() != 429 {
		t.Errorf("expected status 429, got %d", sc.HTTPStatus())
	}
}

func TestAzureDispatcher_BuildsDeploymentScopedURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("api-key") != "azkey" {
			t.Errorf("expected api-key header, got %q", r.Header.Get("api-key"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "1", "model": "gpt-4o", "usage": map[string]any{}})
	}))
	defer srv.Close()

	desc := core.EndpointDescriptor{
		ID: "azure-1", Kind: core.KindAzureOpenAI, BaseURL: srv.URL,
		APIVersion: "2024-12-01-preview", Auth: core.AuthMaterial{APIKey: "azkey"},
	}
	dispatcher, _ := New(desc, srv.Client())

	d := &core.CallDetails{DeploymentName: "gpt4-prod", RemainingPath: "chat/completions", RawBody: []byte(`{"messages":[]}`)}
	_, _, err := dispatcher.Dispatch(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/openai/deployments/gpt4-prod/chat/completions" {
		t.Errorf("unexpected upstream path: %s", gotPath)
	}
}
