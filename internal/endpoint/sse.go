package endpoint

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// sseChoiceDelta is the minimal OpenAI/Azure-shaped streaming chunk shape;
// Anthropic and Gemini dispatchers use their own delta extraction but
// forward through the same teeStream harness.
type sseChoiceDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// teeStream reads upstream SSE lines, forwards each verbatim to the
// returned channel, and accumulates a char÷4 completion-token estimate from
// each delta extract returns. Grounded on the teacher's writeSSE, which
// estimates tokens the same way as the stream is forwarded rather than
// buffering the whole body first.
func teeStream(body io.ReadCloser, extractDelta func([]byte) string) (<-chan core.StreamChunk, func() int) {
	out := make(chan core.StreamChunk, 64)
	var estimated int64

	go func() {
		defer body.Close()
		defer close(out)

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			chunk := core.StreamChunk{Data: []byte(line + "\n")}

			if strings.HasPrefix(line, "data: ") {
				data := strings.TrimPrefix(line, "data: ")
				if data == "[DONE]" {
					chunk.Done = true
				} else if delta := extractDelta([]byte(data)); delta != "" {
					chunk.ContentDelta = delta
					atomic.AddInt64(&estimated, int64(core.EstimateTokens(delta)))
				}
			}
			out <- chunk
		}
	}()

	return out, func() int { return int(atomic.LoadInt64(&estimated)) }
}

func extractOpenAIDelta(data []byte) string {
	var d sseChoiceDelta
	if json.Unmarshal(data, &d) != nil || len(d.Choices) == 0 {
		return ""
	}
	return d.Choices[0].Delta.Content
}

// anthropicDeltaEvent matches the `content_block_delta` event's text_delta shape.
type anthropicDeltaEvent struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

func extractAnthropicDelta(data []byte) string {
	var e anthropicDeltaEvent
	if json.Unmarshal(data, &e) != nil {
		return ""
	}
	return e.Delta.Text
}

// geminiChunk matches one streamed GenerateContentResponse chunk.
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func extractGeminiDelta(data []byte) string {
	var c geminiChunk
	if json.Unmarshal(data, &c) != nil || len(c.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}
