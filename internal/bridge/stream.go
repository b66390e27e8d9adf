package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kakaly/mlxhost/client"
)

// sseChunk is the top-level JSON object in each SSE event, matching the
// OpenAI streaming chunk shape.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
	Usage   *usage      `json:"usage,omitempty"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseDelta struct {
	Content string `json:"content,omitempty"`
}

// writeSSE reads decoded StreamEvents from the client package and writes
// them to w as OpenAI-compatible Server-Sent Events, ending with the
// "data: [DONE]" sentinel. A StreamError event makes it return an error
// at once, without writing the sentinel.
func writeSSE(w http.ResponseWriter, model string, events <-chan client.StreamEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var requestID string

	for event := range events {
		switch event.Kind {
		case client.StreamStart:
			requestID = event.RequestID

		case client.StreamToken:
			chunk := sseChunk{
				ID:     requestID,
				Object: "chat.completion.chunk",
				Model:  model,
				Choices: []sseChoice{
					{Index: 0, Delta: sseDelta{Content: event.Text}},
				},
			}
			if err := writeEvent(w, flusher, chunk); err != nil {
				return err
			}

		case client.StreamEnd:
			reason := "stop"
			chunk := sseChunk{
				ID:      requestID,
				Object:  "chat.completion.chunk",
				Model:   model,
				Choices: []sseChoice{{Index: 0, Delta: sseDelta{}, FinishReason: &reason}},
			}
			if event.Final != nil && event.Final.Usage != nil {
				chunk.Usage = &usage{
					PromptTokens:     intOrZero(event.Final.Usage.PromptTokens),
					CompletionTokens: intOrZero(event.Final.Usage.CompletionTokens),
					TotalTokens:      intOrZero(event.Final.Usage.TotalTokens),
				}
			}
			if err := writeEvent(w, flusher, chunk); err != nil {
				return err
			}

		case client.StreamError:
			return fmt.Errorf("stream error: %s: %s", event.Code, event.Message)
		}
	}

	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, chunk sseChunk) error {
	jsonBytes, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}
