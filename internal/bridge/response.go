package bridge

import "github.com/kakaly/mlxhost/internal/protocol"

// chatCompletionResponse is the OpenAI-shaped non-streaming response body.
type chatCompletionResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Model   string               `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *usage               `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toChatCompletionResponse(resp protocol.GenerateResponse) chatCompletionResponse {
	out := chatCompletionResponse{
		ID:     resp.RequestID,
		Object: "chat.completion",
		Choices: []chatCompletionChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: resp.Text},
				FinishReason: "stop",
			},
		},
	}
	if resp.Usage != nil {
		out.Usage = &usage{
			PromptTokens:     intOrZero(resp.Usage.PromptTokens),
			CompletionTokens: intOrZero(resp.Usage.CompletionTokens),
			TotalTokens:      intOrZero(resp.Usage.TotalTokens),
		}
	}
	return out
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
