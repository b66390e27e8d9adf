package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/kakaly/mlxhost/internal/protocol"
)

// chatCompletionRequest is the OpenAI-shaped request body for
// /v1/chat/completions. Only the fields this bridge understands are parsed;
// anything else is ignored rather than rejected.
type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Stop        []string        `json:"stop"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (r chatCompletionRequest) toGenerateRequest() protocol.GenerateRequest {
	messages := make([]protocol.ChatMessage, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = protocol.ChatMessage{Role: m.Role, Content: m.Content}
	}

	var sampling *protocol.SamplingParams
	if r.Temperature != nil || r.TopP != nil {
		sampling = &protocol.SamplingParams{Temperature: r.Temperature, TopP: r.TopP}
	}

	return protocol.GenerateRequest{
		Model:     r.Model,
		Messages:  messages,
		MaxTokens: r.MaxTokens,
		Stop:      r.Stop,
		Sampling:  sampling,
	}
}

// handleHealth responds with a simple JSON liveness probe.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListModels exposes model.list in an OpenAI-ish `{data: [...]}` shape.
func (b *Bridge) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := b.client.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Loaded bool   `json:"loaded"`
	}

	loaded := make(map[string]bool, len(list.Loaded))
	for _, m := range list.Loaded {
		loaded[m] = true
	}

	data := make([]modelEntry, 0, len(list.Cached))
	for _, m := range list.Cached {
		data = append(data, modelEntry{ID: m, Object: "model", Loaded: loaded[m]})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// handleChatCompletions handles POST /v1/chat/completions. It decodes the
// OpenAI-shaped request, translates it to a GenerateRequest, and dispatches
// to either the streaming or non-streaming path of the client package.
func (b *Bridge) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	genReq := req.toGenerateRequest()

	if req.Stream {
		b.streamChatCompletion(r.Context(), w, genReq)
		return
	}

	resp, err := b.client.Generate(r.Context(), genReq)
	if err != nil {
		log.Printf("bridge: generate error: %v", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("generate: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChatCompletionResponse(resp))
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (b *Bridge) streamChatCompletion(ctx context.Context, w http.ResponseWriter, req protocol.GenerateRequest) {
	requestID := uuid.NewString()

	events, err := b.client.Stream(req, requestID)
	if err != nil {
		log.Printf("bridge: stream error: %v", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("stream: %w", err))
		return
	}

	if err := writeSSE(w, req.Model, events); err != nil {
		log.Printf("bridge: sse write error: %v", err)
	}
}
