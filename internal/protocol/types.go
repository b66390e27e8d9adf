package protocol

// ChatMessage is one message in a conversation (spec §3). Role is one of
// "system", "user", "assistant".
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams carries optional sampling knobs. Fields the core doesn't
// support are silently ignored (the adapter layer above the core is the one
// that warns about unsupported fields).
type SamplingParams struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"topP,omitempty"`
	TopK              *int     `json:"topK,omitempty"`
	RepetitionPenalty *float64 `json:"repetitionPenalty,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

// GenerateRequest is the payload of inference.generate and inference.stream.
type GenerateRequest struct {
	Model     string          `json:"model"`
	Messages  []ChatMessage   `json:"messages"`
	MaxTokens int             `json:"maxTokens,omitempty"`
	Stop      []string        `json:"stop,omitempty"`
	Sampling  *SamplingParams `json:"sampling,omitempty"`
}

// Usage holds best-effort token counts (spec §1: not token-accurate).
type Usage struct {
	PromptTokens     *int `json:"promptTokens,omitempty"`
	CompletionTokens *int `json:"completionTokens,omitempty"`
	TotalTokens      *int `json:"totalTokens,omitempty"`
}

// Timings holds wall-clock generation timings.
type Timings struct {
	TTFTMs          float64 `json:"ttftMs"`
	TotalMs         float64 `json:"totalMs"`
	TokensPerSecond float64 `json:"tokensPerSecond"`
}

// GenerateResponse is the payload of inference.generate.ok and the `final`
// field of inference.stream.end.
type GenerateResponse struct {
	RequestID string   `json:"requestId"`
	Text      string   `json:"text"`
	Usage     *Usage   `json:"usage,omitempty"`
	Timings   *Timings `json:"timings,omitempty"`
}

// --- stream event payloads ---

type StreamStartPayload struct {
	RequestID string `json:"requestId"`
}

type StreamTokenPayload struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
}

type StreamEndPayload struct {
	RequestID string           `json:"requestId"`
	Final     GenerateResponse `json:"final"`
}

type StreamErrorPayload struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// --- handshake ---

type HandshakeRequestPayload struct {
	AuthToken string `json:"authToken,omitempty"`
}

type Capabilities struct {
	ChatCompletions bool `json:"chatCompletions"`
	Stream          bool `json:"stream"`
	Download        bool `json:"download"`
}

type HandshakeOKPayload struct {
	ServerVersion string       `json:"serverVersion"`
	Capabilities  Capabilities `json:"capabilities"`
}

// --- model lifecycle ---

// DownloadSource is the tagged union {kind:"huggingface", repo, revision?}
// or {kind:"localPath", path}.
type DownloadSource struct {
	Kind     string `json:"kind"`
	Repo     string `json:"repo,omitempty"`
	Revision string `json:"revision,omitempty"`
	Path     string `json:"path,omitempty"`
}

const (
	DownloadSourceHuggingFace = "huggingface"
	DownloadSourceLocalPath   = "localPath"
)

type ModelDownloadRequestPayload struct {
	Source    DownloadSource `json:"source"`
	ModelsDir string         `json:"modelsDir,omitempty"`
}

type ModelDownloadOKPayload struct {
	Model     string `json:"model"`
	LocalPath string `json:"localPath"`
}

type ModelNamePayload struct {
	Model string `json:"model"`
}

type ModelLoadOKPayload struct {
	Model  string `json:"model"`
	Loaded bool   `json:"loaded"`
}

type ModelUnloadOKPayload struct {
	Model  string `json:"model"`
	Loaded bool   `json:"loaded"`
}

type ModelDeleteOKPayload struct {
	Model   string `json:"model"`
	Deleted bool   `json:"deleted"`
}

type ModelListOKPayload struct {
	Cached []string `json:"cached"`
	Loaded []string `json:"loaded"`
}

// --- cancel / reset ---

type CancelRequestPayload struct {
	RequestID string `json:"requestId"`
}

type CancelOKPayload struct {
	RequestID string `json:"requestId"`
	Cancelled bool   `json:"cancelled"`
}

type ResetRequestPayload struct {
	UnloadAll  *bool `json:"unloadAll,omitempty"`
	ClearCache bool  `json:"clearCache,omitempty"`
}

type ResetOKPayload struct {
	OK bool `json:"ok"`
}

// SplitPromptHistory locates the index of the last "user" message in
// messages. That message's content is the active prompt; everything before
// it (preserving order and roles) is history. If there is no user message,
// the prompt is empty and history is the full list (spec §4.4).
func SplitPromptHistory(messages []ChatMessage) (prompt string, history []ChatMessage) {
	lastUser := -1
	for i, m := range messages {
		if m.Role == "user" {
			lastUser = i
		}
	}
	if lastUser == -1 {
		return "", messages
	}
	prompt = messages[lastUser].Content
	history = make([]ChatMessage, lastUser)
	copy(history, messages[:lastUser])
	return prompt, history
}
