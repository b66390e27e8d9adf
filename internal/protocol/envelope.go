// Package protocol defines the wire-level envelope and the typed payload
// records that flow over it between the host and the client.
package protocol

import "encoding/json"

// Envelope is the single object carried by every frame: an optional
// correlation id, a required type tag, and an optional arbitrary payload.
// Envelopes are immutable once queued for send.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload is allowed
// (some replies, like inference.cancel's ack, still carry one; plain acks
// without a payload pass nil).
func NewEnvelope(id, typ string, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope's payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// Request/response/event type tags (spec §6 message catalogue).
const (
	TypeHandshake    = "handshake"
	TypeHandshakeOK  = "handshake.ok"
	TypeModelDownload   = "model.download"
	TypeModelDownloadOK = "model.download.ok"
	TypeModelLoad    = "model.load"
	TypeModelLoadOK  = "model.load.ok"
	TypeModelUnload  = "model.unload"
	TypeModelUnloadOK = "model.unload.ok"
	TypeModelDelete  = "model.delete"
	TypeModelDeleteOK = "model.delete.ok"
	TypeModelList    = "model.list"
	TypeModelListOK  = "model.list.ok"

	TypeInferenceGenerate   = "inference.generate"
	TypeInferenceGenerateOK = "inference.generate.ok"

	TypeInferenceStream      = "inference.stream"
	TypeInferenceStreamStart = "inference.stream.start"
	TypeInferenceStreamToken = "inference.stream.token"
	TypeInferenceStreamEnd   = "inference.stream.end"
	TypeInferenceStreamError = "inference.stream.error"

	TypeInferenceCancel   = "inference.cancel"
	TypeInferenceCancelOK = "inference.cancel.ok"

	TypeReset   = "reset"
	TypeResetOK = "reset.ok"

	TypeError = "error"
)

// InferenceStreamPrefix is the type prefix used by the client to recognize
// stream events for demultiplexing (spec §4.6).
const InferenceStreamPrefix = "inference.stream."

// Error codes (spec §6, open-ended but this is the known set).
const (
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeUnknownType     = "unknown_type"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeInternal        = "internal"
	ErrCodeCancelled       = "cancelled"
	ErrCodeBackpressure    = "backpressure"
	ErrCodeTransportClosed = "transport_closed"
	ErrCodeStreamError     = "stream_error"
)

// ErrorPayload is the payload of every `error` envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
